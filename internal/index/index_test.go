package index

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go-shot-diagnostics/internal/model"
)

func records() []model.OutcomeRecord {
	a := model.NewOutcome(7, "exl50u", "HA01")
	a.ErrorNames = []string{"error_ha_saturation"}
	b := model.NewOutcome(7, "exl50u", "HA02")
	c := model.NewOutcome(7, "eng50u", "MP01")
	c.ErrorNames = []string{"error_magnetics_drift", "error_magnetics_error_probe"}
	c.Status = model.StatusProcessingError
	c.StatusMessage = "boom"
	return []model.OutcomeRecord{a, b, c}
}

func TestBuild(t *testing.T) {
	idx := Build(records())

	assert.NotContains(t, idx, "status")
	assert.NotContains(t, idx, "status_message")
	assert.Equal(t, map[string][]int{"7": {0, 1, 2}}, idx[AttrShot])
	assert.Equal(t, map[string][]int{"exl50u": {0, 1}, "eng50u": {2}}, idx[AttrDBName])
	assert.Equal(t, map[string][]int{"HA": {0, 1}, "MP": {2}}, idx[AttrChannelType])
	assert.Equal(t, map[string][]int{
		"error_ha_saturation":         {0},
		model.NoErrorBucket:           {1},
		"error_magnetics_drift":       {2},
		"error_magnetics_error_probe": {2},
	}, idx[AttrErrorName])
	assert.Equal(t, []string{"HA01", "HA02", "MP01"}, Values(idx, AttrChannelName))
}

func TestBuildEmpty(t *testing.T) {
	assert.Empty(t, Build(nil))
}

func TestReplaceErrors(t *testing.T) {
	b := FromShotIndex(Build(records()))

	b.ReplaceErrors(1, nil, []string{"error_ha_saturation"})
	assert.Equal(t, []int{0, 1}, b.Positions(AttrErrorName, "error_ha_saturation"))
	assert.Nil(t, b.Positions(AttrErrorName, model.NoErrorBucket))

	b.ReplaceErrors(0, []string{"error_ha_saturation"}, nil)
	assert.Equal(t, []int{1}, b.Positions(AttrErrorName, "error_ha_saturation"))
	assert.Equal(t, []int{0}, b.Positions(AttrErrorName, model.NoErrorBucket))
}
