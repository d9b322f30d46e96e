package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelType(t *testing.T) {
	cases := map[string]string{
		"HA01":     "HA",
		"axuv12":   "AXUV",
		"MIR03":    "Mirnov",
		"FLUX1":    "FLUX",
		"IP":       "IP",
		"TS_CORE1": "TS_CORE",
		"7X":       "",
	}
	for channel, want := range cases {
		assert.Equal(t, want, ChannelType(channel), channel)
	}
}

func TestBucket(t *testing.T) {
	for _, typ := range []string{"MP", "FLUX", "IPF"} {
		assert.Equal(t, BucketMagnetics, Bucket(typ))
	}
	assert.Equal(t, "HA", Bucket("HA"))
	assert.Equal(t, "Mirnov", Bucket("Mirnov"))
}

func TestStatusValid(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("skipped").Valid())
}

func TestShotRange(t *testing.T) {
	r := ShotRange{Start: 5, End: 8}
	assert.Equal(t, 4, r.Size())
	assert.Equal(t, []int{5, 6, 7, 8}, r.Shots())
	assert.True(t, r.Contains(5))
	assert.True(t, r.Contains(8))
	assert.False(t, r.Contains(9))
	assert.Equal(t, "5_8", r.String())

	assert.Equal(t, 0, ShotRange{Start: 3, End: 2}.Size())
	assert.Empty(t, ShotRange{Start: 3, End: 2}.Shots())
}

func TestRunRequestShotList(t *testing.T) {
	req := RunRequest{Range: ShotRange{Start: 1, End: 3}}
	assert.Equal(t, []int{1, 2, 3}, req.ShotList())

	req.Shots = []int{2}
	assert.Equal(t, []int{2}, req.ShotList())
}

func TestBatches(t *testing.T) {
	tasks := make([]Task, 5)
	for i := range tasks {
		tasks[i] = Task{Shot: i}
	}

	got := Batches(tasks, 2)
	assert.Len(t, got, 3)
	assert.Len(t, got[0], 2)
	assert.Len(t, got[2], 1)
	assert.Equal(t, 4, got[2][0].Shot)

	assert.Len(t, Batches(tasks, 0), 1)
	assert.Empty(t, Batches(nil, 3))
}

func TestMergeOutcomes(t *testing.T) {
	stored := []OutcomeRecord{NewOutcome(1, "db", "HA01"), NewOutcome(1, "db", "HA02")}
	fresh := NewOutcome(1, "db", "HA01")
	fresh.Fail(StatusEmptyData, "no samples")
	added := NewOutcome(1, "db", "HA03")

	got := MergeOutcomes(stored, []OutcomeRecord{fresh, added})
	assert.Len(t, got, 3)
	assert.Equal(t, "HA01", got[0].ChannelName)
	assert.Equal(t, StatusEmptyData, got[0].Status)
	assert.Equal(t, "no samples", got[0].StatusMessage)
	assert.Equal(t, "HA03", got[2].ChannelName)

	assert.NotNil(t, MergeOutcomes())
}

func TestOutcomeHelpers(t *testing.T) {
	rec := NewOutcome(7, "exl50u", "AXUV03")
	assert.Equal(t, "AXUV", rec.ChannelType)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.NotNil(t, rec.ErrorNames)
	assert.Equal(t, TaskKey{Shot: 7, DB: "exl50u", Channel: "AXUV03"}, rec.Key())
	assert.Equal(t, "7/exl50u/AXUV03", rec.Key().String())

	rec.ErrorNames = append(rec.ErrorNames, "error_axuv_saturation")
	assert.True(t, rec.HasError("error_axuv_saturation"))
	assert.False(t, rec.HasError("error_ha_saturation"))
}
