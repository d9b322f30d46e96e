package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-shot-diagnostics/internal/model"
)

func TestParseExpr_Precedence(t *testing.T) {
	n, err := ParseExpr("max(Y) - min(Y) > 2 * 3 and not Y < 0")
	require.NoError(t, err)
	assert.Equal(t, "(((max(Y) - min(Y)) > (2 * 3)) and (not (Y < 0)))", n.String())

	n, err = ParseExpr("np.max(Y) >= 1e3 | (Y == -1)")
	require.NoError(t, err)
	assert.Equal(t, "((max(Y) >= 1000) or (Y == (- 1)))", n.String())
}

func TestParseExpr_Errors(t *testing.T) {
	for _, src := range []string{
		"",
		"Y >",
		"(Y > 1",
		"X > 1",
		"eval(Y)",
		"Y > 1 )",
		"Y $ 2",
	} {
		_, err := ParseExpr(src)
		assert.Error(t, err, src)
	}
}

func TestJudge_Modes(t *testing.T) {
	y := []float64{1, 6, 7, 2, 9, 1}
	n, err := ParseExpr("Y > 5")
	require.NoError(t, err)

	seg, err := Judge(n, y, ModeSegments)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 2}, {4, 4}}, seg)

	glob, err := Judge(n, y, ModeGlobal)
	require.NoError(t, err)
	assert.Empty(t, glob)

	all, err := ParseExpr("Y > 0")
	require.NoError(t, err)
	glob, err = Judge(all, y, ModeGlobal)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 5}}, glob)
}

func TestJudge_ScalarConditionBroadcasts(t *testing.T) {
	n, err := ParseExpr("max(Y) - min(Y) > 5")
	require.NoError(t, err)

	got, err := Judge(n, []float64{1, 2, 10}, ModeSegments)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 2}}, got)

	got, err = Judge(n, []float64{1, 2, 3}, ModeGlobal)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJudge_NonBooleanIsError(t *testing.T) {
	n, err := ParseExpr("Y + 1")
	require.NoError(t, err)
	_, err = Judge(n, []float64{1}, ModeSegments)
	assert.ErrorIs(t, err, errNotBoolean)
}

func TestTrueSegments(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 1}, {3, 3}, {5, 6}},
		TrueSegments([]bool{true, true, false, true, false, true, true}))
	assert.Empty(t, TrueSegments([]bool{false, false}))
	assert.Empty(t, TrueSegments(nil))
}

func TestPeriodToIndex(t *testing.T) {
	x := []float64{-1, 0, 1, 2, 3, 4}
	assert.Equal(t, [2]int{1, 3}, PeriodToIndex([2]float64{0, 2.5}, x))
	assert.Equal(t, [2]int{0, 5}, PeriodToIndex([2]float64{-10, 10}, x))
}

func TestWindowJudge(t *testing.T) {
	n, err := ParseExpr("Y > 5")
	require.NoError(t, err)
	y := []float64{0, 6, 7, 8, 0, 9}
	got, err := WindowJudge(n, y, [2]int{0, len(y) - 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 3}}, got)
}

func TestNewExpression_WithPeriod(t *testing.T) {
	period := [2]float64{1, 3}
	d, err := NewExpression(ExpressionSpec{Name: "late_spike", Expr: "Y > 5", Period: &period})
	require.NoError(t, err)
	require.True(t, d.ReturnsTime())

	x := []float64{0, 1, 2, 3, 4}
	y := []float64{9, 1, 9, 9, 9}
	got, err := d.Run(Input{Y: y, X: x})
	require.NoError(t, err)
	assert.Equal(t, []model.TimeRange{{2, 3}}, got)
}

func TestNewExpression_InvalidSpec(t *testing.T) {
	_, err := NewExpression(ExpressionSpec{Name: "bad", Expr: "Y >"})
	assert.Error(t, err)
	_, err = NewExpression(ExpressionSpec{Name: "bad", Expr: "Y > 1", Mode: "sometimes"})
	assert.Error(t, err)
}

func TestNewExpression_EvalErrorBecomesRunError(t *testing.T) {
	d, err := NewExpression(ExpressionSpec{Name: "sum_only", Expr: "Y + 1"})
	require.NoError(t, err)
	_, err = d.Run(Input{Y: []float64{1, 2}, X: []float64{0, 1}})
	assert.Error(t, err)
}
