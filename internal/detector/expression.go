package detector

import (
	"fmt"

	"go-shot-diagnostics/internal/model"
)

// ExpressionSpec declares a detector built from a condition expression.
type ExpressionSpec struct {
	Name string
	Expr string
	Mode Mode
	// Period restricts evaluation to a [t0, t1] window of the time axis.
	Period *[2]float64
	// Window, when > 0, evaluates the condition on sliding windows of
	// Window+1 samples instead of point-wise.
	Window int
}

// NewExpression compiles spec into a Detector.
func NewExpression(spec ExpressionSpec) (Detector, error) {
	root, err := ParseExpr(spec.Expr)
	if err != nil {
		return Detector{}, fmt.Errorf("expression detector %s: %w", spec.Name, err)
	}
	mode := spec.Mode
	if mode == "" {
		mode = ModeSegments
	}
	if mode != ModeGlobal && mode != ModeSegments {
		return Detector{}, fmt.Errorf("expression detector %s: unknown mode %q", spec.Name, mode)
	}

	judge := func(y []float64) [][2]int {
		var pairs [][2]int
		var err error
		if spec.Window > 0 {
			pairs, err = WindowJudge(root, y, [2]int{0, len(y) - 1}, spec.Window)
		} else {
			pairs, err = Judge(root, y, mode)
		}
		if err != nil {
			panic(err)
		}
		return pairs
	}

	d := Detector{Name: spec.Name, Description: spec.Expr}
	if spec.Period == nil {
		d.Index = func(y, _ []float64) [][2]int { return judge(y) }
		return d, nil
	}

	period := *spec.Period
	d.Time = func(y, x []float64) []model.TimeRange {
		n := len(y)
		if len(x) < n {
			n = len(x)
		}
		if n == 0 {
			return nil
		}
		bounds := PeriodToIndex(period, x[:n])
		if bounds[1] < bounds[0] {
			return nil
		}
		pairs := judge(y[bounds[0] : bounds[1]+1])
		for i := range pairs {
			pairs[i][0] += bounds[0]
			pairs[i][1] += bounds[0]
		}
		return IndexToTime(pairs, x[:n])
	}
	return d, nil
}
