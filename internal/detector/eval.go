package detector

import (
	"errors"
	"fmt"
	"math"
)

// Mode selects how a boolean mask becomes index ranges.
type Mode string

const (
	// ModeGlobal yields [[0, n-1]] only when the condition holds everywhere.
	ModeGlobal Mode = "global"
	// ModeSegments yields every maximal run where the condition holds.
	ModeSegments Mode = "segments"
)

var errNotBoolean = errors.New("condition does not evaluate to a boolean")

// value is either a scalar or a vector, numeric or boolean (0/1).
type value struct {
	vec     []float64
	s       float64
	boolean bool
}

func (v value) scalar() bool { return v.vec == nil }

func (v value) at(i int) float64 {
	if v.vec == nil {
		return v.s
	}
	return v.vec[i]
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// eval evaluates n against y.
func eval(n Node, y []float64) (value, error) {
	switch n := n.(type) {
	case Num:
		return value{s: n.V}, nil
	case Var:
		if y == nil {
			y = []float64{}
		}
		return value{vec: y}, nil
	case Unary:
		x, err := eval(n.X, y)
		if err != nil {
			return value{}, err
		}
		if n.Op == "not" {
			return mapValue(x, true, func(f float64) float64 { return boolf(f == 0) }), nil
		}
		return mapValue(x, false, func(f float64) float64 { return -f }), nil
	case Call:
		x, err := eval(n.Arg, y)
		if err != nil {
			return value{}, err
		}
		return call(n.Fn, x)
	case Binary:
		l, err := eval(n.L, y)
		if err != nil {
			return value{}, err
		}
		r, err := eval(n.R, y)
		if err != nil {
			return value{}, err
		}
		return binary(n.Op, l, r)
	}
	return value{}, fmt.Errorf("unsupported node %T", n)
}

func mapValue(x value, boolean bool, f func(float64) float64) value {
	if x.scalar() {
		return value{s: f(x.s), boolean: boolean}
	}
	out := make([]float64, len(x.vec))
	for i, v := range x.vec {
		out[i] = f(v)
	}
	return value{vec: out, boolean: boolean}
}

func call(fn string, x value) (value, error) {
	if fn == "abs" {
		return mapValue(x, false, math.Abs), nil
	}
	if x.scalar() {
		if fn == "len" {
			return value{s: 1}, nil
		}
		if fn == "std" {
			return value{s: 0}, nil
		}
		return value{s: x.s}, nil
	}
	if len(x.vec) == 0 {
		if fn == "len" || fn == "sum" {
			return value{s: 0}, nil
		}
		return value{}, fmt.Errorf("%s of empty series", fn)
	}
	switch fn {
	case "len":
		return value{s: float64(len(x.vec))}, nil
	case "min":
		m := math.Inf(1)
		for _, v := range x.vec {
			m = math.Min(m, v)
		}
		return value{s: m}, nil
	case "max":
		m := math.Inf(-1)
		for _, v := range x.vec {
			m = math.Max(m, v)
		}
		return value{s: m}, nil
	case "sum", "mean", "std":
		var sum float64
		for _, v := range x.vec {
			sum += v
		}
		if fn == "sum" {
			return value{s: sum}, nil
		}
		mean := sum / float64(len(x.vec))
		if fn == "mean" {
			return value{s: mean}, nil
		}
		var sq float64
		for _, v := range x.vec {
			sq += (v - mean) * (v - mean)
		}
		return value{s: math.Sqrt(sq / float64(len(x.vec)))}, nil
	}
	return value{}, fmt.Errorf("unknown function %s", fn)
}

func binary(op string, l, r value) (value, error) {
	var f func(a, b float64) float64
	boolean := true
	switch op {
	case "+":
		f, boolean = func(a, b float64) float64 { return a + b }, false
	case "-":
		f, boolean = func(a, b float64) float64 { return a - b }, false
	case "*":
		f, boolean = func(a, b float64) float64 { return a * b }, false
	case "/":
		f, boolean = func(a, b float64) float64 { return a / b }, false
	case ">":
		f = func(a, b float64) float64 { return boolf(a > b) }
	case ">=":
		f = func(a, b float64) float64 { return boolf(a >= b) }
	case "<":
		f = func(a, b float64) float64 { return boolf(a < b) }
	case "<=":
		f = func(a, b float64) float64 { return boolf(a <= b) }
	case "==":
		f = func(a, b float64) float64 { return boolf(a == b) }
	case "!=":
		f = func(a, b float64) float64 { return boolf(a != b) }
	case "and":
		f = func(a, b float64) float64 { return boolf(a != 0 && b != 0) }
	case "or":
		f = func(a, b float64) float64 { return boolf(a != 0 || b != 0) }
	default:
		return value{}, fmt.Errorf("unknown operator %s", op)
	}

	if l.scalar() && r.scalar() {
		return value{s: f(l.s, r.s), boolean: boolean}, nil
	}
	n := len(l.vec)
	if l.scalar() {
		n = len(r.vec)
	} else if !r.scalar() && len(r.vec) != n {
		return value{}, fmt.Errorf("operand length mismatch: %d vs %d", len(l.vec), len(r.vec))
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = f(l.at(i), r.at(i))
	}
	return value{vec: out, boolean: boolean}, nil
}

// Mask evaluates a condition over y and broadcasts the result to len(y).
func Mask(n Node, y []float64) ([]bool, error) {
	v, err := eval(n, y)
	if err != nil {
		return nil, err
	}
	if !v.boolean {
		return nil, errNotBoolean
	}
	mask := make([]bool, len(y))
	for i := range mask {
		mask[i] = v.at(i) != 0
	}
	return mask, nil
}

// Judge evaluates a condition and converts the mask to index ranges.
func Judge(n Node, y []float64, mode Mode) ([][2]int, error) {
	mask, err := Mask(n, y)
	if err != nil {
		return nil, err
	}
	if len(mask) == 0 {
		return nil, nil
	}
	if mode == ModeGlobal {
		for _, b := range mask {
			if !b {
				return nil, nil
			}
		}
		return [][2]int{{0, len(mask) - 1}}, nil
	}
	return TrueSegments(mask), nil
}

// TrueSegments returns every maximal run of true values, single samples
// included.
func TrueSegments(mask []bool) [][2]int {
	var out [][2]int
	start := -1
	for i, b := range mask {
		switch {
		case b && start < 0:
			start = i
		case !b && start >= 0:
			out = append(out, [2]int{start, i - 1})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, [2]int{start, len(mask) - 1})
	}
	return out
}

// PeriodToIndex maps a [t0, t1] time window onto index bounds of x: the
// first sample at or after t0 and the last sample not after t1.
func PeriodToIndex(period [2]float64, x []float64) [2]int {
	li, ri := 0, len(x)-1
	leftFound, rightFound := false, false
	for i, v := range x {
		if period[0] <= v && !leftFound {
			li = i
			leftFound = true
		}
		if period[1] < v && !rightFound {
			ri = i - 1
			rightFound = true
		}
	}
	return [2]int{li, ri}
}

// WindowJudge slides a window of size+1 samples across the inclusive index
// scope and flags windows where the condition holds at every point.
// Consecutive flagged windows extend the previous range.
func WindowJudge(n Node, y []float64, scope [2]int, size int) ([][2]int, error) {
	var out [][2]int
	cont := false
	lo := clampIdx(scope[0], len(y))
	hi := scope[1]
	if hi > len(y)-1 {
		hi = len(y) - 1
	}
	for i := lo; i <= hi-size; i++ {
		hit, err := Judge(n, y[i:i+size+1], ModeGlobal)
		if err != nil {
			return nil, err
		}
		if len(hit) > 0 {
			if cont {
				out[len(out)-1][1]++
			} else {
				out = append(out, [2]int{i, i + size})
			}
			cont = true
		} else {
			cont = false
		}
	}
	return out, nil
}
