// Package detector holds the anomaly detector registry: the named detection
// functions, the bucket -> detector -> channel allow-list map that decides
// which detector runs on which channel, and expression-defined detectors.
package detector

import (
	"errors"
	"fmt"

	"go-shot-diagnostics/internal/model"
)

var (
	ErrUnknownDetector = errors.New("unknown detector")
	ErrUnknownBucket   = errors.New("unknown channel type")
	ErrDuplicate       = errors.New("detector already registered")
)

// IndexFunc returns [start, end] index pairs into primary. aux is nil unless
// the detector declares an auxiliary channel.
type IndexFunc func(primary, aux []float64) [][2]int

// TimeFunc receives (Y, X) and returns ranges already in time coordinates.
type TimeFunc func(y, x []float64) []model.TimeRange

// Detector is one registered detection function.
type Detector struct {
	Name        string
	Description string
	// Aux names the auxiliary channel the detector needs, if any.
	Aux   string
	Index IndexFunc
	Time  TimeFunc
}

// ReturnsTime reports whether the detector yields time coordinates directly.
func (d Detector) ReturnsTime() bool {
	return d.Time != nil
}

// Input is the data handed to a detector.
type Input struct {
	Y   []float64
	X   []float64
	Aux []float64
}

// Run invokes the detector and converts its output to time ranges on X.
// Index pairs reaching past the end of X are dropped. A panic inside the
// detector is returned as an error.
func (d Detector) Run(in Input) (ranges []model.TimeRange, err error) {
	defer func() {
		if r := recover(); r != nil {
			ranges = nil
			err = fmt.Errorf("detector %s panicked: %v", d.Name, r)
		}
	}()

	if d.Time != nil {
		return d.Time(in.Y, in.X), nil
	}
	if d.Index == nil {
		return nil, fmt.Errorf("%w: %s has no implementation", ErrUnknownDetector, d.Name)
	}
	return IndexToTime(d.Index(in.Y, in.Aux), in.X), nil
}

// IndexToTime maps index pairs onto X, dropping pairs outside X.
func IndexToTime(pairs [][2]int, x []float64) []model.TimeRange {
	out := make([]model.TimeRange, 0, len(pairs))
	for _, p := range pairs {
		if p[0] < 0 || p[1] < 0 || p[0] >= len(x) || p[1] >= len(x) {
			continue
		}
		out = append(out, model.TimeRange{x[p[0]], x[p[1]]})
	}
	return out
}
