package model

import "fmt"

// ShotRange is an inclusive range of shot numbers.
type ShotRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size returns the number of shots covered.
func (r ShotRange) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether shot is inside the range.
func (r ShotRange) Contains(shot int) bool {
	return shot >= r.Start && shot <= r.End
}

// Shots enumerates the range in ascending order.
func (r ShotRange) Shots() []int {
	out := make([]int, 0, r.Size())
	for s := r.Start; s <= r.End; s++ {
		out = append(out, s)
	}
	return out
}

func (r ShotRange) String() string {
	return fmt.Sprintf("%d_%d", r.Start, r.End)
}

// RunRequest describes one invocation of the processing engine.
type RunRequest struct {
	Range     ShotRange `json:"range"`
	Shots     []int     `json:"shots,omitempty"` // explicit subset; empty means the whole range
	Databases []string  `json:"databases"`
	Channels  []string  `json:"channels,omitempty"`
	Reset     bool      `json:"reset"`
}

// ShotList returns the shots to process in ascending order.
func (r RunRequest) ShotList() []int {
	if len(r.Shots) > 0 {
		return r.Shots
	}
	return r.Range.Shots()
}
