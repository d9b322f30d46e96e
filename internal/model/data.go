package model

import "time"

// PersonMachine tags anomalies produced by automatic detection.
const PersonMachine = "machine"

// TimeRange is a closed [start, end] interval on the source time axis.
type TimeRange [2]float64

// AnomalyRecord is one fired detector on one channel of one shot.
type AnomalyRecord struct {
	Shot        int         `json:"shot_number"`
	ChannelName string      `json:"channel_number"`
	ChannelType string      `json:"diagnostic_name"`
	Detector    string      `json:"error_type"`
	TimeRanges  []TimeRange `json:"X_error"`
	Person      string      `json:"person"`
	DetectedAt  time.Time   `json:"diagnostic_time"`
	Description string      `json:"error_description"`
}

// Key returns the upsert identity of the anomaly.
func (a AnomalyRecord) Key() AnomalyKey {
	return AnomalyKey{Shot: a.Shot, Channel: a.ChannelName, Detector: a.Detector}
}

// AnomalyKey identifies an anomaly record.
type AnomalyKey struct {
	Shot     int
	Channel  string
	Detector string
}

// Series is a sampled channel: X holds time coordinates, Y the values.
type Series struct {
	X []float64
	Y []float64
}

// Len returns the number of usable samples.
func (s Series) Len() int {
	if len(s.X) < len(s.Y) {
		return len(s.X)
	}
	return len(s.Y)
}

// Empty reports whether there is nothing to evaluate.
func (s Series) Empty() bool {
	return len(s.Y) == 0
}

// Window is an optional fetch window in source time units.
type Window struct {
	Start float64
	End   float64
}

// NoErrorBucket collects records whose detector list is empty.
const NoErrorBucket = "NO ERROR"

// ShotIndex is the inverted index of one shot's outcome list:
// attribute -> value -> positions in the list.
type ShotIndex map[string]map[string][]int
