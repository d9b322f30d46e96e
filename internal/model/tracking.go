package model

import (
	"strconv"
	"time"
)

// ProblemSampleLimit caps problem-channel samples kept per status.
const ProblemSampleLimit = 5

// StatusCounts is a histogram over the status enum.
type StatusCounts map[Status]int

// NewStatusCounts returns a histogram with every status present at zero.
func NewStatusCounts() StatusCounts {
	c := make(StatusCounts, len(AllStatuses))
	for _, s := range AllStatuses {
		c[s] = 0
	}
	return c
}

// Counters groups expected/processed totals with a status histogram.
type Counters struct {
	Expected     int          `json:"total"`
	Processed    int          `json:"processed"`
	StatusCounts StatusCounts `json:"status_counts"`
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{StatusCounts: NewStatusCounts()}
}

// ProblemChannel is a sampled non-success outcome.
type ProblemChannel struct {
	Shot    int    `json:"shot_number"`
	DB      string `json:"db_name"`
	Channel string `json:"channel_name"`
	Message string `json:"status_message"`
}

// ConnectionFailure records a (shot, db) whose discovery gave up.
type ConnectionFailure struct {
	Shot  int    `json:"shot_number"`
	DB    string `json:"db_name"`
	Error string `json:"error"`
}

// RunStatistics is the persisted statistics document of one run.
type RunStatistics struct {
	RunID              string                      `json:"run_id"`
	ShotRange          string                      `json:"shot_range"`
	StartedAt          time.Time                   `json:"started_at"`
	FinishedAt         *time.Time                  `json:"finished_at,omitempty"`
	ExpectedTotal      int                         `json:"total_channels_expected"`
	ProcessedTotal     int                         `json:"total_channels_processed"`
	StatusCounts       StatusCounts                `json:"status_counts"`
	ByDB               map[string]*Counters        `json:"by_db"`
	ByShot             map[string]*Counters        `json:"by_shot"`
	ProblemChannels    map[Status][]ProblemChannel `json:"problem_channels"`
	ConnectionFailures []ConnectionFailure         `json:"connection_failures"`
}

// ShotStatistics is the persisted statistics document of one shot.
type ShotStatistics struct {
	RunID           string                      `json:"run_id"`
	Shot            int                         `json:"shot_number"`
	Counters        Counters                    `json:"counters"`
	ProblemChannels map[Status][]ProblemChannel `json:"problem_channels"`
	ProcessingTime  time.Duration               `json:"processing_time"`
	Minimal         bool                        `json:"minimal,omitempty"`
}

// ShotKey is the string form of a shot used as a document sub-key.
func ShotKey(shot int) string {
	return strconv.Itoa(shot)
}
