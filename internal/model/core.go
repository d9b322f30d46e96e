package model

import (
	"fmt"
	"strings"
)

// Status is the closed set of per-channel outcomes.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusFailed             Status = "failed"
	StatusDataReadFailed     Status = "data_read_failed"
	StatusEmptyData          Status = "empty_data"
	StatusNoAlgorithm        Status = "no_algorithm"
	StatusNoMatchedAlgorithm Status = "no_matched_algorithm"
	StatusProcessingError    Status = "processing_error"
)

// AllStatuses lists every status in reporting order.
var AllStatuses = []Status{
	StatusSuccess,
	StatusFailed,
	StatusDataReadFailed,
	StatusEmptyData,
	StatusNoAlgorithm,
	StatusNoMatchedAlgorithm,
	StatusProcessingError,
}

// Valid reports whether s belongs to the closed status enum.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// OutcomeRecord is the per-channel processing manifest entry.
type OutcomeRecord struct {
	Shot          int      `json:"shot_number"`
	ChannelName   string   `json:"channel_name"`
	ChannelType   string   `json:"channel_type"`
	DBName        string   `json:"db_name"`
	ErrorNames    []string `json:"error_name"`
	Status        Status   `json:"status"`
	StatusMessage string   `json:"status_message"`
}

// NewOutcome returns a success record with an empty detector list.
func NewOutcome(shot int, db, channel string) OutcomeRecord {
	return OutcomeRecord{
		Shot:        shot,
		ChannelName: channel,
		ChannelType: ChannelType(channel),
		DBName:      db,
		ErrorNames:  []string{},
		Status:      StatusSuccess,
	}
}

// Key returns the resume identity of the record.
func (r OutcomeRecord) Key() TaskKey {
	return TaskKey{Shot: r.Shot, DB: r.DBName, Channel: r.ChannelName}
}

// Fail sets status and message in one step.
func (r *OutcomeRecord) Fail(status Status, format string, args ...interface{}) {
	r.Status = status
	r.StatusMessage = fmt.Sprintf(format, args...)
}

// HasError reports whether detector name is already marked on the record.
func (r OutcomeRecord) HasError(name string) bool {
	for _, n := range r.ErrorNames {
		if n == name {
			return true
		}
	}
	return false
}

// TaskKey identifies one (shot, database, channel) unit of work.
type TaskKey struct {
	Shot    int
	DB      string
	Channel string
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.Shot, k.DB, k.Channel)
}

// ------------------- Channel classification -------------------

// ChannelType derives the type of a channel from the non-digit prefix of its
// name, upper-cased. Names starting with MIR map to "Mirnov".
func ChannelType(channel string) string {
	end := strings.IndexFunc(channel, func(r rune) bool { return r >= '0' && r <= '9' })
	if end < 0 {
		end = len(channel)
	}
	t := strings.ToUpper(channel[:end])
	if t == "MIR" {
		return "Mirnov"
	}
	return t
}

// magneticsFamily collapses onto the MP detector bucket.
var magneticsFamily = map[string]bool{"MP": true, "FLUX": true, "IPF": true}

// Bucket maps a channel type onto its detector bucket.
func Bucket(channelType string) string {
	if magneticsFamily[channelType] {
		return BucketMagnetics
	}
	return channelType
}

const (
	BucketMagnetics = "MP"
	TypeThomson     = "TS"
)

// MergeOutcomes unions outcome lists by TaskKey. Positions follow first
// appearance; on a repeated key the later record wins.
func MergeOutcomes(lists ...[]OutcomeRecord) []OutcomeRecord {
	pos := map[TaskKey]int{}
	out := []OutcomeRecord{}
	for _, list := range lists {
		for _, rec := range list {
			if i, ok := pos[rec.Key()]; ok {
				out[i] = rec
				continue
			}
			pos[rec.Key()] = len(out)
			out = append(out, rec)
		}
	}
	return out
}
