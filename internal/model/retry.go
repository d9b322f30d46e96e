package model

import "time"

// RetryConfig defines retry behavior for one call site
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            bool          `json:"jitter" yaml:"jitter"`
}

// Call sites with their own retry policy
const (
	RetryConnect  = "connect"
	RetryDiscover = "discover"
	RetryFetch    = "fetch"
	RetryAux      = "aux"
	RetryWrite    = "write"
	RetryStats    = "stats"
)
