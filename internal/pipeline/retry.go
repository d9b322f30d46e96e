package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/source"
)

// DefaultRetryConfigs defines retry behavior per call site
var DefaultRetryConfigs = map[string]model.RetryConfig{
	model.RetryConnect: {
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	model.RetryDiscover: {
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	model.RetryFetch: {
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	model.RetryAux: {
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          4 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	},
	model.RetryWrite: {
		MaxAttempts:       10,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	},
	model.RetryStats: {
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	},
}

// SleepFunc waits d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy retries one call site with capped exponential backoff.
// It satisfies source.Retrier.
type RetryPolicy struct {
	Site      string
	Config    model.RetryConfig
	Retryable func(error) bool
	Sleep     SleepFunc
}

// Do runs op until it succeeds, returns a non-retryable error or runs out
// of attempts. The last error is returned wrapped with the attempt count.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.Config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = source.Retryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			break
		}
		if serr := sleep(ctx, calculateDelay(p.Config, attempt)); serr != nil {
			return errors.Join(err, serr)
		}
	}
	if !retryable(err) {
		return err
	}
	return fmt.Errorf("%s gave up after %d attempts: %w", p.Site, attempts, err)
}

// calculateDelay returns the wait before attempt+1
func calculateDelay(config model.RetryConfig, attempt int) time.Duration {
	mult := config.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(mult, float64(attempt-1)))

	// Cap at max delay
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	// Up to +/-10% jitter
	if config.Jitter && delay > 0 {
		delay += time.Duration(float64(delay) * 0.2 * (rand.Float64() - 0.5))
	}
	return delay
}

// RetryPolicies holds one policy per call site.
type RetryPolicies map[string]RetryPolicy

// NewRetryPolicies merges overrides over DefaultRetryConfigs. Write and
// statistics sites retry every error; source sites retry only transport
// failures.
func NewRetryPolicies(overrides map[string]model.RetryConfig, sleep SleepFunc) RetryPolicies {
	out := RetryPolicies{}
	for site, cfg := range DefaultRetryConfigs {
		if o, ok := overrides[site]; ok {
			cfg = o
		}
		p := RetryPolicy{Site: site, Config: cfg, Sleep: sleep}
		if site == model.RetryWrite || site == model.RetryStats {
			p.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
		}
		out[site] = p
	}
	return out
}

// For returns the policy of site, falling back to a single attempt.
func (ps RetryPolicies) For(site string) RetryPolicy {
	if p, ok := ps[site]; ok {
		return p
	}
	return RetryPolicy{Site: site, Config: model.RetryConfig{MaxAttempts: 1}}
}
