package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/source"
)

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestRetryPolicyBackoff(t *testing.T) {
	rec := &recordedSleep{}
	p := RetryPolicy{
		Site: "fetch",
		Config: model.RetryConfig{
			MaxAttempts:       5,
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          2 * time.Second,
			BackoffMultiplier: 2,
		},
		Sleep: rec.sleep,
	}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("%w: reset by peer", source.ErrTransport)
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.ErrorIs(t, err, source.ErrTransport)
	assert.Contains(t, err.Error(), "fetch gave up after 5 attempts")
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 2 * time.Second,
	}, rec.delays)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	p := RetryPolicy{Site: "fetch", Config: model.RetryConfig{MaxAttempts: 3}, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return source.ErrNotFound
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, source.ErrNotFound, err)
}

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	p := RetryPolicy{Site: "connect", Config: model.RetryConfig{MaxAttempts: 3}, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return source.ErrTransport
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{
		Site:   "connect",
		Config: model.RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour},
	}
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return source.ErrTransport
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRetryPolicies(t *testing.T) {
	ps := NewRetryPolicies(map[string]model.RetryConfig{
		model.RetryFetch: {MaxAttempts: 7},
	}, noSleep)

	assert.Equal(t, 7, ps.For(model.RetryFetch).Config.MaxAttempts)
	assert.Equal(t, 5, ps.For(model.RetryConnect).Config.MaxAttempts)
	assert.Equal(t, 10, ps.For(model.RetryWrite).Config.MaxAttempts)
	assert.Equal(t, 1, ps.For("unknown").Config.MaxAttempts)

	// Write failures are not transport errors but still retried.
	calls := 0
	err := ps.For(model.RetryWrite).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 4, calls)

	calls = 0
	err = ps.For(model.RetryWrite).Do(context.Background(), func(context.Context) error {
		calls++
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCalculateDelayJitter(t *testing.T) {
	cfg := model.RetryConfig{InitialDelay: time.Second, MaxDelay: 8 * time.Second, BackoffMultiplier: 2, Jitter: true}
	for attempt := 1; attempt <= 6; attempt++ {
		base := time.Duration(1<<(attempt-1)) * time.Second
		if base > 8*time.Second {
			base = 8 * time.Second
		}
		for i := 0; i < 20; i++ {
			d := calculateDelay(cfg, attempt)
			assert.GreaterOrEqual(t, d, base-base/10)
			assert.LessOrEqual(t, d, base+base/10)
		}
	}
}
