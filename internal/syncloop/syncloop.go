// Package syncloop keeps the result store caught up with the experiment
// store: it polls both for their latest shot, runs the missing shots in
// shard-sized batches and holds back a shot that may still be written
// upstream until its channel list has settled.
package syncloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/pipeline"
	"go-shot-diagnostics/internal/shard"
	"go-shot-diagnostics/internal/source"
)

// Config tunes polling and the stability gate.
type Config struct {
	PollInterval   time.Duration
	SampleInterval time.Duration
	SampleWindow   time.Duration
	ConfirmWait    time.Duration
	// FirstShot bounds the catch-up on an empty store.
	FirstShot int
}

// DefaultConfig polls every minute and samples a fresh shot every 10s for a
// minute, confirming after another 30s.
var DefaultConfig = Config{
	PollInterval:   60 * time.Second,
	SampleInterval: 10 * time.Second,
	SampleWindow:   60 * time.Second,
	ConfirmWait:    30 * time.Second,
}

// Runner executes one batch run.
type Runner interface {
	Run(ctx context.Context, req model.RunRequest) (model.RunStatistics, error)
}

// Progress reports the newest processed shot.
type Progress interface {
	LatestShot(ctx context.Context) (int, error)
}

// Status is a point-in-time view of the loop.
type Status struct {
	StoreLatest  int       `json:"store_latest"`
	SourceLatest int       `json:"source_latest"`
	Lag          int       `json:"lag"`
	Deferred     int       `json:"deferred_shot,omitempty"`
	LastPoll     time.Time `json:"last_poll"`
	Running      bool      `json:"running"`
}

// Loop is the sync controller.
type Loop struct {
	runner   Runner
	progress Progress
	src      source.Source
	shards   *shard.Manager
	dbs      []string
	cfg      Config
	sleep    pipeline.SleepFunc
	retry    pipeline.RetryPolicy
	now      func() time.Time
	out      io.Writer
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

// Option customizes a Loop.
type Option func(*Loop)

// WithSleep replaces the wait used between polls and samples.
func WithSleep(fn pipeline.SleepFunc) Option { return func(l *Loop) { l.sleep = fn } }

// WithRetry sets the policy for channel listings taken while sampling.
func WithRetry(p pipeline.RetryPolicy) Option { return func(l *Loop) { l.retry = p } }

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(l *Loop) { l.now = fn } }

// WithOutput sets where progress lines go.
func WithOutput(w io.Writer) Option { return func(l *Loop) { l.out = w } }

// New builds a loop driving eng over its configured databases.
func New(eng *pipeline.Engine, cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	opts = append([]Option{WithRetry(eng.Retry().For(model.RetryDiscover))}, opts...)
	return NewWith(eng, eng.Store(), eng.Source(), eng.Shards(), eng.Databases(), cfg, logger, opts...)
}

// NewWith builds a loop from its parts.
func NewWith(runner Runner, progress Progress, src source.Source, shards *shard.Manager, dbs []string,
	cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig.SampleInterval
	}
	if cfg.SampleWindow < cfg.SampleInterval {
		cfg.SampleWindow = cfg.SampleInterval
	}
	l := &Loop{
		runner:   runner,
		progress: progress,
		src:      src,
		shards:   shards,
		dbs:      dbs,
		cfg:      cfg,
		sleep:    sleep,
		now:      time.Now,
		out:      os.Stdout,
		logger:   logging.OrDefault(logger).With("component", "sync"),
	}
	for _, o := range opts {
		o(l)
	}
	if l.retry.Site == "" {
		l.retry = pipeline.NewRetryPolicies(nil, l.sleep).For(model.RetryDiscover)
	}
	return l
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Status returns the loop's latest observations.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Run polls until ctx ends. Iteration errors are logged and retried on the
// next poll.
func (l *Loop) Run(ctx context.Context) error {
	l.setRunning(true)
	defer l.setRunning(false)
	fmt.Fprintf(l.out, "🚀 Sync started, polling every %v\n", l.cfg.PollInterval)
	for {
		if _, err := l.Iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("sync iteration failed", "error", err)
		}
		if err := l.sleep(ctx, l.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

func (l *Loop) setRunning(v bool) {
	l.mu.Lock()
	l.status.Running = v
	l.mu.Unlock()
}

// Iterate performs one poll: it processes every missing shot that is safe to
// process and finishes with a shard maintenance pass. It returns the ranges
// it ran.
func (l *Loop) Iterate(ctx context.Context) (ran []model.ShotRange, err error) {
	defer func() {
		if _, merr := l.shards.Maintain(ctx); merr != nil {
			err = errors.Join(err, fmt.Errorf("maintenance: %w", merr))
		}
	}()

	srcLatest, err := l.sourceLatest(ctx)
	if err != nil {
		return nil, err
	}
	storeLatest, err := l.progress.LatestShot(ctx)
	if err != nil {
		return nil, fmt.Errorf("store latest shot: %w", err)
	}
	l.observe(storeLatest, srcLatest, 0)
	if storeLatest >= srcLatest {
		l.logger.Debug("up to date", "shot", storeLatest)
		return nil, nil
	}

	from := max(storeLatest+1, l.cfg.FirstShot)
	if from > srcLatest {
		return nil, nil
	}
	batches := Plan(from, srcLatest, l.shards.Capacity())
	deferred := 0
	last := batches[len(batches)-1]
	if last.End == srcLatest {
		stable, err := l.Stable(ctx, srcLatest)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			l.logger.Warn("stability check failed", "shot", srcLatest, "error", err)
		}
		if !stable {
			fmt.Fprintf(l.out, "🔄 Shot %d not settled upstream, deferring\n", srcLatest)
			deferred = srcLatest
			l.observe(storeLatest, srcLatest, deferred)
			last.End--
			if last.Size() == 0 {
				batches = batches[:len(batches)-1]
			} else {
				batches[len(batches)-1] = last
			}
		}
	}

	for _, r := range batches {
		fmt.Fprintf(l.out, "🔄 Syncing shots %s (%d behind)\n", r, srcLatest-r.Start+1)
		if _, err := l.runner.Run(ctx, model.RunRequest{Range: r, Databases: l.dbs}); err != nil {
			return ran, fmt.Errorf("sync %s: %w", r, err)
		}
		ran = append(ran, r)
		l.observe(r.End, srcLatest, deferred)
	}
	return ran, nil
}

func (l *Loop) observe(storeLatest, srcLatest, deferred int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.StoreLatest = storeLatest
	l.status.SourceLatest = srcLatest
	l.status.Lag = max(srcLatest-storeLatest, 0)
	l.status.Deferred = deferred
	l.status.LastPoll = l.now()
}

// Plan splits [from, to] into capacity-sized batches with a trailing
// sub-capacity batch for the remainder.
func Plan(from, to, capacity int) []model.ShotRange {
	if capacity <= 0 {
		capacity = shard.DefaultCapacity
	}
	var out []model.ShotRange
	for start := from; start <= to; start += capacity {
		out = append(out, model.ShotRange{Start: start, End: min(start+capacity-1, to)})
	}
	return out
}

// sourceLatest is the newest shot over every database. Databases that
// cannot answer are skipped unless none can.
func (l *Loop) sourceLatest(ctx context.Context) (int, error) {
	latest := 0
	var errs []error
	for _, db := range l.dbs {
		n, err := l.src.LatestShot(ctx, db)
		if err != nil {
			l.logger.Warn("latest shot unavailable", "db", db, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", db, err))
			continue
		}
		latest = max(latest, n)
	}
	if len(errs) == len(l.dbs) && len(errs) > 0 {
		return 0, fmt.Errorf("source latest shot: %w", errors.Join(errs...))
	}
	return latest, nil
}

// Stable samples shot's channel count every SampleInterval across
// SampleWindow. If every sample agrees it waits ConfirmWait and samples once
// more; the shot is stable only if that final count still matches.
func (l *Loop) Stable(ctx context.Context, shot int) (bool, error) {
	samples := int(l.cfg.SampleWindow / l.cfg.SampleInterval)
	first, err := l.channelCount(ctx, shot)
	if err != nil {
		return false, err
	}
	for i := 1; i < samples; i++ {
		if err := l.sleep(ctx, l.cfg.SampleInterval); err != nil {
			return false, err
		}
		n, err := l.channelCount(ctx, shot)
		if err != nil {
			return false, err
		}
		if n != first {
			l.logger.Info("channel count changed", "shot", shot, "sample", i+1, "before", first, "after", n)
			return false, nil
		}
	}
	if err := l.sleep(ctx, l.cfg.ConfirmWait); err != nil {
		return false, err
	}
	n, err := l.channelCount(ctx, shot)
	if err != nil {
		return false, err
	}
	if n != first {
		l.logger.Info("channel count changed during confirmation", "shot", shot, "before", first, "after", n)
		return false, nil
	}
	return first > 0, nil
}

// channelCount sums the channels of shot over every database. A database
// that does not hold the shot counts zero. Transport failures are retried
// with the discovery policy.
func (l *Loop) channelCount(ctx context.Context, shot int) (int, error) {
	total := 0
	for _, db := range l.dbs {
		n := 0
		err := l.retry.Do(ctx, func(ctx context.Context) error {
			conn, err := l.src.Open(ctx, db)
			if err != nil {
				return fmt.Errorf("open %s: %w", db, err)
			}
			defer conn.Close()
			chans, err := conn.ListChannels(ctx, shot)
			if err != nil {
				return fmt.Errorf("list %s shot %d: %w", db, shot, err)
			}
			n = len(chans)
			return nil
		})
		switch {
		case errors.Is(err, source.ErrNotFound):
		case err != nil:
			return 0, err
		default:
			total += n
		}
	}
	return total, nil
}
