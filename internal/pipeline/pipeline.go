// Package pipeline is the processing engine: it discovers channels, runs
// detectors on a bounded worker pool, writes results shot by shot and keeps
// run statistics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/shard"
	"go-shot-diagnostics/internal/source"
	"go-shot-diagnostics/internal/store"
)

// ErrInvalidRequest marks requests rejected before any work starts.
var ErrInvalidRequest = errors.New("invalid request")

// Options tunes the engine.
type Options struct {
	Databases     []string
	Channels      []string
	Workers       int
	BatchSize     int
	PoolSize      int
	FailFast      bool
	FlushInterval time.Duration
	Retry         map[string]model.RetryConfig
	// Sleep replaces the retry backoff wait; nil sleeps for real.
	Sleep SleepFunc
	// Out receives operator progress lines; nil means stdout.
	Out io.Writer
}

// Engine runs shot ranges end to end.
type Engine struct {
	store    *store.Store
	src      source.Source
	registry *detector.Registry
	shards   *shard.Manager
	journal  *Journal
	opts     Options
	retry    RetryPolicies
	out      io.Writer
	logger   *slog.Logger
	now      func() time.Time
}

// New wires an engine. journal may be nil.
func New(st *store.Store, src source.Source, reg *detector.Registry, shards *shard.Manager, journal *Journal, opts Options, logger *slog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Engine{
		store:    st,
		src:      src,
		registry: reg,
		shards:   shards,
		journal:  journal,
		opts:     opts,
		retry:    NewRetryPolicies(opts.Retry, opts.Sleep),
		out:      out,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

// Shards exposes the shard manager driving this engine.
func (e *Engine) Shards() *shard.Manager { return e.shards }

// Source exposes the upstream source.
func (e *Engine) Source() source.Source { return e.src }

// Store exposes the result store.
func (e *Engine) Store() *store.Store { return e.store }

// Databases returns the databases processed by default.
func (e *Engine) Databases() []string { return e.opts.Databases }

// Retry returns the engine's per-site retry policies.
func (e *Engine) Retry() RetryPolicies { return e.retry }

// ------------------- Run -------------------

// Run processes req.Range (or req.Shots inside it), creating or extending
// shards as needed. With req.Reset the touched shards are cleared first and
// nothing is skipped; otherwise already-completed channels are skipped.
func (e *Engine) Run(ctx context.Context, req model.RunRequest) (model.RunStatistics, error) {
	return e.run(ctx, store.RunKindRange, req)
}

func (e *Engine) run(ctx context.Context, kind string, req model.RunRequest) (stats model.RunStatistics, err error) {
	if req.Range.Size() == 0 {
		return stats, fmt.Errorf("%w: empty shot range %s", ErrInvalidRequest, req.Range)
	}
	if len(req.Databases) == 0 {
		req.Databases = e.opts.Databases
	}
	if len(req.Channels) == 0 {
		req.Channels = e.opts.Channels
	}

	runID := uuid.NewString()
	start := time.Now()
	fmt.Fprintf(e.out, "🚀 Starting %s %s for shots %s on %v\n", kind, runID, req.Range, req.Databases)
	logger := e.logger.With("run_id", runID)

	if err := e.store.SaveRun(ctx, runID, kind, req); err != nil {
		return stats, fmt.Errorf("save run: %w", err)
	}
	e.store.UpdateRunStatus(ctx, runID, store.RunRunning)
	defer func() {
		if err != nil {
			e.store.SaveRunError(context.WithoutCancel(ctx), runID, err)
			e.store.FinishRun(context.WithoutCancel(ctx), runID, store.RunFailed, stats)
			fmt.Fprintf(e.out, "❌ %s %s failed: %v\n", kind, runID, err)
		}
	}()

	if req.Reset {
		dropped, err := e.store.DropShardsIn(ctx, req.Range)
		if err != nil {
			return stats, fmt.Errorf("reset shards: %w", err)
		}
		for _, sh := range dropped {
			fmt.Fprintf(e.out, "🔄 Cleared shard %s\n", sh.Name)
		}
	}
	if _, err := e.shards.Assign(ctx, req.Range); err != nil {
		return stats, fmt.Errorf("assign shards: %w", err)
	}

	pool := source.NewPool(e.src, e.opts.PoolSize, nil, logger)
	defer pool.Close()

	disc := NewDiscoverer(pool, e.retry.For(model.RetryDiscover), req.Channels, logger)
	found, err := disc.DiscoverAll(ctx, req.ShotList(), req.Databases, e.opts.Workers)
	if err != nil {
		return stats, err
	}
	collector := NewCollector(runID, req.Range, e.now)
	collector.Expect(found.Tasks)
	collector.ConnectionFailures(found.Failures)

	tasks := found.Tasks
	if !req.Reset {
		var skipped int
		tasks, skipped, err = PendingTasks(ctx, e.store, req.Range, tasks)
		if err != nil {
			return stats, err
		}
		if skipped > 0 {
			fmt.Fprintf(e.out, "🔄 Resuming: %d channels already complete, %d to go\n", skipped, len(tasks))
		}
	}
	fmt.Fprintf(e.out, "📊 Discovered %d channels, dispatching %d with %d workers\n",
		len(found.Tasks), len(tasks), e.opts.Workers)

	writer := NewWriter(e.store, e.journal, e.opts.FlushInterval, e.retry.For(model.RetryWrite), logger)
	if n, err := writer.Recover(); err != nil {
		logger.Warn("journal recovery failed", "error", err)
	} else if n > 0 {
		fmt.Fprintf(e.out, "🔄 Recovered %d journaled shots\n", n)
	}
	stop := writer.Start(ctx)

	remaining := map[int]int{}
	for _, t := range tasks {
		remaining[t.Shot]++
	}
	var mu sync.Mutex
	sink := func(ctx context.Context, res model.TaskResult) {
		writer.Add(ctx, res)
		collector.Record(res)
		mu.Lock()
		remaining[res.Outcome.Shot]--
		last := remaining[res.Outcome.Shot] == 0
		mu.Unlock()
		if last {
			e.finishShot(ctx, writer, collector, res.Outcome.Shot, logger)
		}
	}

	proc := NewProcessor(pool, e.registry, e.retry, e.opts.FailFast, logger)
	dispatcher := NewDispatcher(proc, e.opts.Workers, e.opts.BatchSize, e.out, logger)
	dispatchErr := dispatcher.Dispatch(ctx, tasks, sink)

	stop()
	drainCtx := context.WithoutCancel(ctx)
	if dispatchErr == nil {
		e.reconcileSkipped(drainCtx, writer, found.Tasks, remaining, logger)
	}
	drainErr := writer.Drain(drainCtx)

	stats = collector.Finish()
	if err := SaveRunStats(drainCtx, e.store, e.retry.For(model.RetryStats), req.Range, stats, logger); err != nil {
		logger.Error("run statistics lost", "error", err)
	}
	PrintSummary(e.out, stats)

	if err := errors.Join(dispatchErr, drainErr); err != nil {
		return stats, err
	}
	if err := e.store.FinishRun(drainCtx, runID, store.RunCompleted, stats); err != nil {
		logger.Warn("record run completion", "error", err)
	}
	fmt.Fprintf(e.out, "🏁 %s %s completed in %v\n", kind, runID, time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// reconcileSkipped finalizes the discovered shots that had no task left to
// run, so a resumed run converges even when the previous one stopped between
// appending a shot's records and finalizing it.
func (e *Engine) reconcileSkipped(ctx context.Context, w *Writer, discovered []model.Task, pending map[int]int, logger *slog.Logger) {
	seen := map[int]bool{}
	for _, t := range discovered {
		if _, ok := pending[t.Shot]; ok || seen[t.Shot] {
			continue
		}
		seen[t.Shot] = true
		if err := w.Reconcile(ctx, t.Shot); err != nil {
			logger.Warn("reconcile completed shot", "shot", t.Shot, "error", err)
		}
	}
}

// finishShot runs once all of a shot's tasks have reported.
func (e *Engine) finishShot(ctx context.Context, w *Writer, c *Collector, shot int, logger *slog.Logger) {
	if err := w.FinishShot(ctx, shot); err != nil {
		logger.Warn("shot finalization deferred", "shot", shot, "error", err)
	}
	st := c.ShotStats(shot)
	if err := SaveShotStats(ctx, e.store, e.retry.For(model.RetryStats), st, logger); err != nil {
		logger.Error("shot statistics lost", "shot", shot, "error", err)
	}
	shotDuration.Observe(st.ProcessingTime.Seconds())
	fmt.Fprintf(e.out, "✅ Shot %d: %d channels, %d success\n",
		shot, st.Counters.Processed, st.Counters.StatusCounts[model.StatusSuccess])
}
