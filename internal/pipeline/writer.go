package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go-shot-diagnostics/internal/index"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
)

// ResultStore is where the writer persists results.
type ResultStore interface {
	AppendOutcomes(ctx context.Context, shot int, recs []model.OutcomeRecord) error
	UpsertAnomalies(ctx context.Context, anomalies []model.AnomalyRecord) error
	Outcomes(ctx context.Context, shot int) ([]model.OutcomeRecord, error)
	FinalizeShot(ctx context.Context, shot int, recs []model.OutcomeRecord, idx model.ShotIndex) error
}

type shotBuffer struct {
	pending   []model.OutcomeRecord // not yet appended
	anomalies []model.AnomalyRecord // not yet upserted
	all       []model.OutcomeRecord // everything produced for the shot
	finalize  bool
	journaled bool
}

// Writer buffers task results per shot and flushes them when the flush
// interval has elapsed or a shot completes. Failed writes stay buffered,
// are journaled, and are retried on the next flush.
type Writer struct {
	store    ResultStore
	journal  *Journal
	interval time.Duration
	retry    RetryPolicy
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	shots     map[int]*shotBuffer
	lastFlush time.Time
}

// NewWriter creates a writer. journal may be nil.
func NewWriter(st ResultStore, journal *Journal, interval time.Duration, retry RetryPolicy, logger *slog.Logger) *Writer {
	return &Writer{
		store:     st,
		journal:   journal,
		interval:  interval,
		retry:     retry,
		now:       time.Now,
		logger:    logger,
		shots:     map[int]*shotBuffer{},
		lastFlush: time.Now(),
	}
}

func (w *Writer) buffer(shot int) *shotBuffer {
	buf, ok := w.shots[shot]
	if !ok {
		buf = &shotBuffer{}
		w.shots[shot] = buf
	}
	return buf
}

// Add buffers one task result and flushes if the interval has elapsed.
func (w *Writer) Add(ctx context.Context, res model.TaskResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := w.buffer(res.Outcome.Shot)
	buf.pending = append(buf.pending, res.Outcome)
	buf.all = append(buf.all, res.Outcome)
	buf.anomalies = append(buf.anomalies, res.Anomalies...)
	if w.now().Sub(w.lastFlush) >= w.interval {
		w.flushLocked(ctx)
	}
}

// Flush writes everything buffered. Errors are logged and the failed parts
// kept for the next flush; the joined error is returned for callers that
// care.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// FinishShot marks shot complete: its anomalies are written and its outcome
// list is overwritten with the reconciled set, then re-indexed.
func (w *Writer) FinishShot(ctx context.Context, shot int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, ok := w.shots[shot]
	if !ok {
		return nil
	}
	buf.finalize = true
	return w.syncShot(ctx, shot, buf)
}

// Reconcile finalizes a shot that produced no new results in this run. Its
// stored list is deduplicated and re-indexed, which completes shots whose
// appends were persisted but whose finalization was not.
func (w *Writer) Reconcile(ctx context.Context, shot int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if buf, ok := w.shots[shot]; ok {
		buf.finalize = true
		return w.syncShot(ctx, shot, buf)
	}
	return w.retry.Do(ctx, func(ctx context.Context) error {
		stored, err := w.store.Outcomes(ctx, shot)
		if err != nil || len(stored) == 0 {
			return err
		}
		final := model.MergeOutcomes(stored)
		if err := w.store.FinalizeShot(ctx, shot, final, index.Build(final)); err != nil {
			return err
		}
		shotsFinalized.Inc()
		return nil
	})
}

// Pending reports how many shots still hold unwritten state.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.shots)
}

func (w *Writer) flushLocked(ctx context.Context) error {
	w.lastFlush = w.now()
	shots := make([]int, 0, len(w.shots))
	for shot := range w.shots {
		shots = append(shots, shot)
	}
	sort.Ints(shots)

	var errs []error
	for _, shot := range shots {
		if err := w.syncShot(ctx, shot, w.shots[shot]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) syncShot(ctx context.Context, shot int, buf *shotBuffer) error {
	err := w.writeShot(ctx, shot, buf)
	if err == nil && buf.finalize {
		err = w.finalizeShot(ctx, shot, buf)
	}
	if err != nil {
		flushFailures.Inc()
		w.logger.Warn("write failed, retrying on next flush", "shot", shot, "error", err)
		w.journalSave(shot, buf)
		return err
	}
	return nil
}

func (w *Writer) writeShot(ctx context.Context, shot int, buf *shotBuffer) error {
	if len(buf.anomalies) > 0 {
		if err := w.store.UpsertAnomalies(ctx, buf.anomalies); err != nil {
			return err
		}
		buf.anomalies = nil
	}
	if len(buf.pending) > 0 && !buf.finalize {
		if err := w.store.AppendOutcomes(ctx, shot, buf.pending); err != nil {
			return err
		}
		buf.pending = nil
	}
	return nil
}

func (w *Writer) finalizeShot(ctx context.Context, shot int, buf *shotBuffer) error {
	stored, err := w.store.Outcomes(ctx, shot)
	if err != nil {
		return err
	}
	final := model.MergeOutcomes(stored, buf.all)
	if err := w.store.FinalizeShot(ctx, shot, final, index.Build(final)); err != nil {
		if errors.Is(err, store.ErrShardNotFound) {
			w.logger.Error("dropping results of shot without shard", "shot", shot, "records", len(buf.all))
			w.forget(shot, buf)
			return nil
		}
		return err
	}
	shotsFinalized.Inc()
	w.forget(shot, buf)
	return nil
}

func (w *Writer) forget(shot int, buf *shotBuffer) {
	delete(w.shots, shot)
	if buf.journaled && w.journal != nil {
		if err := w.journal.Clear(shot); err != nil {
			w.logger.Warn("clear journal entry", "shot", shot, "error", err)
		}
	}
}

func (w *Writer) journalSave(shot int, buf *shotBuffer) {
	if w.journal == nil {
		return
	}
	err := w.journal.Save(PendingShot{Shot: shot, Outcomes: buf.all, Anomalies: buf.anomalies})
	if err != nil {
		w.logger.Error("journal write failed", "shot", shot, "error", err)
		return
	}
	buf.journaled = true
}

// Recover loads journaled shots left by a previous process. They are
// finalized on the next flush.
func (w *Writer) Recover() (int, error) {
	if w.journal == nil {
		return 0, nil
	}
	pending, err := w.journal.Pending()
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range pending {
		buf := w.buffer(p.Shot)
		buf.all = append(buf.all, p.Outcomes...)
		buf.anomalies = append(buf.anomalies, p.Anomalies...)
		buf.finalize = true
		buf.journaled = true
	}
	return len(pending), nil
}

// Start flushes on every interval tick until the returned stop is called.
func (w *Writer) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.mu.Lock()
				if w.now().Sub(w.lastFlush) >= w.interval {
					w.flushLocked(ctx)
				}
				w.mu.Unlock()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Drain finalizes every buffered shot, retrying under the write policy.
func (w *Writer) Drain(ctx context.Context) error {
	return w.retry.Do(ctx, func(ctx context.Context) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, buf := range w.shots {
			buf.finalize = true
		}
		return w.flushLocked(ctx)
	})
}
