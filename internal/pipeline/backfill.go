package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/index"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/source"
	"go-shot-diagnostics/internal/store"
)

// BackfillStatus is the per-channel outcome of a single-algorithm backfill.
type BackfillStatus string

const (
	BackfillFired          BackfillStatus = "success"
	BackfillNoError        BackfillStatus = "success_no_error"
	BackfillReadFailed     BackfillStatus = "data_read_failed"
	BackfillAuxReadFailed  BackfillStatus = "aux_data_read_failed"
	BackfillMissingAux     BackfillStatus = "missing_aux_data"
	BackfillAlgorithmError BackfillStatus = "algorithm_failed"
)

// BackfillStatuses lists every backfill status in reporting order.
var BackfillStatuses = []BackfillStatus{
	BackfillFired, BackfillNoError, BackfillReadFailed,
	BackfillAuxReadFailed, BackfillMissingAux, BackfillAlgorithmError,
}

// BackfillReport summarizes one backfill over all matching shards.
type BackfillReport struct {
	RunID       string                 `json:"run_id"`
	Detector    string                 `json:"detector"`
	ChannelType string                 `json:"channel_type"`
	Shards      []string               `json:"shards"`
	Counts      map[BackfillStatus]int `json:"counts"`
	Changed     int                    `json:"changed_records"`
}

func newBackfillCounts() map[BackfillStatus]int {
	out := make(map[BackfillStatus]int, len(BackfillStatuses))
	for _, s := range BackfillStatuses {
		out[s] = 0
	}
	return out
}

type backfillResult struct {
	pos     int
	status  BackfillStatus
	anomaly *model.AnomalyRecord
}

// Backfill re-runs one detector on every stored outcome record of
// channelType inside r (every shard when r is nil). A firing detector
// upserts its anomaly and adds its name to the record; a silent one deletes
// the anomaly and removes the name. The outcome list and error_name index
// are updated in place.
func (e *Engine) Backfill(ctx context.Context, channelType, detectorName string, r *model.ShotRange) (BackfillReport, error) {
	bucket := model.Bucket(channelType)
	det, allow, err := e.registry.Resolve(bucket, detectorName)
	if err != nil {
		return BackfillReport{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	allowed := make(map[string]bool, len(allow))
	for _, c := range allow {
		allowed[strings.ToLower(c)] = true
	}

	shards, err := e.store.Shards(ctx)
	if err != nil {
		return BackfillReport{}, err
	}
	report := BackfillReport{
		RunID:       uuid.NewString(),
		Detector:    det.Name,
		ChannelType: channelType,
		Counts:      newBackfillCounts(),
	}
	fmt.Fprintf(e.out, "🚀 Backfilling %s on %s channels\n", det.Name, bucket)
	if err := e.store.SaveRun(ctx, report.RunID, store.RunKindBackfill, map[string]interface{}{
		"channel_type": channelType, "detector": det.Name, "range": r,
	}); err != nil {
		return report, fmt.Errorf("save run: %w", err)
	}

	pool := source.NewPool(e.src, e.opts.PoolSize, nil, e.logger)
	defer pool.Close()
	proc := NewProcessor(pool, e.registry, e.retry, e.opts.FailFast, e.logger)

	for _, sh := range shards {
		span := sh.Range
		if r != nil {
			if sh.Range.End < r.Start || sh.Range.Start > r.End {
				continue
			}
			span = model.ShotRange{Start: max(sh.Range.Start, r.Start), End: min(sh.Range.End, r.End)}
		}
		counts := newBackfillCounts()
		for _, shot := range span.Shots() {
			changed, err := e.backfillShot(ctx, proc, det, bucket, allowed, shot, counts)
			if err != nil {
				e.store.FinishRun(context.WithoutCancel(ctx), report.RunID, store.RunFailed, report)
				return report, fmt.Errorf("backfill shot %d: %w", shot, err)
			}
			report.Changed += changed
		}
		for k, v := range counts {
			report.Counts[k] += v
		}
		report.Shards = append(report.Shards, sh.Name)
		if _, err := e.store.PutShardStats(ctx, sh.Range, store.BackfillStatsKey(det.Name), counts); err != nil {
			e.logger.Warn("backfill statistics write failed", "shard", sh.Name, "error", err)
		}
	}

	fmt.Fprintf(e.out, "📊 Backfill %s over %d shards, %d records changed\n", det.Name, len(report.Shards), report.Changed)
	for _, s := range BackfillStatuses {
		fmt.Fprintf(e.out, "   %-22s %d\n", s, report.Counts[s])
	}
	e.store.FinishRun(ctx, report.RunID, store.RunCompleted, report)
	return report, nil
}

func (e *Engine) backfillShot(ctx context.Context, proc *Processor, det detector.Detector, bucket string,
	allowed map[string]bool, shot int, counts map[BackfillStatus]int) (int, error) {
	recs, err := e.store.Outcomes(ctx, shot)
	if err != nil || len(recs) == 0 {
		return 0, err
	}

	var (
		mu      sync.Mutex
		results []backfillResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for pos, rec := range recs {
		if model.Bucket(rec.ChannelType) != bucket || !allowed[strings.ToLower(rec.ChannelName)] {
			continue
		}
		g.Go(func() error {
			res := e.backfillOne(gctx, proc, det, rec)
			res.pos = pos
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	if len(results) == 0 {
		return 0, nil
	}
	sort.Slice(results, func(i, j int) bool { return results[i].pos < results[j].pos })

	idx, err := e.store.ShotIndex(ctx, shot)
	if err != nil {
		return 0, err
	}
	builder := index.FromShotIndex(idx)
	if len(idx) == 0 {
		builder = index.FromShotIndex(index.Build(recs))
	}

	var upserts []model.AnomalyRecord
	changed := 0
	for _, res := range results {
		counts[res.status]++
		rec := &recs[res.pos]
		before := append([]string(nil), rec.ErrorNames...)
		switch res.status {
		case BackfillFired:
			upserts = append(upserts, *res.anomaly)
			if rec.HasError(det.Name) {
				continue
			}
			rec.ErrorNames = append(rec.ErrorNames, det.Name)
		case BackfillNoError:
			if err := e.store.DeleteAnomaly(ctx, model.AnomalyKey{Shot: shot, Channel: rec.ChannelName, Detector: det.Name}); err != nil {
				return changed, err
			}
			if !rec.HasError(det.Name) {
				continue
			}
			kept := make([]string, 0, len(rec.ErrorNames))
			for _, n := range rec.ErrorNames {
				if n != det.Name {
					kept = append(kept, n)
				}
			}
			rec.ErrorNames = kept
		default:
			continue
		}
		builder.ReplaceErrors(res.pos, before, rec.ErrorNames)
		changed++
	}

	if err := e.store.UpsertAnomalies(ctx, upserts); err != nil {
		return changed, err
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, e.store.FinalizeShot(ctx, shot, recs, builder.Index())
}

func (e *Engine) backfillOne(ctx context.Context, proc *Processor, det detector.Detector, rec model.OutcomeRecord) backfillResult {
	task := model.Task{Shot: rec.Shot, DB: rec.DBName, Channel: rec.ChannelName}
	conn, err := proc.acquire(ctx, rec.DBName)
	if err != nil {
		e.logger.Debug("backfill connect failed", "task", task.Key().String(), "error", err)
		return backfillResult{status: BackfillReadFailed}
	}
	healthy := true
	defer func() {
		if healthy {
			proc.pool.Release(rec.DBName, conn)
		} else {
			proc.pool.Discard(rec.DBName, conn)
		}
	}()

	w := fetchWindow(model.Bucket(rec.ChannelType))
	series, err := proc.fetch(ctx, conn, model.RetryFetch, task, rec.ChannelName, w)
	if err != nil || series.Empty() {
		healthy = !errors.Is(err, source.ErrTransport)
		return backfillResult{status: BackfillReadFailed}
	}

	in := detector.Input{Y: series.Y, X: series.X}
	if det.Aux != "" {
		aux, err := proc.fetch(ctx, conn, model.RetryAux, task, det.Aux, w)
		switch {
		case errors.Is(err, source.ErrNoData), err == nil && aux.Empty():
			return backfillResult{status: BackfillMissingAux}
		case err != nil:
			return backfillResult{status: BackfillAuxReadFailed}
		}
		in.Aux = aux.Y
	}

	ranges, err := det.Run(in)
	if err != nil {
		e.logger.Warn("detector failed during backfill", "task", task.Key().String(), "detector", det.Name, "error", err)
		return backfillResult{status: BackfillAlgorithmError}
	}
	if len(ranges) == 0 {
		return backfillResult{status: BackfillNoError}
	}
	return backfillResult{status: BackfillFired, anomaly: &model.AnomalyRecord{
		Shot:        rec.Shot,
		ChannelName: rec.ChannelName,
		ChannelType: rec.ChannelType,
		Detector:    det.Name,
		TimeRanges:  ranges,
		Person:      model.PersonMachine,
		DetectedAt:  proc.now().UTC(),
		Description: det.Description,
	}}
}
