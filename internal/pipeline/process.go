package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/source"
)

// MagneticsWindow is the fetch window applied to the MP bucket.
var MagneticsWindow = model.Window{Start: -7, End: 5}

// Processor evaluates one channel: connect, fetch, pick detectors, run them.
type Processor struct {
	pool     *source.Pool
	registry *detector.Registry
	retry    RetryPolicies
	failFast bool
	now      func() time.Time
	logger   *slog.Logger
}

func NewProcessor(pool *source.Pool, reg *detector.Registry, retry RetryPolicies, failFast bool, logger *slog.Logger) *Processor {
	return &Processor{pool: pool, registry: reg, retry: retry, failFast: failFast, now: time.Now, logger: logger}
}

// fetchWindow returns the window for a bucket, nil for the whole series.
func fetchWindow(bucket string) *model.Window {
	if bucket == model.BucketMagnetics {
		w := MagneticsWindow
		return &w
	}
	return nil
}

// acquire obtains a connection under the connect retry policy.
func (p *Processor) acquire(ctx context.Context, db string) (source.Conn, error) {
	var conn source.Conn
	err := p.retry.For(model.RetryConnect).Do(ctx, func(ctx context.Context) error {
		c, err := p.pool.Acquire(ctx, db, !p.failFast)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

func (p *Processor) fetch(ctx context.Context, conn source.Conn, site string, task model.Task, channel string, w *model.Window) (model.Series, error) {
	var series model.Series
	err := p.retry.For(site).Do(ctx, func(ctx context.Context) error {
		s, err := conn.Fetch(ctx, task.Shot, channel, w)
		if err != nil {
			return source.Classify(err)
		}
		series = s
		return nil
	})
	return series, err
}

// Process runs one task to a single outcome record. Every failure is folded
// into the record's status; Process itself never fails.
func (p *Processor) Process(ctx context.Context, task model.Task) (res model.TaskResult) {
	out := model.NewOutcome(task.Shot, task.DB, task.Channel)
	defer func() {
		if r := recover(); r != nil {
			out.Fail(model.StatusProcessingError, "internal error: %v", r)
			res = model.TaskResult{Outcome: out}
		}
	}()

	bucket := model.Bucket(out.ChannelType)

	conn, err := p.acquire(ctx, task.DB)
	if err != nil {
		out.Fail(model.StatusFailed, "connection: %v", err)
		return model.TaskResult{Outcome: out}
	}
	healthy := true
	defer func() {
		if healthy {
			p.pool.Release(task.DB, conn)
		} else {
			p.pool.Discard(task.DB, conn)
		}
	}()

	series, err := p.fetch(ctx, conn, model.RetryFetch, task, task.Channel, fetchWindow(bucket))
	switch {
	case errors.Is(err, source.ErrNoData):
		out.Fail(model.StatusEmptyData, "no data: %v", err)
		return model.TaskResult{Outcome: out}
	case err != nil:
		if errors.Is(err, source.ErrTransport) {
			healthy = false
		}
		out.Fail(model.StatusDataReadFailed, "read: %v", err)
		return model.TaskResult{Outcome: out}
	case series.Empty():
		out.Fail(model.StatusEmptyData, "empty series")
		return model.TaskResult{Outcome: out}
	}

	if !p.registry.HasBucket(bucket) {
		out.Fail(model.StatusNoAlgorithm, "no detector configured for %s", bucket)
		return model.TaskResult{Outcome: out}
	}
	candidates := p.registry.Candidates(bucket, task.Channel)
	if len(candidates) == 0 {
		out.Fail(model.StatusNoMatchedAlgorithm, "no %s detector lists %s", bucket, task.Channel)
		return model.TaskResult{Outcome: out}
	}

	aux := p.fetchAux(ctx, conn, task, candidates, fetchWindow(bucket))

	var anomalies []model.AnomalyRecord
	var failures []string
	for _, det := range candidates {
		in := detector.Input{Y: series.Y, X: series.X}
		if det.Aux != "" {
			a, ok := aux[det.Aux]
			if !ok {
				p.logger.Debug("auxiliary channel unavailable, skipping detector",
					"task", task.Key().String(), "detector", det.Name, "aux", det.Aux)
				continue
			}
			in.Aux = a.Y
		}
		ranges, err := det.Run(in)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", det.Name, err))
			continue
		}
		if len(ranges) == 0 {
			continue
		}
		out.ErrorNames = append(out.ErrorNames, det.Name)
		anomalies = append(anomalies, model.AnomalyRecord{
			Shot:        task.Shot,
			ChannelName: task.Channel,
			ChannelType: out.ChannelType,
			Detector:    det.Name,
			TimeRanges:  ranges,
			Person:      model.PersonMachine,
			DetectedAt:  p.now().UTC(),
			Description: det.Description,
		})
	}
	if len(failures) > 0 {
		out.Fail(model.StatusProcessingError, "%s", strings.Join(failures, "; "))
	}
	return model.TaskResult{Outcome: out, Anomalies: anomalies}
}

// fetchAux reads each auxiliary channel the candidates need once. Channels
// that cannot be read are left out of the result.
func (p *Processor) fetchAux(ctx context.Context, conn source.Conn, task model.Task, candidates []detector.Detector, w *model.Window) map[string]model.Series {
	out := map[string]model.Series{}
	tried := map[string]bool{}
	for _, det := range candidates {
		if det.Aux == "" || tried[det.Aux] {
			continue
		}
		tried[det.Aux] = true
		s, err := p.fetch(ctx, conn, model.RetryAux, task, det.Aux, w)
		if err != nil || s.Empty() {
			p.logger.Debug("auxiliary fetch failed", "task", task.Key().String(), "aux", det.Aux, "error", err)
			continue
		}
		out[det.Aux] = s
	}
	return out
}
