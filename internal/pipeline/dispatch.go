package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"go-shot-diagnostics/internal/model"
)

// Sink receives task results. It is called from worker goroutines.
type Sink func(ctx context.Context, res model.TaskResult)

// Dispatcher submits task batches to a bounded worker pool. Batches run one
// after another; tasks within a batch run in parallel.
type Dispatcher struct {
	process   func(ctx context.Context, task model.Task) model.TaskResult
	workers   int
	batchSize int
	out       io.Writer
	logger    *slog.Logger
}

func NewDispatcher(p *Processor, workers, batchSize int, out io.Writer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		process:   p.Process,
		workers:   max(workers, 1),
		batchSize: batchSize,
		out:       out,
		logger:    logger,
	}
}

// Dispatch processes tasks and hands every result to sink. A started batch
// always runs to completion; cancellation is only observed between batches.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []model.Task, sink Sink) error {
	batches := model.Batches(tasks, d.batchSize)
	taskCtx := context.WithoutCancel(ctx)
	done := 0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("dispatch stopped before batch %d/%d: %w", i+1, len(batches), err)
		}
		start := time.Now()

		var g errgroup.Group
		g.SetLimit(d.workers)
		for _, task := range batch {
			g.Go(func() error {
				sink(taskCtx, d.process(taskCtx, task))
				return nil
			})
		}
		g.Wait()

		done += len(batch)
		fmt.Fprintf(d.out, "🔄 Batch %d/%d: %d channels in %v (%d/%d)\n",
			i+1, len(batches), len(batch), time.Since(start).Round(time.Millisecond), done, len(tasks))
		d.logger.Debug("batch complete", "batch", i+1, "batches", len(batches), "tasks", len(batch))
	}
	return nil
}
