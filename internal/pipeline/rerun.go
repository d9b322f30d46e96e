package pipeline

import (
	"context"
	"fmt"

	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
)

// Rerun reprocesses a subset of shots of one shard range. shardName is the
// full shard name or its "start_end" range. With reset every listed shot's
// outcome list, anomalies, index entries and statistics are deleted first,
// so every channel is processed again; otherwise completed channels are
// skipped.
func (e *Engine) Rerun(ctx context.Context, shardName string, shots []int, reset bool) (model.RunStatistics, error) {
	r, err := store.ParseShardName(shardName)
	if err != nil {
		return model.RunStatistics{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(shots) == 0 {
		return model.RunStatistics{}, fmt.Errorf("%w: no shots given", ErrInvalidRequest)
	}
	lo, hi := shots[0], shots[0]
	for _, s := range shots {
		if !r.Contains(s) {
			return model.RunStatistics{}, fmt.Errorf("%w: shot %d outside %s", ErrInvalidRequest, s, r)
		}
		lo, hi = min(lo, s), max(hi, s)
	}

	if reset {
		for _, s := range shots {
			if err := e.store.DeleteShot(ctx, s); err != nil {
				return model.RunStatistics{}, fmt.Errorf("reset shot %d: %w", s, err)
			}
		}
		fmt.Fprintf(e.out, "🔄 Cleared %d shots in %s\n", len(shots), r)
	}

	req := model.RunRequest{
		Range:     model.ShotRange{Start: lo, End: hi},
		Shots:     shots,
		Databases: e.opts.Databases,
	}
	return e.run(ctx, store.RunKindRerun, req)
}
