package pipeline

import (
	"context"
	"fmt"

	"go-shot-diagnostics/internal/model"
)

// CompletedLister reports the task keys already persisted with success.
type CompletedLister interface {
	CompletedKeys(ctx context.Context, r model.ShotRange) (map[model.TaskKey]struct{}, error)
}

// PendingTasks drops the tasks whose (shot, db, channel) already completed.
// Completion is read from persisted outcome records only, so a restarted
// process skips exactly what a previous one finished.
func PendingTasks(ctx context.Context, st CompletedLister, r model.ShotRange, tasks []model.Task) ([]model.Task, int, error) {
	done, err := st.CompletedKeys(ctx, r)
	if err != nil {
		return nil, 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(done) == 0 {
		return tasks, 0, nil
	}
	pending := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := done[t.Key()]; ok {
			continue
		}
		pending = append(pending, t)
	}
	return pending, len(tasks) - len(pending), nil
}
