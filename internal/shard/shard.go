// Package shard keeps the result store partitioned into contiguous shot-range
// shards of bounded size.
package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
	"go-shot-diagnostics/pkg/utils"
)

// DefaultCapacity is the shot capacity of one shard.
const DefaultCapacity = 100

// Store is the subset of the document store the manager needs.
type Store interface {
	Shards(ctx context.Context) ([]store.Shard, error)
	CreateShard(ctx context.Context, r model.ShotRange) (store.Shard, error)
	ExtendShard(ctx context.Context, sh store.Shard, r model.ShotRange) (store.Shard, error)
	MergeShards(ctx context.Context, group []store.Shard) (store.Shard, error)
}

// Manager assigns shot ranges to shards and merges undersized shards.
type Manager struct {
	store    Store
	capacity int
	logger   *slog.Logger
}

func NewManager(st Store, capacity int, logger *slog.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{store: st, capacity: capacity, logger: logging.OrDefault(logger)}
}

// Capacity returns the configured shard capacity.
func (m *Manager) Capacity() int { return m.capacity }

// Plan groups shards (sorted by start) into runs of contiguous ranges whose
// combined size stays within capacity. Only groups of two or more are
// returned.
func Plan(shards []store.Shard, capacity int) [][]store.Shard {
	sorted := append([]store.Shard(nil), shards...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Range.Start < sorted[j].Range.Start })

	var groups [][]store.Shard
	var cur []store.Shard
	size := 0
	flush := func() {
		if len(cur) > 1 {
			groups = append(groups, cur)
		}
		cur, size = nil, 0
	}
	for _, sh := range sorted {
		if len(cur) > 0 {
			last := cur[len(cur)-1]
			if sh.Range.Start != last.Range.End+1 || size+sh.Size() > capacity {
				flush()
			}
		}
		cur = append(cur, sh)
		size += sh.Size()
	}
	flush()
	return groups
}

// Maintain runs one merge pass. Re-running it after a partial failure picks
// up the groups that are still mergeable.
func (m *Manager) Maintain(ctx context.Context) ([]store.Shard, error) {
	shards, err := m.store.Shards(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	var merged []store.Shard
	for _, group := range Plan(shards, m.capacity) {
		dst, err := m.store.MergeShards(ctx, group)
		if err != nil {
			return merged, err
		}
		names := make([]string, len(group))
		for i, sh := range group {
			names[i] = sh.Name
		}
		m.logger.Info("merged shards", "sources", names, "shard", dst.Name)
		merged = append(merged, dst)
	}
	return merged, nil
}

// Assign makes sure every shot in r is covered by a shard. Uncovered shots
// directly after a shard with spare capacity extend that shard; the rest open
// new shards of at most capacity shots.
func (m *Manager) Assign(ctx context.Context, r model.ShotRange) ([]store.Shard, error) {
	shards, err := m.store.Shards(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}

	var uncovered []int
	for _, shot := range r.Shots() {
		if !covered(shards, shot) {
			uncovered = append(uncovered, shot)
		}
	}

	var touched []store.Shard
	for _, iv := range utils.FindIntervals(uncovered) {
		start, end := iv[0], iv[1]
		if prev, ok := endingAt(shards, start-1); ok && prev.Size() < m.capacity {
			newEnd := min(end, prev.Range.Start+m.capacity-1)
			ext, err := m.store.ExtendShard(ctx, prev, model.ShotRange{Start: prev.Range.Start, End: newEnd})
			if err != nil {
				return touched, err
			}
			m.logger.Info("extended shard", "from", prev.Name, "to", ext.Name)
			shards = replace(shards, prev, ext)
			touched = append(touched, ext)
			start = newEnd + 1
		}
		for s := start; s <= end; s += m.capacity {
			e := min(end, s+m.capacity-1)
			sh, err := m.store.CreateShard(ctx, model.ShotRange{Start: s, End: e})
			if err != nil {
				return touched, err
			}
			m.logger.Info("created shard", "shard", sh.Name)
			shards = append(shards, sh)
			touched = append(touched, sh)
		}
	}
	return touched, nil
}

func covered(shards []store.Shard, shot int) bool {
	for _, sh := range shards {
		if sh.Range.Contains(shot) {
			return true
		}
	}
	return false
}

func endingAt(shards []store.Shard, end int) (store.Shard, bool) {
	for _, sh := range shards {
		if sh.Range.End == end {
			return sh, true
		}
	}
	return store.Shard{}, false
}

func replace(shards []store.Shard, old, next store.Shard) []store.Shard {
	out := make([]store.Shard, 0, len(shards))
	for _, sh := range shards {
		if sh.Name == old.Name {
			sh = next
		}
		out = append(out, sh)
	}
	return out
}

// Batches splits r into consecutive capacity-sized shot ranges.
func (m *Manager) Batches(r model.ShotRange) []model.ShotRange {
	var out []model.ShotRange
	for s := r.Start; s <= r.End; s += m.capacity {
		out = append(out, model.ShotRange{Start: s, End: min(r.End, s+m.capacity-1)})
	}
	return out
}
