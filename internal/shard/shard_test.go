package shard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
)

func sh(start, end int) store.Shard {
	r := model.ShotRange{Start: start, End: end}
	return store.Shard{Name: store.ShardName("P", r), Range: r}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "shards.db"), "DataDiagnosticPlatform")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ranges(shards []store.Shard) []model.ShotRange {
	out := make([]model.ShotRange, len(shards))
	for i, s := range shards {
		out[i] = s.Range
	}
	return out
}

func TestPlan(t *testing.T) {
	groups := Plan([]store.Shard{sh(53, 100), sh(1, 52), sh(101, 150), sh(151, 160), sh(200, 210)}, 100)
	require.Len(t, groups, 2)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 52}, {Start: 53, End: 100}}, ranges(groups[0]))
	assert.Equal(t, []model.ShotRange{{Start: 101, End: 150}, {Start: 151, End: 160}}, ranges(groups[1]))

	assert.Empty(t, Plan([]store.Shard{sh(1, 100), sh(101, 200)}, 100))
	assert.Empty(t, Plan(nil, 100))
}

func TestMaintainMergesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	m := NewManager(st, 100, logging.Discard())

	_, err := st.CreateShard(ctx, model.ShotRange{Start: 1, End: 52})
	require.NoError(t, err)
	_, err = st.CreateShard(ctx, model.ShotRange{Start: 53, End: 100})
	require.NoError(t, err)
	_, err = st.CreateShard(ctx, model.ShotRange{Start: 101, End: 120})
	require.NoError(t, err)

	merged, err := m.Maintain(ctx)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "DataDiagnosticPlatform_[1_100]", merged[0].Name)

	again, err := m.Maintain(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	shards, err := st.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 100}, {Start: 101, End: 120}}, ranges(shards))
}

func TestAssignExtendsLastShard(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	m := NewManager(st, 100, logging.Discard())

	touched, err := m.Assign(ctx, model.ShotRange{Start: 1, End: 52})
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 52}}, ranges(touched))

	touched, err = m.Assign(ctx, model.ShotRange{Start: 53, End: 230})
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 100}, {Start: 101, End: 200}, {Start: 201, End: 230}}, ranges(touched))

	touched, err = m.Assign(ctx, model.ShotRange{Start: 10, End: 20})
	require.NoError(t, err)
	assert.Empty(t, touched)

	shards, err := st.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 100}, {Start: 101, End: 200}, {Start: 201, End: 230}}, ranges(shards))
}

func TestAssignFillsGaps(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	m := NewManager(st, 100, logging.Discard())

	_, err := st.CreateShard(ctx, model.ShotRange{Start: 50, End: 60})
	require.NoError(t, err)

	_, err = m.Assign(ctx, model.ShotRange{Start: 40, End: 70})
	require.NoError(t, err)
	shards, err := st.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 40, End: 49}, {Start: 50, End: 70}}, ranges(shards))
}

func TestBatches(t *testing.T) {
	m := NewManager(nil, 100, logging.Discard())
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 100}, {Start: 101, End: 150}}, m.Batches(model.ShotRange{Start: 1, End: 150}))
}
