package syncloop

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/pipeline"
	"go-shot-diagnostics/internal/shard"
	"go-shot-diagnostics/internal/source"
	"go-shot-diagnostics/internal/store"
)

const testDB = "exl50u"

type fixture struct {
	st     *store.Store
	src    *source.Memory
	eng    *pipeline.Engine
	sleeps []time.Duration
	onWait func(n int)
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), "DataDiagnosticPlatform")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := source.NewMemory()
	eng := pipeline.New(st, src, detector.NewRegistry(), shard.NewManager(st, capacity, logging.Discard()), nil,
		pipeline.Options{
			Databases:     []string{testDB},
			Workers:       2,
			PoolSize:      2,
			FlushInterval: time.Hour,
			Sleep:         func(context.Context, time.Duration) error { return nil },
			Out:           io.Discard,
		}, logging.Discard())
	return &fixture{st: st, src: src, eng: eng}
}

func (f *fixture) loop(opts ...Option) *Loop {
	opts = append([]Option{WithOutput(io.Discard), WithSleep(f.sleep)}, opts...)
	return New(f.eng, DefaultConfig, logging.Discard(), opts...)
}

func (f *fixture) sleep(ctx context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	if f.onWait != nil {
		f.onWait(len(f.sleeps))
	}
	return ctx.Err()
}

func (f *fixture) seed(shots ...int) {
	for _, shot := range shots {
		f.src.Put(testDB, shot, "CH01", model.Series{X: []float64{0, 1}, Y: []float64{1, 2}})
	}
}

func TestPlan(t *testing.T) {
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 100}, {Start: 101, End: 200}, {Start: 201, End: 250}}, Plan(1, 250, 100))
	assert.Equal(t, []model.ShotRange{{Start: 7, End: 9}}, Plan(7, 9, 100))
	assert.Nil(t, Plan(10, 9, 100))
}

func TestIterateCatchesUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.seed(1, 2, 3, 4, 5)
	l := f.loop()

	ran, err := l.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 2}, {Start: 3, End: 4}, {Start: 5, End: 5}}, ran)
	assert.Equal(t, []time.Duration{
		10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
		30 * time.Second,
	}, f.sleeps, "six samples then the confirmation wait")

	latest, err := f.st.LatestShot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, latest)
	st := l.Status()
	assert.Equal(t, 5, st.StoreLatest)
	assert.Zero(t, st.Lag)

	// Nothing new upstream: no runs and no sampling.
	f.sleeps = nil
	ran, err = l.Iterate(ctx)
	require.NoError(t, err)
	assert.Empty(t, ran)
	assert.Empty(t, f.sleeps)
}

func TestIterateDefersChangingShot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(1, 2, 3)
	f.onWait = func(n int) {
		if n == 2 {
			f.src.Put(testDB, 3, "CH02", model.Series{X: []float64{0}, Y: []float64{1}})
		}
	}
	l := f.loop()

	ran, err := l.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 2}}, ran)
	assert.Equal(t, 3, l.Status().Deferred)
	recs, err := f.st.Outcomes(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Next poll the shot has settled and is admitted.
	f.onWait = nil
	ran, err = l.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 3, End: 3}}, ran)
	recs, err = f.st.Outcomes(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestIterateDefersOnlyShotAndRunsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(1)
	f.onWait = func(n int) {
		if n == 6 {
			f.src.Put(testDB, 1, "CH02", model.Series{X: []float64{0}, Y: []float64{1}})
		}
	}

	ran, err := f.loop().Iterate(ctx)
	require.NoError(t, err)
	assert.Empty(t, ran, "a change during the confirmation wait defers the shot")
}

func TestIterateMaintainsShards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	_, err := f.st.CreateShard(ctx, model.ShotRange{Start: 1, End: 1})
	require.NoError(t, err)
	_, err = f.st.CreateShard(ctx, model.ShotRange{Start: 2, End: 2})
	require.NoError(t, err)
	f.seed(1, 2)

	_, err = f.loop().Iterate(ctx)
	require.NoError(t, err)
	shards, err := f.st.Shards(ctx)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, "DataDiagnosticPlatform_[1_2]", shards[0].Name)
}

func TestIterateRespectsFirstShot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(1, 2, 3, 4)
	cfg := DefaultConfig
	cfg.FirstShot = 3
	l := New(f.eng, cfg, logging.Discard(), WithOutput(io.Discard), WithSleep(f.sleep))

	ran, err := l.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 3, End: 4}}, ran)
}

func TestIterateFailsWithoutSource(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.loop().Iterate(context.Background())
	assert.ErrorIs(t, err, source.ErrNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, 100)
	f.seed(1)
	f.onWait = func(n int) {
		if n == 7 {
			cancel()
		}
	}
	l := f.loop()

	require.NoError(t, l.Run(ctx))
	assert.False(t, l.Status().Running)
	latest, err := f.st.LatestShot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, latest)
	assert.Equal(t, DefaultConfig.PollInterval, f.sleeps[6])
}

func TestIterateDefersShotThatCannotBeSampled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(1, 2, 3, 4, 5)
	f.src.FailList(testDB, 5, 100)
	l := f.loop()

	ran, err := l.Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 4}}, ran)
	assert.Equal(t, 5, l.Status().Deferred)
	latest, err := f.st.LatestShot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, latest)
}

func TestIterateRetriesTransientSampleFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(1, 2)
	f.src.FailList(testDB, 2, 2)

	ran, err := f.loop().Iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShotRange{{Start: 1, End: 2}}, ran)
}
