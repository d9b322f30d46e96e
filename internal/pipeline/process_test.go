package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/source"
)

func newTestProcessor(t *testing.T, src source.Source, failFast bool) *Processor {
	t.Helper()
	reg := detector.NewRegistry(testDetectors()...)
	require.NoError(t, reg.SetMap(testMap()))
	pool := source.NewPool(src, 1, nil, logging.Discard())
	t.Cleanup(pool.Close)
	return NewProcessor(pool, reg, NewRetryPolicies(nil, noSleep), failFast, logging.Discard())
}

func TestProcessConnectionFailure(t *testing.T) {
	src := source.NewMemory()
	src.Put(testDB, 1, "CH01", series(0, 9))
	src.FailOpen(testDB, 5)
	p := newTestProcessor(t, src, false)

	res := p.Process(context.Background(), model.Task{Shot: 1, DB: testDB, Channel: "CH01"})
	assert.Equal(t, model.StatusFailed, res.Outcome.Status)
	assert.Empty(t, res.Anomalies)

	// The connect policy allows five attempts, so a sixth open succeeds.
	src.FailOpen(testDB, 4)
	res = p.Process(context.Background(), model.Task{Shot: 1, DB: testDB, Channel: "CH01"})
	assert.Equal(t, model.StatusSuccess, res.Outcome.Status)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "CH", res.Anomalies[0].ChannelType)
}

func TestProcessMissingChannel(t *testing.T) {
	src := source.NewMemory()
	src.Put(testDB, 1, "CH01", series(0, 9))
	p := newTestProcessor(t, src, false)

	res := p.Process(context.Background(), model.Task{Shot: 1, DB: testDB, Channel: "CH09"})
	assert.Equal(t, model.StatusDataReadFailed, res.Outcome.Status)
	assert.Equal(t, int64(1), src.Reads(), "not-found is not retried")
}

func TestDiscoverySkipsMissingDatabase(t *testing.T) {
	src := source.NewMemory()
	src.Put(testDB, 1, "CH01", series(0, 9))
	var sleeps atomic.Int32
	policies := NewRetryPolicies(nil, func(context.Context, time.Duration) error {
		sleeps.Add(1)
		return nil
	})
	pool := source.NewPool(src, 1, nil, logging.Discard())
	t.Cleanup(pool.Close)
	d := NewDiscoverer(pool, policies.For(model.RetryDiscover), nil, logging.Discard())

	found, err := d.DiscoverAll(context.Background(), []int{1}, []string{testDB, "ghostdb"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []model.Task{{Shot: 1, DB: testDB, Channel: "CH01"}}, found.Tasks)
	assert.Empty(t, found.Failures)
	assert.Zero(t, sleeps.Load(), "a missing database is not retried")
}

func TestProcessReleasesConnections(t *testing.T) {
	src := source.NewMemory()
	for i := 0; i < 4; i++ {
		src.Put(testDB, 1, fmt.Sprintf("CH0%d", i), series(0, 1))
	}
	p := newTestProcessor(t, src, true)
	for i := 0; i < 4; i++ {
		res := p.Process(context.Background(), model.Task{Shot: 1, DB: testDB, Channel: fmt.Sprintf("CH0%d", i)})
		assert.NotEqual(t, model.StatusFailed, res.Outcome.Status)
	}
	assert.Equal(t, int64(1), src.Opens(), "a single pooled connection is reused")
}

func TestProcessMagneticsWindow(t *testing.T) {
	src := source.NewMemory()
	s := model.Series{}
	for i := -100; i <= 100; i++ {
		s.X = append(s.X, float64(i)/10)
		s.Y = append(s.Y, 10)
	}
	src.Put(testDB, 1, "MP01", s)
	reg := detector.NewRegistry(detector.Detector{Name: "error_span", Time: func(y, x []float64) []model.TimeRange {
		return []model.TimeRange{{x[0], x[len(x)-1]}}
	}})
	require.NoError(t, reg.SetMap(detector.Map{model.BucketMagnetics: {"error_span": {"MP01"}}}))
	pool := source.NewPool(src, 1, nil, logging.Discard())
	defer pool.Close()
	p := NewProcessor(pool, reg, NewRetryPolicies(nil, noSleep), false, logging.Discard())

	res := p.Process(context.Background(), model.Task{Shot: 1, DB: testDB, Channel: "MP01"})
	require.Equal(t, model.StatusSuccess, res.Outcome.Status)
	require.Len(t, res.Anomalies, 1)
	got := res.Anomalies[0].TimeRanges[0]
	assert.InDelta(t, MagneticsWindow.Start, got[0], 1e-9)
	assert.InDelta(t, MagneticsWindow.End, got[1], 1e-9)
}

type completedKeys map[model.TaskKey]struct{}

func (c completedKeys) CompletedKeys(context.Context, model.ShotRange) (map[model.TaskKey]struct{}, error) {
	return c, nil
}

func TestPendingTasks(t *testing.T) {
	tasks := []model.Task{
		{Shot: 1, DB: testDB, Channel: "CH01"},
		{Shot: 1, DB: testDB, Channel: "CH02"},
		{Shot: 2, DB: testDB, Channel: "CH01"},
	}
	done := completedKeys{tasks[1].Key(): {}}

	pending, skipped, err := PendingTasks(context.Background(), done, model.ShotRange{Start: 1, End: 2}, tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []model.Task{tasks[0], tasks[2]}, pending)
}

func TestDispatchRunsEveryTaskOnce(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[model.TaskKey]int{}
	)
	out := &bytes.Buffer{}
	d := &Dispatcher{
		process: func(_ context.Context, task model.Task) model.TaskResult {
			return model.TaskResult{Outcome: model.NewOutcome(task.Shot, task.DB, task.Channel)}
		},
		workers:   3,
		batchSize: 4,
		out:       out,
		logger:    logging.Discard(),
	}
	var tasks []model.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, model.Task{Shot: 1, DB: testDB, Channel: fmt.Sprintf("CH%02d", i)})
	}
	err := d.Dispatch(context.Background(), tasks, func(_ context.Context, res model.TaskResult) {
		mu.Lock()
		seen[res.Outcome.Key()]++
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Len(t, seen, 10)
	for k, n := range seen {
		assert.Equal(t, 1, n, k.String())
	}
	assert.Contains(t, out.String(), "Batch 3/3")
}

func TestDispatchStopsBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var count int
	var mu sync.Mutex
	d := &Dispatcher{
		process: func(taskCtx context.Context, task model.Task) model.TaskResult {
			cancel()
			// In-flight tasks keep a live context.
			if taskCtx.Err() != nil {
				return model.TaskResult{}
			}
			return model.TaskResult{Outcome: model.NewOutcome(task.Shot, task.DB, task.Channel)}
		},
		workers:   2,
		batchSize: 2,
		out:       io.Discard,
		logger:    logging.Discard(),
	}
	tasks := []model.Task{
		{Shot: 1, DB: testDB, Channel: "A1"}, {Shot: 1, DB: testDB, Channel: "A2"},
		{Shot: 1, DB: testDB, Channel: "A3"}, {Shot: 1, DB: testDB, Channel: "A4"},
	}
	err := d.Dispatch(ctx, tasks, func(_ context.Context, res model.TaskResult) {
		mu.Lock()
		if res.Outcome.ChannelName != "" {
			count++
		}
		mu.Unlock()
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, count, "the started batch completes")
}

func TestCollectorSamplesAreBounded(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector("run-1", model.ShotRange{Start: 1, End: 2}, func() time.Time { return clock })

	var tasks []model.Task
	for shot := 1; shot <= 2; shot++ {
		for i := 0; i < 8; i++ {
			tasks = append(tasks, model.Task{Shot: shot, DB: testDB, Channel: fmt.Sprintf("CH%02d", i)})
		}
	}
	c.Expect(tasks)
	c.ConnectionFailures([]model.ConnectionFailure{{Shot: 3, DB: "eng50u", Error: "refused"}})
	for _, task := range tasks {
		rec := model.NewOutcome(task.Shot, task.DB, task.Channel)
		rec.Fail(model.StatusEmptyData, "no data")
		c.Record(model.TaskResult{Outcome: rec})
	}
	clock = clock.Add(3 * time.Second)

	stats := c.Finish()
	assert.Equal(t, 16, stats.ExpectedTotal)
	assert.Equal(t, 16, stats.ProcessedTotal)
	assert.Equal(t, 16, stats.StatusCounts[model.StatusEmptyData])
	assert.Len(t, stats.ProblemChannels[model.StatusEmptyData], model.ProblemSampleLimit)
	assert.Equal(t, 8, stats.ByShot["2"].Processed)
	require.NotNil(t, stats.FinishedAt)
	assert.Len(t, stats.ConnectionFailures, 1)

	shot := c.ShotStats(2)
	assert.Equal(t, 8, shot.Counters.Expected)
	assert.Len(t, shot.ProblemChannels[model.StatusEmptyData], model.ProblemSampleLimit)
	assert.Equal(t, 3*time.Second, shot.ProcessingTime)

	out := &bytes.Buffer{}
	PrintSummary(out, stats)
	assert.Contains(t, out.String(), "16/16 channels processed")
	assert.Contains(t, out.String(), "empty_data samples")
	assert.Contains(t, out.String(), "1 connection failures")
}

type failingStats struct {
	calls   int
	minimal []model.ShotStatistics
}

func (f *failingStats) PutShotStats(_ context.Context, st model.ShotStatistics) error {
	f.calls++
	if !st.Minimal {
		return errors.New("document too large")
	}
	f.minimal = append(f.minimal, st)
	return nil
}

func (f *failingStats) PutShardStats(context.Context, model.ShotRange, string, interface{}) (int, error) {
	return 0, nil
}

func TestSaveShotStatsFallsBack(t *testing.T) {
	st := &failingStats{}
	retry := NewRetryPolicies(nil, noSleep).For(model.RetryStats)
	doc := model.ShotStatistics{RunID: "r", Shot: 4, Counters: model.Counters{Processed: 3}}

	require.NoError(t, SaveShotStats(context.Background(), st, retry, doc, logging.Discard()))
	assert.Equal(t, 4, st.calls, "three attempts then the minimal record")
	require.Len(t, st.minimal, 1)
	assert.Equal(t, 3, st.minimal[0].Counters.Processed)
}
