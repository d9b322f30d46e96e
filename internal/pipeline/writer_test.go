package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-shot-diagnostics/internal/index"
	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
)

// flakyStore fails a configurable number of calls before delegating.
type flakyStore struct {
	ResultStore
	appendFails   int
	finalizeFails int
}

func (f *flakyStore) AppendOutcomes(ctx context.Context, shot int, recs []model.OutcomeRecord) error {
	if f.appendFails > 0 {
		f.appendFails--
		return errors.New("disk I/O error")
	}
	return f.ResultStore.AppendOutcomes(ctx, shot, recs)
}

func (f *flakyStore) FinalizeShot(ctx context.Context, shot int, recs []model.OutcomeRecord, idx model.ShotIndex) error {
	if f.finalizeFails > 0 {
		f.finalizeFails--
		return errors.New("database is locked")
	}
	return f.ResultStore.FinalizeShot(ctx, shot, recs, idx)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "writer.db"), "DataDiagnosticPlatform")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	_, err = st.CreateShard(context.Background(), model.ShotRange{Start: 1, End: 10})
	require.NoError(t, err)
	return st
}

func openTestJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func result(shot int, channel string, errs ...string) model.TaskResult {
	rec := model.NewOutcome(shot, testDB, channel)
	rec.ErrorNames = errs
	res := model.TaskResult{Outcome: rec}
	for _, e := range errs {
		res.Anomalies = append(res.Anomalies, model.AnomalyRecord{
			Shot: shot, ChannelName: channel, ChannelType: rec.ChannelType,
			Detector: e, TimeRanges: []model.TimeRange{{0, 1}}, Person: model.PersonMachine,
		})
	}
	return res
}

var writePolicy = RetryPolicy{Site: model.RetryWrite, Config: model.RetryConfig{MaxAttempts: 3}, Sleep: noSleep,
	Retryable: func(err error) bool { return !errors.Is(err, context.Canceled) }}

func TestWriterKeepsFailedWritesAndRecovers(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	journal := openTestJournal(t, "")
	flaky := &flakyStore{ResultStore: st}

	w := NewWriter(flaky, journal, time.Hour, writePolicy, logging.Discard())
	w.Add(ctx, result(1, "CH01", "error_over_5"))
	w.Add(ctx, result(1, "CH02"))

	flaky.appendFails = 1
	require.Error(t, w.Flush(ctx))
	recs, err := st.Outcomes(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, recs)
	pending, err := journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Len(t, pending[0].Outcomes, 2)

	require.NoError(t, w.Flush(ctx))
	recs, err = st.Outcomes(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	flaky.finalizeFails = 1
	require.Error(t, w.FinishShot(ctx, 1))
	assert.Equal(t, 1, w.Pending())

	// A fresh writer picks the shot up from the journal.
	w2 := NewWriter(st, journal, time.Hour, writePolicy, logging.Discard())
	n, err := w2.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, w2.Drain(ctx))
	assert.Zero(t, w2.Pending())

	recs, err = st.Outcomes(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	idx, err := st.ShotIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, idx[index.AttrErrorName]["error_over_5"])
	anomalies, err := st.Anomalies(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, anomalies, 1)

	pending, err = journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWriterDrainRetries(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	flaky := &flakyStore{ResultStore: st, finalizeFails: 2}

	w := NewWriter(flaky, nil, time.Hour, writePolicy, logging.Discard())
	w.Add(ctx, result(2, "CH01"))
	w.Add(ctx, result(3, "CH01"))
	require.NoError(t, w.Drain(ctx))
	assert.Zero(t, w.Pending())

	for _, shot := range []int{2, 3} {
		recs, err := st.Outcomes(ctx, shot)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	}
}

func TestWriterFlushesOnInterval(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	w := NewWriter(st, nil, time.Minute, writePolicy, logging.Discard())
	clock := time.Now()
	w.now = func() time.Time { return clock }

	w.Add(ctx, result(4, "CH01"))
	recs, err := st.Outcomes(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, recs)

	clock = clock.Add(2 * time.Minute)
	w.Add(ctx, result(4, "CH02"))
	recs, err = st.Outcomes(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestWriterDropsShotWithoutShard(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	w := NewWriter(st, nil, time.Hour, writePolicy, logging.Discard())
	w.Add(ctx, result(50, "CH01"))
	w.Add(ctx, result(5, "CH01"))

	// Appending to a shot without a shard fails and stays buffered.
	assert.Error(t, w.Flush(ctx))
	assert.NoError(t, w.FinishShot(ctx, 5))
	assert.Equal(t, 1, w.Pending())

	// Finalizing it gives up instead of retrying forever.
	assert.NoError(t, w.FinishShot(ctx, 50))
	assert.Zero(t, w.Pending())
}

func TestJournalPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Save(PendingShot{Shot: 9, Outcomes: []model.OutcomeRecord{model.NewOutcome(9, testDB, "CH01")}}))
	require.NoError(t, j.Save(PendingShot{Shot: 3}))
	require.NoError(t, j.Close())

	j = openTestJournal(t, dir)
	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 3, pending[0].Shot)
	assert.Equal(t, 9, pending[1].Shot)
	assert.Equal(t, "CH01", pending[1].Outcomes[0].ChannelName)

	require.NoError(t, j.Clear(3))
	pending, err = j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 9, pending[0].Shot)
}
