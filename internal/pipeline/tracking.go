package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
)

// StatsStore persists statistics documents.
type StatsStore interface {
	PutShotStats(ctx context.Context, st model.ShotStatistics) error
	PutShardStats(ctx context.Context, r model.ShotRange, key string, doc interface{}) (int, error)
}

// Collector accumulates run statistics: global, per database and per shot
// counters plus bounded problem-channel samples.
type Collector struct {
	mu        sync.Mutex
	stats     model.RunStatistics
	shots     map[int]map[model.Status][]model.ProblemChannel
	shotStart map[int]time.Time
	now       func() time.Time
}

// NewCollector starts statistics for one run over r.
func NewCollector(runID string, r model.ShotRange, now func() time.Time) *Collector {
	if now == nil {
		now = time.Now
	}
	return &Collector{
		stats: model.RunStatistics{
			RunID:              runID,
			ShotRange:          r.String(),
			StartedAt:          now().UTC(),
			StatusCounts:       model.NewStatusCounts(),
			ByDB:               map[string]*model.Counters{},
			ByShot:             map[string]*model.Counters{},
			ProblemChannels:    map[model.Status][]model.ProblemChannel{},
			ConnectionFailures: []model.ConnectionFailure{},
		},
		shots:     map[int]map[model.Status][]model.ProblemChannel{},
		shotStart: map[int]time.Time{},
		now:       now,
	}
}

func counters(m map[string]*model.Counters, key string) *model.Counters {
	c, ok := m[key]
	if !ok {
		c = model.NewCounters()
		m[key] = c
	}
	return c
}

// Expect registers the discovered tasks of the run.
func (c *Collector) Expect(tasks []model.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		c.stats.ExpectedTotal++
		counters(c.stats.ByDB, t.DB).Expected++
		counters(c.stats.ByShot, model.ShotKey(t.Shot)).Expected++
		channelsExpected.WithLabelValues(t.DB).Inc()
	}
}

// ConnectionFailures records (shot, db) pairs that discovery gave up on.
func (c *Collector) ConnectionFailures(failures []model.ConnectionFailure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range failures {
		c.stats.ConnectionFailures = append(c.stats.ConnectionFailures, f)
		connectionFailures.WithLabelValues(f.DB).Inc()
	}
}

// Record counts one outcome.
func (c *Collector) Record(res model.TaskResult) {
	rec := res.Outcome
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.shotStart[rec.Shot]; !ok {
		c.shotStart[rec.Shot] = c.now()
	}
	c.stats.ProcessedTotal++
	c.stats.StatusCounts[rec.Status]++
	for _, cnt := range []*model.Counters{
		counters(c.stats.ByDB, rec.DBName),
		counters(c.stats.ByShot, model.ShotKey(rec.Shot)),
	} {
		cnt.Processed++
		cnt.StatusCounts[rec.Status]++
	}
	channelsProcessed.WithLabelValues(rec.DBName, string(rec.Status)).Inc()
	for _, a := range res.Anomalies {
		anomaliesFound.WithLabelValues(a.Detector).Inc()
	}

	if rec.Status == model.StatusSuccess {
		return
	}
	sample := model.ProblemChannel{Shot: rec.Shot, DB: rec.DBName, Channel: rec.ChannelName, Message: rec.StatusMessage}
	if len(c.stats.ProblemChannels[rec.Status]) < model.ProblemSampleLimit {
		c.stats.ProblemChannels[rec.Status] = append(c.stats.ProblemChannels[rec.Status], sample)
	}
	perShot, ok := c.shots[rec.Shot]
	if !ok {
		perShot = map[model.Status][]model.ProblemChannel{}
		c.shots[rec.Shot] = perShot
	}
	if len(perShot[rec.Status]) < model.ProblemSampleLimit {
		perShot[rec.Status] = append(perShot[rec.Status], sample)
	}
}

// ShotStats returns the statistics document of one shot.
func (c *Collector) ShotStats(shot int) model.ShotStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := model.ShotStatistics{
		RunID:           c.stats.RunID,
		Shot:            shot,
		Counters:        *model.NewCounters(),
		ProblemChannels: map[model.Status][]model.ProblemChannel{},
	}
	if cnt, ok := c.stats.ByShot[model.ShotKey(shot)]; ok {
		st.Counters = copyCounters(cnt)
	}
	for status, samples := range c.shots[shot] {
		st.ProblemChannels[status] = append([]model.ProblemChannel(nil), samples...)
	}
	if start, ok := c.shotStart[shot]; ok {
		st.ProcessingTime = c.now().Sub(start)
	}
	return st
}

func copyCounters(c *model.Counters) model.Counters {
	out := model.Counters{Expected: c.Expected, Processed: c.Processed, StatusCounts: model.StatusCounts{}}
	for k, v := range c.StatusCounts {
		out.StatusCounts[k] = v
	}
	return out
}

func (c *Collector) snapshotLocked() model.RunStatistics {
	out := c.stats
	out.StatusCounts = model.StatusCounts{}
	for k, v := range c.stats.StatusCounts {
		out.StatusCounts[k] = v
	}
	out.ByDB = map[string]*model.Counters{}
	for k, v := range c.stats.ByDB {
		cp := copyCounters(v)
		out.ByDB[k] = &cp
	}
	out.ByShot = map[string]*model.Counters{}
	for k, v := range c.stats.ByShot {
		cp := copyCounters(v)
		out.ByShot[k] = &cp
	}
	out.ProblemChannels = map[model.Status][]model.ProblemChannel{}
	for k, v := range c.stats.ProblemChannels {
		out.ProblemChannels[k] = append([]model.ProblemChannel(nil), v...)
	}
	out.ConnectionFailures = append([]model.ConnectionFailure{}, c.stats.ConnectionFailures...)
	return out
}

// Finish stamps the end time and returns the final statistics.
func (c *Collector) Finish() model.RunStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := c.now().UTC()
	c.stats.FinishedAt = &end
	return c.snapshotLocked()
}

// ------------------- Persistence -------------------

// SaveShotStats writes a shot's statistics under the stats retry policy and
// falls back to a minimal document if that fails.
func SaveShotStats(ctx context.Context, st StatsStore, retry RetryPolicy, doc model.ShotStatistics, logger *slog.Logger) error {
	err := retry.Do(ctx, func(ctx context.Context) error { return st.PutShotStats(ctx, doc) })
	if err == nil {
		return nil
	}
	logger.Warn("shot statistics write failed, writing minimal record", "shot", doc.Shot, "error", err)
	statsFallbacks.Inc()
	minimal := model.ShotStatistics{RunID: doc.RunID, Shot: doc.Shot, Counters: doc.Counters, Minimal: true}
	return st.PutShotStats(ctx, minimal)
}

// SaveRunStats writes the run statistics into every shard overlapping r,
// falling back to the global counters only.
func SaveRunStats(ctx context.Context, st StatsStore, retry RetryPolicy, r model.ShotRange, doc model.RunStatistics, logger *slog.Logger) error {
	key := store.RangeStatsKey(r)
	err := retry.Do(ctx, func(ctx context.Context) error {
		_, err := st.PutShardStats(ctx, r, key, doc)
		return err
	})
	if err == nil {
		return nil
	}
	logger.Warn("run statistics write failed, writing minimal record", "range", r.String(), "error", err)
	statsFallbacks.Inc()
	minimal := model.RunStatistics{
		RunID:          doc.RunID,
		ShotRange:      doc.ShotRange,
		StartedAt:      doc.StartedAt,
		FinishedAt:     doc.FinishedAt,
		ExpectedTotal:  doc.ExpectedTotal,
		ProcessedTotal: doc.ProcessedTotal,
		StatusCounts:   doc.StatusCounts,
	}
	_, err = st.PutShardStats(ctx, r, key, minimal)
	return err
}

// ------------------- Reporting -------------------

// PrintSummary writes the operator summary of a run.
func PrintSummary(w io.Writer, st model.RunStatistics) {
	fmt.Fprintf(w, "📊 Run %s (shots %s): %d/%d channels processed\n",
		st.RunID, st.ShotRange, st.ProcessedTotal, st.ExpectedTotal)
	for _, status := range model.AllStatuses {
		fmt.Fprintf(w, "   %-22s %d\n", status, st.StatusCounts[status])
	}

	dbs := make([]string, 0, len(st.ByDB))
	for db := range st.ByDB {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)
	for _, db := range dbs {
		c := st.ByDB[db]
		fmt.Fprintf(w, "   [%s] %d/%d processed, %d success\n", db, c.Processed, c.Expected, c.StatusCounts[model.StatusSuccess])
	}

	for _, status := range model.AllStatuses {
		samples := st.ProblemChannels[status]
		if len(samples) == 0 {
			continue
		}
		fmt.Fprintf(w, "❌ %s samples:\n", status)
		for _, p := range samples {
			fmt.Fprintf(w, "   shot %d %s/%s: %s\n", p.Shot, p.DB, p.Channel, p.Message)
		}
	}
	if n := len(st.ConnectionFailures); n > 0 {
		fmt.Fprintf(w, "❌ %d connection failures\n", n)
		for i, f := range st.ConnectionFailures {
			if i == model.ProblemSampleLimit {
				fmt.Fprintf(w, "   ... %d more\n", n-i)
				break
			}
			fmt.Fprintf(w, "   shot %d %s: %s\n", f.Shot, f.DB, f.Error)
		}
	}
}
