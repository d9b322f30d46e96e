package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/source"
)

// ------------------- Channel discovery -------------------

// Discoverer lists the channels of (shot, database) pairs.
type Discoverer struct {
	pool     *source.Pool
	retry    RetryPolicy
	channels map[string]bool
	logger   *slog.Logger
}

// NewDiscoverer creates a discoverer. A non-empty channels list keeps only
// those channels (case-insensitive).
func NewDiscoverer(pool *source.Pool, retry RetryPolicy, channels []string, logger *slog.Logger) *Discoverer {
	d := &Discoverer{pool: pool, retry: retry, logger: logger}
	if len(channels) > 0 {
		d.channels = make(map[string]bool, len(channels))
		for _, c := range channels {
			d.channels[strings.ToLower(c)] = true
		}
	}
	return d
}

// Discover returns the channels of shot in db. The whole acquire, list and
// release sequence is retried.
func (d *Discoverer) Discover(ctx context.Context, shot int, db string) ([]string, error) {
	var channels []string
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		conn, err := d.pool.Acquire(ctx, db, true)
		if err != nil {
			return err
		}
		list, err := conn.ListChannels(ctx, shot)
		if err != nil {
			d.pool.Discard(db, conn)
			return source.Classify(err)
		}
		d.pool.Release(db, conn)
		channels = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	if d.channels == nil {
		return channels, nil
	}
	kept := channels[:0]
	for _, c := range channels {
		if d.channels[strings.ToLower(c)] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// Discovery is the outcome of the discovery-only pass over a run.
type Discovery struct {
	Tasks    []model.Task
	Failures []model.ConnectionFailure
}

// DiscoverAll lists every (shot, db) pair in parallel with at most workers
// concurrent listings. A failing database is logged and skipped for that shot
// without affecting the others. Tasks come back ordered by shot, then by the
// order of dbs.
func (d *Discoverer) DiscoverAll(ctx context.Context, shots []int, dbs []string, workers int) (Discovery, error) {
	type key struct {
		shot int
		db   string
	}
	var (
		mu       sync.Mutex
		found    = map[key][]string{}
		failures []model.ConnectionFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, shot := range shots {
		for _, db := range dbs {
			g.Go(func() error {
				channels, err := d.Discover(gctx, shot, db)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					if errors.Is(err, source.ErrNotFound) {
						d.logger.Debug("shot not present in database", "shot", shot, "db", db)
						return nil
					}
					d.logger.Warn("channel discovery failed, skipping database for shot",
						"shot", shot, "db", db, "error", err)
					failures = append(failures, model.ConnectionFailure{Shot: shot, DB: db, Error: err.Error()})
					return nil
				}
				found[key{shot, db}] = channels
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Discovery{}, fmt.Errorf("discovery: %w", err)
	}

	var out Discovery
	for _, shot := range shots {
		for _, db := range dbs {
			for _, ch := range found[key{shot, db}] {
				out.Tasks = append(out.Tasks, model.Task{Shot: shot, DB: db, Channel: ch})
			}
		}
	}
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Shot != failures[j].Shot {
			return failures[i].Shot < failures[j].Shot
		}
		return failures[i].DB < failures[j].DB
	})
	out.Failures = failures
	return out, nil
}
