package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go-shot-diagnostics/internal/model"
)

// Memory is an in-process Source. It backs tests and `source.kind: memory`,
// and can script transient failures per channel, per listing and per open.
type Memory struct {
	mu        sync.Mutex
	data      map[string]map[int]map[string]model.Series
	fetchFail map[string]int
	listFail  map[string]int
	openFail  map[string]int

	opens  atomic.Int64
	closes atomic.Int64
	reads  atomic.Int64
}

// NewMemory returns an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{
		data:      make(map[string]map[int]map[string]model.Series),
		fetchFail: make(map[string]int),
		listFail:  make(map[string]int),
		openFail:  make(map[string]int),
	}
}

// Put stores a channel series.
func (m *Memory) Put(db string, shot int, channel string, s model.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shots, ok := m.data[db]
	if !ok {
		shots = make(map[int]map[string]model.Series)
		m.data[db] = shots
	}
	chans, ok := shots[shot]
	if !ok {
		chans = make(map[string]model.Series)
		shots[shot] = chans
	}
	chans[channel] = s
}

// Remove deletes a channel.
func (m *Memory) Remove(db string, shot int, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chans, ok := m.data[db][shot]; ok {
		delete(chans, channel)
	}
}

// FailFetch makes the next n fetches of a channel fail with ErrTransport.
func (m *Memory) FailFetch(db string, shot int, channel string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchFail[fetchKey(db, shot, channel)] = n
}

// FailList makes the next n channel listings of a shot fail.
func (m *Memory) FailList(db string, shot int, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listFail[fmt.Sprintf("%s/%d", db, shot)] = n
}

// FailOpen makes the next n opens of db fail.
func (m *Memory) FailOpen(db string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openFail[db] = n
}

// Opens, Closes and Reads expose call counters for tests.
func (m *Memory) Opens() int64  { return m.opens.Load() }
func (m *Memory) Closes() int64 { return m.closes.Load() }
func (m *Memory) Reads() int64  { return m.reads.Load() }

func (m *Memory) Open(ctx context.Context, db string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.openFail[db]; n > 0 {
		m.openFail[db] = n - 1
		return nil, fmt.Errorf("%w: open %s refused", ErrTransport, db)
	}
	if _, ok := m.data[db]; !ok {
		return nil, fmt.Errorf("%w: database %s", ErrNotFound, db)
	}
	m.opens.Add(1)
	return &memoryConn{m: m, db: db}, nil
}

func (m *Memory) LatestShot(ctx context.Context, db string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shots, ok := m.data[db]
	if !ok {
		return 0, fmt.Errorf("%w: database %s", ErrNotFound, db)
	}
	latest := 0
	for s := range shots {
		if s > latest {
			latest = s
		}
	}
	return latest, nil
}

type memoryConn struct {
	m  *Memory
	db string
}

func (c *memoryConn) ListChannels(ctx context.Context, shot int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	key := fmt.Sprintf("%s/%d", c.db, shot)
	if n := c.m.listFail[key]; n > 0 {
		c.m.listFail[key] = n - 1
		return nil, fmt.Errorf("%w: list %s", ErrTransport, key)
	}
	chans, ok := c.m.data[c.db][shot]
	if !ok {
		return nil, fmt.Errorf("%w: shot %d in %s", ErrNotFound, shot, c.db)
	}
	out := make([]string, 0, len(chans))
	for name := range chans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *memoryConn) Fetch(ctx context.Context, shot int, channel string, window *model.Window) (model.Series, error) {
	if err := ctx.Err(); err != nil {
		return model.Series{}, err
	}
	c.m.reads.Add(1)
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	key := fetchKey(c.db, shot, channel)
	if n := c.m.fetchFail[key]; n > 0 {
		c.m.fetchFail[key] = n - 1
		return model.Series{}, fmt.Errorf("%w: read %s", ErrTransport, key)
	}
	s, ok := c.m.data[c.db][shot][channel]
	if !ok {
		return model.Series{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if s.Empty() {
		return model.Series{}, fmt.Errorf("%w: %s", ErrNoData, key)
	}
	if window == nil {
		return s, nil
	}
	return clip(s, *window), nil
}

func (c *memoryConn) Close() error {
	c.m.closes.Add(1)
	return nil
}

func fetchKey(db string, shot int, channel string) string {
	return fmt.Sprintf("%s/%d/%s", db, shot, channel)
}

// clip keeps the samples whose X lies inside w.
func clip(s model.Series, w model.Window) model.Series {
	var out model.Series
	for i := 0; i < s.Len(); i++ {
		if s.X[i] >= w.Start && s.X[i] <= w.End {
			out.X = append(out.X, s.X[i])
			out.Y = append(out.Y, s.Y[i])
		}
	}
	return out
}
