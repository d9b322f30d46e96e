package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"go-shot-diagnostics/internal/logging"
)

// Retrier runs op until it succeeds or the policy gives up.
type Retrier interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

type onceRetrier struct{}

func (onceRetrier) Do(ctx context.Context, op func(ctx context.Context) error) error { return op(ctx) }

// Pool is a bounded per-database pool of reusable connections. Connections
// are opened lazily on first acquire and retried through the Retrier.
type Pool struct {
	src      Source
	capacity int
	retry    Retrier
	logger   *slog.Logger

	mu    sync.Mutex
	dbs   map[string]*dbPool
	close bool
}

type dbPool struct {
	sem   *semaphore.Weighted
	inUse int
	idle  []Conn
}

// NewPool creates a pool allowing capacity live connections per database.
// retry may be nil for a single attempt.
func NewPool(src Source, capacity int, retry Retrier, logger *slog.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if retry == nil {
		retry = onceRetrier{}
	}
	return &Pool{
		src:      src,
		capacity: capacity,
		retry:    retry,
		logger:   logging.OrDefault(logger),
		dbs:      make(map[string]*dbPool),
	}
}

func (p *Pool) db(name string) (*dbPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.close {
		return nil, fmt.Errorf("%w: pool closed", ErrConnectFailed)
	}
	d, ok := p.dbs[name]
	if !ok {
		d = &dbPool{sem: semaphore.NewWeighted(int64(p.capacity))}
		p.dbs[name] = d
	}
	return d, nil
}

// Acquire returns a connection to db. With wait=false it fails fast with
// ErrPoolExhausted when every slot is taken; otherwise it blocks until a
// slot frees up or ctx ends.
func (p *Pool) Acquire(ctx context.Context, db string, wait bool) (Conn, error) {
	d, err := p.db(db)
	if err != nil {
		return nil, err
	}

	if wait {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else if !d.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %s (%d in use)", ErrPoolExhausted, db, p.capacity)
	}

	p.mu.Lock()
	d.inUse++
	if n := len(d.idle); n > 0 {
		conn := d.idle[n-1]
		d.idle = d.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	var conn Conn
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		c, err := p.src.Open(ctx, db)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		p.free(d)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("open %s: %w", db, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, db, err)
	}
	return conn, nil
}

// Release hands conn back. It is kept for reuse unless the idle list is
// already full, in which case it is closed.
func (p *Pool) Release(db string, conn Conn) {
	if conn == nil {
		return
	}
	d, err := p.db(db)
	if err != nil {
		p.closeConn(db, conn)
		return
	}

	p.mu.Lock()
	keep := len(d.idle) < p.capacity
	if keep {
		d.idle = append(d.idle, conn)
	}
	p.mu.Unlock()

	if !keep {
		p.closeConn(db, conn)
	}
	p.free(d)
}

// Discard closes a connection that must not be reused and frees its slot.
func (p *Pool) Discard(db string, conn Conn) {
	p.closeConn(db, conn)
	p.mu.Lock()
	d, ok := p.dbs[db]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.free(d)
}

// free returns one slot; surplus releases are ignored.
func (p *Pool) free(d *dbPool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.inUse > 0 {
		d.inUse--
		d.sem.Release(1)
	}
}

func (p *Pool) closeConn(db string, conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.logger.Debug("close connection", "db", db, "error", err)
	}
}

// Close closes every idle connection. Acquire fails afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	p.close = true
	var pending []Conn
	for _, d := range p.dbs {
		pending = append(pending, d.idle...)
		d.idle = nil
	}
	p.mu.Unlock()
	for _, c := range pending {
		p.closeConn("", c)
	}
}
