// Package source reads shots and channels from the time-series experiment
// store. It never writes upstream.
package source

import (
	"context"
	"errors"

	"go-shot-diagnostics/internal/model"
)

var (
	// ErrNotFound: the shot, database or channel does not exist upstream.
	ErrNotFound = errors.New("not found")
	// ErrNoData: the channel exists but holds no samples.
	ErrNoData = errors.New("no data")
	// ErrTransport: connection reset, timeout or any other I/O failure.
	ErrTransport = errors.New("transport failure")
	// ErrConnectFailed: a connection could not be established.
	ErrConnectFailed = errors.New("connect failed")
	// ErrPoolExhausted: fail-fast acquire found no free slot.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// Conn is one open session against a source database.
type Conn interface {
	// ListChannels returns the addressable channels of a shot.
	ListChannels(ctx context.Context, shot int) ([]string, error)
	// Fetch returns the channel's series, optionally limited to window.
	Fetch(ctx context.Context, shot int, channel string, window *model.Window) (model.Series, error)
	Close() error
}

// Source opens connections and reports upstream progress.
type Source interface {
	Open(ctx context.Context, db string) (Conn, error)
	// LatestShot is the newest shot number known to db.
	LatestShot(ctx context.Context, db string) (int, error)
}

// Classify maps any adapter error onto one of the sentinel errors.
// Unknown errors are treated as transport failures.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoData),
		errors.Is(err, ErrConnectFailed), errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrTransport):
		return err
	}
	return &classified{kind: ErrTransport, err: err}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoData) {
		return false
	}
	return true
}

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.kind.Error() + ": " + c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }
