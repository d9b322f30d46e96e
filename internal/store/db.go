// Package store persists results in a SQLite document store. Every row is
// partitioned by shard name; a shard covers a contiguous shot range and all
// of its documents move together when shards are extended or merged.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrShardNotFound = errors.New("no shard covers shot")
	ErrShardOverlap  = errors.New("shard range overlaps an existing shard")
)

// Store is the result document store.
type Store struct {
	db     *sql.DB
	prefix string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shards (
		name TEXT PRIMARY KEY,
		start_shot INTEGER NOT NULL,
		end_shot INTEGER NOT NULL,
		created_at DATETIME,
		updated_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS outcome_lists (
		shard TEXT NOT NULL,
		shot INTEGER NOT NULL,
		records TEXT NOT NULL,
		updated_at DATETIME,
		PRIMARY KEY (shard, shot)
	);`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		shard TEXT NOT NULL,
		shot INTEGER NOT NULL,
		channel TEXT NOT NULL,
		detector TEXT NOT NULL,
		doc TEXT NOT NULL,
		updated_at DATETIME,
		PRIMARY KEY (shard, shot, channel, detector)
	);`,
	`CREATE TABLE IF NOT EXISTS statistics (
		shard TEXT NOT NULL,
		key TEXT NOT NULL,
		doc TEXT NOT NULL,
		updated_at DATETIME,
		PRIMARY KEY (shard, key)
	);`,
	`CREATE TABLE IF NOT EXISTS index_entries (
		shard TEXT NOT NULL,
		attribute TEXT NOT NULL,
		shot INTEGER NOT NULL,
		entries TEXT NOT NULL,
		PRIMARY KEY (shard, attribute, shot)
	);`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT,
		request TEXT,
		status TEXT,
		statistics TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		error_message TEXT,
		created_at DATETIME
	);`,
}

// Open opens (creating if needed) the database at path. Shards are named
// "<prefix>_[start_end]".
func Open(path, prefix string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer connection: every transaction is serialized, which is what
	// keeps shard merges and per-shot finalization from interleaving.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &Store{db: db, prefix: prefix}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Prefix returns the shard name prefix.
func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func now() time.Time {
	return time.Now().UTC()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
