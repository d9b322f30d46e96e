package store

import (
	"context"
	"encoding/json"
	"time"
)

// Run kinds and states.
const (
	RunKindRange    = "run"
	RunKindRerun    = "rerun"
	RunKindBackfill = "single-algorithm"
	RunKindSync     = "sync"

	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunInfo is the bookkeeping row of one engine invocation.
type RunInfo struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Request    json.RawMessage `json:"request,omitempty"`
	Statistics json.RawMessage `json:"statistics,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// SaveRun stores a new run in pending state
func (s *Store) SaveRun(ctx context.Context, id, kind string, request interface{}) error {
	reqJSON, err := json.Marshal(request)
	if err != nil {
		return err
	}
	ts := now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, request, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, string(reqJSON), RunPending, ts, ts)
	return err
}

// UpdateRunStatus updates run status
func (s *Store) UpdateRunStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	return err
}

// FinishRun records the final status and statistics document of a run
func (s *Store) FinishRun(ctx context.Context, id, status string, stats interface{}) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, statistics = ?, updated_at = ? WHERE id = ?`,
		status, string(statsJSON), now(), id)
	return err
}

// SaveRunError records an error for a run
func (s *Store) SaveRunError(ctx context.Context, id string, err error) error {
	if err == nil {
		return nil
	}
	_, e := s.db.ExecContext(ctx,
		`INSERT INTO run_errors (run_id, error_message, created_at) VALUES (?, ?, ?)`,
		id, err.Error(), now())
	return e
}

// RunErrors returns the error messages recorded for a run, oldest first.
func (s *Store) RunErrors(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT error_message FROM run_errors WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListRuns returns all runs without their documents, newest first
func (s *Store) ListRuns(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, status, created_at, updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var r RunInfo
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches a run with its request and statistics
func (s *Store) GetRun(ctx context.Context, id string) (RunInfo, error) {
	var r RunInfo
	var req, stats *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, request, statistics, created_at, updated_at FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Kind, &r.Status, &req, &stats, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return RunInfo{}, err
	}
	if req != nil {
		r.Request = json.RawMessage(*req)
	}
	if stats != nil {
		r.Statistics = json.RawMessage(*stats)
	}
	return r, nil
}
