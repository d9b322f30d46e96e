package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go-shot-diagnostics/internal/model"
)

// ------------------- Outcome lists -------------------

func readOutcomes(ctx context.Context, q querier, shard string, shot int) ([]model.OutcomeRecord, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT records FROM outcome_lists WHERE shard = ? AND shot = ?`, shard, shot).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []model.OutcomeRecord
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		return nil, fmt.Errorf("decode outcomes %s/%d: %w", shard, shot, err)
	}
	return recs, nil
}

func writeOutcomes(ctx context.Context, q querier, shard string, shot int, recs []model.OutcomeRecord) error {
	if recs == nil {
		recs = []model.OutcomeRecord{}
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO outcome_lists (shard, shot, records, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(shard, shot) DO UPDATE SET records = excluded.records, updated_at = excluded.updated_at`,
		shard, shot, string(raw), now())
	return err
}

// AppendOutcomes appends recs to the shot's outcome list.
func (s *Store) AppendOutcomes(ctx context.Context, shot int, recs []model.OutcomeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sh, err := shardFor(ctx, tx, shot)
		if err != nil {
			return err
		}
		existing, err := readOutcomes(ctx, tx, sh.Name, shot)
		if err != nil {
			return err
		}
		return writeOutcomes(ctx, tx, sh.Name, shot, append(existing, recs...))
	})
}

// Outcomes returns the shot's outcome list, or nil when none is stored.
func (s *Store) Outcomes(ctx context.Context, shot int) ([]model.OutcomeRecord, error) {
	sh, err := s.ShardFor(ctx, shot)
	if errors.Is(err, ErrShardNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return readOutcomes(ctx, s.db, sh.Name, shot)
}

// OutcomesIn streams every outcome record of shots inside r to fn.
func (s *Store) OutcomesIn(ctx context.Context, r model.ShotRange, fn func(rec model.OutcomeRecord)) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT records FROM outcome_lists WHERE shot >= ? AND shot <= ?`, r.Start, r.End)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var recs []model.OutcomeRecord
		if err := json.Unmarshal([]byte(raw), &recs); err != nil {
			return err
		}
		for _, rec := range recs {
			fn(rec)
		}
	}
	return rows.Err()
}

// ------------------- Anomalies -------------------

func upsertAnomaly(ctx context.Context, q querier, shard string, a model.AnomalyRecord) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO anomalies (shard, shot, channel, detector, doc, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(shard, shot, channel, detector) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		shard, a.Shot, a.ChannelName, a.Detector, string(raw), now())
	return err
}

// UpsertAnomalies writes anomalies keyed by (shot, channel, detector).
func (s *Store) UpsertAnomalies(ctx context.Context, anomalies []model.AnomalyRecord) error {
	if len(anomalies) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		shards := map[int]string{}
		for _, a := range anomalies {
			name, ok := shards[a.Shot]
			if !ok {
				sh, err := shardFor(ctx, tx, a.Shot)
				if err != nil {
					return err
				}
				name = sh.Name
				shards[a.Shot] = name
			}
			if err := upsertAnomaly(ctx, tx, name, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteAnomaly removes one anomaly record; deleting a missing key is a no-op.
func (s *Store) DeleteAnomaly(ctx context.Context, key model.AnomalyKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM anomalies WHERE shot = ? AND channel = ? AND detector = ?`,
		key.Shot, key.Channel, key.Detector)
	return err
}

// Anomalies returns every anomaly of shot ordered by channel then detector.
func (s *Store) Anomalies(ctx context.Context, shot int) ([]model.AnomalyRecord, error) {
	return readAnomalies(ctx, s.db,
		`SELECT doc FROM anomalies WHERE shot = ? ORDER BY channel, detector`, shot)
}

func readAnomalies(ctx context.Context, q querier, query string, args ...interface{}) ([]model.AnomalyRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AnomalyRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var a model.AnomalyRecord
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteShot removes the shot's outcome list, anomalies, index sub-keys and
// per-shot statistics from whichever shard holds them.
func (s *Store) DeleteShot(ctx context.Context, shot int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM outcome_lists WHERE shot = ?`,
			`DELETE FROM anomalies WHERE shot = ?`,
			`DELETE FROM index_entries WHERE shot = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, shot); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM statistics WHERE key = ?`, ShotStatsKey(shot))
		return err
	})
}

// CompletedKeys returns the (shot, db, channel) keys inside r whose persisted
// outcome has status success.
func (s *Store) CompletedKeys(ctx context.Context, r model.ShotRange) (map[model.TaskKey]struct{}, error) {
	done := map[model.TaskKey]struct{}{}
	err := s.OutcomesIn(ctx, r, func(rec model.OutcomeRecord) {
		if rec.Status == model.StatusSuccess {
			done[rec.Key()] = struct{}{}
		}
	})
	return done, err
}
