package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go-shot-diagnostics/internal/model"
)

// Statistics document keys.
func ShotStatsKey(shot int) string           { return fmt.Sprintf("shot:%d", shot) }
func RangeStatsKey(r model.ShotRange) string { return "range:" + r.String() }
func BackfillStatsKey(detector string) string {
	return "backfill:" + detector
}

func writeStats(ctx context.Context, q querier, shard, key string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO statistics (shard, key, doc, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(shard, key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		shard, key, string(raw), now())
	return err
}

// PutShotStats stores the statistics document of one shot.
func (s *Store) PutShotStats(ctx context.Context, st model.ShotStatistics) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sh, err := shardFor(ctx, tx, st.Shot)
		if err != nil {
			return err
		}
		return writeStats(ctx, tx, sh.Name, ShotStatsKey(st.Shot), st)
	})
}

// PutShardStats stores a statistics document under key in every shard that
// overlaps r. It returns the number of shards written.
func (s *Store) PutShardStats(ctx context.Context, r model.ShotRange, key string, doc interface{}) (int, error) {
	written := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		shards, err := listShards(ctx, tx)
		if err != nil {
			return err
		}
		for _, sh := range shards {
			if sh.Range.End < r.Start || sh.Range.Start > r.End {
				continue
			}
			if err := writeStats(ctx, tx, sh.Name, key, doc); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	return written, err
}

// Stats decodes the document stored under key in shard into out.
func (s *Store) Stats(ctx context.Context, shard, key string, out interface{}) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM statistics WHERE shard = ? AND key = ?`, shard, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("statistics %s in %s: %w", key, shard, sql.ErrNoRows)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// StatsKeys lists the statistics keys stored in shard.
func (s *Store) StatsKeys(ctx context.Context, shard string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM statistics WHERE shard = ? ORDER BY key`, shard)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
