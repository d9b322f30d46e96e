package store

import (
	"context"
	"encoding/json"
	"strconv"

	"go-shot-diagnostics/internal/model"
)

func writeIndex(ctx context.Context, q querier, shard string, shot int, idx model.ShotIndex) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM index_entries WHERE shard = ? AND shot = ?`, shard, shot); err != nil {
		return err
	}
	for attr, entries := range idx {
		raw, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO index_entries (shard, attribute, shot, entries) VALUES (?, ?, ?, ?)`,
			shard, attr, shot, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

// ShotIndex reads every attribute of one shot's index.
func (s *Store) ShotIndex(ctx context.Context, shot int) (model.ShotIndex, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT attribute, entries FROM index_entries WHERE shot = ?`, shot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	idx := model.ShotIndex{}
	for rows.Next() {
		var attr, raw string
		if err := rows.Scan(&attr, &raw); err != nil {
			return nil, err
		}
		var entries map[string][]int
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, err
		}
		idx[attr] = entries
	}
	return idx, rows.Err()
}

// AttributeIndex returns the document of one attribute in a shard: shot
// sub-key -> value -> positions.
func (s *Store) AttributeIndex(ctx context.Context, shard, attr string) (map[string]map[string][]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT shot, entries FROM index_entries WHERE shard = ? AND attribute = ? ORDER BY shot`, shard, attr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]map[string][]int{}
	for rows.Next() {
		var shot int
		var raw string
		if err := rows.Scan(&shot, &raw); err != nil {
			return nil, err
		}
		var entries map[string][]int
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, err
		}
		out[strconv.Itoa(shot)] = entries
	}
	return out, rows.Err()
}
