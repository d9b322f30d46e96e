package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go-shot-diagnostics/internal/model"
)

// FinalizeShot overwrites the shot's outcome list with the reconciled set and
// replaces its index sub-keys, in one transaction. The shard is resolved
// inside the transaction so a finalize never lands in a shard a concurrent
// merge already dropped.
func (s *Store) FinalizeShot(ctx context.Context, shot int, recs []model.OutcomeRecord, idx model.ShotIndex) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sh, err := shardFor(ctx, tx, shot)
		if err != nil {
			return err
		}
		if err := writeOutcomes(ctx, tx, sh.Name, shot, recs); err != nil {
			return err
		}
		return writeIndex(ctx, tx, sh.Name, shot, idx)
	})
}

// MergeShards folds a contiguous group of shards into one shard spanning
// their combined range. Outcome lists are unioned per shot by task key,
// anomalies upserted by identity, and index and statistics documents are
// copied with later sources winning on conflicts. Sources are dropped and the
// destination committed in one transaction.
func (s *Store) MergeShards(ctx context.Context, group []Shard) (Shard, error) {
	if len(group) < 2 {
		return Shard{}, fmt.Errorf("merge needs at least two shards, got %d", len(group))
	}
	sorted := append([]Shard(nil), group...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Range.Start < sorted[j].Range.Start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Range.Start != sorted[i-1].Range.End+1 {
			return Shard{}, fmt.Errorf("shards %s and %s are not contiguous", sorted[i-1].Name, sorted[i].Name)
		}
	}
	r := model.ShotRange{Start: sorted[0].Range.Start, End: sorted[len(sorted)-1].Range.End}
	dst := Shard{Name: ShardName(s.prefix, r), Range: r}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		outcomes := map[int][]model.OutcomeRecord{}
		var anomalies []model.AnomalyRecord
		index := map[string]map[int]string{}
		stats := map[string]string{}

		for _, src := range sorted {
			if err := collectOutcomes(ctx, tx, src.Name, outcomes); err != nil {
				return err
			}
			found, err := readAnomalies(ctx, tx, `SELECT doc FROM anomalies WHERE shard = ? ORDER BY shot, channel, detector`, src.Name)
			if err != nil {
				return err
			}
			anomalies = append(anomalies, found...)
			if err := collectIndex(ctx, tx, src.Name, index); err != nil {
				return err
			}
			if err := collectStats(ctx, tx, src.Name, stats); err != nil {
				return err
			}
		}

		for _, src := range sorted {
			if err := dropPartition(ctx, tx, src.Name); err != nil {
				return err
			}
		}
		if err := checkOverlap(ctx, tx, r, ""); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO shards (name, start_shot, end_shot, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			dst.Name, r.Start, r.End, now(), now()); err != nil {
			return err
		}

		for shot, recs := range outcomes {
			if err := writeOutcomes(ctx, tx, dst.Name, shot, recs); err != nil {
				return err
			}
		}
		for _, a := range anomalies {
			if err := upsertAnomaly(ctx, tx, dst.Name, a); err != nil {
				return err
			}
		}
		for attr, shots := range index {
			for shot, raw := range shots {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO index_entries (shard, attribute, shot, entries) VALUES (?, ?, ?, ?)`,
					dst.Name, attr, shot, raw); err != nil {
					return err
				}
			}
		}
		for key, raw := range stats {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO statistics (shard, key, doc, updated_at) VALUES (?, ?, ?, ?)`,
				dst.Name, key, raw, now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Shard{}, fmt.Errorf("merge into %s: %w", dst.Name, err)
	}
	return dst, nil
}

func collectOutcomes(ctx context.Context, tx *sql.Tx, shard string, into map[int][]model.OutcomeRecord) error {
	rows, err := tx.QueryContext(ctx, `SELECT shot FROM outcome_lists WHERE shard = ?`, shard)
	if err != nil {
		return err
	}
	var shots []int
	for rows.Next() {
		var shot int
		if err := rows.Scan(&shot); err != nil {
			rows.Close()
			return err
		}
		shots = append(shots, shot)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, shot := range shots {
		recs, err := readOutcomes(ctx, tx, shard, shot)
		if err != nil {
			return err
		}
		into[shot] = model.MergeOutcomes(into[shot], recs)
	}
	return nil
}

func collectIndex(ctx context.Context, tx *sql.Tx, shard string, into map[string]map[int]string) error {
	rows, err := tx.QueryContext(ctx, `SELECT attribute, shot, entries FROM index_entries WHERE shard = ?`, shard)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var attr, raw string
		var shot int
		if err := rows.Scan(&attr, &shot, &raw); err != nil {
			return err
		}
		if into[attr] == nil {
			into[attr] = map[int]string{}
		}
		into[attr][shot] = raw
	}
	return rows.Err()
}

func collectStats(ctx context.Context, tx *sql.Tx, shard string, into map[string]string) error {
	rows, err := tx.QueryContext(ctx, `SELECT key, doc FROM statistics WHERE shard = ?`, shard)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return err
		}
		into[key] = raw
	}
	return rows.Err()
}
