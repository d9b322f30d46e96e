package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"go-shot-diagnostics/internal/model"
)

// Shard is one shot-range partition.
type Shard struct {
	Name  string          `json:"name"`
	Range model.ShotRange `json:"range"`
}

// Size returns the number of shots the shard covers.
func (s Shard) Size() int { return s.Range.Size() }

var shardNameRe = regexp.MustCompile(`^(.*)_\[(\d+)_(\d+)\]$`)

// ShardName formats the partition name of a range.
func ShardName(prefix string, r model.ShotRange) string {
	return fmt.Sprintf("%s_[%d_%d]", prefix, r.Start, r.End)
}

// ParseShardName extracts the range from a shard name. A bare "start_end"
// is accepted too.
func ParseShardName(name string) (model.ShotRange, error) {
	if m := shardNameRe.FindStringSubmatch(name); m != nil {
		return parseRange(m[2], m[3])
	}
	var start, end int
	if _, err := fmt.Sscanf(name, "%d_%d", &start, &end); err == nil {
		return checkRange(start, end)
	}
	return model.ShotRange{}, fmt.Errorf("bad shard name %q", name)
}

func parseRange(a, b string) (model.ShotRange, error) {
	start, err := strconv.Atoi(a)
	if err != nil {
		return model.ShotRange{}, err
	}
	end, err := strconv.Atoi(b)
	if err != nil {
		return model.ShotRange{}, err
	}
	return checkRange(start, end)
}

func checkRange(start, end int) (model.ShotRange, error) {
	if end < start {
		return model.ShotRange{}, fmt.Errorf("bad shard range %d_%d", start, end)
	}
	return model.ShotRange{Start: start, End: end}, nil
}

// Shards lists every shard ordered by start shot.
func (s *Store) Shards(ctx context.Context) ([]Shard, error) {
	return listShards(ctx, s.db)
}

func listShards(ctx context.Context, q querier) ([]Shard, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, start_shot, end_shot FROM shards ORDER BY start_shot`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shard
	for rows.Next() {
		var sh Shard
		if err := rows.Scan(&sh.Name, &sh.Range.Start, &sh.Range.End); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// ShardFor returns the shard covering shot.
func (s *Store) ShardFor(ctx context.Context, shot int) (Shard, error) {
	return shardFor(ctx, s.db, shot)
}

func shardFor(ctx context.Context, q querier, shot int) (Shard, error) {
	var sh Shard
	err := q.QueryRowContext(ctx,
		`SELECT name, start_shot, end_shot FROM shards WHERE start_shot <= ? AND end_shot >= ?`, shot, shot).
		Scan(&sh.Name, &sh.Range.Start, &sh.Range.End)
	if errors.Is(err, sql.ErrNoRows) {
		return Shard{}, fmt.Errorf("%w %d", ErrShardNotFound, shot)
	}
	return sh, err
}

// ShardByName looks a shard up by its exact name or by its "start_end" range.
func (s *Store) ShardByName(ctx context.Context, name string) (Shard, error) {
	r, err := ParseShardName(name)
	if err != nil {
		return Shard{}, err
	}
	var sh Shard
	err = s.db.QueryRowContext(ctx,
		`SELECT name, start_shot, end_shot FROM shards WHERE start_shot = ? AND end_shot = ?`, r.Start, r.End).
		Scan(&sh.Name, &sh.Range.Start, &sh.Range.End)
	if errors.Is(err, sql.ErrNoRows) {
		return Shard{}, fmt.Errorf("%w: %s", ErrShardNotFound, name)
	}
	return sh, err
}

// CreateShard registers a new empty shard. The range must not overlap an
// existing shard.
func (s *Store) CreateShard(ctx context.Context, r model.ShotRange) (Shard, error) {
	sh := Shard{Name: ShardName(s.prefix, r), Range: r}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOverlap(ctx, tx, r, ""); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO shards (name, start_shot, end_shot, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			sh.Name, r.Start, r.End, now(), now())
		return err
	})
	return sh, err
}

func checkOverlap(ctx context.Context, q querier, r model.ShotRange, except string) error {
	var name string
	err := q.QueryRowContext(ctx,
		`SELECT name FROM shards WHERE start_shot <= ? AND end_shot >= ? AND name != ? LIMIT 1`,
		r.End, r.Start, except).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s vs %s", ErrShardOverlap, r, name)
}

// ExtendShard widens sh to r, renaming the partition and every document in
// it. r must contain sh's range.
func (s *Store) ExtendShard(ctx context.Context, sh Shard, r model.ShotRange) (Shard, error) {
	if r.Start > sh.Range.Start || r.End < sh.Range.End {
		return Shard{}, fmt.Errorf("extend %s to %s would shrink it", sh.Name, r)
	}
	next := Shard{Name: ShardName(s.prefix, r), Range: r}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOverlap(ctx, tx, r, sh.Name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE shards SET name = ?, start_shot = ?, end_shot = ?, updated_at = ? WHERE name = ?`,
			next.Name, r.Start, r.End, now(), sh.Name); err != nil {
			return err
		}
		return renamePartition(ctx, tx, sh.Name, next.Name)
	})
	return next, err
}

var partitionedTables = []string{"outcome_lists", "anomalies", "statistics", "index_entries"}

func renamePartition(ctx context.Context, tx *sql.Tx, from, to string) error {
	for _, table := range partitionedTables {
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET shard = ? WHERE shard = ?`, to, from); err != nil {
			return fmt.Errorf("rename %s: %w", table, err)
		}
	}
	return nil
}

func dropPartition(ctx context.Context, tx *sql.Tx, name string) error {
	for _, table := range partitionedTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE shard = ?`, name); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM shards WHERE name = ?`, name)
	return err
}

// DropShardsIn removes every shard overlapping r together with all of its
// documents. Used by reset runs.
func (s *Store) DropShardsIn(ctx context.Context, r model.ShotRange) ([]Shard, error) {
	var dropped []Shard
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		shards, err := listShards(ctx, tx)
		if err != nil {
			return err
		}
		for _, sh := range shards {
			if sh.Range.End < r.Start || sh.Range.Start > r.End {
				continue
			}
			if err := dropPartition(ctx, tx, sh.Name); err != nil {
				return err
			}
			dropped = append(dropped, sh)
		}
		return nil
	})
	return dropped, err
}

// LatestShot returns the highest shot holding an outcome list, or 0.
func (s *Store) LatestShot(ctx context.Context) (int, error) {
	var shot sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(shot) FROM outcome_lists`).Scan(&shot); err != nil {
		return 0, err
	}
	return int(shot.Int64), nil
}
