package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"go-shot-diagnostics/internal/model"
)

// PendingShot is the unwritten state of one shot held by the writer.
type PendingShot struct {
	Shot      int                   `json:"shot"`
	Outcomes  []model.OutcomeRecord `json:"outcomes"`
	Anomalies []model.AnomalyRecord `json:"anomalies"`
}

// Journal persists writes that failed so they survive a restart between
// retry ticks. An empty dir keeps the journal in memory.
type Journal struct {
	db *badger.DB
}

var journalPrefix = []byte("pending/")

func journalKey(shot int) []byte {
	return []byte(fmt.Sprintf("pending/%012d", shot))
}

// OpenJournal opens (creating) the journal under dir.
func OpenJournal(dir string) (*Journal, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Save replaces the pending state of p.Shot.
func (j *Journal) Save(p PendingShot) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(p.Shot), data)
	})
}

// Clear drops the pending state of shot.
func (j *Journal) Clear(shot int) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(journalKey(shot))
	})
}

// Pending returns every journaled shot in shot order.
func (j *Journal) Pending() ([]PendingShot, error) {
	var out []PendingShot
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(journalPrefix); it.ValidForPrefix(journalPrefix); it.Next() {
			var p PendingShot
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &p)
			}); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (j *Journal) Close() error {
	return j.db.Close()
}
