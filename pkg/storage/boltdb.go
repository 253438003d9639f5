package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/stackdeploy/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRuns       = []byte("runs")
	bucketRunsByTime = []byte("runs_by_time")
)

// defaultLockTimeout bounds the wait for another process holding the file
const defaultLockTimeout = 5 * time.Second

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the history database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: defaultLockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketRunsByTime} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// timeKey orders runs by start time; the run ID breaks ties
func timeKey(run *types.Summary) []byte {
	key := make([]byte, 8, 8+len(run.RunID))
	binary.BigEndian.PutUint64(key, uint64(run.StartedAt.UnixNano()))
	return append(key, run.RunID...)
}

// SaveRun inserts or replaces a run
func (s *BoltStore) SaveRun(run *types.Summary) error {
	if run.RunID == "" {
		return fmt.Errorf("run has no ID")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		index := tx.Bucket(bucketRunsByTime)

		// Drop the old index entry if the start time changed
		if old := runs.Get([]byte(run.RunID)); old != nil {
			var prev types.Summary
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := index.Delete(timeKey(&prev)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := runs.Put([]byte(run.RunID), data); err != nil {
			return err
		}
		return index.Put(timeKey(run), []byte(run.RunID))
	})
}

// GetRun returns one run by ID
func (s *BoltStore) GetRun(id string) (*types.Summary, error) {
	var run types.Summary
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest first
func (s *BoltStore) ListRuns(limit int) ([]*types.Summary, error) {
	var out []*types.Summary
	err := s.eachNewest(func(run *types.Summary) bool {
		out = append(out, run)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// LastSuccessful returns the newest successful run
func (s *BoltStore) LastSuccessful() (*types.Summary, error) {
	var found *types.Summary
	err := s.eachNewest(func(run *types.Summary) bool {
		if run.Status == types.StatusSuccess {
			found = run
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no successful deployment recorded", ErrNotFound)
	}
	return found, nil
}

// eachNewest walks runs from newest to oldest until fn returns false
func (s *BoltStore) eachNewest(fn func(*types.Summary) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		c := tx.Bucket(bucketRunsByTime).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			data := runs.Get(id)
			if data == nil {
				continue
			}
			var run types.Summary
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("corrupt run %s: %w", string(id), err)
			}
			if !fn(&run) {
				return nil
			}
		}
		return nil
	})
}
