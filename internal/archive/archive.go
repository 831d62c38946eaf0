// Package archive keeps terminal simulation records in a local bbolt file so
// GetSimState keeps answering after the in-memory ring has rolled over.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/signalsfoundry/simorchestrator/model"
)

var simulationsBucket = []byte("simulations")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("archive closed")

// Store is a bbolt-backed archive of terminal simulation records keyed by
// SimulationID. It is safe for concurrent use, including Close racing reads
// and writes.
type Store struct {
	mu sync.RWMutex
	db *bbolt.DB
}

// Open creates or opens the archive file at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("archive: empty path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("archive: create %s: %w", dir, err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(simulationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Put stores rec, replacing any earlier record for the same simulation.
func (s *Store) Put(ctx context.Context, rec model.SimulationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.Simulation, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(simulationsBucket).Put([]byte(rec.Simulation), body)
	})
}

// Get loads the record for id. The boolean is false when none exists.
func (s *Store) Get(ctx context.Context, id model.SimulationID) (model.SimulationRecord, bool, error) {
	var rec model.SimulationRecord
	if err := ctx.Err(); err != nil {
		return rec, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return rec, false, ErrClosed
	}
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(simulationsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return model.SimulationRecord{}, false, fmt.Errorf("archive: read %s: %w", id, err)
	}
	return rec, found, nil
}

// Close releases the underlying file. It waits for in-flight Put and Get
// calls; later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
