// Package memstore is the in-memory storage back-end: a plain map behind the
// driver interface. It backs tests and single-process development runs.
package memstore

import (
	"context"
	"sync"

	"github.com/warrengame/warren/internal/pers"
)

func init() {
	pers.RegisterDriver("memory", func() pers.Driver { return New() })
}

// Store is the in-memory driver. The zero value is not usable; call New.
type Store struct {
	mu   sync.RWMutex
	recs map[string][]byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{recs: make(map[string][]byte)}
}

// Init is a no-op for the in-memory back-end.
func (s *Store) Init(config map[string]any) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Read returns the stored record, or (nil, nil) when absent.
func (s *Store) Read(ctx context.Context, tsid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[tsid]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(rec))
	copy(out, rec)
	return out, nil
}

// Write stores every record in the batch.
func (s *Store) Write(ctx context.Context, recs []pers.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		data := make([]byte, len(r.Data))
		copy(data, r.Data)
		s.recs[r.TSID] = data
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, tsid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, tsid)
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}
