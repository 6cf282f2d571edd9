package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/evisions/canvas-ingest/pkg/entity"
)

// MemStore is an in-memory upsert store. Each Upsert is all-or-nothing.
type MemStore struct {
	mu     sync.Mutex
	tables map[string]map[string]entity.Record
	calls  map[string]int

	// Fail, when set, is consulted before every Upsert with the 1-based call
	// number for the table. A non-nil error aborts the call with no writes.
	Fail func(table string, call int, rows []entity.Record) error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		tables: make(map[string]map[string]entity.Record),
		calls:  make(map[string]int),
	}
}

// Upsert overwrites rows by key.
func (s *MemStore) Upsert(ctx context.Context, table, key string, columns []string, rows []entity.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.calls[table]++
	call := s.calls[table]
	fail := s.Fail
	s.mu.Unlock()

	if fail != nil {
		if err := fail(table, call, rows); err != nil {
			return 0, err
		}
	}

	staged := make(map[string]entity.Record, len(rows))
	for _, r := range rows {
		k, err := entity.KeyString(r[key])
		if err != nil || r[key] == nil {
			return 0, fmt.Errorf("row without key %q", key)
		}
		row := make(entity.Record, len(columns))
		for _, c := range columns {
			row[c] = r[c]
		}
		staged[k] = row
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string]entity.Record)
		s.tables[table] = t
	}
	for k, r := range staged {
		t[k] = r
	}
	return int64(len(rows)), nil
}

// Count returns the number of rows in table.
func (s *MemStore) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

// Get returns the row stored under key.
func (s *MemStore) Get(table, key string) (entity.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tables[table][key]
	return r, ok
}

// Keys returns the sorted keys of table.
func (s *MemStore) Keys(table string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tables[table]))
	for k := range s.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns the number of Upsert calls made for table.
func (s *MemStore) Calls(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[table]
}
