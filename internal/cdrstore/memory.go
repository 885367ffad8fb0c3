package cdrstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"cdrwatch/internal/calls"
)

// MemoryStore is an in-memory Gateway for tests and local runs.
// FetchErr and DeleteErr inject failures into the next calls.
type MemoryStore struct {
	mu sync.Mutex

	records []calls.CallRecord
	deletes []string
	fetches int

	FetchErr  error
	DeleteErr error

	Now func() time.Time
}

func NewMemoryStore(records ...calls.CallRecord) *MemoryStore {
	return &MemoryStore{records: append([]calls.CallRecord(nil), records...), Now: time.Now}
}

// Insert adds a record the way the telephony backend would.
func (m *MemoryStore) Insert(r calls.CallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

func (m *MemoryStore) FetchLatest(ctx context.Context, lookback time.Duration) (calls.CallRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.FetchErr != nil {
		return calls.CallRecord{}, false, m.FetchErr
	}

	cutoff := m.Now().Add(-lookback)
	var hits []calls.CallRecord
	for _, r := range m.records {
		if r.CallDate.After(cutoff) {
			hits = append(hits, r)
		}
	}
	if len(hits) == 0 {
		return calls.CallRecord{}, false, nil
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].CallDate.After(hits[j].CallDate) })
	return hits[0], true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, uniqueID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, uniqueID)
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}

	var n int64
	out := m.records[:0]
	for _, r := range m.records {
		if r.UniqueID == uniqueID {
			n++
			continue
		}
		out = append(out, r)
	}
	m.records = out
	return n, nil
}

// Deletes returns every uniqueid passed to Delete, including failed attempts.
func (m *MemoryStore) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

// Fetches returns how many times FetchLatest was called.
func (m *MemoryStore) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Len returns the number of rows still in the store.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
