package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory CheckpointStore.
//
// Designed for testing and single-process workflows where durability
// across restarts is not required. Thread-safe.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	data      []byte
	createdAt time.Time
	seq       int
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

// Save stores a copy of the checkpoint document.
func (m *MemoryStore) Save(_ context.Context, id string, data []byte, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	seq := len(m.records)
	if prev, exists := m.records[id]; exists {
		seq = prev.seq
	}
	m.records[id] = memoryRecord{data: buf, createdAt: createdAt, seq: seq}
	return nil
}

// Load returns a copy of the stored document or ErrNotFound.
func (m *MemoryStore) Load(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[id]
	if !exists {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(rec.data))
	copy(buf, rec.data)
	return buf, nil
}

// List returns checkpoint IDs in insertion order.
func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		id  string
		seq int
	}
	entries := make([]entry, 0, len(m.records))
	for id, rec := range m.records {
		entries = append(entries, entry{id: id, seq: rec.seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// Delete removes one checkpoint; missing IDs are ignored.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// Clear removes every stored checkpoint.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]memoryRecord)
	return nil
}
