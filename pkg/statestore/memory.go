package statestore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and single-process dev
// runs. It honors the same version and TTL semantics as SQLiteStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	// now is the clock, overridable in tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Test use only.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Init is a no-op for the in-memory store.
func (m *MemoryStore) Init(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// Get returns the live record for key.
func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Put replaces the value of a live record when the version matches.
func (m *MemoryStore) Put(_ context.Context, key string, value json.RawMessage, expectedVersion int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(key, value, expectedVersion, -1)
}

// PutTTL replaces the value and resets the TTL when the version matches.
func (m *MemoryStore) PutTTL(_ context.Context, key string, value json.RawMessage, expectedVersion int64, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(key, value, expectedVersion, ttl)
}

// putLocked performs the CAS write. ttl < 0 preserves the current deadline,
// ttl == 0 clears it, ttl > 0 sets a fresh one.
func (m *MemoryStore) putLocked(key string, value json.RawMessage, expectedVersion int64, ttl time.Duration) (*Record, error) {
	now := m.now()

	rec, ok := m.records[key]
	if !ok || rec.Expired(now) {
		return nil, ErrNotFound
	}
	if rec.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	rec.Value = append(json.RawMessage(nil), value...)
	rec.Version++
	rec.UpdatedAt = now
	switch {
	case ttl > 0:
		deadline := now.Add(ttl)
		rec.ExpiresAt = &deadline
	case ttl == 0:
		rec.ExpiresAt = nil
	}

	return copyRecord(rec), nil
}

// ConditionalCreate creates the record unless a live one holds the key.
// An expired record is reclaimed in the same critical section, which keeps
// the delete-then-create reclaim sequence atomic.
func (m *MemoryStore) ConditionalCreate(_ context.Context, key string, value json.RawMessage, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	version := int64(1)
	if rec, ok := m.records[key]; ok {
		if !rec.Expired(now) {
			return nil, ErrAlreadyExists
		}
		// Continue the version sequence so a stale holder's compare-and-delete
		// cannot match the reclaimed record.
		version = rec.Version + 1
		delete(m.records, key)
	}

	rec := &Record{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		deadline := now.Add(ttl)
		rec.ExpiresAt = &deadline
	}
	m.records[key] = rec

	return copyRecord(rec), nil
}

// CompareAndDelete removes the record when the version matches, expired or not.
func (m *MemoryStore) CompareAndDelete(_ context.Context, key string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(m.records, key)
	return nil
}

// List returns live records under prefix, ordered by key.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]*Record, 0)
	for key, rec := range m.records {
		if strings.HasPrefix(key, prefix) && !rec.Expired(now) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PurgeExpired removes expired records.
func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var purged int64
	for key, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, key)
			purged++
		}
	}
	return purged, nil
}

// HealthCheck always succeeds for the in-memory store.
func (m *MemoryStore) HealthCheck(_ context.Context) error { return nil }

func copyRecord(rec *Record) *Record {
	out := *rec
	out.Value = append(json.RawMessage(nil), rec.Value...)
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
