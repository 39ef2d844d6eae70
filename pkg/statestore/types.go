package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Record is a single versioned entry in the store.
type Record struct {
	// Key is the full namespaced key, e.g. "lock:phase/network".
	Key string `json:"key"`

	// Value is the opaque JSON payload owned by the caller.
	Value json.RawMessage `json:"value"`

	// Version is the optimistic-concurrency token. It starts at 1 on
	// creation and increments on every successful Put.
	Version int64 `json:"version"`

	// ExpiresAt is the TTL deadline, nil for records that never expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the record's TTL has passed at the given instant.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Sentinel errors returned by Store implementations. Callers are expected to
// check these with errors.Is and retry with a fresh read on ErrVersionConflict.
var (
	// ErrNotFound indicates the key does not exist or its record has expired.
	ErrNotFound = errors.New("statestore: record not found")

	// ErrVersionConflict indicates the expected version did not match the
	// stored version (another writer won the race).
	ErrVersionConflict = errors.New("statestore: version conflict")

	// ErrAlreadyExists indicates ConditionalCreate found a live record.
	ErrAlreadyExists = errors.New("statestore: record already exists")
)

// Store is the conditional-write key-value contract shared by all
// statekeeper components. Implementations must be safe for concurrent use
// by multiple goroutines and, for durable backends, multiple processes.
type Store interface {
	// Init prepares the backend (opens connections, runs migrations).
	Init(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// Get returns the live record for key, or ErrNotFound if the key is
	// absent or expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Put replaces the value of an existing record if and only if its
	// current version equals expectedVersion. The record's TTL is
	// preserved. Returns the updated record.
	Put(ctx context.Context, key string, value json.RawMessage, expectedVersion int64) (*Record, error)

	// PutTTL is Put with a new TTL applied: ttl > 0 sets a fresh deadline
	// from now, ttl == 0 clears any deadline.
	PutTTL(ctx context.Context, key string, value json.RawMessage, expectedVersion int64, ttl time.Duration) (*Record, error)

	// ConditionalCreate creates a record only if no live record holds the
	// key. An expired record is reclaimed atomically. ttl == 0 means no
	// expiry. Returns the created record (version 1).
	ConditionalCreate(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*Record, error)

	// CompareAndDelete removes a record if its version matches. It operates
	// on expired records too, so lock cleanup can remove stale entries.
	CompareAndDelete(ctx context.Context, key string, expectedVersion int64) error

	// List returns all live records whose key starts with prefix, ordered
	// by key.
	List(ctx context.Context, prefix string) ([]*Record, error)

	// PurgeExpired physically removes expired records and returns how many
	// were deleted. Purely a hygiene operation: readers already ignore
	// expired records.
	PurgeExpired(ctx context.Context) (int64, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}
