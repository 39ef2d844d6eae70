// Package statestore provides the durable key-value layer that every
// statekeeper component coordinates through: desired-state specs, observed
// resource state, reconciliation locks, drift events, and the shared circuit
// breaker record.
//
// All writes are optimistic-concurrency: Put and CompareAndDelete take the
// version the caller last read and fail with ErrVersionConflict when another
// writer got there first. Creation goes through ConditionalCreate, which
// fails with ErrAlreadyExists while a live record holds the key. Records may
// carry a TTL; readers treat an expired record as absent even before it is
// physically purged, which is what makes lock reclaim safe.
//
// Two implementations are provided: SQLiteStore for production and
// MemoryStore as the in-memory fake injected in tests.
package statestore
