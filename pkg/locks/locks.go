// Package locks provides advisory lease-based locks on top of the state
// store. A lock is a TTL-bearing record under lock:{key}; expiry is the
// crash-recovery path: a holder that dies simply stops renewing, and the
// next acquirer reclaims the expired record atomically.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/statestore"
)

var (
	// ErrBusy is returned when another holder owns an unexpired lease.
	ErrBusy = errors.New("lock held by another holder")

	// ErrNotHeld is returned when renewing or releasing a lease the
	// caller no longer owns: it expired and was reclaimed, or was never
	// acquired.
	ErrNotHeld = errors.New("lock not held")
)

// DefaultTTL is the lease duration used when AcquireOptions leave it zero.
const DefaultTTL = 30 * time.Second

// record is the JSON payload stored under a lock key.
type record struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lease is a held lock. It carries the store version of the lock record
// so that renewals and releases are compare-and-swap operations: a lease
// that was reclaimed out from under us fails loudly instead of stomping
// the new holder.
type Lease struct {
	Key       string
	HolderID  string
	TTL       time.Duration
	ExpiresAt time.Time

	version int64
}

// Manager acquires and maintains leases for a single holder identity.
type Manager struct {
	store    statestore.Store
	holderID string
	logger   zerolog.Logger
}

// NewManager creates a lock manager. The holder ID identifies this
// process in lock records; pass empty to generate one.
func NewManager(store statestore.Store, holderID string, logger zerolog.Logger) *Manager {
	if holderID == "" {
		holderID = uuid.New().String()
	}
	return &Manager{
		store:    store,
		holderID: holderID,
		logger:   logger.With().Str("component", "locks").Str("holder_id", holderID).Logger(),
	}
}

// HolderID returns the identity this manager acquires leases as.
func (m *Manager) HolderID() string { return m.holderID }

// Acquire attempts to take the lock for key with the given TTL. It returns
// ErrBusy when another holder owns an unexpired lease. Expired leases are
// reclaimed atomically by the underlying conditional create.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	payload, err := json.Marshal(record{
		HolderID:   m.holderID,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	storeKey := statestore.LockKey(key)
	rec, err := m.store.ConditionalCreate(ctx, storeKey, payload, ttl)
	if err != nil {
		if errors.Is(err, statestore.ErrAlreadyExists) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	m.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lock acquired")

	return &Lease{
		Key:       key,
		HolderID:  m.holderID,
		TTL:       ttl,
		ExpiresAt: *rec.ExpiresAt,
		version:   rec.Version,
	}, nil
}

// Renew extends the lease by its TTL. It returns ErrNotHeld when the lease
// expired and was reclaimed, or when the record version no longer matches
// (somebody else holds it now).
func (m *Manager) Renew(ctx context.Context, lease *Lease) error {
	storeKey := statestore.LockKey(lease.Key)

	rec, err := m.store.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return ErrNotHeld
		}
		return fmt.Errorf("failed to read lock %s: %w", lease.Key, err)
	}

	var r record
	if err := json.Unmarshal(rec.Value, &r); err != nil {
		return fmt.Errorf("failed to decode lock %s: %w", lease.Key, err)
	}
	if r.HolderID != m.holderID || rec.Version != lease.version {
		return ErrNotHeld
	}

	updated, err := m.store.PutTTL(ctx, storeKey, rec.Value, rec.Version, lease.TTL)
	if err != nil {
		if errors.Is(err, statestore.ErrVersionConflict) || errors.Is(err, statestore.ErrNotFound) {
			return ErrNotHeld
		}
		return fmt.Errorf("failed to renew lock %s: %w", lease.Key, err)
	}

	lease.version = updated.Version
	lease.ExpiresAt = *updated.ExpiresAt

	m.logger.Debug().Str("key", lease.Key).Time("expires_at", lease.ExpiresAt).Msg("Lock renewed")
	return nil
}

// Release gives up the lease. Releasing a lease that already expired and
// was reclaimed returns ErrNotHeld; releasing after plain expiry (nobody
// took it yet) succeeds.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	storeKey := statestore.LockKey(lease.Key)

	err := m.store.CompareAndDelete(ctx, storeKey, lease.version)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) || errors.Is(err, statestore.ErrVersionConflict) {
			return ErrNotHeld
		}
		return fmt.Errorf("failed to release lock %s: %w", lease.Key, err)
	}

	m.logger.Debug().Str("key", lease.Key).Msg("Lock released")
	return nil
}

// KeepAlive renews the lease every TTL/3 until ctx is cancelled or a
// renewal fails. It returns nil on cancellation and ErrNotHeld when the
// lease was lost; callers holding work in flight must treat the latter as
// a signal to abort.
func (m *Manager) KeepAlive(ctx context.Context, lease *Lease) error {
	interval := lease.TTL / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Renew(ctx, lease); err != nil {
				if errors.Is(err, ErrNotHeld) {
					m.logger.Warn().Str("key", lease.Key).Msg("Lock lease lost during keepalive")
					return ErrNotHeld
				}
				m.logger.Warn().Err(err).Str("key", lease.Key).Msg("Lock renewal failed, retrying")
			}
		}
	}
}
