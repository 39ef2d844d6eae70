// Package provider contains resource providers: the boundary between the
// reconciliation core and the environments it manages. The local provider
// simulates an environment inside the state store, which is enough for
// development, demos, and drift-policy dry runs.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/engine"
	"github.com/statekeeper/statekeeper/pkg/spec"
	"github.com/statekeeper/statekeeper/pkg/statestore"
)

// liveRecord is the persisted shape of a simulated live resource.
type liveRecord struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Local is a provider that keeps "live" resources in the state store
// under their own namespace. Execute applies the declared properties;
// Describe reads them back. Inject mutates live state out of band, which
// is how drift is produced in tests and demos.
type Local struct {
	store  statestore.Store
	logger zerolog.Logger
}

// NewLocal creates a local provider over the given store.
func NewLocal(store statestore.Store, logger zerolog.Logger) *Local {
	return &Local{
		store:  store,
		logger: logger.With().Str("component", "local-provider").Logger(),
	}
}

var _ engine.Executor = (*Local)(nil)
var _ drift.Describer = (*Local)(nil)

// Execute converges the simulated resource to its declaration.
func (l *Local) Execute(ctx context.Context, resource spec.ResourceDeclaration) (*engine.ExecutionResult, error) {
	start := time.Now()

	record := liveRecord{
		ID:         resource.ID,
		Type:       resource.Type,
		Properties: resource.Properties,
		UpdatedAt:  start.UTC(),
	}
	if err := l.save(ctx, &record); err != nil {
		return nil, engine.NewTransientError("failed to persist live resource", err).
			WithResource(resource.ID)
	}

	l.logger.Debug().Str("resource_id", resource.ID).Msg("Applied resource locally")

	return &engine.ExecutionResult{
		ResourceID: resource.ID,
		Properties: resource.Properties,
		Duration:   time.Since(start),
	}, nil
}

// Describe returns the simulated live properties.
func (l *Local) Describe(ctx context.Context, resourceID, _ string) (map[string]any, error) {
	record, err := l.get(ctx, resourceID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, drift.ErrResourceNotFound
		}
		return nil, err
	}
	return record.Properties, nil
}

// Inject overwrites a live resource's properties out of band, simulating
// an operator or external system changing the environment directly.
func (l *Local) Inject(ctx context.Context, resourceID, resourceType string, properties map[string]any) error {
	return l.save(ctx, &liveRecord{
		ID:         resourceID,
		Type:       resourceType,
		Properties: properties,
		UpdatedAt:  time.Now().UTC(),
	})
}

// Remove deletes a live resource, simulating out-of-band destruction.
func (l *Local) Remove(ctx context.Context, resourceID string) error {
	record, err := l.store.Get(ctx, statestore.LiveKey(resourceID))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := l.store.CompareAndDelete(ctx, record.Key, record.Version); err != nil &&
		!errors.Is(err, statestore.ErrNotFound) {
		return fmt.Errorf("failed to remove live resource %s: %w", resourceID, err)
	}
	return nil
}

func (l *Local) get(ctx context.Context, resourceID string) (*liveRecord, error) {
	rec, err := l.store.Get(ctx, statestore.LiveKey(resourceID))
	if err != nil {
		return nil, err
	}
	var record liveRecord
	if err := json.Unmarshal(rec.Value, &record); err != nil {
		return nil, fmt.Errorf("corrupt live record %s: %w", resourceID, err)
	}
	return &record, nil
}

func (l *Local) save(ctx context.Context, record *liveRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal live record: %w", err)
	}

	key := statestore.LiveKey(record.ID)
	for {
		existing, err := l.store.Get(ctx, key)
		if errors.Is(err, statestore.ErrNotFound) {
			if _, cerr := l.store.ConditionalCreate(ctx, key, payload, 0); cerr != nil {
				if errors.Is(cerr, statestore.ErrAlreadyExists) {
					continue
				}
				return cerr
			}
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := l.store.Put(ctx, key, payload, existing.Version); err != nil {
			if errors.Is(err, statestore.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
}
