package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/spec"
	"github.com/statekeeper/statekeeper/pkg/statestore"
)

// ErrResourceNotFound is returned by a Describer when the resource does
// not exist in the live environment.
var ErrResourceNotFound = errors.New("resource not found")

// Describer fetches live resource state from the target environment.
type Describer interface {
	// Describe returns the current live properties of a resource, or
	// ErrResourceNotFound when it does not exist. Any other error means
	// the describer is unavailable for this resource right now.
	Describe(ctx context.Context, resourceID, resourceType string) (map[string]any, error)
}

// ScanResult summarizes one detection pass.
type ScanResult struct {
	// Events are the drift events emitted or refreshed this pass, in
	// resource ID order.
	Events []*Event

	// Scanned is the number of resources actually compared.
	Scanned int

	// Skipped is the number of resources whose describer call failed;
	// they are not marked drifted on missing data.
	Skipped int

	// Converged is the number of scanned resources with no divergence.
	Converged int
}

// Detector diffs observed against declared state and records drift
// events. Detection is idempotent: rescanning unchanged drift refreshes
// the existing event rather than stacking a new one.
type Detector struct {
	store      statestore.Store
	describer  Describer
	classifier Classifier
	events     *EventStore
	logger     zerolog.Logger

	// now is the clock, overridable in tests.
	now func() time.Time
}

// NewDetector creates a drift detector.
func NewDetector(store statestore.Store, describer Describer, classifier Classifier, logger zerolog.Logger) *Detector {
	return &Detector{
		store:      store,
		describer:  describer,
		classifier: classifier,
		events:     NewEventStore(store),
		logger:     logger.With().Str("component", "drift-detector").Logger(),
		now:        time.Now,
	}
}

// SetClock overrides the detector clock. Test use only.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Events exposes the detector's event store.
func (d *Detector) Events() *EventStore { return d.events }

// Scan compares every resource in the spec against its live state. A
// describer failure skips that resource for this cycle; it is never
// reported as drift on missing data.
func (d *Detector) Scan(ctx context.Context, desired *spec.DesiredStateSpec) (*ScanResult, error) {
	result := &ScanResult{Events: make([]*Event, 0)}

	for i := range desired.Resources {
		resource := &desired.Resources[i]

		event, err := d.scanResource(ctx, resource)
		if err != nil {
			var unavailable *describerError
			if errors.As(err, &unavailable) {
				d.logger.Warn().Err(unavailable.err).
					Str("resource_id", resource.ID).
					Msg("Describer unavailable, skipping resource this cycle")
				result.Skipped++
				continue
			}
			return nil, err
		}

		result.Scanned++
		if event == nil {
			result.Converged++
			continue
		}
		result.Events = append(result.Events, event)
	}

	d.logger.Info().
		Str("spec_version", desired.Version).
		Int("scanned", result.Scanned).
		Int("skipped", result.Skipped).
		Int("drifted", len(result.Events)).
		Msg("Drift scan completed")

	return result, nil
}

// describerError wraps a describer failure so Scan can tell it apart from
// store errors.
type describerError struct{ err error }

func (e *describerError) Error() string { return e.err.Error() }
func (e *describerError) Unwrap() error { return e.err }

// scanResource diffs one resource. It returns the emitted event, or nil
// when the resource is converged.
func (d *Detector) scanResource(ctx context.Context, resource *spec.ResourceDeclaration) (*Event, error) {
	now := d.now().UTC()

	live, err := d.describer.Describe(ctx, resource.ID, resource.Type)
	var diff *Diff
	var observed *ObservedResource

	switch {
	case errors.Is(err, ErrResourceNotFound):
		diff = MissingDiff()
		observed = &ObservedResource{
			ID:         resource.ID,
			Type:       resource.Type,
			Status:     StatusMissing,
			LastSeenAt: now,
		}
	case err != nil:
		return nil, &describerError{err: err}
	default:
		diff = Compare(resource.Properties, live)
		status := StatusPresent
		if !diff.Empty() {
			status = StatusMismatched
		}
		observed = &ObservedResource{
			ID:         resource.ID,
			Type:       resource.Type,
			Properties: live,
			Status:     status,
			LastSeenAt: now,
		}
	}

	if err := d.SaveObserved(ctx, observed); err != nil {
		return nil, err
	}

	if diff.Empty() {
		return nil, nil
	}

	classification, err := d.classifier.Classify(diff)
	if err != nil {
		return nil, fmt.Errorf("failed to classify drift for %s: %w", resource.ID, err)
	}

	event := &Event{
		ResourceID:        resource.ID,
		ResourceType:      resource.Type,
		DetectedAt:        now,
		Diff:              *diff,
		Severity:          classification.Severity,
		RecommendedAction: classification.Action,
		Status:            EventOpen,
		UpdatedAt:         now,
	}

	stored, err := d.events.Upsert(ctx, event)
	if err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("resource_id", resource.ID).
		Str("severity", string(stored.Severity)).
		Str("action", string(stored.RecommendedAction)).
		Bool("missing", diff.ResourceMissing).
		Int("fields", len(diff.Fields)).
		Msg("Drift detected")

	return stored, nil
}

// SaveObserved writes the observed record for a resource, creating or
// replacing it under optimistic concurrency.
func (d *Detector) SaveObserved(ctx context.Context, observed *ObservedResource) error {
	key := statestore.ObservedKey(observed.ID)
	payload, err := json.Marshal(observed)
	if err != nil {
		return fmt.Errorf("failed to marshal observed state: %w", err)
	}

	for {
		rec, err := d.store.Get(ctx, key)
		if errors.Is(err, statestore.ErrNotFound) {
			_, err = d.store.ConditionalCreate(ctx, key, payload, 0)
			if errors.Is(err, statestore.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to create observed state %s: %w", observed.ID, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read observed state %s: %w", observed.ID, err)
		}

		_, err = d.store.Put(ctx, key, payload, rec.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, statestore.ErrVersionConflict) && !errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("failed to update observed state %s: %w", observed.ID, err)
		}
	}
}

// GetObserved returns the last recorded observed state for a resource, or
// statestore.ErrNotFound.
func (d *Detector) GetObserved(ctx context.Context, resourceID string) (*ObservedResource, error) {
	return GetObserved(ctx, d.store, resourceID)
}

// GetObserved reads an observed record directly from a store.
func GetObserved(ctx context.Context, store statestore.Store, resourceID string) (*ObservedResource, error) {
	rec, err := store.Get(ctx, statestore.ObservedKey(resourceID))
	if err != nil {
		return nil, err
	}
	var observed ObservedResource
	if err := json.Unmarshal(rec.Value, &observed); err != nil {
		return nil, fmt.Errorf("failed to decode observed state: %w", err)
	}
	return &observed, nil
}
