package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/spec"
	"github.com/statekeeper/statekeeper/pkg/statestore"
)

// latestPointer is the value stored under spec:latest.
type latestPointer struct {
	Version string `json:"version"`
}

// SaveSpec persists a desired-state spec under spec:{version} and points
// spec:latest at it. Specs are immutable: re-saving an existing version
// must carry the same content hash.
func (o *Orchestrator) SaveSpec(ctx context.Context, desired *spec.DesiredStateSpec) error {
	// "latest" is the pointer key, not a valid version name.
	if desired.Version == "latest" {
		return NewPermanentError(`"latest" is a reserved spec version`, nil).WithCode(ErrCodeValidation)
	}

	payload, err := json.Marshal(desired)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}

	key := statestore.SpecKey(desired.Version)
	_, err = o.store.ConditionalCreate(ctx, key, payload, 0)
	if errors.Is(err, statestore.ErrAlreadyExists) {
		existing, gerr := o.loadSpec(ctx, desired.Version)
		if gerr != nil {
			return gerr
		}
		if existing.ContentHash != desired.ContentHash {
			return NewPermanentError(
				fmt.Sprintf("spec version %s already exists with different content", desired.Version), nil).
				WithCode(ErrCodeValidation)
		}
	} else if err != nil {
		return fmt.Errorf("failed to store spec %s: %w", desired.Version, err)
	}

	pointer, err := json.Marshal(latestPointer{Version: desired.Version})
	if err != nil {
		return fmt.Errorf("failed to marshal latest pointer: %w", err)
	}

	for {
		rec, err := o.store.Get(ctx, statestore.LatestSpecKey)
		if errors.Is(err, statestore.ErrNotFound) {
			_, err = o.store.ConditionalCreate(ctx, statestore.LatestSpecKey, pointer, 0)
			if errors.Is(err, statestore.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to set latest spec pointer: %w", err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read latest spec pointer: %w", err)
		}
		_, err = o.store.Put(ctx, statestore.LatestSpecKey, pointer, rec.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, statestore.ErrVersionConflict) {
			return fmt.Errorf("failed to update latest spec pointer: %w", err)
		}
	}

	o.logger.Info().
		Str("spec_version", desired.Version).
		Str("content_hash", desired.ContentHash).
		Int("resources", len(desired.Resources)).
		Msg("Spec saved")

	return nil
}

// loadSpec reads a stored spec by version. An empty version resolves
// through spec:latest.
func (o *Orchestrator) loadSpec(ctx context.Context, version string) (*spec.DesiredStateSpec, error) {
	if version == "" {
		rec, err := o.store.Get(ctx, statestore.LatestSpecKey)
		if err != nil {
			if errors.Is(err, statestore.ErrNotFound) {
				return nil, NewPermanentError("no spec has been saved", nil).WithCode(ErrCodeNotFound)
			}
			return nil, fmt.Errorf("failed to read latest spec pointer: %w", err)
		}
		var pointer latestPointer
		if err := json.Unmarshal(rec.Value, &pointer); err != nil {
			return nil, fmt.Errorf("failed to decode latest spec pointer: %w", err)
		}
		version = pointer.Version
	}

	rec, err := o.store.Get(ctx, statestore.SpecKey(version))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, NewPermanentError(fmt.Sprintf("spec version %s not found", version), nil).
				WithCode(ErrCodeNotFound)
		}
		return nil, fmt.Errorf("failed to read spec %s: %w", version, err)
	}

	var desired spec.DesiredStateSpec
	if err := json.Unmarshal(rec.Value, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode spec %s: %w", version, err)
	}
	return &desired, nil
}

// saveRun persists a run record, creating it on first save.
func (o *Orchestrator) saveRun(ctx context.Context, run *Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	key := statestore.RunKey(run.ID)
	for {
		rec, err := o.store.Get(ctx, key)
		if errors.Is(err, statestore.ErrNotFound) {
			_, err = o.store.ConditionalCreate(ctx, key, payload, 0)
			if errors.Is(err, statestore.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to create run %s: %w", run.ID, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read run %s: %w", run.ID, err)
		}

		_, err = o.store.Put(ctx, key, payload, rec.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, statestore.ErrVersionConflict) {
			return fmt.Errorf("failed to update run %s: %w", run.ID, err)
		}
	}
}

// GetRun returns a persisted run by ID.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*Run, error) {
	rec, err := o.store.Get(ctx, statestore.RunKey(runID))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, NewPermanentError(fmt.Sprintf("run %s not found", runID), nil).
				WithCode(ErrCodeNotFound)
		}
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	var run Run
	if err := json.Unmarshal(rec.Value, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &run, nil
}

// Status is the read-only progress view of a run: its phase outcomes plus
// the drift events currently awaiting resolution.
type Status struct {
	Run         *Run           `json:"run"`
	DriftEvents []*drift.Event `json:"drift_events"`
}

// GetStatus returns a run's progress and the unresolved drift events.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (*Status, error) {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	events, err := o.events.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{Run: run, DriftEvents: events}, nil
}

// ListOpenDrift returns the unresolved drift events for review tooling.
func (o *Orchestrator) ListOpenDrift(ctx context.Context) ([]*drift.Event, error) {
	events, err := o.events.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	o.metrics.SetOpenDriftEvents(float64(len(events)))
	return events, nil
}

// AcknowledgeDrift applies a human decision to a drift event: HEALED,
// DISMISSED, or ESCALATED. It overrides the recommended action.
func (o *Orchestrator) AcknowledgeDrift(ctx context.Context, resourceID string, decision drift.EventStatus, note string) (*drift.Event, error) {
	switch decision {
	case drift.EventHealed, drift.EventDismissed, drift.EventEscalated:
	default:
		return nil, NewPermanentError(fmt.Sprintf("invalid drift decision: %s", decision), nil).
			WithCode(ErrCodeValidation)
	}

	resolution := "operator"
	if note != "" {
		resolution = "operator: " + note
	}

	event, err := o.events.Transition(ctx, resourceID, decision, resolution)
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("resource_id", resourceID).
		Str("decision", string(decision)).
		Msg("Drift event acknowledged")

	return event, nil
}
