package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/statekeeper/statekeeper/pkg/statestore"
)

// ErrInvalidTransition is returned when a status change is not allowed by
// the event state machine.
var ErrInvalidTransition = errors.New("invalid drift event transition")

// ErrNoEvent is returned when no drift event exists for a resource.
var ErrNoEvent = errors.New("no drift event for resource")

// allowedTransitions is the event state machine. Terminal states admit
// nothing; escalated events wait for a human verdict.
var allowedTransitions = map[EventStatus][]EventStatus{
	EventOpen:      {EventHealed, EventEscalated, EventDismissed},
	EventEscalated: {EventHealed, EventDismissed},
}

func transitionAllowed(from, to EventStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EventStore persists drift events under drift:{resourceId}. Each resource
// holds at most one event record; a new detection on a resource with a
// terminal event overwrites it with a fresh OPEN one.
type EventStore struct {
	store statestore.Store
}

// NewEventStore creates an event store over the given state store.
func NewEventStore(store statestore.Store) *EventStore {
	return &EventStore{store: store}
}

// Get returns the event for a resource, or ErrNoEvent.
func (s *EventStore) Get(ctx context.Context, resourceID string) (*Event, error) {
	rec, err := s.store.Get(ctx, statestore.DriftKey(resourceID))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, ErrNoEvent
		}
		return nil, fmt.Errorf("failed to read drift event %s: %w", resourceID, err)
	}
	return decodeEvent(rec.Value)
}

// List returns all drift events, ordered by resource ID.
func (s *EventStore) List(ctx context.Context) ([]*Event, error) {
	recs, err := s.store.List(ctx, statestore.DriftPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift events: %w", err)
	}
	events := make([]*Event, 0, len(recs))
	for _, rec := range recs {
		event, err := decodeEvent(rec.Value)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// ListOpen returns the unresolved events: OPEN and ESCALATED, ordered by
// resource ID.
func (s *EventStore) ListOpen(ctx context.Context) ([]*Event, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	open := make([]*Event, 0, len(all))
	for _, event := range all {
		if !event.Status.Terminal() {
			open = append(open, event)
		}
	}
	return open, nil
}

// Upsert records a detection. When the resource already carries a
// non-terminal event, its diff and detection time are updated in place and
// its status preserved, so rescans with no real-world change never stack
// duplicate OPEN events. A terminal event is replaced by a fresh OPEN one.
func (s *EventStore) Upsert(ctx context.Context, event *Event) (*Event, error) {
	key := statestore.DriftKey(event.ResourceID)

	for {
		rec, err := s.store.Get(ctx, key)
		if errors.Is(err, statestore.ErrNotFound) {
			payload, merr := json.Marshal(event)
			if merr != nil {
				return nil, fmt.Errorf("failed to marshal drift event: %w", merr)
			}
			_, err = s.store.ConditionalCreate(ctx, key, payload, 0)
			if errors.Is(err, statestore.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to create drift event %s: %w", event.ResourceID, err)
			}
			return event, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read drift event %s: %w", event.ResourceID, err)
		}

		existing, err := decodeEvent(rec.Value)
		if err != nil {
			return nil, err
		}

		next := *event
		if !existing.Status.Terminal() {
			// Rescan of live drift: keep the status (an escalated event
			// stays escalated) and the original resolution trail.
			next.Status = existing.Status
			next.Resolution = existing.Resolution
		}

		payload, err := json.Marshal(&next)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal drift event: %w", err)
		}
		_, err = s.store.Put(ctx, key, payload, rec.Version)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, statestore.ErrVersionConflict) && !errors.Is(err, statestore.ErrNotFound) {
			return nil, fmt.Errorf("failed to update drift event %s: %w", event.ResourceID, err)
		}
	}
}

// Transition moves a resource's event to a new status, recording who
// resolved it. Disallowed transitions return ErrInvalidTransition.
func (s *EventStore) Transition(ctx context.Context, resourceID string, to EventStatus, resolution string) (*Event, error) {
	key := statestore.DriftKey(resourceID)

	for {
		rec, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, statestore.ErrNotFound) {
				return nil, ErrNoEvent
			}
			return nil, fmt.Errorf("failed to read drift event %s: %w", resourceID, err)
		}

		event, err := decodeEvent(rec.Value)
		if err != nil {
			return nil, err
		}

		if !transitionAllowed(event.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s for resource %s",
				ErrInvalidTransition, event.Status, to, resourceID)
		}

		event.Status = to
		event.Resolution = resolution
		event.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal drift event: %w", err)
		}
		_, err = s.store.Put(ctx, key, payload, rec.Version)
		if err == nil {
			return event, nil
		}
		if !errors.Is(err, statestore.ErrVersionConflict) && !errors.Is(err, statestore.ErrNotFound) {
			return nil, fmt.Errorf("failed to update drift event %s: %w", resourceID, err)
		}
	}
}

func decodeEvent(data json.RawMessage) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode drift event: %w", err)
	}
	return &event, nil
}
