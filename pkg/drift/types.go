// Package drift implements drift detection and severity classification:
// diffing observed resource state against the declared spec, recording
// drift events, and deciding auto-heal versus human escalation.
package drift

import (
	"time"
)

// ObservedStatus describes how an observed resource relates to its
// declaration.
type ObservedStatus string

const (
	// StatusPresent means the resource exists and matches its declaration.
	StatusPresent ObservedStatus = "present"

	// StatusMissing means presence was declared but the resource is gone.
	StatusMissing ObservedStatus = "missing"

	// StatusMismatched means the resource exists but its properties differ
	// from the declaration.
	StatusMismatched ObservedStatus = "mismatched"
)

// ObservedResource is the last-known real-world state of one resource.
// Stored under observed:{resourceId} and rewritten on every scan.
type ObservedResource struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Status     ObservedStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

// Severity grades how dangerous a drift is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities for comparisons; higher is worse.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether s is as severe as other or worse.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

// Action is the classifier's recommendation for a drift event.
type Action string

const (
	// ActionAutoHeal means the orchestrator may remediate automatically,
	// subject to the circuit breaker.
	ActionAutoHeal Action = "AUTO_HEAL"

	// ActionEscalate means a human must decide; the executor is never
	// invoked automatically.
	ActionEscalate Action = "ESCALATE"

	// ActionIgnore means the drift is recorded but not acted on.
	ActionIgnore Action = "IGNORE"
)

// EventStatus is the lifecycle state of a drift event.
type EventStatus string

const (
	// EventOpen means the drift is live and unresolved.
	EventOpen EventStatus = "OPEN"

	// EventHealed means the resource was converged back to its declaration.
	EventHealed EventStatus = "HEALED"

	// EventEscalated means the drift awaits a human decision.
	EventEscalated EventStatus = "ESCALATED"

	// EventDismissed means a human decided the drift is acceptable.
	EventDismissed EventStatus = "DISMISSED"
)

// Terminal reports whether the status admits no further transitions.
func (s EventStatus) Terminal() bool {
	return s == EventHealed || s == EventDismissed
}

// ChangeType describes how one field diverged.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeChanged ChangeType = "changed"
)

// FieldChange is one entry in a field-level diff. Path is dot-separated
// with [i] for list elements, e.g. "ingress[0].cidr".
type FieldChange struct {
	Path     string     `json:"path"`
	Change   ChangeType `json:"change"`
	Declared any        `json:"declared,omitempty"`
	Observed any        `json:"observed,omitempty"`
}

// Diff is an ordered field-level diff. Entries are sorted by path so that
// the same divergence always produces the same diff.
type Diff struct {
	// ResourceMissing is set when the whole resource is absent; Fields is
	// empty in that case.
	ResourceMissing bool `json:"resource_missing,omitempty"`

	Fields []FieldChange `json:"fields,omitempty"`
}

// Empty reports whether the diff shows no divergence.
func (d *Diff) Empty() bool {
	return d == nil || (!d.ResourceMissing && len(d.Fields) == 0)
}

// Event is a drift event for one resource. A resource has at most one
// non-terminal event at a time; rescans update it in place.
type Event struct {
	ResourceID        string      `json:"resource_id"`
	ResourceType      string      `json:"resource_type"`
	DetectedAt        time.Time   `json:"detected_at"`
	Diff              Diff        `json:"diff"`
	Severity          Severity    `json:"severity"`
	RecommendedAction Action      `json:"recommended_action"`
	Status            EventStatus `json:"status"`
	UpdatedAt         time.Time   `json:"updated_at"`

	// Resolution records who closed the event and why: "orchestrator",
	// "operator", or a freeform note from acknowledgeDrift.
	Resolution string `json:"resolution,omitempty"`
}

// Classification is a classifier verdict.
type Classification struct {
	Severity Severity `json:"severity"`
	Action   Action   `json:"action"`
}

// Classifier scores a diff. Implementations must be deterministic and
// side-effect-free.
type Classifier interface {
	// Classify returns the severity and recommended action for a diff.
	Classify(diff *Diff) (Classification, error)
}
