package engine

import (
	"time"
)

// RunStatus represents the lifecycle state of a reconciliation run.
type RunStatus string

const (
	// RunStatusPending means the run is recorded but no phase has started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning means at least one phase is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded means every phase converged or was deliberately
	// skipped.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed means at least one phase failed terminally.
	RunStatusFailed RunStatus = "failed"
)

// PhaseState is the terminal state of a single phase within a run.
type PhaseState string

const (
	PhaseStatePending   PhaseState = "pending"
	PhaseStateRunning   PhaseState = "running"
	PhaseStateConverged PhaseState = "converged"
	PhaseStateSkipped   PhaseState = "skipped"
	PhaseStateFailed    PhaseState = "failed"
	PhaseStateEscalated PhaseState = "escalated"
)

// PhaseOutcome records what happened to one phase in a run. Reason is
// populated for skipped, failed, and escalated outcomes (lock holder,
// terminal error, drift severity).
type PhaseOutcome struct {
	PhaseID    string     `json:"phase_id"`
	State      PhaseState `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is the persisted record of one reconciliation pass. Runs are stored
// under run:{id} and never mutated after reaching a terminal status.
type Run struct {
	ID          string         `json:"id"`
	SpecVersion string         `json:"spec_version"`
	Status      RunStatus      `json:"status"`
	Phases      []PhaseOutcome `json:"phases"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// ExecutionResult is what an Executor reports back after mutating a
// resource toward its declared properties.
type ExecutionResult struct {
	// ResourceID is the resource that was acted on.
	ResourceID string `json:"resource_id"`

	// Properties is the resource's property set after the mutation, as
	// reported by the executor. The orchestrator records these as the new
	// observed state.
	Properties map[string]any `json:"properties"`

	// Duration is how long the mutation took.
	Duration time.Duration `json:"duration"`
}
