package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/statekeeper/statekeeper/pkg/breaker"
	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/locks"
	"github.com/statekeeper/statekeeper/pkg/spec"
	"github.com/statekeeper/statekeeper/pkg/statestore"
	"github.com/statekeeper/statekeeper/pkg/telemetry"
)

// OrchestratorConfig holds the orchestrator tuning parameters.
type OrchestratorConfig struct {
	// LockTTL is the lease duration for phase locks.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// MaxRetries bounds the per-resource retry loop for transient
	// executor failures.
	MaxRetries int `yaml:"max_retries"`

	// ExecutorTimeout bounds a single executor invocation.
	ExecutorTimeout time.Duration `yaml:"executor_timeout"`

	// MaxParallel is the worker count for phases within one level.
	MaxParallel int `yaml:"max_parallel"`
}

// DefaultOrchestratorConfig returns the orchestrator defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		LockTTL:         30 * time.Second,
		MaxRetries:      3,
		ExecutorTimeout: 2 * time.Minute,
		MaxParallel:     4,
	}
}

// Orchestrator runs the reconciliation loop: it loads the desired spec,
// orders phases through the DAG builder, converges resources under phase
// locks, and drives drift remediation through the circuit breaker.
// Multiple orchestrator instances may run concurrently; they coordinate
// exclusively through the state store.
type Orchestrator struct {
	store    statestore.Store
	locks    *locks.Manager
	breaker  *breaker.Breaker
	detector *drift.Detector
	events   *drift.EventStore
	executor Executor
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
	config   OrchestratorConfig

	// mu serializes outcome writes within one run.
	mu sync.Mutex
}

// NewOrchestrator wires the reconciliation core together.
func NewOrchestrator(
	store statestore.Store,
	lockMgr *locks.Manager,
	brk *breaker.Breaker,
	detector *drift.Detector,
	executor Executor,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	logger zerolog.Logger,
	config OrchestratorConfig,
) *Orchestrator {
	defaults := DefaultOrchestratorConfig()
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.ExecutorTimeout <= 0 {
		config.ExecutorTimeout = defaults.ExecutorTimeout
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = defaults.MaxParallel
	}
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "statekeeper", "", "")
	}

	return &Orchestrator{
		store:    store,
		locks:    lockMgr,
		breaker:  brk,
		detector: detector,
		events:   detector.Events(),
		executor: executor,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		config:   config,
	}
}

// TriggerReconciliation starts one asynchronous reconciliation pass for
// the given spec version (empty means latest) and returns the run ID.
// Structural errors - unknown spec, dependency cycle - surface here;
// everything else is reported through the persisted run.
func (o *Orchestrator) TriggerReconciliation(ctx context.Context, specVersion string) (string, error) {
	run, desired, graph, err := o.prepareRun(ctx, specVersion)
	if err != nil {
		return "", err
	}

	go func() {
		// The pass outlives the trigger request.
		o.executeRun(context.Background(), run, desired, graph)
	}()

	return run.ID, nil
}

// Reconcile runs one synchronous reconciliation pass and returns the
// completed run.
func (o *Orchestrator) Reconcile(ctx context.Context, specVersion string) (*Run, error) {
	run, desired, graph, err := o.prepareRun(ctx, specVersion)
	if err != nil {
		return nil, err
	}
	return o.executeRun(ctx, run, desired, graph), nil
}

// prepareRun loads the spec, builds the phase graph, and persists the
// pending run. A dependency cycle fails the pass before any phase starts.
func (o *Orchestrator) prepareRun(ctx context.Context, specVersion string) (*Run, *spec.DesiredStateSpec, *ExecutionGraph, error) {
	desired, err := o.loadSpec(ctx, specVersion)
	if err != nil {
		return nil, nil, nil, err
	}

	phases, err := spec.BuildPhases(desired)
	if err != nil {
		return nil, nil, nil, NewPermanentError("invalid spec", err).WithCode(ErrCodeValidation)
	}

	graph, err := NewDAGBuilder().BuildGraph(phases)
	if err != nil {
		return nil, nil, nil, err
	}

	run := &Run{
		ID:          uuid.New().String(),
		SpecVersion: desired.Version,
		Status:      RunStatusPending,
		Phases:      make([]PhaseOutcome, 0, len(phases)),
		StartedAt:   time.Now().UTC(),
	}
	for _, phase := range phases {
		run.Phases = append(run.Phases, PhaseOutcome{PhaseID: phase.ID, State: PhaseStatePending})
	}

	if err := o.saveRun(ctx, run); err != nil {
		return nil, nil, nil, err
	}

	o.metrics.RecordRunStarted()
	o.logger.Info().
		Str("run_id", run.ID).
		Str("spec_version", desired.Version).
		Int("phases", len(phases)).
		Int("levels", graph.Depth).
		Msg("Reconciliation run started")

	return run, desired, graph, nil
}

// executeRun walks the graph level by level. Phases within a level run in
// parallel; a phase whose dependency did not converge is never started.
func (o *Orchestrator) executeRun(ctx context.Context, run *Run, desired *spec.DesiredStateSpec, graph *ExecutionGraph) *Run {
	ctx, span := o.tracer.StartRunSpan(ctx, run.ID, run.SpecVersion)
	defer span.End()

	run.Status = RunStatusRunning
	if err := o.saveRun(ctx, run); err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist run status")
	}

	phasesByID := make(map[string]*spec.Phase)
	phases, _ := spec.BuildPhases(desired)
	for i := range phases {
		phasesByID[phases[i].ID] = &phases[i]
	}

	for level := 0; level < graph.Depth; level++ {
		o.executeLevel(ctx, run, phasesByID, graph, graph.Levels[level])

		// Cooperative shutdown: finish the current level, start no more.
		select {
		case <-ctx.Done():
			o.failPendingPhases(run, "run cancelled")
			return o.finishRun(run, span)
		default:
		}
	}

	return o.finishRun(run, span)
}

// executeLevel reconciles one level's phases through a bounded worker
// pool.
func (o *Orchestrator) executeLevel(
	ctx context.Context,
	run *Run,
	phasesByID map[string]*spec.Phase,
	graph *ExecutionGraph,
	levelIDs []string,
) {
	workQueue := make(chan string, len(levelIDs))
	for _, id := range levelIDs {
		workQueue <- id
	}
	close(workQueue)

	workerCount := o.config.MaxParallel
	if len(levelIDs) < workerCount {
		workerCount = len(levelIDs)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for phaseID := range workQueue {
				node := graph.Nodes[phaseID]
				if blocked, dep := o.dependencyBlocked(run, node); blocked {
					o.recordOutcome(ctx, run, PhaseOutcome{
						PhaseID: phaseID,
						State:   PhaseStateFailed,
						Reason:  fmt.Sprintf("dependency phase %s did not converge", dep),
					})
					continue
				}

				outcome := o.reconcilePhase(ctx, run, phasesByID[phaseID])
				o.recordOutcome(ctx, run, outcome)
			}
		}()
	}
	wg.Wait()
}

// dependencyBlocked reports whether any dependency of the node ended in a
// state that forbids starting it. Converged and skipped (lock busy)
// dependencies both allow the dependent to proceed.
func (o *Orchestrator) dependencyBlocked(run *Run, node *GraphNode) (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, dep := range node.Dependencies {
		for i := range run.Phases {
			if run.Phases[i].PhaseID != dep {
				continue
			}
			switch run.Phases[i].State {
			case PhaseStateConverged, PhaseStateSkipped:
			default:
				return true, dep
			}
		}
	}
	return false, ""
}

// recordOutcome stores a phase outcome on the run and persists it.
func (o *Orchestrator) recordOutcome(ctx context.Context, run *Run, outcome PhaseOutcome) {
	o.mu.Lock()
	for i := range run.Phases {
		if run.Phases[i].PhaseID == outcome.PhaseID {
			run.Phases[i] = outcome
			break
		}
	}
	o.mu.Unlock()

	if outcome.StartedAt != nil && outcome.FinishedAt != nil {
		o.metrics.RecordPhaseOutcome(string(outcome.State), outcome.FinishedAt.Sub(*outcome.StartedAt))
	} else {
		o.metrics.RecordPhaseOutcome(string(outcome.State), 0)
	}

	if err := o.saveRun(ctx, run); err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist phase outcome")
	}
}

// failPendingPhases marks phases that never started.
func (o *Orchestrator) failPendingPhases(run *Run, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range run.Phases {
		if run.Phases[i].State == PhaseStatePending {
			run.Phases[i].State = PhaseStateFailed
			run.Phases[i].Reason = reason
		}
	}
}

// finishRun computes the terminal run status and persists it.
func (o *Orchestrator) finishRun(run *Run, span trace.Span) *Run {
	o.mu.Lock()
	failed := 0
	for i := range run.Phases {
		if run.Phases[i].State == PhaseStateFailed {
			failed++
			if run.Error == "" {
				run.Error = fmt.Sprintf("phase %s: %s", run.Phases[i].PhaseID, run.Phases[i].Reason)
			}
		}
	}
	if failed > 0 {
		run.Status = RunStatusFailed
	} else {
		run.Status = RunStatusSucceeded
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	o.mu.Unlock()

	if run.Status == RunStatusFailed {
		telemetry.RecordError(span, errors.New(run.Error))
	} else {
		telemetry.RecordSuccess(span)
	}

	// Persist with a background context: a cancelled pass still records
	// its terminal state.
	if err := o.saveRun(context.Background(), run); err != nil {
		o.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist final run state")
	}

	o.metrics.RecordRunCompleted(string(run.Status), now.Sub(run.StartedAt))
	o.logger.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Dur("duration", now.Sub(run.StartedAt)).
		Msg("Reconciliation run finished")

	return run
}

// reconcilePhase converges one phase under its lock. A busy lock skips
// the phase: another runner owns it.
func (o *Orchestrator) reconcilePhase(ctx context.Context, run *Run, phase *spec.Phase) PhaseOutcome {
	ctx, span := o.tracer.StartPhaseSpan(ctx, run.ID, phase.ID)
	defer span.End()

	started := time.Now().UTC()
	outcome := PhaseOutcome{PhaseID: phase.ID, State: PhaseStateRunning, StartedAt: &started}
	logger := o.logger.With().
		Str("run_id", run.ID).
		Str("phase_id", phase.ID).
		Str("trace_id", telemetry.TraceID(ctx)).
		Logger()

	lease, err := o.locks.Acquire(ctx, "phase:"+phase.ID, o.config.LockTTL)
	if err != nil {
		if errors.Is(err, locks.ErrBusy) {
			o.metrics.RecordLockAcquisition("busy")
			logger.Info().Msg("Phase locked by another runner, skipping")
			return o.finishOutcome(span, outcome, PhaseStateSkipped, "LockBusy", 0)
		}
		o.metrics.RecordLockAcquisition("error")
		return o.finishOutcome(span, outcome, PhaseStateFailed, fmt.Sprintf("lock acquisition failed: %v", err), 0)
	}
	o.metrics.RecordLockAcquisition("acquired")
	defer func() {
		if rerr := o.locks.Release(context.Background(), lease); rerr != nil && !errors.Is(rerr, locks.ErrNotHeld) {
			logger.Warn().Err(rerr).Msg("Failed to release phase lock")
		}
	}()

	worst := PhaseStateConverged
	reason := ""
	attempts := 0

	for i := range phase.Resources {
		resource := &phase.Resources[i]
		state, resourceReason, n, err := o.reconcileResource(ctx, logger, lease, resource)
		attempts += n
		if err != nil && IsLockExpired(err) {
			// The lease is gone: partial work is unconfirmed, the next
			// pass resumes from persisted observed state.
			return o.finishOutcome(span, outcome, PhaseStateFailed, err.Error(), attempts)
		}
		if phaseStateRank(state) > phaseStateRank(worst) {
			worst = state
			reason = resourceReason
		}
	}

	return o.finishOutcome(span, outcome, worst, reason, attempts)
}

// phaseStateRank orders per-resource outcomes for aggregation: failure
// outranks escalation outranks convergence.
func phaseStateRank(s PhaseState) int {
	switch s {
	case PhaseStateFailed:
		return 2
	case PhaseStateEscalated:
		return 1
	default:
		return 0
	}
}

func (o *Orchestrator) finishOutcome(span trace.Span, outcome PhaseOutcome, state PhaseState, reason string, attempts int) PhaseOutcome {
	finished := time.Now().UTC()
	outcome.State = state
	outcome.Reason = reason
	outcome.Attempts = attempts
	outcome.FinishedAt = &finished

	if state == PhaseStateFailed {
		telemetry.RecordError(span, errors.New(reason))
	} else {
		telemetry.RecordSuccess(span)
	}
	return outcome
}

// reconcileResource converges one resource. Routine deployments (no
// observed record yet) invoke the executor directly; drift remediation
// first consults the drift event's recommended action and the circuit
// breaker.
func (o *Orchestrator) reconcileResource(
	ctx context.Context,
	logger zerolog.Logger,
	lease *locks.Lease,
	resource *spec.ResourceDeclaration,
) (PhaseState, string, int, error) {
	observed, err := drift.GetObserved(ctx, o.store, resource.ID)
	isDeploy := false
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		isDeploy = true
	case err != nil:
		return PhaseStateFailed, fmt.Sprintf("failed to read observed state: %v", err), 0, nil
	case observed.Status == drift.StatusPresent &&
		spec.HashProperties(resource.Properties) == spec.HashProperties(observed.Properties):
		// Already converged. Re-running the pass costs nothing.
		return PhaseStateConverged, "", 0, nil
	}

	if !isDeploy {
		// Drift remediation: honor the classifier's verdict before acting.
		event, eerr := o.events.Get(ctx, resource.ID)
		if eerr == nil && !event.Status.Terminal() {
			switch event.RecommendedAction {
			case drift.ActionIgnore:
				return PhaseStateConverged, "", 0, nil
			case drift.ActionEscalate:
				o.escalate(ctx, logger, resource.ID, "recommended action")
				return PhaseStateEscalated, string(event.Severity), 0, nil
			}
		}

		if berr := o.breaker.Allow(ctx); berr != nil {
			o.metrics.RecordBreakerRejection()
			o.escalate(ctx, logger, resource.ID, "remediation throttled")
			reason := NewCircuitOpenError(berr.Error()).Error()
			return PhaseStateEscalated, reason, 0, nil
		}
	}

	state, reason, attempts, execErr := o.executeWithRetry(ctx, logger, lease, resource)

	if !isDeploy {
		// Report the remediation outcome to the shared breaker.
		var berr error
		if state == PhaseStateConverged {
			berr = o.breaker.OnSuccess(ctx)
		} else {
			berr = o.breaker.OnFailure(ctx)
		}
		if berr != nil {
			logger.Warn().Err(berr).Msg("Failed to update circuit breaker state")
		}
	}

	if state == PhaseStateConverged && !isDeploy {
		o.healEvent(ctx, logger, resource.ID)
	}

	return state, reason, attempts, execErr
}

// executeWithRetry invokes the executor with bounded exponential backoff,
// renewing the phase lock between attempts. Losing the lease aborts the
// operation.
func (o *Orchestrator) executeWithRetry(
	ctx context.Context,
	logger zerolog.Logger,
	lease *locks.Lease,
	resource *spec.ResourceDeclaration,
) (PhaseState, string, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		attempts++

		execCtx, cancel := context.WithTimeout(ctx, o.config.ExecutorTimeout)
		start := time.Now()
		result, err := o.executor.Execute(execCtx, *resource)
		duration := time.Since(start)
		cancel()

		if err == nil {
			o.metrics.RecordExecutorCall(resource.Type, "success", duration)
			if serr := o.saveObservedFromResult(ctx, resource, result); serr != nil {
				return PhaseStateFailed, serr.Error(), attempts, nil
			}
			logger.Info().
				Str("resource_id", resource.ID).
				Dur("duration", duration).
				Int("attempt", attempt+1).
				Msg("Resource converged")
			return PhaseStateConverged, "", attempts, nil
		}

		o.metrics.RecordExecutorCall(resource.Type, "error", duration)
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = NewTransientError("executor timed out", err).
				WithCode(ErrCodeExecutorTimeout).WithResource(resource.ID)
		}
		lastErr = err
		o.recordErrorMetrics(err)

		if !IsRetryable(err) || attempt >= o.config.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, err)
		logger.Warn().Err(err).
			Str("resource_id", resource.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Executor failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return PhaseStateFailed, "run cancelled", attempts, nil
		}

		// A long backoff must not outlive the lease.
		if rerr := o.locks.Renew(ctx, lease); rerr != nil {
			lockErr := NewLockExpiredError(lease.Key, rerr)
			logger.Error().Err(rerr).Str("resource_id", resource.ID).Msg("Lock lease lost mid-operation, aborting")
			return PhaseStateFailed, lockErr.Error(), attempts, lockErr
		}
	}

	reason := fmt.Sprintf("executor failed after %d attempts: %v", attempts, lastErr)
	return PhaseStateFailed, reason, attempts, nil
}

func (o *Orchestrator) saveObservedFromResult(ctx context.Context, resource *spec.ResourceDeclaration, result *ExecutionResult) error {
	properties := resource.Properties
	if result != nil && result.Properties != nil {
		properties = result.Properties
	}
	return o.detector.SaveObserved(ctx, &drift.ObservedResource{
		ID:         resource.ID,
		Type:       resource.Type,
		Properties: properties,
		Status:     drift.StatusPresent,
		LastSeenAt: time.Now().UTC(),
	})
}

// escalate moves a resource's open drift event to ESCALATED. Already
// escalated or absent events are left alone.
func (o *Orchestrator) escalate(ctx context.Context, logger zerolog.Logger, resourceID, resolution string) {
	_, err := o.events.Transition(ctx, resourceID, drift.EventEscalated, resolution)
	if err != nil && !errors.Is(err, drift.ErrNoEvent) && !errors.Is(err, drift.ErrInvalidTransition) {
		logger.Warn().Err(err).Str("resource_id", resourceID).Msg("Failed to escalate drift event")
	}
}

// healEvent closes a resource's drift event after successful remediation.
func (o *Orchestrator) healEvent(ctx context.Context, logger zerolog.Logger, resourceID string) {
	_, err := o.events.Transition(ctx, resourceID, drift.EventHealed, "orchestrator")
	if err != nil && !errors.Is(err, drift.ErrNoEvent) {
		logger.Warn().Err(err).Str("resource_id", resourceID).Msg("Failed to close drift event")
	}
}

func (o *Orchestrator) recordErrorMetrics(err error) {
	var re *ReconcileError
	if errors.As(err, &re) {
		o.metrics.RecordError(string(re.Class), re.Code)
		return
	}
	o.metrics.RecordError(string(ErrorClassPermanent), "")
}

// ScanDrift loads a spec (empty version means latest) and runs one drift
// scan over it.
func (o *Orchestrator) ScanDrift(ctx context.Context, specVersion string) (*drift.ScanResult, error) {
	desired, err := o.loadSpec(ctx, specVersion)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.StartScanSpan(ctx, desired.Version)
	defer span.End()

	o.metrics.RecordDriftScan()
	result, err := o.detector.Scan(ctx, desired)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)

	for _, event := range result.Events {
		o.metrics.RecordDriftEvent(event.ResourceType, string(event.Severity), string(event.RecommendedAction))
	}

	open, err := o.events.ListOpen(ctx)
	if err == nil {
		o.metrics.SetOpenDriftEvents(float64(len(open)))
	}

	return result, nil
}

// HealOpenDrift walks the unresolved drift events and remediates the
// auto-healable ones through one reconciliation pass over the latest spec.
// Events recommending escalation are transitioned without touching the
// executor.
func (o *Orchestrator) HealOpenDrift(ctx context.Context) (*Run, error) {
	return o.Reconcile(ctx, "")
}

// calculateBackoff computes exponential backoff, slower for throttled and
// conflicting errors, capped at one minute.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Jitter (+12.5%) keeps racing runners from retrying in lockstep.
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}
