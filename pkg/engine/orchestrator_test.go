package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/breaker"
	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/locks"
	"github.com/statekeeper/statekeeper/pkg/spec"
	"github.com/statekeeper/statekeeper/pkg/statestore"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	// fail queues errors per resource ID, consumed one per attempt.
	fail map[string][]error
}

func (f *fakeExecutor) Execute(_ context.Context, resource spec.ResourceDeclaration) (*ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resource.ID)

	if queue := f.fail[resource.ID]; len(queue) > 0 {
		err := queue[0]
		f.fail[resource.ID] = queue[1:]
		return nil, err
	}
	return &ExecutionResult{ResourceID: resource.ID, Properties: resource.Properties}, nil
}

func (f *fakeExecutor) callCount(resourceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == resourceID {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLive struct {
	mu   sync.Mutex
	live map[string]map[string]any
}

func (f *fakeLive) Describe(_ context.Context, resourceID, _ string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	props, ok := f.live[resourceID]
	if !ok {
		return nil, drift.ErrResourceNotFound
	}
	return props, nil
}

func (f *fakeLive) set(resourceID string, props map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[resourceID] = props
}

type testHarness struct {
	store    statestore.Store
	executor *fakeExecutor
	live     *fakeLive
	breaker  *breaker.Breaker
	orch     *Orchestrator
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store := statestore.NewMemoryStore()
	executor := &fakeExecutor{fail: make(map[string][]error)}
	live := &fakeLive{live: make(map[string]map[string]any)}
	logger := zerolog.Nop()

	classifier, err := drift.NewRuleClassifier(drift.DefaultPolicy())
	if err != nil {
		t.Fatalf("failed to build classifier: %v", err)
	}
	detector := drift.NewDetector(store, live, classifier, logger)

	brk := breaker.New(store, breaker.DefaultConfig(), logger)
	lockMgr := locks.NewManager(store, "test-runner", logger)

	orch := NewOrchestrator(store, lockMgr, brk, detector, executor, nil, nil, logger, OrchestratorConfig{
		LockTTL:         5 * time.Second,
		MaxRetries:      2,
		ExecutorTimeout: time.Second,
		MaxParallel:     2,
	})

	return &testHarness{store: store, executor: executor, live: live, breaker: brk, orch: orch}
}

func testDesiredSpec(t *testing.T) *spec.DesiredStateSpec {
	t.Helper()
	desired, err := spec.NewLoader().Load([]byte(`
version: v1
resources:
  - id: vpc-main
    type: network
    phase: network
    properties:
      cidr: 10.0.0.0/16
      tags:
        env: production
      ingress:
        - cidr: 10.0.0.0/16
          port: 443
  - id: web-1
    type: compute
    phase: compute
    depends_on: [vpc-main]
    properties:
      instance_type: m5.large
`))
	if err != nil {
		t.Fatalf("failed to load spec: %v", err)
	}
	return desired
}

func (h *testHarness) pushSpec(t *testing.T, desired *spec.DesiredStateSpec) {
	t.Helper()
	if err := h.orch.SaveSpec(context.Background(), desired); err != nil {
		t.Fatalf("SaveSpec failed: %v", err)
	}
}

func findPhase(t *testing.T, run *Run, phaseID string) PhaseOutcome {
	t.Helper()
	for _, p := range run.Phases {
		if p.PhaseID == phaseID {
			return p
		}
	}
	t.Fatalf("run has no phase %q", phaseID)
	return PhaseOutcome{}
}

func TestOrchestrator_Reconcile_CleanDeploy(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Fatalf("expected run to succeed, got %s", run.Status)
	}
	if run.SpecVersion != "v1" {
		t.Errorf("expected spec version v1, got %s", run.SpecVersion)
	}
	if h.executor.totalCalls() != 2 {
		t.Fatalf("expected 2 executor calls, got %d: %v", h.executor.totalCalls(), h.executor.calls)
	}
	// Network converges before its dependent compute resource.
	if h.executor.calls[0] != "vpc-main" || h.executor.calls[1] != "web-1" {
		t.Errorf("expected deploy order [vpc-main web-1], got %v", h.executor.calls)
	}

	for _, id := range []string{"vpc-main", "web-1"} {
		observed, err := drift.GetObserved(ctx, h.store, id)
		if err != nil {
			t.Fatalf("missing observed record for %s: %v", id, err)
		}
		if observed.Status != drift.StatusPresent {
			t.Errorf("resource %s: expected status present, got %s", id, observed.Status)
		}
	}
}

func TestOrchestrator_Reconcile_SecondPassIsNoOp(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	if _, err := h.orch.Reconcile(ctx, ""); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	before := h.executor.totalCalls()

	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Fatalf("expected run to succeed, got %s", run.Status)
	}
	if h.executor.totalCalls() != before {
		t.Errorf("second pass over converged state made %d executor calls",
			h.executor.totalCalls()-before)
	}
	for _, p := range run.Phases {
		if p.State != PhaseStateConverged {
			t.Errorf("phase %s: expected converged, got %s", p.PhaseID, p.State)
		}
	}
}

func TestOrchestrator_Reconcile_AutoHealsLowSeverityDrift(t *testing.T) {
	h := newTestHarness(t)
	desired := testDesiredSpec(t)
	h.pushSpec(t, desired)
	ctx := context.Background()

	if _, err := h.orch.Reconcile(ctx, ""); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	// A tag drifts in the live environment.
	h.live.set("vpc-main", map[string]any{
		"cidr": "10.0.0.0/16",
		"tags": map[string]any{"env": "staging"},
		"ingress": []any{
			map[string]any{"cidr": "10.0.0.0/16", "port": 443},
		},
	})
	h.live.set("web-1", map[string]any{"instance_type": "m5.large"})

	scan, err := h.orch.ScanDrift(ctx, "")
	if err != nil {
		t.Fatalf("ScanDrift failed: %v", err)
	}
	if len(scan.Events) != 1 {
		t.Fatalf("expected 1 drift event, got %d", len(scan.Events))
	}
	if scan.Events[0].RecommendedAction != drift.ActionAutoHeal {
		t.Fatalf("expected auto-heal recommendation, got %s", scan.Events[0].RecommendedAction)
	}

	before := h.executor.callCount("vpc-main")
	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("remediation pass failed: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Fatalf("expected run to succeed, got %s", run.Status)
	}
	if got := h.executor.callCount("vpc-main"); got != before+1 {
		t.Errorf("expected one remediation call for vpc-main, got %d", got-before)
	}

	event, err := h.orch.events.Get(ctx, "vpc-main")
	if err != nil {
		t.Fatalf("failed to read drift event: %v", err)
	}
	if event.Status != drift.EventHealed {
		t.Errorf("expected drift event HEALED, got %s", event.Status)
	}
}

func TestOrchestrator_Reconcile_EscalatesCriticalDrift(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	if _, err := h.orch.Reconcile(ctx, ""); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	// An ingress rule is opened to the world out of band.
	h.live.set("vpc-main", map[string]any{
		"cidr": "10.0.0.0/16",
		"tags": map[string]any{"env": "production"},
		"ingress": []any{
			map[string]any{"cidr": "0.0.0.0/0", "port": 443},
		},
	})
	h.live.set("web-1", map[string]any{"instance_type": "m5.large"})

	scan, err := h.orch.ScanDrift(ctx, "")
	if err != nil {
		t.Fatalf("ScanDrift failed: %v", err)
	}
	if len(scan.Events) != 1 || scan.Events[0].Severity != drift.SeverityCritical {
		t.Fatalf("expected one critical event, got %+v", scan.Events)
	}

	before := h.executor.callCount("vpc-main")
	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	// The executor never touches an escalated resource.
	if got := h.executor.callCount("vpc-main"); got != before {
		t.Errorf("executor called %d times for escalated resource", got-before)
	}
	outcome := findPhase(t, run, "network")
	if outcome.State != PhaseStateEscalated {
		t.Errorf("expected network phase escalated, got %s (%s)", outcome.State, outcome.Reason)
	}

	event, err := h.orch.events.Get(ctx, "vpc-main")
	if err != nil {
		t.Fatalf("failed to read drift event: %v", err)
	}
	if event.Status != drift.EventEscalated {
		t.Fatalf("expected drift event ESCALATED, got %s", event.Status)
	}

	// The event stays escalated across passes until an operator decides.
	if _, err := h.orch.Reconcile(ctx, ""); err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	event, _ = h.orch.events.Get(ctx, "vpc-main")
	if event.Status != drift.EventEscalated {
		t.Fatalf("expected event to remain ESCALATED, got %s", event.Status)
	}

	acked, err := h.orch.AcknowledgeDrift(ctx, "vpc-main", drift.EventDismissed, "intentional change")
	if err != nil {
		t.Fatalf("AcknowledgeDrift failed: %v", err)
	}
	if acked.Status != drift.EventDismissed {
		t.Errorf("expected DISMISSED after acknowledgement, got %s", acked.Status)
	}
}

func TestOrchestrator_Reconcile_SkipsBusyPhase(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	other := locks.NewManager(h.store, "other-runner", zerolog.Nop())
	lease, err := other.Acquire(ctx, "phase:network", 30*time.Second)
	if err != nil {
		t.Fatalf("failed to pre-acquire lock: %v", err)
	}
	defer func() { _ = other.Release(ctx, lease) }()

	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	outcome := findPhase(t, run, "network")
	if outcome.State != PhaseStateSkipped {
		t.Fatalf("expected network phase skipped, got %s", outcome.State)
	}
	if outcome.Reason != "LockBusy" {
		t.Errorf("expected reason LockBusy, got %q", outcome.Reason)
	}
	if h.executor.callCount("vpc-main") != 0 {
		t.Errorf("executor touched a resource in a locked phase")
	}
}

func TestOrchestrator_Reconcile_RetriesTransientFailure(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	h.executor.fail["web-1"] = []error{
		NewTransientError("api timeout", errors.New("i/o timeout")),
	}

	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Fatalf("expected run to succeed after retry, got %s", run.Status)
	}
	if got := h.executor.callCount("web-1"); got != 2 {
		t.Errorf("expected 2 attempts for web-1, got %d", got)
	}
	outcome := findPhase(t, run, "compute")
	if outcome.Attempts != 2 {
		t.Errorf("expected phase outcome to record 2 attempts, got %d", outcome.Attempts)
	}
}

func TestOrchestrator_Reconcile_PermanentFailureFailsDependents(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	h.executor.fail["vpc-main"] = []error{
		NewPermanentError("invalid configuration", nil),
	}

	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if run.Status != RunStatusFailed {
		t.Fatalf("expected run to fail, got %s", run.Status)
	}
	if findPhase(t, run, "network").State != PhaseStateFailed {
		t.Errorf("expected network phase failed")
	}
	compute := findPhase(t, run, "compute")
	if compute.State != PhaseStateFailed {
		t.Errorf("expected compute phase failed, got %s", compute.State)
	}
	// The dependent never starts, so its executor is never invoked.
	if h.executor.callCount("web-1") != 0 {
		t.Errorf("dependent resource executed despite failed dependency")
	}
	// Permanent errors do not retry.
	if got := h.executor.callCount("vpc-main"); got != 1 {
		t.Errorf("expected 1 attempt for permanent failure, got %d", got)
	}
}

func TestOrchestrator_Reconcile_OpenBreakerBlocksRemediation(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	if _, err := h.orch.Reconcile(ctx, ""); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	// Trip the breaker with consecutive remediation failures.
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		if err := h.breaker.Allow(ctx); err != nil {
			t.Fatalf("Allow failed while tripping breaker: %v", err)
		}
		if err := h.breaker.OnFailure(ctx); err != nil {
			t.Fatalf("OnFailure failed while tripping breaker: %v", err)
		}
	}
	snap, err := h.breaker.Snapshot(ctx)
	if err != nil || snap.Status != breaker.StatusOpen {
		t.Fatalf("expected open breaker, got %+v (err %v)", snap, err)
	}

	// Auto-healable drift appears while the breaker is open.
	h.live.set("vpc-main", map[string]any{
		"cidr": "10.0.0.0/16",
		"tags": map[string]any{"env": "staging"},
		"ingress": []any{
			map[string]any{"cidr": "10.0.0.0/16", "port": 443},
		},
	})
	h.live.set("web-1", map[string]any{"instance_type": "m5.large"})
	if _, err := h.orch.ScanDrift(ctx, ""); err != nil {
		t.Fatalf("ScanDrift failed: %v", err)
	}

	before := h.executor.callCount("vpc-main")
	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if got := h.executor.callCount("vpc-main"); got != before {
		t.Errorf("executor called while breaker open")
	}
	outcome := findPhase(t, run, "network")
	if outcome.State != PhaseStateEscalated {
		t.Errorf("expected escalation while breaker open, got %s (%s)", outcome.State, outcome.Reason)
	}
	event, _ := h.orch.events.Get(ctx, "vpc-main")
	if event.Status != drift.EventEscalated {
		t.Errorf("expected drift event ESCALATED, got %s", event.Status)
	}
}

func TestOrchestrator_Reconcile_UnknownSpecVersion(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.orch.Reconcile(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown spec version")
	}
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestOrchestrator_TriggerReconciliation_PersistsRun(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	runID, err := h.orch.TriggerReconciliation(ctx, "")
	if err != nil {
		t.Fatalf("TriggerReconciliation failed: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a run ID")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := h.orch.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Status == RunStatusSucceeded {
			break
		}
		if run.Status == RunStatusFailed {
			t.Fatalf("async run failed: %s", run.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("async run did not finish, status %s", run.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if h.executor.totalCalls() != 2 {
		t.Errorf("expected 2 executor calls, got %d", h.executor.totalCalls())
	}
}

func TestOrchestrator_GetStatus_IncludesOpenDrift(t *testing.T) {
	h := newTestHarness(t)
	h.pushSpec(t, testDesiredSpec(t))
	ctx := context.Background()

	run, err := h.orch.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	h.live.set("vpc-main", map[string]any{
		"cidr": "10.0.0.0/16",
		"tags": map[string]any{"env": "production"},
		"ingress": []any{
			map[string]any{"cidr": "0.0.0.0/0", "port": 443},
		},
	})
	h.live.set("web-1", map[string]any{"instance_type": "m5.large"})
	if _, err := h.orch.ScanDrift(ctx, ""); err != nil {
		t.Fatalf("ScanDrift failed: %v", err)
	}

	status, err := h.orch.GetStatus(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Run.ID != run.ID {
		t.Errorf("expected run %s, got %s", run.ID, status.Run.ID)
	}
	if len(status.DriftEvents) != 1 || status.DriftEvents[0].ResourceID != "vpc-main" {
		t.Errorf("expected one open drift event for vpc-main, got %+v", status.DriftEvents)
	}
}
