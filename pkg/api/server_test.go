package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/breaker"
	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/engine"
	"github.com/statekeeper/statekeeper/pkg/locks"
	"github.com/statekeeper/statekeeper/pkg/spec"
	"github.com/statekeeper/statekeeper/pkg/statestore"
)

const specDocument = `
version: v1
resources:
  - id: vpc-main
    type: network
    phase: network
    properties:
      cidr: 10.0.0.0/16
      tags:
        env: production
  - id: web-1
    type: compute
    phase: compute
    depends_on: [vpc-main]
    properties:
      instance_type: m5.large
`

type stubLive struct {
	live map[string]map[string]any
}

func (s *stubLive) Describe(_ context.Context, resourceID, _ string) (map[string]any, error) {
	props, ok := s.live[resourceID]
	if !ok {
		return nil, drift.ErrResourceNotFound
	}
	return props, nil
}

// echoExecutor reports every resource as converged onto its declared
// properties.
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, resource spec.ResourceDeclaration) (*engine.ExecutionResult, error) {
	return &engine.ExecutionResult{ResourceID: resource.ID, Properties: resource.Properties}, nil
}

func newTestServer(t *testing.T) (*Server, *stubLive) {
	t.Helper()

	store := statestore.NewMemoryStore()
	logger := zerolog.Nop()
	live := &stubLive{live: make(map[string]map[string]any)}

	classifier, err := drift.NewRuleClassifier(drift.DefaultPolicy())
	if err != nil {
		t.Fatalf("failed to build classifier: %v", err)
	}
	detector := drift.NewDetector(store, live, classifier, logger)

	orch := engine.NewOrchestrator(
		store,
		locks.NewManager(store, "api-test", logger),
		breaker.New(store, breaker.DefaultConfig(), logger),
		detector,
		echoExecutor{},
		nil,
		nil,
		logger,
		engine.OrchestratorConfig{},
	)

	return NewServer(orch, store, nil, logger, Config{}), live
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_PushSpec(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/specs", []byte(specDocument))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp pushSpecResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Version != "v1" {
		t.Errorf("expected version v1, got %s", resp.Version)
	}
	if resp.Resources != 2 {
		t.Errorf("expected 2 resources, got %d", resp.Resources)
	}
	if resp.ContentHash == "" {
		t.Error("expected a content hash")
	}
}

func TestServer_PushSpec_Invalid(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/specs", []byte("resources: []"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty resource list, got %d", rec.Code)
	}

	rec = doRequest(t, srv.Router(), http.MethodPost, "/v1/specs", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
}

func TestServer_ReconcileAndGetRun(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	if rec := doRequest(t, router, http.MethodPost, "/v1/specs", []byte(specDocument)); rec.Code != http.StatusCreated {
		t.Fatalf("spec push failed: %d", rec.Code)
	}

	rec := doRequest(t, router, http.MethodPost, "/v1/reconcile", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var trigger reconcileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &trigger); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if trigger.RunID == "" {
		t.Fatal("expected a run ID")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doRequest(t, router, http.MethodGet, "/v1/runs/"+trigger.RunID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var status struct {
			Run struct {
				Status string `json:"status"`
			} `json:"run"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatalf("failed to decode run status: %v", err)
		}
		if status.Run.Status == string(engine.RunStatusSucceeded) {
			break
		}
		if status.Run.Status == string(engine.RunStatusFailed) {
			t.Fatalf("run failed: %s", rec.Body.String())
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish, last status %s", status.Run.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_GetRun_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/v1/runs/no-such-run", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_Reconcile_NoSpec(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/reconcile", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no spec is stored, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_DriftScanListAndAck(t *testing.T) {
	srv, live := newTestServer(t)
	router := srv.Router()

	if rec := doRequest(t, router, http.MethodPost, "/v1/specs", []byte(specDocument)); rec.Code != http.StatusCreated {
		t.Fatalf("spec push failed: %d", rec.Code)
	}

	// Live state diverges on a tag; the other resource matches.
	live.live["vpc-main"] = map[string]any{
		"cidr": "10.0.0.0/16",
		"tags": map[string]any{"env": "staging"},
	}
	live.live["web-1"] = map[string]any{"instance_type": "m5.large"}

	rec := doRequest(t, router, http.MethodPost, "/v1/drift/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for scan, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/drift", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for drift list, got %d", rec.Code)
	}
	var list struct {
		Events []drift.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode drift list: %v", err)
	}
	if len(list.Events) != 1 || list.Events[0].ResourceID != "vpc-main" {
		t.Fatalf("expected one open event for vpc-main, got %+v", list.Events)
	}

	ack, _ := json.Marshal(ackDriftRequest{Decision: string(drift.EventDismissed), Note: "known exception"})
	rec = doRequest(t, router, http.MethodPost, "/v1/drift/vpc-main/ack", ack)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ack, got %d: %s", rec.Code, rec.Body.String())
	}
	var event drift.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if event.Status != drift.EventDismissed {
		t.Errorf("expected DISMISSED, got %s", event.Status)
	}

	// Repeating the decision on a terminal event conflicts.
	rec = doRequest(t, router, http.MethodPost, "/v1/drift/vpc-main/ack", ack)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal event, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_AckDrift_Validation(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/v1/drift/vpc-main/ack", []byte(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing decision, got %d", rec.Code)
	}

	body, _ := json.Marshal(ackDriftRequest{Decision: "SHRUG"})
	rec = doRequest(t, router, http.MethodPost, "/v1/drift/vpc-main/ack", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown decision, got %d: %s", rec.Code, rec.Body.String())
	}
}
