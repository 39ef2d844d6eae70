package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/spec"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pushSpecResponse struct {
	Version     string `json:"version"`
	ContentHash string `json:"content_hash"`
	Resources   int    `json:"resources"`
}

// handlePushSpec accepts a desired-state document (YAML or JSON) and
// stores it as a new immutable version.
func (s *Server) handlePushSpec(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "body required")
		return
	}

	desired, err := spec.NewLoader().Load(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_spec", err.Error())
		return
	}

	if err := s.orch.SaveSpec(r.Context(), desired); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, pushSpecResponse{
		Version:     desired.Version,
		ContentHash: desired.ContentHash,
		Resources:   len(desired.Resources),
	})
}

type reconcileRequest struct {
	SpecVersion string `json:"spec_version"`
}

type reconcileResponse struct {
	RunID string `json:"run_id"`
}

// handleReconcile triggers an asynchronous reconciliation pass.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}

	runID, err := s.orch.TriggerReconciliation(r.Context(), req.SpecVersion)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, reconcileResponse{RunID: runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	status, err := s.orch.GetStatus(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleScanDrift(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.ScanDrift(r.Context(), r.URL.Query().Get("spec_version"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListDrift(w http.ResponseWriter, r *http.Request) {
	events, err := s.orch.ListOpenDrift(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []*drift.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type ackDriftRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

// handleAckDrift records an operator decision on an escalated or open
// drift event.
func (s *Server) handleAckDrift(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")

	var req ackDriftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Decision == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "decision is required")
		return
	}

	event, err := s.orch.AcknowledgeDrift(r.Context(), resourceID, drift.EventStatus(req.Decision), req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}
