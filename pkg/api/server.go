// Package api exposes the reconciliation control plane over HTTP:
// spec pushes, run triggers, drift queries, and operator acknowledgements.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/engine"
	"github.com/statekeeper/statekeeper/pkg/statestore"
	"github.com/statekeeper/statekeeper/pkg/telemetry"
)

// Config for the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// ReadTimeout and WriteTimeout bound request handling.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server serves the control-plane API.
type Server struct {
	orch    *engine.Orchestrator
	store   statestore.Store
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	config  Config

	httpServer *http.Server
}

// NewServer creates the API server. metrics may be nil when the metrics
// endpoint is disabled.
func NewServer(orch *engine.Orchestrator, store statestore.Store, metrics *telemetry.Metrics, logger zerolog.Logger, config Config) *Server {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	return &Server{
		orch:    orch,
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "api").Logger(),
		config:  config,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/specs", s.handlePushSpec)
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/drift/scan", s.handleScanDrift)
		r.Get("/drift", s.handleListDrift)
		r.Post("/drift/{resourceID}/ack", s.handleAckDrift)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("API server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// errorBody is the error envelope returned for every failed request.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var re *engine.ReconcileError
	if errors.As(err, &re) {
		switch re.Code {
		case engine.ErrCodeNotFound:
			writeError(w, http.StatusNotFound, "not_found", re.Message)
			return
		case engine.ErrCodeValidation, engine.ErrCodeDependencyCycle:
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	switch {
	case errors.Is(err, statestore.ErrNotFound), errors.Is(err, drift.ErrNoEvent):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, drift.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, statestore.ErrVersionConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
