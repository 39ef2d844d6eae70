package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/breaker"
	"github.com/statekeeper/statekeeper/pkg/config"
	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/engine"
	"github.com/statekeeper/statekeeper/pkg/locks"
	"github.com/statekeeper/statekeeper/pkg/provider"
	"github.com/statekeeper/statekeeper/pkg/statestore"
	"github.com/statekeeper/statekeeper/pkg/telemetry"
)

// app is the fully wired control plane shared by all subcommands.
type app struct {
	Config   config.Config
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Store    statestore.Store
	Locks    *locks.Manager
	Provider *provider.Local
	Detector *drift.Detector
	Orch     *engine.Orchestrator
}

// newApp builds the application from the config file named by the global
// --config flag. The caller must Close it.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, err
	}

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	classifier, err := buildClassifier(ctx, cfg.Drift)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	local := provider.NewLocal(store, logger)
	detector := drift.NewDetector(store, local, classifier, logger)
	lockMgr := locks.NewManager(store, cfg.Locks.HolderID, logger)
	orch := engine.NewOrchestrator(
		store,
		lockMgr,
		breaker.New(store, cfg.Breaker, logger).WithMetrics(metrics),
		detector,
		local,
		metrics,
		tracer,
		logger,
		cfg.Orchestrator,
	)

	return &app{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Store:    store,
		Locks:    lockMgr,
		Provider: local,
		Detector: detector,
		Orch:     orch,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close(ctx context.Context) {
	if a.Tracer != nil {
		if err := a.Tracer.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to shut down tracer")
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close state store")
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (statestore.Store, error) {
	var store statestore.Store
	switch cfg.Type {
	case "sqlite":
		s, err := statestore.NewSQLiteStore(statestore.SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		store = s
	case "memory", "":
		store = statestore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	return store, nil
}

// buildClassifier assembles the drift classifier: the rule table (built-in
// or from a policy file), optionally fronted by a Rego module.
func buildClassifier(ctx context.Context, cfg config.DriftConfig) (drift.Classifier, error) {
	policy := drift.DefaultPolicy()
	if cfg.PolicyPath != "" {
		loaded, err := drift.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}

	rules, err := drift.NewRuleClassifier(policy)
	if err != nil {
		return nil, err
	}

	if cfg.RegoPath != "" {
		return drift.NewRegoClassifierFromFile(ctx, cfg.RegoPath, rules)
	}
	return rules, nil
}
