package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("expected memory store default, got %s", cfg.Store.Type)
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		t.Error("expected breaker defaults to be populated")
	}
	if cfg.API.Addr == "" {
		t.Error("expected API listen address default")
	}
	if cfg.Telemetry.ServiceName != "statekeeper" {
		t.Errorf("expected telemetry defaults to be populated, got service name %q", cfg.Telemetry.ServiceName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  type: sqlite
  path: /var/lib/statekeeper/state.db
breaker:
  failure_threshold: 10
orchestrator:
  max_parallel: 8
  lock_ttl: 45s
drift:
  scan_interval: 5m
  policy_path: /etc/statekeeper/policy.yaml
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Store.Type != "sqlite" || cfg.Store.Path != "/var/lib/statekeeper/state.db" {
		t.Errorf("store not overridden: %+v", cfg.Store)
	}
	if cfg.Breaker.FailureThreshold != 10 {
		t.Errorf("expected failure_threshold 10, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Orchestrator.MaxParallel != 8 {
		t.Errorf("expected max_parallel 8, got %d", cfg.Orchestrator.MaxParallel)
	}
	if cfg.Orchestrator.LockTTL != 45*time.Second {
		t.Errorf("expected lock_ttl 45s, got %s", cfg.Orchestrator.LockTTL)
	}
	if cfg.Drift.ScanInterval != 5*time.Minute {
		t.Errorf("expected scan_interval 5m, got %s", cfg.Drift.ScanInterval)
	}
	// Untouched sections keep their defaults.
	if cfg.API.Addr == "" {
		t.Error("expected API defaults to survive a partial override")
	}
}

func TestParse_RejectsUnknownStoreType(t *testing.T) {
	if _, err := Parse([]byte("store:\n  type: etcd\n")); err == nil {
		t.Fatal("expected error for unknown store type")
	}
}

func TestParse_SQLiteRequiresPath(t *testing.T) {
	if _, err := Parse([]byte("store:\n  type: sqlite\n")); err == nil {
		t.Fatal("expected error for sqlite store without a path")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("locks:\n  holder_id: runner-7\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Locks.HolderID != "runner-7" {
		t.Errorf("expected holder_id runner-7, got %s", cfg.Locks.HolderID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
