// Package config loads the statekeeper runtime configuration from YAML.
// Every section has working defaults; an empty file yields a usable
// in-memory development setup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/statekeeper/statekeeper/pkg/api"
	"github.com/statekeeper/statekeeper/pkg/breaker"
	"github.com/statekeeper/statekeeper/pkg/engine"
	"github.com/statekeeper/statekeeper/pkg/telemetry"
)

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	// Type is "memory" or "sqlite".
	Type string `yaml:"type" validate:"oneof=memory sqlite"`

	// Path is the SQLite database file. Ignored for the memory backend.
	Path string `yaml:"path"`
}

// DriftConfig configures drift detection.
type DriftConfig struct {
	// PolicyPath points at a YAML severity-rule policy. Empty uses the
	// built-in rules.
	PolicyPath string `yaml:"policy_path"`

	// RegoPath points at a Rego classification module. When set it takes
	// precedence over the rule table, which remains the fallback for
	// resources the module stays silent on.
	RegoPath string `yaml:"rego_path"`

	// ScanInterval is the periodic scan cadence for serve mode. Zero
	// disables periodic scanning.
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// LocksConfig configures the distributed lock manager.
type LocksConfig struct {
	// HolderID identifies this process in lock records. Empty generates
	// a random identity per start.
	HolderID string `yaml:"holder_id"`
}

// Config is the full runtime configuration.
type Config struct {
	Store        StoreConfig               `yaml:"store"`
	Locks        LocksConfig               `yaml:"locks"`
	Breaker      breaker.Config            `yaml:"breaker"`
	Orchestrator engine.OrchestratorConfig `yaml:"orchestrator"`
	Drift        DriftConfig               `yaml:"drift"`
	API          api.Config                `yaml:"api"`
	Telemetry    telemetry.Config          `yaml:"telemetry"`
}

// Default returns the development defaults: in-memory store, built-in
// drift rules, console logging.
func Default() Config {
	return Config{
		Store:        StoreConfig{Type: "memory"},
		Breaker:      breaker.DefaultConfig(),
		Orchestrator: engine.DefaultOrchestratorConfig(),
		API:          api.DefaultConfig(),
		Telemetry:    *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML config file, applies defaults, and validates it.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("invalid config: store.path is required for the sqlite backend")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
