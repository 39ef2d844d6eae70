// Package breaker implements a circuit breaker for remediation
// backpressure. The breaker state lives in the state store under a single
// key, so every runner sharing the store shares the breaker: transitions
// are optimistic compare-and-swap updates, retried on conflict.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/statekeeper/statekeeper/pkg/statestore"
	"github.com/statekeeper/statekeeper/pkg/telemetry"
)

// Status is the breaker's position.
type Status string

const (
	// StatusClosed means remediation flows normally.
	StatusClosed Status = "closed"

	// StatusOpen means remediation is rejected until the cooldown elapses.
	StatusOpen Status = "open"

	// StatusHalfOpen means a single trial attempt is admitted to probe
	// whether the downstream has recovered.
	StatusHalfOpen Status = "half_open"
)

var (
	// ErrOpen is returned by Allow while the circuit is open, or while a
	// half-open trial is already in flight.
	ErrOpen = errors.New("circuit open")

	// ErrConcurrencyLimit is returned by Allow when the in-flight ceiling
	// is reached, regardless of circuit status.
	ErrConcurrencyLimit = errors.New("remediation concurrency limit reached")
)

// State is the persisted breaker state.
type State struct {
	Status              Status        `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	WindowStart         time.Time     `json:"window_start"`
	InFlight            int           `json:"in_flight"`
	Cooldown            time.Duration `json:"cooldown"`
	ReopenAt            time.Time     `json:"reopen_at,omitempty"`
	TrialInFlight       bool          `json:"trial_in_flight"`
}

// Config holds breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures within the
	// window that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// Window is the sliding window for counting consecutive failures.
	Window time.Duration `yaml:"window"`

	// InitialCooldown is how long the circuit stays open after tripping.
	InitialCooldown time.Duration `yaml:"initial_cooldown"`

	// MaxCooldown caps the doubling applied on failed half-open trials.
	MaxCooldown time.Duration `yaml:"max_cooldown"`

	// MaxConcurrency is the ceiling on in-flight remediations.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		InitialCooldown:  30 * time.Second,
		MaxCooldown:      10 * time.Minute,
		MaxConcurrency:   8,
	}
}

// maxCASAttempts bounds the optimistic update loop under contention.
const maxCASAttempts = 8

// Breaker is a store-backed circuit breaker shared across runners.
type Breaker struct {
	store   statestore.Store
	config  Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	// now is the clock, overridable in tests.
	now func() time.Time
}

// New creates a breaker over the given store.
func New(store statestore.Store, config Config, logger zerolog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.InitialCooldown <= 0 {
		config.InitialCooldown = DefaultConfig().InitialCooldown
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = DefaultConfig().MaxCooldown
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	metrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{})
	return &Breaker{
		store:   store,
		config:  config,
		logger:  logger.With().Str("component", "breaker").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// WithMetrics attaches a metrics registry, replacing the default no-op one.
func (b *Breaker) WithMetrics(metrics *telemetry.Metrics) *Breaker {
	if metrics != nil {
		b.metrics = metrics
	}
	return b
}

// SetClock overrides the breaker clock. Test use only.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

// Allow requests admission for one remediation attempt. On success the
// in-flight count is incremented and the caller must later report the
// outcome with OnSuccess or OnFailure exactly once.
func (b *Breaker) Allow(ctx context.Context) error {
	return b.update(ctx, func(s *State, now time.Time) error {
		// The concurrency ceiling applies in every status, including the
		// half-open trial.
		if s.InFlight >= b.config.MaxConcurrency {
			return ErrConcurrencyLimit
		}

		switch s.Status {
		case StatusOpen:
			if now.Before(s.ReopenAt) {
				return ErrOpen
			}
			// Cooldown elapsed: admit a single trial.
			s.Status = StatusHalfOpen
			s.TrialInFlight = true
		case StatusHalfOpen:
			if s.TrialInFlight {
				return ErrOpen
			}
			s.TrialInFlight = true
		}

		s.InFlight++
		return nil
	})
}

// OnSuccess reports a successful remediation. A successful half-open trial
// closes the circuit and resets the cooldown.
func (b *Breaker) OnSuccess(ctx context.Context) error {
	return b.update(ctx, func(s *State, now time.Time) error {
		if s.InFlight > 0 {
			s.InFlight--
		}
		switch s.Status {
		case StatusHalfOpen:
			b.logger.Info().Msg("Circuit closed after successful trial")
			s.Status = StatusClosed
			s.TrialInFlight = false
			s.Cooldown = b.config.InitialCooldown
			s.ConsecutiveFailures = 0
			s.WindowStart = now
		case StatusClosed:
			s.ConsecutiveFailures = 0
			s.WindowStart = now
		}
		return nil
	})
}

// OnFailure reports a failed remediation. A failed half-open trial reopens
// the circuit with a doubled cooldown; enough consecutive failures within
// the window trip a closed circuit.
func (b *Breaker) OnFailure(ctx context.Context) error {
	return b.update(ctx, func(s *State, now time.Time) error {
		if s.InFlight > 0 {
			s.InFlight--
		}
		switch s.Status {
		case StatusHalfOpen:
			cooldown := s.Cooldown * 2
			if cooldown > b.config.MaxCooldown {
				cooldown = b.config.MaxCooldown
			}
			s.Status = StatusOpen
			s.TrialInFlight = false
			s.Cooldown = cooldown
			s.ReopenAt = now.Add(cooldown)
			b.logger.Warn().Dur("cooldown", cooldown).Msg("Trial failed, circuit reopened")
		case StatusClosed:
			if now.Sub(s.WindowStart) > b.config.Window {
				s.WindowStart = now
				s.ConsecutiveFailures = 1
			} else {
				s.ConsecutiveFailures++
			}
			if s.ConsecutiveFailures >= b.config.FailureThreshold {
				s.Status = StatusOpen
				s.ReopenAt = now.Add(s.Cooldown)
				b.logger.Warn().
					Int("consecutive_failures", s.ConsecutiveFailures).
					Dur("cooldown", s.Cooldown).
					Msg("Failure threshold reached, circuit opened")
			}
		}
		return nil
	})
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot(ctx context.Context) (*State, error) {
	rec, err := b.store.Get(ctx, statestore.CircuitKey)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			s := b.initialState()
			return &s, nil
		}
		return nil, fmt.Errorf("failed to read breaker state: %w", err)
	}

	var s State
	if err := json.Unmarshal(rec.Value, &s); err != nil {
		return nil, fmt.Errorf("failed to decode breaker state: %w", err)
	}
	return &s, nil
}

func (b *Breaker) initialState() State {
	return State{
		Status:      StatusClosed,
		Cooldown:    b.config.InitialCooldown,
		WindowStart: b.now(),
	}
}

// gaugeValue maps a status onto the breaker state gauge: closed 0,
// half-open 1, open 2.
func gaugeValue(s Status) float64 {
	switch s {
	case StatusOpen:
		return 2
	case StatusHalfOpen:
		return 1
	default:
		return 0
	}
}

// update applies fn to the shared state under compare-and-swap, retrying
// on conflict. Errors returned by fn abort the update and surface as-is.
func (b *Breaker) update(ctx context.Context, fn func(s *State, now time.Time) error) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := b.store.Get(ctx, statestore.CircuitKey)
		if errors.Is(err, statestore.ErrNotFound) {
			initial := b.initialState()
			payload, merr := json.Marshal(initial)
			if merr != nil {
				return fmt.Errorf("failed to marshal breaker state: %w", merr)
			}
			rec, err = b.store.ConditionalCreate(ctx, statestore.CircuitKey, payload, 0)
			if errors.Is(err, statestore.ErrAlreadyExists) {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("failed to read breaker state: %w", err)
		}

		var s State
		if err := json.Unmarshal(rec.Value, &s); err != nil {
			return fmt.Errorf("failed to decode breaker state: %w", err)
		}

		if err := fn(&s, b.now()); err != nil {
			return err
		}

		payload, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("failed to marshal breaker state: %w", err)
		}

		_, err = b.store.Put(ctx, statestore.CircuitKey, payload, rec.Version)
		if err == nil {
			b.metrics.SetBreakerState(gaugeValue(s.Status))
			return nil
		}
		if !errors.Is(err, statestore.ErrVersionConflict) && !errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("failed to write breaker state: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return fmt.Errorf("breaker state update exceeded %d attempts", maxCASAttempts)
}
