package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/statekeeper/statekeeper/pkg/api"
	"github.com/statekeeper/statekeeper/pkg/drift"
	"github.com/statekeeper/statekeeper/pkg/locks"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane server",
		Long: `Run the HTTP control plane: spec pushes, reconciliation triggers,
drift queries, operator acknowledgements, health, and metrics.

When drift.scan_interval is configured, a background loop scans for
drift on that cadence. The loop takes a lease on the scan so that only
one replica scans per tick.`,
		Example: `  # Serve on the configured address
  statekeeper serve

  # Override the listen address
  statekeeper serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close(cmd.Context())

			cfg := application.Config.API
			if addr != "" {
				cfg.Addr = addr
			}

			if interval := application.Config.Drift.ScanInterval; interval > 0 {
				go runScanLoop(cmd, application, interval)
			}

			server := api.NewServer(application.Orch, application.Store, application.Metrics, application.Logger, cfg)
			return server.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	return cmd
}

// runScanLoop scans for drift on a fixed cadence until the command
// context is cancelled. Scan failures are logged and the loop carries on.
func runScanLoop(cmd *cobra.Command, application *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	application.Logger.Info().Dur("interval", interval).Msg("Periodic drift scanning enabled")

	for {
		select {
		case <-cmd.Context().Done():
			return
		case <-ticker.C:
			scanOnce(cmd.Context(), application)
		}
	}
}

// scanOnce runs one drift scan under a lease, so replicas sharing the
// store do not scan concurrently. The lease is kept alive for the
// duration of the scan.
func scanOnce(ctx context.Context, application *app) {
	lease, err := application.Locks.Acquire(ctx, "drift-scan", application.Config.Orchestrator.LockTTL)
	if err != nil {
		if errors.Is(err, locks.ErrBusy) {
			application.Logger.Debug().Msg("Drift scan lease held by another replica, skipping tick")
		} else {
			application.Logger.Error().Err(err).Msg("Failed to acquire drift scan lease")
		}
		return
	}

	keepCtx, cancel := context.WithCancel(ctx)
	keepDone := make(chan struct{})
	go func() {
		defer close(keepDone)
		_ = application.Locks.KeepAlive(keepCtx, lease)
	}()
	defer func() {
		cancel()
		<-keepDone
		if err := application.Locks.Release(context.Background(), lease); err != nil && !errors.Is(err, locks.ErrNotHeld) {
			application.Logger.Warn().Err(err).Msg("Failed to release drift scan lease")
		}
	}()

	result, err := application.Orch.ScanDrift(ctx, "")
	if err != nil {
		application.Logger.Error().Err(err).Msg("Periodic drift scan failed")
		return
	}
	if len(result.Events) == 0 {
		return
	}

	// Severe drift gets a louder log line than routine tag churn.
	level := zerolog.InfoLevel
	for _, e := range result.Events {
		if e.Severity.AtLeast(drift.SeverityHigh) {
			level = zerolog.WarnLevel
			break
		}
	}
	application.Logger.WithLevel(level).
		Int("drifted", len(result.Events)).
		Int("scanned", result.Scanned).
		Msg("Drift detected")
}
