package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/statekeeper/statekeeper/pkg/engine"
	"github.com/statekeeper/statekeeper/pkg/spec"
)

func newReconcileCommand() *cobra.Command {
	var (
		specVersion string
		watchDir    string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation pass",
		Long: `Run one reconciliation pass against the latest (or a named) spec
version.

Phases execute in dependency order. Phases locked by another runner are
skipped; resources with escalated drift are left for an operator.`,
		Example: `  # Reconcile against the latest spec
  statekeeper reconcile

  # Reconcile a specific spec version
  statekeeper reconcile --spec-version v42

  # Watch a directory and reconcile on every spec change
  statekeeper reconcile --watch ./specs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close(cmd.Context())

			if watchDir != "" {
				return watchAndReconcile(cmd, application, watchDir)
			}

			run, err := application.Orch.Reconcile(cmd.Context(), specVersion)
			if err != nil {
				return err
			}
			return printRun(run)
		},
	}

	cmd.Flags().StringVar(&specVersion, "spec-version", "", "spec version to reconcile (default: latest)")
	cmd.Flags().StringVar(&watchDir, "watch", "", "watch a spec directory and reconcile on change")

	return cmd
}

// watchAndReconcile pushes every spec change in dir and reconciles it,
// until the context is cancelled.
func watchAndReconcile(cmd *cobra.Command, application *app, dir string) error {
	watcher, err := spec.NewWatcher(dir, application.Logger)
	if err != nil {
		return err
	}

	go func() {
		if werr := watcher.Run(cmd.Context()); werr != nil {
			application.Logger.Error().Err(werr).Msg("Spec watcher stopped")
		}
	}()

	application.Logger.Info().Str("dir", dir).Msg("Watching for spec changes")

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case desired, ok := <-watcher.Specs():
			if !ok {
				return nil
			}
			if err := application.Orch.SaveSpec(cmd.Context(), desired); err != nil {
				application.Logger.Error().Err(err).Str("version", desired.Version).Msg("Failed to store spec")
				continue
			}
			run, err := application.Orch.Reconcile(cmd.Context(), desired.Version)
			if err != nil {
				application.Logger.Error().Err(err).Str("version", desired.Version).Msg("Reconciliation failed")
				continue
			}
			if perr := printRun(run); perr != nil {
				return perr
			}
		}
	}
}

func printRun(run *engine.Run) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(run)
	}

	fmt.Printf("Run %s: %s (spec %s)\n", run.ID, run.Status, run.SpecVersion)
	for _, phase := range run.Phases {
		line := fmt.Sprintf("  %-20s %s", phase.PhaseID, phase.State)
		if phase.Reason != "" {
			line += " (" + phase.Reason + ")"
		}
		if phase.Attempts > 1 {
			line += fmt.Sprintf(" [%d attempts]", phase.Attempts)
		}
		fmt.Println(line)
	}
	return nil
}
