package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/statekeeper/statekeeper/pkg/drift"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Drift detection and management",
		Long: `Detect and manage divergence between declared and live state.

Low-severity drift is healed automatically on the next reconciliation
pass. High-severity drift is escalated and waits for an operator
decision.`,
	}

	cmd.AddCommand(newDriftDetectCommand())
	cmd.AddCommand(newDriftListCommand())
	cmd.AddCommand(newDriftHealCommand())
	cmd.AddCommand(newDriftAckCommand())

	return cmd
}

func newDriftDetectCommand() *cobra.Command {
	var specVersion string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run a drift scan",
		Long: `Compare every declared resource against its live state and record
drift events.

Resources whose describer call fails are skipped for this cycle rather
than reported as drifted.`,
		Example: `  # Scan against the latest spec
  statekeeper drift detect

  # Scan a specific spec version
  statekeeper drift detect --spec-version v42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close(cmd.Context())

			result, err := application.Orch.ScanDrift(cmd.Context(), specVersion)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(result)
			}

			fmt.Printf("Scanned %d resources: %d converged, %d drifted, %d skipped\n",
				result.Scanned, result.Converged, len(result.Events), result.Skipped)
			for _, event := range result.Events {
				printEvent(event)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&specVersion, "spec-version", "", "spec version to scan against (default: latest)")

	return cmd
}

func newDriftListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved drift events",
		Example: `  # Show open and escalated drift
  statekeeper drift list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close(cmd.Context())

			events, err := application.Orch.ListOpenDrift(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}

			if len(events) == 0 {
				fmt.Println("No unresolved drift")
				return nil
			}
			for _, event := range events {
				printEvent(event)
			}
			return nil
		},
	}

	return cmd
}

func newDriftHealCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heal",
		Short: "Remediate auto-healable drift",
		Long: `Run a reconciliation pass over the latest spec, converging resources
with auto-healable drift back to their declarations.

Escalated drift is never touched; acknowledge it first.`,
		Example: `  # Heal everything the policy allows
  statekeeper drift heal`,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close(cmd.Context())

			run, err := application.Orch.HealOpenDrift(cmd.Context())
			if err != nil {
				return err
			}
			return printRun(run)
		},
	}

	return cmd
}

func newDriftAckCommand() *cobra.Command {
	var (
		decision string
		note     string
	)

	cmd := &cobra.Command{
		Use:   "ack <resource-id>",
		Short: "Acknowledge a drift event",
		Long: `Record an operator decision on a drift event.

Decisions:
  HEALED     the divergence was fixed out of band
  DISMISSED  the divergence is accepted as-is
  ESCALATED  mark for escalation explicitly`,
		Example: `  # Accept an intentional change
  statekeeper drift ack vpc-main --decision DISMISSED --note "approved change request 1482"

  # Record an out-of-band fix
  statekeeper drift ack web-1 --decision HEALED`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close(cmd.Context())

			event, err := application.Orch.AcknowledgeDrift(cmd.Context(), args[0], drift.EventStatus(decision), note)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(event)
			}

			fmt.Printf("Drift on %s acknowledged: %s\n", event.ResourceID, event.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&decision, "decision", "", "decision to record: HEALED, DISMISSED, or ESCALATED")
	cmd.Flags().StringVar(&note, "note", "", "free-form note recorded with the decision")
	_ = cmd.MarkFlagRequired("decision")

	return cmd
}

func printEvent(event *drift.Event) {
	fmt.Printf("  %-20s %-8s %-9s %-10s", event.ResourceID, event.Severity, event.RecommendedAction, event.Status)
	if event.Diff.ResourceMissing {
		fmt.Print("  resource missing")
	} else {
		fmt.Printf("  %d field(s)", len(event.Diff.Fields))
	}
	fmt.Println()
}
