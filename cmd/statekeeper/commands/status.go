package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a reconciliation run",
		Long: `Show a run's phase outcomes plus the drift events currently awaiting
resolution.`,
		Example: `  # Inspect a run
  statekeeper status 4ff1c9a2-0b8e-4a47-a1de-7a3f86f9f3f2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close(cmd.Context())

			status, err := application.Orch.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(status)
			}

			if err := printRun(status.Run); err != nil {
				return err
			}
			if len(status.DriftEvents) > 0 {
				fmt.Println("Unresolved drift:")
				for _, event := range status.DriftEvents {
					printEvent(event)
				}
			}
			return nil
		},
	}

	return cmd
}
