package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/statekeeper/statekeeper/pkg/engine"
	"github.com/statekeeper/statekeeper/pkg/spec"
)

func newSpecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Desired-state spec management",
		Long: `Validate and push desired-state specs.

A spec is an immutable, versioned snapshot of what should exist. Pushing
a spec makes it the latest version; reconciliation and drift scans run
against the latest version unless told otherwise.`,
	}

	cmd.AddCommand(newSpecValidateCommand())
	cmd.AddCommand(newSpecPushCommand())
	cmd.AddCommand(newSpecGraphCommand())

	return cmd
}

func newSpecValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a desired-state spec",
		Long: `Validate a spec file without storing it.

Checks required fields, duplicate resource IDs, and dangling dependency
references.`,
		Example: `  # Validate a spec file
  statekeeper spec validate infra.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired, err := spec.NewLoader().LoadFile(args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"valid":        true,
					"version":      desired.Version,
					"content_hash": desired.ContentHash,
					"resources":    len(desired.Resources),
				})
			}

			fmt.Printf("Spec is valid: version=%s resources=%d hash=%s\n",
				desired.Version, len(desired.Resources), desired.ContentHash[:12])
			return nil
		},
	}

	return cmd
}

func newSpecGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <file>",
		Short: "Render a spec's phase graph as DOT",
		Long: `Build the phase dependency graph of a spec and print it in
Graphviz DOT format.`,
		Example: `  # Render the phase graph to SVG
  statekeeper spec graph infra.yaml | dot -Tsvg -o graph.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired, err := spec.NewLoader().LoadFile(args[0])
			if err != nil {
				return err
			}

			phases, err := spec.BuildPhases(desired)
			if err != nil {
				return err
			}

			builder := engine.NewDAGBuilder()
			if _, err := builder.BuildGraph(phases); err != nil {
				return err
			}

			fmt.Print(builder.ToDOT())
			return nil
		},
	}

	return cmd
}

func newSpecPushCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Push a desired-state spec",
		Long: `Validate a spec file and store it as the latest version.

Pushing the same content twice is a no-op; pushing different content
under an existing version is rejected.`,
		Example: `  # Push a spec and make it the latest version
  statekeeper spec push infra.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired, err := spec.NewLoader().LoadFile(args[0])
			if err != nil {
				return err
			}

			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close(cmd.Context())

			if err := application.Orch.SaveSpec(cmd.Context(), desired); err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"version":      desired.Version,
					"content_hash": desired.ContentHash,
					"resources":    len(desired.Resources),
				})
			}

			fmt.Printf("Pushed spec version=%s resources=%d\n", desired.Version, len(desired.Resources))
			return nil
		},
	}

	return cmd
}
