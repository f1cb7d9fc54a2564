package commands

import (
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/identity"
)

func newEventsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "events STACK",
		Short: "Show a stack's event log",
		Long: `Show the append-only event log of a stack, oldest first.

Every stack and resource status transition is recorded with its reason, so
the log reconstructs what an operation did and where it stopped. Events
survive the stack's deletion.

STACK is a stack name, a stack ID or an identity string. A deleted stack is
no longer addressable by name; use its ID or identity string.`,
		Example: `  # Show the first 50 events
  stackpilot events web

  # Page through history
  stackpilot events web --limit 20 --offset 40`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Tombstoned stacks keep their event log but leave the live
			// set, so fall back to the raw reference as a stack ID.
			stackID := args[0]
			if stack, err := rt.orch.FindStack(tenant, args[0]); err == nil {
				stackID = stack.ID
			} else if id, derr := identity.Decode(args[0]); derr == nil {
				stackID = id.StackID
			}

			events, err := rt.orch.Events(ctx, stackID, limit, offset)
			if err != nil {
				return err
			}
			return printEvents(events)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}
