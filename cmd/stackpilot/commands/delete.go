package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete STACK",
		Short: "Delete a stack and its resources",
		Long: `Delete every resource in a stack, dependents first, then the stack.

Resources that are already gone on the provider side count as deleted, so
re-running a failed delete converges. The stack record is kept as a
tombstone for auditing; the name becomes free for reuse.

STACK is a stack name, a stack ID or an identity string.`,
		Example: `  # Delete a stack by name
  stackpilot delete web

  # Delete a stack in another tenant
  stackpilot delete web --tenant acme`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			stack, err := rt.orch.FindStack(tenant, args[0])
			if err != nil {
				return err
			}

			if err := rt.orch.DeleteStack(ctx, stack.ID); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{
					"id":     stack.ID,
					"name":   stack.Name,
					"status": "DELETE_COMPLETE",
				})
			}
			fmt.Printf("Stack %s deleted\n", stack.Name)
			return nil
		},
	}

	return cmd
}
