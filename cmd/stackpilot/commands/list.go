package commands

import (
	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stacks in the tenant",
		Long: `List every live stack in the tenant with its aggregate status.

Deleted stacks are not shown; their records remain in the store as
tombstones but leave the live set.`,
		Example: `  # List stacks in the default tenant
  stackpilot list

  # List stacks in another tenant, as JSON
  stackpilot list --tenant acme --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			return printStackList(rt.orch.ListStacks(tenant))
		},
	}

	return cmd
}
