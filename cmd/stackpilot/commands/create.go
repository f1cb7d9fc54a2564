package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		name         string
		templateFile string
		templateURL  string
		params       []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stack from a template",
		Long: `Create a stack and every resource it declares.

Resources are created in dependency order, independent resources in
parallel. If any resource fails, everything created by this operation is
rolled back, dependents first, and the stack settles as CREATE_FAILED.

The command blocks until the operation settles. Interrupting it aborts the
operation: in-flight resources finish their current step, nothing new
starts, and no rollback runs.`,
		Example: `  # Create a stack from a local template
  stackpilot create --name web -f stack.yaml

  # Create with parameters
  stackpilot create --name web -f stack.yaml --param flavor=large --param az=zone-b

  # Create from a remote template
  stackpilot create --name web --url https://templates.internal/web.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parameters, err := parseParams(params)
			if err != nil {
				return err
			}

			in := engine.StackInput{
				Name:        name,
				Tenant:      tenant,
				Parameters:  parameters,
				TemplateURL: templateURL,
			}
			if templateFile != "" {
				tmpl, err := readTemplate(templateFile)
				if err != nil {
					return err
				}
				in.Template = tmpl
			}

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			stack, err := rt.orch.CreateStack(ctx, in)
			if err != nil {
				return err
			}

			if err := printStack(stack); err != nil {
				return err
			}
			if stack.Status != engine.StatusCreateComplete {
				return fmt.Errorf("create of stack %s did not complete", stack.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "stack name, unique per tenant")
	cmd.Flags().StringVarP(&templateFile, "file", "f", "", "template file")
	cmd.Flags().StringVar(&templateURL, "url", "", "URL of a template fetched by the engine")
	cmd.Flags().StringArrayVar(&params, "param", nil, "template parameter as key=value (repeatable)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("file", "url")
	cmd.MarkFlagsOneRequired("file", "url")

	return cmd
}
