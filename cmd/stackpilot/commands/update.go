package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newUpdateCommand() *cobra.Command {
	var (
		templateFile string
		templateURL  string
		params       []string
	)

	cmd := &cobra.Command{
		Use:   "update STACK",
		Short: "Apply a new template to an existing stack",
		Long: `Update a stack to match a new template.

The engine diffs the new template against the current one: unchanged
resources are left alone, changed resources are updated in place when the
handler allows it and replaced otherwise, added resources are created and
removed resources are deleted last. On failure every change applied by this
operation is rolled back and the previous template stays in effect.

STACK is a stack name, a stack ID or an identity string. Parameters are
replaced wholesale, so pass every parameter the new template needs.`,
		Example: `  # Update a stack from a local template
  stackpilot update web -f stack-v2.yaml

  # Update with new parameters
  stackpilot update web -f stack-v2.yaml --param flavor=xlarge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parameters, err := parseParams(params)
			if err != nil {
				return err
			}

			in := engine.StackInput{
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

			stack, err := rt.orch.FindStack(tenant, args[0])
			if err != nil {
				return err
			}

			updated, err := rt.orch.UpdateStack(ctx, stack.ID, in)
			if err != nil {
				return err
			}

			if err := printStack(updated); err != nil {
				return err
			}
			if updated.Status != engine.StatusUpdateComplete {
				return fmt.Errorf("update of stack %s did not complete", updated.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&templateFile, "file", "f", "", "template file")
	cmd.Flags().StringVar(&templateURL, "url", "", "URL of a template fetched by the engine")
	cmd.Flags().StringArrayVar(&params, "param", nil, "template parameter as key=value (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("file", "url")
	cmd.MarkFlagsOneRequired("file", "url")

	return cmd
}
