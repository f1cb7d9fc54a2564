package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newShowCommand() *cobra.Command {
	var (
		resourceName string
		attribute    string
		dot          bool
	)

	cmd := &cobra.Command{
		Use:   "show STACK",
		Short: "Show a stack, a resource or the dependency graph",
		Long: `Show a stack's status and resources.

With --resource the named resource is shown instead, including its
materialized properties. With --attr a single derived attribute is resolved
through the handler and printed. With --dot the stack's dependency graph is
written as Graphviz DOT, one cluster per execution wave.

STACK is a stack name, a stack ID or an identity string.`,
		Example: `  # Show a stack and its resources
  stackpilot show web

  # Show one resource
  stackpilot show web --resource database

  # Resolve a derived attribute
  stackpilot show web --resource database --attr private_ip

  # Render the dependency graph
  stackpilot show web --dot | dot -Tsvg -o web.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if attribute != "" && resourceName == "" {
				return fmt.Errorf("--attr requires --resource")
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

			if dot {
				graph, err := engine.BuildGraph(stack.Template)
				if err != nil {
					return err
				}
				fmt.Print(graph.DOT())
				return nil
			}

			if resourceName == "" {
				return printStack(stack)
			}

			res, err := rt.orch.GetResource(stack.ID, resourceName)
			if err != nil {
				return err
			}

			if attribute != "" {
				value, err := rt.orch.ResourceAttribute(ctx, stack.ID, resourceName, attribute)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{
						"resource":  resourceName,
						"attribute": attribute,
						"value":     value,
					})
				}
				fmt.Println(value)
				return nil
			}

			return printResource(stack, res)
		},
	}

	cmd.Flags().StringVar(&resourceName, "resource", "", "show this resource instead of the stack")
	cmd.Flags().StringVar(&attribute, "attr", "", "resolve one derived attribute of the resource")
	cmd.Flags().BoolVar(&dot, "dot", false, "write the dependency graph as Graphviz DOT")
	cmd.MarkFlagsMutuallyExclusive("dot", "resource")

	return cmd
}

// printResource renders one resource with its materialized properties.
func printResource(stack *engine.Stack, res *engine.Resource) error {
	if jsonOutput {
		return printJSON(res)
	}

	view := stack.ResourceViewOf(res)
	fmt.Printf("Resource:  %s\n", view.Name)
	fmt.Printf("Type:      %s\n", view.Type)
	fmt.Printf("Status:    %s\n", view.Status)
	if view.StatusReason != "" {
		fmt.Printf("Reason:    %s\n", view.StatusReason)
	}
	if view.ProviderID != "" {
		fmt.Printf("Provider:  %s\n", view.ProviderID)
	}
	fmt.Printf("Created:   %s\n", view.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", view.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Identity:  %s\n", view.Identity)

	if len(res.Properties) > 0 {
		fmt.Println("Properties:")
		data, err := marshalIndented(res.Properties)
		if err != nil {
			return err
		}
		fmt.Println(data)
	}
	return nil
}
