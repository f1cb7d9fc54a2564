package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/schema"
)

func newResourceTypesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource-types [TYPE]",
		Short: "List resource types or describe one type's schema",
		Long: `List the resource types registered with the engine.

With a TYPE argument the type's property schema is shown instead: each
property with its type, whether it is required, its default and its allowed
values, plus the keys an update may change in place and the derived
attributes the handler serves.`,
		Example: `  # List registered types
  stackpilot resource-types

  # Describe one type
  stackpilot resource-types sim.Instance`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(args) == 0 {
				types := rt.orch.ResourceTypes()
				if jsonOutput {
					return printJSON(types)
				}
				for _, t := range types {
					fmt.Println(t)
				}
				return nil
			}

			typeName := args[0]
			handler, err := rt.registry.Get(typeName)
			if err != nil {
				return err
			}

			props := schemaRows("", handler.Schema())
			if jsonOutput {
				return printJSON(map[string]any{
					"type":           typeName,
					"properties":     props,
					"update_allowed": handler.UpdateAllowedKeys(),
					"attributes":     handler.Attributes(),
				})
			}

			fmt.Printf("Type: %s\n\n", typeName)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROPERTY\tTYPE\tREQUIRED\tDEFAULT\tALLOWED")
			for _, row := range props {
				required := ""
				if row.Required {
					required = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					row.Property, row.Type, required, row.Default, strings.Join(row.Allowed, ", "))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if keys := handler.UpdateAllowedKeys(); len(keys) > 0 {
				fmt.Printf("\nUpdatable in place: %s\n", strings.Join(keys, ", "))
			}
			if attrs := handler.Attributes(); len(attrs) > 0 {
				fmt.Printf("Attributes: %s\n", strings.Join(attrs, ", "))
			}
			return nil
		},
	}

	return cmd
}

// propertyRow is the presentation form of one schema definition.
type propertyRow struct {
	Property string   `json:"property"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Default  string   `json:"default,omitempty"`
	Allowed  []string `json:"allowed_values,omitempty"`
}

// schemaRows flattens a schema into sorted presentation rows. Nested map
// schemas and list item schemas render as dotted paths.
func schemaRows(prefix string, s schema.Schema) []propertyRow {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([]propertyRow, 0, len(s))
	for _, key := range keys {
		def := s[key]
		path := prefix + key

		row := propertyRow{
			Property: path,
			Type:     string(def.Type),
			Required: def.Required,
		}
		if !def.IsImplemented() {
			row.Type += " (not implemented)"
		}
		if def.Default != nil {
			row.Default = fmt.Sprintf("%v", def.Default)
		}
		for _, v := range def.AllowedValues {
			row.Allowed = append(row.Allowed, fmt.Sprintf("%v", v))
		}
		rows = append(rows, row)

		if def.Schema != nil {
			rows = append(rows, schemaRows(path+".", def.Schema)...)
		}
		if def.Items != nil && def.Items.Schema != nil {
			rows = append(rows, schemaRows(path+"[].", def.Items.Schema)...)
		}
	}
	return rows
}
