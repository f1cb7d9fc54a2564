package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

// stackDetail is the combined JSON projection of a stack and its resources.
type stackDetail struct {
	engine.StackView
	Resources []engine.ResourceView `json:"resources"`
}

func detailOf(stack *engine.Stack) stackDetail {
	out := stackDetail{StackView: stack.View()}
	for _, res := range stack.Resources() {
		out.Resources = append(out.Resources, stack.ResourceViewOf(res))
	}
	return out
}

// printStack renders one stack with its resources, honoring --json.
func printStack(stack *engine.Stack) error {
	if jsonOutput {
		return printJSON(detailOf(stack))
	}

	view := stack.View()
	fmt.Printf("Name:      %s\n", view.Name)
	fmt.Printf("ID:        %s\n", view.ID)
	fmt.Printf("Status:    %s\n", view.Status)
	if view.StatusReason != "" {
		fmt.Printf("Reason:    %s\n", view.StatusReason)
	}
	if view.Description != "" {
		fmt.Printf("About:     %s\n", view.Description)
	}
	fmt.Printf("Created:   %s\n", view.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", view.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Identity:  %s\n", view.Identity)

	resources := stack.Resources()
	if len(resources) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tTYPE\tSTATUS\tPROVIDER ID")
	for _, res := range resources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", res.Name, res.Type, res.Status, res.ProviderID)
	}
	return w.Flush()
}

// printStackList renders the tenant's stacks as a table, honoring --json.
func printStackList(stacks []*engine.Stack) error {
	if jsonOutput {
		views := make([]engine.StackView, 0, len(stacks))
		for _, s := range stacks {
			views = append(views, s.View())
		}
		return printJSON(views)
	}

	if len(stacks) == 0 {
		fmt.Printf("No stacks in tenant %s\n", tenant)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tRESOURCES\tUPDATED\tID")
	for _, s := range stacks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.Name, s.Status, len(s.Resources()), s.UpdatedAt.Format(time.RFC3339), s.ID)
	}
	return w.Flush()
}

// printEvents renders a stack's event log, honoring --json.
func printEvents(events []*stores.EventRecord) error {
	if jsonOutput {
		return printJSON(events)
	}

	if len(events) == 0 {
		fmt.Println("No events")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRESOURCE\tSTATUS\tREASON")
	for _, ev := range events {
		resource := ev.Resource
		if resource == "" {
			resource = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.Format(time.RFC3339), resource, ev.Status, ev.Reason)
	}
	return w.Flush()
}
