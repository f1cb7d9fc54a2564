package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	tenant     string
	verbose    bool
	jsonOutput bool

	// appVersion is the build version, carried into telemetry metadata.
	appVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackpilot",
		Short: "StackPilot - Declarative Stack Orchestration Engine",
		Long: `StackPilot turns declarative templates into running stacks of resources.

A template names resources, their properties and the references between
them. StackPilot resolves the references into a dependency graph and walks
it in parallel waves: creates run leaves-first, deletes run dependents-first,
updates touch only what changed and roll back on failure.

Features:
  - YAML/JSON templates with param, ref and attr markers
  - Per-handler property schemas with defaults and allowed values
  - In-place update vs replacement decided per property
  - Automatic rollback of partially applied operations
  - Rego admission policies evaluated before execution
  - SQLite or in-memory persistence of stacks, resources and events`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", "default", "tenant scope for stack operations")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newResourceTypesCommand())

	return rootCmd
}
