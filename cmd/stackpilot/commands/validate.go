package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var (
		templateFile string
		params       []string
		watch        bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a template without executing it",
		Long: `Validate a template file against every pre-execution check.

This command:
  - Checks the document shape against the template schema
  - Resolves resource types to registered handlers
  - Validates declared properties against handler schemas
  - Builds the dependency graph and rejects cycles and dangling references
  - Evaluates admission policies when policy enforcement is enabled

Nothing is created. With --watch the file is re-validated on every save
until interrupted.`,
		Example: `  # Validate a template once
  stackpilot validate -f stack.yaml

  # Validate with parameters referenced by param markers
  stackpilot validate -f stack.yaml --param flavor=large

  # Re-validate on every save
  stackpilot validate -f stack.yaml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parameters, err := parseParams(params)
			if err != nil {
				return err
			}

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			name := strings.TrimSuffix(filepath.Base(templateFile), filepath.Ext(templateFile))
			run := func() (int, error) {
				tmpl, err := readTemplate(templateFile)
				if err != nil {
					return 0, err
				}
				in := engine.StackInput{
					Name:       name,
					Tenant:     tenant,
					Parameters: parameters,
					Template:   tmpl,
				}
				if err := rt.orch.ValidateTemplate(ctx, in); err != nil {
					return 0, err
				}
				return len(tmpl.Resources), nil
			}

			report := func(resources int, err error) {
				if jsonOutput {
					out := map[string]any{"file": templateFile, "valid": err == nil}
					if err != nil {
						out["error"] = err.Error()
					} else {
						out["resources"] = resources
					}
					_ = printJSON(out)
					return
				}
				if err != nil {
					fmt.Printf("%s: INVALID\n  %v\n", templateFile, err)
					return
				}
				fmt.Printf("%s: OK (%d resources)\n", templateFile, resources)
			}

			if !watch {
				resources, err := run()
				report(resources, err)
				if err != nil {
					return fmt.Errorf("validation failed")
				}
				return nil
			}

			report(run())
			return watchTemplate(ctx, templateFile, func() { report(run()) })
		},
	}

	cmd.Flags().StringVarP(&templateFile, "file", "f", "", "template file to validate")
	cmd.Flags().StringArrayVar(&params, "param", nil, "template parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate whenever the file changes")
	cmd.MarkFlagRequired("file")

	return cmd
}

// watchTemplate re-runs the callback whenever the file changes, debounced so
// editors that write in bursts trigger one pass. Watching the directory
// instead of the file survives the write-temp-then-rename save pattern.
func watchTemplate(ctx context.Context, path string, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	const debounce = 300 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch failed: %w", err)
		}
	}
}
