package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/handlers/sim"
	"github.com/stackpilot/stackpilot/pkg/policy"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// appRuntime bundles everything a command needs to drive the engine: the
// loaded configuration, an opened store, the telemetry stack, the optional
// policy gate and the orchestrator hydrated from persisted state.
type appRuntime struct {
	cfg      *config.Config
	store    stores.Store
	tel      *telemetry.Telemetry
	gate     *policy.Engine
	registry *engine.Registry
	orch     *engine.Orchestrator
}

// openRuntime builds the engine the way a service process would: load
// config, open and migrate the store, register the simulated handlers, wire
// the policy gate when enabled and hydrate stacks from the store.
func openRuntime(ctx context.Context) (*appRuntime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.BuildTelemetry(appVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt := &appRuntime{cfg: cfg, tel: tel}

	store, err := stores.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store
	if err := store.Init(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	registry := engine.NewRegistry()
	if err := sim.Register(registry, sim.NewCloud()); err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = registry

	orch := engine.New(store, registry, tel, cfg.EngineOptions())

	if cfg.Policy.Enabled {
		gate, err := policy.NewEngine(tel.Logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.gate = gate
		if len(cfg.Policy.Paths) > 0 {
			if err := gate.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				rt.Close()
				return nil, err
			}
		}
		orch.SetPolicyGate(gate)
	}

	if err := orch.Load(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load stacks: %w", err)
	}
	rt.orch = orch
	return rt, nil
}

// Close releases runtime resources in reverse acquisition order. Telemetry
// shuts down last so closing errors still reach the log.
func (rt *appRuntime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.gate != nil {
		rt.gate.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.tel.Logger.WithError(err).Warn("Failed to close store")
		}
	}
	if rt.tel != nil {
		_ = rt.tel.Shutdown(ctx)
	}
}

// readTemplate loads a template file and runs it through both validation
// layers: the closed CUE envelope, which rejects unknown or misspelled
// fields the lenient engine decode would silently drop, and the engine
// parser, which produces the typed template.
func readTemplate(path string) (*engine.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	schemas, err := config.NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	if err := schemas.ValidateTemplate(doc); err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}

	tmpl, err := engine.ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	return tmpl, nil
}

// parseParams turns repeated key=value flags into a parameter map.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// marshalIndented renders a value as indented JSON for embedding in console
// output.
func marshalIndented(v any) (string, error) {
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode output: %w", err)
	}
	return "  " + string(data), nil
}
