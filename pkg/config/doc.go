// Package config provides application configuration loading and CUE schema
// validation for StackPilot.
//
// # Application Configuration
//
// Config carries the settings for the engine, the state store, telemetry and
// the policy gate. Load reads a YAML file, applies environment overrides and
// validates the result with struct tags. Unknown keys in the file are
// rejected so typos fail loudly instead of silently falling back to defaults.
//
//	cfg, err := config.Load("/etc/stackpilot/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	orch := engine.New(store, registry, tel, cfg.EngineOptions())
//
// Passing an empty path returns the validated defaults, so a configuration
// file is never required.
//
// # Environment Overrides
//
// A small set of environment variables override the file for the settings
// that commonly differ between deployments:
//
//   - STACKPILOT_STORE_DRIVER
//   - STACKPILOT_STORE_PATH
//   - STACKPILOT_LOG_LEVEL
//   - STACKPILOT_MAX_PARALLEL
//
// # Schema Validation
//
// SchemaRegistry compiles CUE definitions for the documents StackPilot
// accepts over its intake surface: templates and stack submissions. The
// builtin definitions are closed, so a document carrying an undeclared key
// fails validation with the offending path in the error. The engine's own
// decoding is lenient about extra keys; validating through the registry first
// catches mistakes the decoder would drop.
//
//	sr, err := config.NewSchemaRegistry()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var doc map[string]any
//	yaml.Unmarshal(data, &doc)
//	if err := sr.ValidateTemplate(doc); err != nil {
//	    log.Fatal(err)
//	}
//
// Custom schemas can be registered for site-specific documents.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package config
