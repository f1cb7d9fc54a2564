package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// validate checks struct tags on loaded configurations.
var validate = validator.New()

// Duration decodes YAML duration strings such as "30s" or "2m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\"")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the application configuration: engine tuning, storage backend,
// telemetry basics and policy enforcement.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// EngineConfig tunes orchestrator execution.
type EngineConfig struct {
	// MaxParallel bounds concurrent resource operations within one wave.
	MaxParallel int `yaml:"max_parallel" validate:"min=1,max=256"`

	// PollInterval is the cadence of handler status polls.
	PollInterval Duration `yaml:"poll_interval" validate:"min=1"`

	// HTTPTimeout bounds template URL fetches.
	HTTPTimeout Duration `yaml:"http_timeout" validate:"min=1"`

	// MaxTemplateBytes caps the size of fetched template documents.
	MaxTemplateBytes int64 `yaml:"max_template_bytes" validate:"min=1024"`
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	// Driver names the backend implementation.
	Driver string `yaml:"driver" validate:"oneof=sqlite memory"`

	// Path is the database file location for the sqlite driver.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`
}

// TelemetryConfig carries the observability basics. The full telemetry
// configuration is derived from these via BuildTelemetry.
type TelemetryConfig struct {
	LogLevel        string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string `yaml:"log_format" validate:"oneof=console json"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter" validate:"oneof=otlp stdout none"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsListen   string `yaml:"metrics_listen" validate:"required_if=MetricsEnabled true"`
}

// PolicyConfig controls admission policy enforcement.
type PolicyConfig struct {
	// Enabled turns policy evaluation on. Disabled means every submission
	// passes the gate.
	Enabled bool `yaml:"enabled"`

	// Paths lists .rego files or directories loaded in addition to the
	// builtin policies.
	Paths []string `yaml:"paths" validate:"dive,required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxParallel:      10,
			PollInterval:     Duration(time.Second),
			HTTPTimeout:      Duration(30 * time.Second),
			MaxTemplateBytes: 512 * 1024,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "stackpilot.db",
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			TracingEnabled:  false,
			TracingExporter: "stdout",
			MetricsEnabled:  false,
			MetricsListen:   ":9090",
		},
		Policy: PolicyConfig{
			Enabled: false,
		},
	}
}

// Load reads a YAML configuration file over the defaults, applies environment
// overrides and validates the result. An empty path skips the file and loads
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the deployment basics from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("STACKPILOT_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("STACKPILOT_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("STACKPILOT_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("STACKPILOT_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxParallel = n
		}
	}
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, f := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", f.Namespace(), f.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return fmt.Errorf("invalid config: %w", err)
}

// EngineOptions maps the engine section onto orchestrator options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		MaxParallel:      c.Engine.MaxParallel,
		PollInterval:     time.Duration(c.Engine.PollInterval),
		HTTPTimeout:      time.Duration(c.Engine.HTTPTimeout),
		MaxTemplateBytes: c.Engine.MaxTemplateBytes,
	}
}

// BuildTelemetry derives the full telemetry configuration from the basics,
// filling everything else from the telemetry defaults.
func (c *Config) BuildTelemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	return tc
}
