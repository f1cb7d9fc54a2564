package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error loading defaults: %v", err)
	}

	if cfg.Engine.MaxParallel != 10 {
		t.Errorf("expected max_parallel 10, got %d", cfg.Engine.MaxParallel)
	}
	if time.Duration(cfg.Engine.PollInterval) != time.Second {
		t.Errorf("expected poll_interval 1s, got %v", time.Duration(cfg.Engine.PollInterval))
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Store.Driver)
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Errorf("expected info log level, got %s", cfg.Telemetry.LogLevel)
	}
	if cfg.Policy.Enabled {
		t.Error("expected policy disabled by default")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  max_parallel: 4
  poll_interval: 250ms
store:
  driver: memory
telemetry:
  log_level: debug
  log_format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error loading config: %v", err)
	}

	if cfg.Engine.MaxParallel != 4 {
		t.Errorf("expected max_parallel 4, got %d", cfg.Engine.MaxParallel)
	}
	if time.Duration(cfg.Engine.PollInterval) != 250*time.Millisecond {
		t.Errorf("expected poll_interval 250ms, got %v", time.Duration(cfg.Engine.PollInterval))
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.Store.Driver)
	}
	if cfg.Telemetry.LogFormat != "json" {
		t.Errorf("expected json log format, got %s", cfg.Telemetry.LogFormat)
	}

	// Fields the file does not mention keep their defaults.
	if time.Duration(cfg.Engine.HTTPTimeout) != 30*time.Second {
		t.Errorf("expected default http_timeout 30s, got %v", time.Duration(cfg.Engine.HTTPTimeout))
	}
	if cfg.Engine.MaxTemplateBytes != 512*1024 {
		t.Errorf("expected default max_template_bytes, got %d", cfg.Engine.MaxTemplateBytes)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  max_parallel: 4
storage:
  driver: memory
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key, got none")
	}
	if !strings.Contains(err.Error(), "storage") {
		t.Errorf("expected error to name the unknown key, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got none")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "unparseable string",
			contents: "engine:\n  poll_interval: fast\n",
			want:     "invalid duration",
		},
		{
			name:     "bare number",
			contents: "engine:\n  poll_interval: 5\n",
			want:     "duration must be a string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.contents)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got none")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STACKPILOT_STORE_DRIVER", "memory")
	t.Setenv("STACKPILOT_STORE_PATH", "/var/lib/stackpilot/state.db")
	t.Setenv("STACKPILOT_LOG_LEVEL", "debug")
	t.Setenv("STACKPILOT_MAX_PARALLEL", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.Store.Driver)
	}
	if cfg.Store.Path != "/var/lib/stackpilot/state.db" {
		t.Errorf("expected overridden path, got %s", cfg.Store.Path)
	}
	if cfg.Telemetry.LogLevel != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Telemetry.LogLevel)
	}
	if cfg.Engine.MaxParallel != 3 {
		t.Errorf("expected max_parallel 3, got %d", cfg.Engine.MaxParallel)
	}
}

func TestLoad_EnvOverride_BadNumberIgnored(t *testing.T) {
	t.Setenv("STACKPILOT_MAX_PARALLEL", "many")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.MaxParallel != 10 {
		t.Errorf("expected default max_parallel 10, got %d", cfg.Engine.MaxParallel)
	}
}

func TestLoad_EnvOverride_InvalidValueRejected(t *testing.T) {
	t.Setenv("STACKPILOT_LOG_LEVEL", "verbose")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected validation error, got none")
	}
	if !strings.Contains(err.Error(), "LogLevel") {
		t.Errorf("expected error to name LogLevel, got: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero max_parallel",
			mutate:  func(c *Config) { c.Engine.MaxParallel = 0 },
			wantErr: true,
		},
		{
			name:    "excessive max_parallel",
			mutate:  func(c *Config) { c.Engine.MaxParallel = 1000 },
			wantErr: true,
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: true,
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Store.Driver = "sqlite"
				c.Store.Path = ""
			},
			wantErr: true,
		},
		{
			name: "memory without path",
			mutate: func(c *Config) {
				c.Store.Driver = "memory"
				c.Store.Path = ""
			},
			wantErr: false,
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Telemetry.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name: "metrics enabled without listen address",
			mutate: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.MetricsListen = ""
			},
			wantErr: true,
		},
		{
			name:    "empty policy path entry",
			mutate:  func(c *Config) { c.Policy.Paths = []string{"policies/", ""} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Error("expected validation error, got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected validation error: %v", err)
				}
			}
		})
	}
}

func TestConfig_EngineOptions(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxParallel = 7
	cfg.Engine.PollInterval = Duration(2 * time.Second)
	cfg.Engine.HTTPTimeout = Duration(10 * time.Second)
	cfg.Engine.MaxTemplateBytes = 2048

	opts := cfg.EngineOptions()
	if opts.MaxParallel != 7 {
		t.Errorf("expected MaxParallel 7, got %d", opts.MaxParallel)
	}
	if opts.PollInterval != 2*time.Second {
		t.Errorf("expected PollInterval 2s, got %v", opts.PollInterval)
	}
	if opts.HTTPTimeout != 10*time.Second {
		t.Errorf("expected HTTPTimeout 10s, got %v", opts.HTTPTimeout)
	}
	if opts.MaxTemplateBytes != 2048 {
		t.Errorf("expected MaxTemplateBytes 2048, got %d", opts.MaxTemplateBytes)
	}
}

func TestConfig_BuildTelemetry(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.LogLevel = "debug"
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "otlp"
	cfg.Telemetry.MetricsEnabled = true
	cfg.Telemetry.MetricsListen = ":2222"

	tc := cfg.BuildTelemetry("1.2.3")
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("expected service version 1.2.3, got %s", tc.ServiceVersion)
	}
	if tc.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", tc.Logging.Level)
	}
	if tc.Logging.Format != "json" {
		t.Errorf("expected json format, got %s", tc.Logging.Format)
	}
	if !tc.Tracing.Enabled {
		t.Error("expected tracing enabled")
	}
	if tc.Tracing.Exporter != "otlp" {
		t.Errorf("expected otlp exporter, got %s", tc.Tracing.Exporter)
	}
	if !tc.Metrics.Enabled {
		t.Error("expected metrics enabled")
	}
	if tc.Metrics.ListenAddress != ":2222" {
		t.Errorf("expected listen :2222, got %s", tc.Metrics.ListenAddress)
	}

	// Without an explicit version the default is kept.
	tc = Default().BuildTelemetry("")
	if tc.ServiceVersion != "dev" {
		t.Errorf("expected default version dev, got %s", tc.ServiceVersion)
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	out, err := Duration(90 * time.Second).MarshalYAML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "1m30s" {
		t.Errorf("expected 1m30s, got %v", out)
	}
}
