package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration of a declman run.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `mapstructure:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `mapstructure:"service_version"`

	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`

	// Format specifies the log format (console, json).
	Format string `mapstructure:"format" validate:"oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `mapstructure:"output" validate:"required"`

	// NoColor disables colors in console output.
	NoColor bool `mapstructure:"no_color"`
}

// TracingConfig configures OpenTelemetry spans for run phases.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter is one of otlp, stdout or none.
	Exporter string `mapstructure:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address (e.g. "localhost:4317").
	Endpoint string `mapstructure:"endpoint"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `mapstructure:"insecure"`

	ExportTimeout time.Duration `mapstructure:"export_timeout"`
}

// MetricsConfig configures run metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Namespace is the metrics namespace prefix.
	Namespace string `mapstructure:"namespace"`

	// Textfile is where metrics are written at the end of a run, in the
	// node exporter textfile format. Empty disables the export.
	Textfile string `mapstructure:"textfile"`

	// Buckets are the duration histogram buckets in seconds.
	Buckets []float64 `mapstructure:"buckets"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "declman",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "stdout",
			Insecure:      true,
			ExportTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "declman",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	return nil
}
