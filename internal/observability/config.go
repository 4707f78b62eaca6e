package observability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete observability configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json, text
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			PrometheusPort: 9090,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "agentflow",
			ServiceVersion: "1.0.0",
		},
	}
}

// LoadConfig reads the `observability` section of a YAML file on top of the
// defaults. A missing file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileConfig struct {
		Observability Config `yaml:"observability"`
	}
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}

	return Merge(config, fileConfig.Observability), nil
}

// Merge overlays the non-zero fields of override on base. Enabled flags are
// always taken from override.
func Merge(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	base.Metrics.Enabled = override.Metrics.Enabled
	if override.Metrics.PrometheusPort > 0 {
		base.Metrics.PrometheusPort = override.Metrics.PrometheusPort
	}

	base.Tracing.Enabled = override.Tracing.Enabled
	if override.Tracing.Exporter != "" {
		base.Tracing.Exporter = override.Tracing.Exporter
	}
	if override.Tracing.OTLPEndpoint != "" {
		base.Tracing.OTLPEndpoint = override.Tracing.OTLPEndpoint
	}
	if override.Tracing.ZipkinEndpoint != "" {
		base.Tracing.ZipkinEndpoint = override.Tracing.ZipkinEndpoint
	}
	if override.Tracing.SampleRate > 0 && override.Tracing.SampleRate <= 1.0 {
		base.Tracing.SampleRate = override.Tracing.SampleRate
	}
	if override.Tracing.ServiceName != "" {
		base.Tracing.ServiceName = override.Tracing.ServiceName
	}
	if override.Tracing.ServiceVersion != "" {
		base.Tracing.ServiceVersion = override.Tracing.ServiceVersion
	}
	return base
}
