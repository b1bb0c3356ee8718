// Package config provides configuration loading for the partition engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heliosdata/helios/pkg/errors"
)

// Duration wraps time.Duration so YAML files can say "250ms" or "1s".
// Bare integers are accepted as nanoseconds.
type Duration time.Duration

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses either a duration string or an integer nanosecond
// count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DeviceConfig selects and sizes the compute device backend.
type DeviceConfig struct {
	// Backend names the device backend, "host" being the built-in
	// emulation backend.
	Backend string `yaml:"backend"`
	// MemoryLimitBytes caps device allocations; zero means unlimited.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`
	// Streams is the number of concurrent command streams.
	Streams int `yaml:"streams"`
	// DedicatedStreamBytes is the working-set size above which an
	// invocation gets a dedicated stream instead of the shared one.
	DedicatedStreamBytes int64 `yaml:"dedicated_stream_bytes"`
}

// CoordinatorConfig tunes the eviction broadcast protocol.
type CoordinatorConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Retries      int      `yaml:"retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// MemoryConfig tunes host-side buffer pooling.
type MemoryConfig struct {
	// PooledBuffers enables recycling partition buffers through the
	// shared buffer pool.
	PooledBuffers bool `yaml:"pooled_buffers"`
	// HostReserveFraction is the fraction of host memory the engine
	// refuses to allocate past when sizing partitions.
	HostReserveFraction float64 `yaml:"host_reserve_fraction"`
}

// ObservabilityConfig controls tracing and logging.
type ObservabilityConfig struct {
	LogLevel        string  `yaml:"log_level"`
	Development     bool    `yaml:"development"`
	TracingExporter string  `yaml:"tracing_exporter"`
	SamplingRate    float64 `yaml:"sampling_rate"`
}

// Config is the root engine configuration.
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Memory        MemoryConfig        `yaml:"memory"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend:              "host",
			MemoryLimitBytes:     0,
			Streams:              4,
			DedicatedStreamBytes: 16 << 20,
		},
		Coordinator: CoordinatorConfig{
			Endpoint:     "coordinator",
			Retries:      3,
			RetryBackoff: Duration(100 * time.Millisecond),
		},
		Memory: MemoryConfig{
			PooledBuffers:       true,
			HostReserveFraction: 0.1,
		},
		Observability: ObservabilityConfig{
			LogLevel:        "info",
			Development:     false,
			TracingExporter: "none",
			SamplingRate:    0.1,
		},
	}
}

// Load reads a YAML configuration file, substituting ${VAR} references
// from the environment, and validates the result.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path is operator-provided
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "reading config file")
	}

	content := substituteEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parsing config YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "marshaling config YAML")
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeConfig, "writing config file")
	}
	return nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Device.Backend == "" {
		return errors.New(errors.ErrorTypeConfig, "device backend must be set")
	}
	if c.Device.Streams < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "device streams must be at least 1, got %d", c.Device.Streams)
	}
	if c.Device.MemoryLimitBytes < 0 {
		return errors.New(errors.ErrorTypeConfig, "device memory limit cannot be negative")
	}
	if c.Coordinator.Retries < 0 {
		return errors.New(errors.ErrorTypeConfig, "coordinator retries cannot be negative")
	}
	if f := c.Memory.HostReserveFraction; f < 0 || f >= 1 {
		return errors.Newf(errors.ErrorTypeConfig, "host reserve fraction must be in [0, 1), got %v", f)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		content = content[:start] + os.Getenv(varName) + content[end+1:]
	}
	return content
}

// String renders the config for logs, in YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config{error: %v}", err)
	}
	return string(data)
}
