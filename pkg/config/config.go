package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/itohio/stabilizer/pkg/frontend"
	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/telemetry"
	"github.com/itohio/stabilizer/pkg/transport"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are
// separated by a double underscore: STABILIZER_BROKER__URL.
const EnvPrefix = "STABILIZER_"

// Frontend kinds.
const (
	FrontendMock   = "mock"
	FrontendSerial = "serial"
)

// Config represents the application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Broker    BrokerConfig    `yaml:"broker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Frontend  FrontendConfig  `yaml:"frontend"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	Settings  SettingsConfig  `yaml:"settings"`
}

// DeviceConfig identifies the device on the broker.
type DeviceConfig struct {
	ID string `yaml:"id"`
	// Prefix overrides the topic prefix derived from ID.
	Prefix string `yaml:"prefix"`
}

// TopicPrefix returns the topic prefix of the device.
func (d DeviceConfig) TopicPrefix() string {
	if d.Prefix != "" {
		return d.Prefix
	}
	return "dt/sinara/dual-iir/" + d.ID
}

// BrokerConfig contains broker connection parameters.
type BrokerConfig struct {
	URL        string        `yaml:"url"`       // mqtt:// or ws:// URL the device and clients dial
	Listen     string        `yaml:"listen"`    // TCP listen address of the embedded broker
	WebSocket  string        `yaml:"websocket"` // WebSocket listen address of the embedded broker, empty disables
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// PipelineConfig contains the batch handler parameters.
type PipelineConfig struct {
	BatchPeriod    time.Duration `yaml:"batch_period"`
	FaultThreshold int           `yaml:"fault_threshold"` // consecutive overruns latching the fault, 0 disables
	HoldOnOverrun  bool          `yaml:"hold_on_overrun"`
}

// Config converts to the pipeline configuration.
func (p PipelineConfig) Config() pipeline.Config {
	return pipeline.Config{
		BatchPeriod:    p.BatchPeriod,
		FaultThreshold: p.FaultThreshold,
		HoldOnOverrun:  p.HoldOnOverrun,
	}
}

// FrontendConfig selects and configures the converter front end.
type FrontendConfig struct {
	Kind string              `yaml:"kind"`
	Port string              `yaml:"port"`
	Baud int                 `yaml:"baud"`
	Mock frontend.MockConfig `yaml:"mock"`
}

// TelemetryConfig contains telemetry sampling and recording parameters.
type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
	Points   int           `yaml:"points"`
	// Record is the parquet file telemetry is recorded to. Empty disables
	// recording.
	Record string `yaml:"record"`
}

// Sampling converts to the publisher configuration.
func (t TelemetryConfig) Sampling() telemetry.Config {
	return telemetry.Config{Interval: t.Interval, Window: t.Window, Points: t.Points}
}

// LogConfig contains logging parameters.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SettingsConfig contains the initial settings.
type SettingsConfig struct {
	// Preset is a YAML file of path: value pairs applied at start-up.
	Preset string `yaml:"preset"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	mock := frontend.DefaultMockConfig()
	sampling := telemetry.DefaultConfig()
	return &Config{
		Device: DeviceConfig{
			ID: "stabilizer",
		},
		Broker: BrokerConfig{
			URL:        "mqtt://localhost:1883",
			Listen:     ":1883",
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 5 * time.Second,
		},
		Pipeline: PipelineConfig{
			BatchPeriod:    mock.BatchPeriod,
			FaultThreshold: 10,
			HoldOnOverrun:  false,
		},
		Frontend: FrontendConfig{
			Kind: FrontendMock,
			Port: "/dev/ttyACM0",
			Baud: frontend.DefaultBaudRate,
			Mock: mock,
		},
		Telemetry: TelemetryConfig{
			Interval: sampling.Interval,
			Window:   sampling.Window,
			Points:   sampling.Points,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist or fields are missing, it uses
// default values.
func Load(filename string) (*Config, error) {
	return load(filename, os.Environ)
}

func load(filename string, environ func() []string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays STABILIZER_ variables on c.
func (c *Config) applyEnv(environ func() []string) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
		EnvironFunc: environ,
	}), nil)
	if err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	switch c.Frontend.Kind {
	case FrontendMock, FrontendSerial:
	default:
		return fmt.Errorf("unknown frontend kind %q", c.Frontend.Kind)
	}
	if c.Pipeline.FaultThreshold < 0 {
		return fmt.Errorf("fault threshold must not be negative, got %d", c.Pipeline.FaultThreshold)
	}
	if _, err := transport.ParseURL(c.Broker.URL); err != nil {
		return err
	}
	if c.Broker.MinBackoff > c.Broker.MaxBackoff {
		return fmt.Errorf("min backoff %v exceeds max backoff %v", c.Broker.MinBackoff, c.Broker.MaxBackoff)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() (log.Level, error) {
	l, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log level: %w", err)
	}
	return l, nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Device.ID == "" {
		c.Device.ID = def.Device.ID
	}

	if c.Broker.URL == "" {
		c.Broker.URL = def.Broker.URL
	}
	if c.Broker.Listen == "" {
		c.Broker.Listen = def.Broker.Listen
	}
	if c.Broker.MinBackoff == 0 {
		c.Broker.MinBackoff = def.Broker.MinBackoff
	}
	if c.Broker.MaxBackoff == 0 {
		c.Broker.MaxBackoff = def.Broker.MaxBackoff
	}

	if c.Pipeline.BatchPeriod == 0 {
		c.Pipeline.BatchPeriod = def.Pipeline.BatchPeriod
	}

	if c.Frontend.Kind == "" {
		c.Frontend.Kind = def.Frontend.Kind
	}
	if c.Frontend.Baud == 0 {
		c.Frontend.Baud = def.Frontend.Baud
	}
	// The simulated converter clocks batches at the pipeline period.
	if c.Frontend.Mock.BatchPeriod == 0 {
		c.Frontend.Mock.BatchPeriod = c.Pipeline.BatchPeriod
	}
	if c.Frontend.Mock.Frequency == 0 {
		c.Frontend.Mock.Frequency = def.Frontend.Mock.Frequency
	}

	if c.Telemetry.Interval == 0 {
		c.Telemetry.Interval = def.Telemetry.Interval
	}
	if c.Telemetry.Window == 0 {
		c.Telemetry.Window = def.Telemetry.Window
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}
