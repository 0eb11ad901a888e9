package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv() []string { return nil }

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "dt/sinara/dual-iir/stabilizer", cfg.Device.TopicPrefix())
	assert.Equal(t, "mqtt://localhost:1883", cfg.Broker.URL)
	assert.Empty(t, cfg.Broker.WebSocket)
	assert.Equal(t, time.Millisecond, cfg.Pipeline.BatchPeriod)
	assert.Equal(t, 10, cfg.Pipeline.FaultThreshold)
	assert.Equal(t, FrontendMock, cfg.Frontend.Kind)
	assert.Equal(t, 921600, cfg.Frontend.Baud)
	assert.Equal(t, 100*time.Millisecond, cfg.Telemetry.Interval)
	assert.Empty(t, cfg.Telemetry.Record)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := load("nonexistent.yaml", noEnv)
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, Default(), cfg)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestLoad_ValidYAML(t *testing.T) {
	filename := writeConfig(t, `
device:
  id: "04-91-62-d9-7e-5f"

broker:
  url: "ws://10.0.0.2:8083/mqtt"
  listen: ":2883"
  websocket: ":8083"
  min_backoff: 1s
  max_backoff: 30s

pipeline:
  batch_period: 10.24us
  fault_threshold: 3
  hold_on_overrun: true

frontend:
  kind: serial
  port: /dev/ttyUSB0

telemetry:
  interval: 50ms
  record: telemetry.parquet

log:
  level: debug

settings:
  preset: preset.yaml
`)

	cfg, err := load(filename, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "dt/sinara/dual-iir/04-91-62-d9-7e-5f", cfg.Device.TopicPrefix())
	assert.Equal(t, "ws://10.0.0.2:8083/mqtt", cfg.Broker.URL)
	assert.Equal(t, ":2883", cfg.Broker.Listen)
	assert.Equal(t, ":8083", cfg.Broker.WebSocket)
	assert.Equal(t, time.Second, cfg.Broker.MinBackoff)
	assert.Equal(t, 30*time.Second, cfg.Broker.MaxBackoff)
	assert.Equal(t, 10240*time.Nanosecond, cfg.Pipeline.BatchPeriod)
	assert.Equal(t, 3, cfg.Pipeline.FaultThreshold)
	assert.True(t, cfg.Pipeline.HoldOnOverrun)
	assert.Equal(t, FrontendSerial, cfg.Frontend.Kind)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Frontend.Port)
	assert.Equal(t, 50*time.Millisecond, cfg.Telemetry.Interval)
	assert.Equal(t, "telemetry.parquet", cfg.Telemetry.Record)
	assert.Equal(t, "preset.yaml", cfg.Settings.Preset)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, level)

	pc := cfg.Pipeline.Config()
	assert.Equal(t, cfg.Pipeline.BatchPeriod, pc.BatchPeriod)
	assert.True(t, pc.HoldOnOverrun)
}

func TestLoad_PartialYAML(t *testing.T) {
	filename := writeConfig(t, `
device:
  prefix: lab/stabilizer
pipeline:
  batch_period: 2ms
frontend:
  mock:
    amplitude: [100, 0]
`)

	cfg, err := load(filename, noEnv)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, "lab/stabilizer", cfg.Device.TopicPrefix())
	assert.Equal(t, def.Broker, cfg.Broker)
	assert.Equal(t, def.Frontend.Kind, cfg.Frontend.Kind)
	assert.Equal(t, float32(100), cfg.Frontend.Mock.Amplitude[0])
	assert.Equal(t, 2*time.Millisecond, cfg.Frontend.Mock.BatchPeriod, "mock follows the pipeline period")
	assert.Equal(t, def.Telemetry.Window, cfg.Telemetry.Window)
	assert.Equal(t, def.Log.Level, cfg.Log.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	filename := writeConfig(t, "pipeline: [unclosed")
	_, err := load(filename, noEnv)
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"frontend kind", "frontend:\n  kind: usb\n"},
		{"fault threshold", "pipeline:\n  fault_threshold: -1\n"},
		{"backoff", "broker:\n  min_backoff: 10s\n  max_backoff: 1s\n"},
		{"broker scheme", "broker:\n  url: http://localhost:1883\n"},
		{"broker host", "broker:\n  url: mqtt://\n"},
		{"log level", "log:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(writeConfig(t, tt.content), noEnv)
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	filename := writeConfig(t, `
broker:
  url: "mqtt://from-file:1883"
frontend:
  kind: serial
`)
	environ := func() []string {
		return []string{
			"STABILIZER_BROKER__URL=ws://from-env/broker",
			"STABILIZER_PIPELINE__FAULT_THRESHOLD=7",
			"STABILIZER_PIPELINE__HOLD_ON_OVERRUN=true",
			"STABILIZER_TELEMETRY__WINDOW=3s",
			"STABILIZER_DEVICE__ID=lab1",
			"OTHER_BROKER__URL=ignored",
		}
	}

	cfg, err := load(filename, environ)
	require.NoError(t, err)
	assert.Equal(t, "ws://from-env/broker", cfg.Broker.URL)
	assert.Equal(t, 7, cfg.Pipeline.FaultThreshold)
	assert.True(t, cfg.Pipeline.HoldOnOverrun)
	assert.Equal(t, 3*time.Second, cfg.Telemetry.Window)
	assert.Equal(t, "lab1", cfg.Device.ID)
	assert.Equal(t, FrontendSerial, cfg.Frontend.Kind, "file values without overrides are kept")
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Device.ID = "lab2"
	cfg.Pipeline.BatchPeriod = 5 * time.Millisecond
	cfg.Frontend.Mock.BatchPeriod = 5 * time.Millisecond

	filename := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(filename))

	loaded, err := load(filename, noEnv)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
