package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/stabilizer/pkg/config"
	"github.com/itohio/stabilizer/pkg/miniconf"
	"github.com/itohio/stabilizer/pkg/sample"
	"github.com/itohio/stabilizer/pkg/scheduler"
	"github.com/itohio/stabilizer/pkg/telemetry"
	"github.com/itohio/stabilizer/pkg/transport"
	"github.com/itohio/stabilizer/pkg/transport/transporttest"
)

const (
	testTimeout = 5 * time.Second
	tick        = 5 * time.Millisecond
)

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		in      string
		path    string
		value   string
		wantErr bool
	}{
		{in: `afe/0/gain="G2"`, path: "afe/0/gain", value: `"G2"`},
		{in: `iir_ch/0/0={"y_min":-1}`, path: "iir_ch/0/0", value: `{"y_min":-1}`},
		{in: `telemetry_period=a=b`, path: "telemetry_period", value: `a=b`},
		{in: "afe/0/gain", wantErr: true},
		{in: "=1", wantErr: true},
		{in: "path=", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			path, value, err := parseAssignment(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.value, string(value))
		})
	}
}

func TestDeviceEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Interval = 10 * time.Millisecond
	cfg.Telemetry.Record = filepath.Join(t.TempDir(), "telemetry.parquet")
	prefix := cfg.Device.TopicPrefix()

	b := transporttest.NewBroker()
	dev, err := newDevice(cfg, b.Dial, log.Default())
	require.NoError(t, err)
	dev.schedOpts = []scheduler.Option{scheduler.WithMemoryLock(false)}

	var (
		mu   sync.Mutex
		recs []telemetry.Telemetry
	)
	s, err := b.Connect()
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(miniconf.Topics{Prefix: prefix}.Telemetry(), func(m transport.Message) {
		var rec telemetry.Telemetry
		if assert.NoError(t, json.Unmarshal(m.Payload, &rec)) {
			mu.Lock()
			recs = append(recs, rec)
			mu.Unlock()
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := b.Retained(miniconf.Topics{Prefix: prefix}.Alive())
		return ok
	}, testTimeout, tick)

	c, err := miniconf.NewClient(s, prefix)
	require.NoError(t, err)
	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), testTimeout)
	defer cmdCancel()
	require.NoError(t, c.Set(cmdCtx, "afe/0/gain", []byte(`"G2"`), false))
	require.NoError(t, c.Set(cmdCtx, "telemetry_period", []byte(`1`), false))
	assert.Equal(t, sample.G2, dev.tree.Load().Afe[0].Gain)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recs) > 0 && recs[len(recs)-1].Batches > 0
	}, testTimeout, tick)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("device did not stop")
	}
	require.NoError(t, dev.Close())
	assert.NotZero(t, dev.pipeline.Stats().Batches)
}

func TestDeviceOverMQTT(t *testing.T) {
	url := transporttest.StartServer(t)
	cfg := config.Default()
	cfg.Broker.URL = url
	cfg.Telemetry.Interval = 10 * time.Millisecond
	prefix := cfg.Device.TopicPrefix()

	logger := log.New(io.Discard)
	dev, err := newDevice(cfg, transport.NewDialer(url, logger), logger)
	require.NoError(t, err)
	dev.schedOpts = []scheduler.Option{scheduler.WithMemoryLock(false)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), testTimeout)
	defer cmdCancel()
	tr, err := transport.Dial(cmdCtx, url, logger)
	require.NoError(t, err)
	defer tr.Close()
	c, err := miniconf.NewClient(tr, prefix)
	require.NoError(t, err)

	// Commands are answered once the device has subscribed.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		return c.Set(ctx, "afe/1/gain", []byte(`"G5"`), false) == nil
	}, testTimeout, 20*time.Millisecond)
	assert.Equal(t, sample.G5, dev.tree.Load().Afe[1].Gain)

	values, err := c.Get(cmdCtx, "afe", 50*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `"G5"`, string(values["afe/1/gain"]))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("device did not stop")
	}
	require.NoError(t, dev.Close())
}

func TestNewDeviceInvalid(t *testing.T) {
	cfg := config.Default()
	cfg.Settings.Preset = filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, writeFile(cfg.Settings.Preset, "afe/0/gain: G3\n"))

	_, err := newDevice(cfg, transporttest.NewBroker().Dial, log.Default())
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Frontend.Kind = config.FrontendSerial
	cfg.Frontend.Port = filepath.Join(t.TempDir(), "missing-port")
	_, err = newDevice(cfg, transporttest.NewBroker().Dial, log.Default())
	assert.Error(t, err)
}

func writeFile(name, content string) error {
	return os.WriteFile(name, []byte(content), 0644)
}
