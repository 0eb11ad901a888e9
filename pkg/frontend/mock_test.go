package frontend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/stabilizer/pkg/dualiir"
	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/sample"
)

const (
	testTimeout = 5 * time.Second
	tick        = 5 * time.Millisecond
)

func timeAfter() <-chan time.Time {
	return time.After(testTimeout)
}

func TestNewMockRejectsZeroPeriod(t *testing.T) {
	_, err := NewMock(MockConfig{})
	assert.Error(t, err)
}

func TestMockStepConstant(t *testing.T) {
	m, err := NewMock(MockConfig{
		BatchPeriod: time.Millisecond,
		Offset:      [sample.Channels]float32{1000, -40000},
	})
	require.NoError(t, err)
	m.SetDigital(0, true)

	buf := pipeline.NewDoubleBuffer()
	ev, ok := m.Step(buf)
	require.True(t, ok)
	assert.Equal(t, 0, ev.Slot)

	in := buf.Slot(ev.Slot).In
	for i := range sample.BatchSize {
		assert.Equal(t, sample.AdcSample(1000), in.Adc[0][i])
		assert.Equal(t, sample.AdcSample(-32768), in.Adc[1][i], "saturated")
	}
	assert.Equal(t, [2]bool{true, false}, in.Digital)
}

func TestMockStepRefusedWhileBusy(t *testing.T) {
	m, err := NewMock(DefaultMockConfig())
	require.NoError(t, err)

	buf := pipeline.NewDoubleBuffer()
	_, ok := m.Step(buf)
	require.True(t, ok)
	_, ok = m.Step(buf)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), buf.Dropped())
}

func TestMockSine(t *testing.T) {
	// 8 samples per batch at 1 ms: 8 kHz sample clock, a 1 kHz sine has a
	// period of exactly one batch.
	m, err := NewMock(MockConfig{
		BatchPeriod: time.Millisecond,
		Amplitude:   [sample.Channels]float32{1000, 0},
		Frequency:   1000,
	})
	require.NoError(t, err)

	buf := pipeline.NewDoubleBuffer()
	ev, ok := m.Step(buf)
	require.True(t, ok)

	adc := buf.Slot(ev.Slot).In.Adc[0]
	assert.Equal(t, sample.AdcSample(0), adc[0])
	assert.Equal(t, sample.AdcSample(1000), adc[2])
	assert.Equal(t, sample.AdcSample(-1000), adc[6])
}

// TestMockPipelineEndToEnd drives a pass-through controller from the mock
// and checks the outputs it shifts out follow the constant input.
func TestMockPipelineEndToEnd(t *testing.T) {
	m, err := NewMock(MockConfig{
		BatchPeriod: time.Millisecond,
		Offset:      [sample.Channels]float32{1234, -567},
	})
	require.NoError(t, err)

	tree, err := dualiir.NewTree(dualiir.Default())
	require.NoError(t, err)

	buf := pipeline.NewDoubleBuffer()
	p, err := pipeline.New(pipeline.Config{BatchPeriod: time.Hour}, dualiir.NewProcessor(tree.Cell()), buf)
	require.NoError(t, err)

	for range 4 {
		ev, ok := m.Step(buf)
		require.True(t, ok)
		require.NoError(t, p.Handle(ev))
	}

	out := m.Outputs()
	for i := range sample.BatchSize {
		assert.Equal(t, int16(1234), out.Dac[0][i].Int16())
		assert.Equal(t, int16(-567), out.Dac[1][i].Int16())
	}
	assert.Equal(t, uint64(4), p.Stats().Batches)
}

// TestMock_GracefulShutdown checks that Run returns once its context is
// cancelled while the pipeline keeps consuming events.
func TestMock_GracefulShutdown(t *testing.T) {
	m, err := NewMock(DefaultMockConfig())
	require.NoError(t, err)

	tree, err := dualiir.NewTree(dualiir.Default())
	require.NoError(t, err)

	buf := pipeline.NewDoubleBuffer()
	p, err := pipeline.New(pipeline.Config{BatchPeriod: time.Second}, dualiir.NewProcessor(tree.Cell()), buf)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan pipeline.Event, 1)
	driverDone := make(chan error, 1)
	pipelineDone := make(chan error, 1)
	go func() { driverDone <- m.Run(ctx, buf, events) }()
	go func() { pipelineDone <- p.Run(ctx, events) }()

	require.Eventually(t, func() bool { return p.Stats().Batches >= 3 }, testTimeout, tick)
	cancel()

	for _, done := range []chan error{driverDone, pipelineDone} {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-timeAfter():
			t.Fatal("did not stop within timeout")
		}
	}
}
