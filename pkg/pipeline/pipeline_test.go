package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/stabilizer/pkg/sample"
)

// echo copies ADC codes to the DAC and counts calls.
type echo struct {
	calls atomic.Int32
}

func (e *echo) ProcessBatch(in *sample.InputBatch, out *sample.OutputBatch) {
	e.calls.Add(1)
	for ch := range in.Adc {
		for i, v := range in.Adc[ch] {
			out.Dac[ch][i] = sample.DacCodeFromInt16(int16(v))
		}
	}
}

// fakeClock returns base plus whatever delay is set, so each Handle can be
// made late or on time.
type fakeClock struct {
	base  time.Time
	delay time.Duration
}

func (c *fakeClock) now() time.Time { return c.base.Add(c.delay) }

const period = 100 * time.Microsecond

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *fakeClock, *echo) {
	t.Helper()
	if cfg.BatchPeriod == 0 {
		cfg.BatchPeriod = period
	}
	clock := &fakeClock{base: time.Unix(1000, 0)}
	proc := &echo{}
	p, err := New(cfg, proc, NewDoubleBuffer(), WithClock(clock.now))
	require.NoError(t, err)
	return p, clock, proc
}

// feed fills the hardware slot with v on both channels, completes it and
// handles the resulting event.
func feed(t *testing.T, p *Pipeline, clock *fakeClock, v int16, late bool) error {
	t.Helper()
	slot := p.Buffer().HardwareSlot()
	for ch := range slot.In.Adc {
		for i := range slot.In.Adc[ch] {
			slot.In.Adc[ch][i] = sample.AdcSample(v)
		}
	}
	idx, ok := p.Buffer().Complete()
	require.True(t, ok)
	clock.delay = period / 2
	if late {
		clock.delay = 2 * period
	}
	return p.Handle(Event{Slot: idx, At: clock.base})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero period", Config{}},
		{"negative period", Config{BatchPeriod: -time.Second}},
		{"negative threshold", Config{BatchPeriod: period, FaultThreshold: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, &echo{}, NewDoubleBuffer())
			assert.Error(t, err)
		})
	}

	_, err := New(Config{BatchPeriod: period}, nil, NewDoubleBuffer())
	assert.Error(t, err)
}

func TestHandleOnTime(t *testing.T) {
	p, clock, proc := newTestPipeline(t, Config{})

	require.NoError(t, feed(t, p, clock, 123, false))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Batches)
	assert.Zero(t, stats.Overruns)
	assert.Zero(t, stats.Dropped)
	assert.False(t, stats.Fault)
	assert.NoError(t, stats.Err())
	assert.Equal(t, int32(1), proc.calls.Load())

	// The processed output sits in slot 0, which hardware gets back next.
	out := p.Buffer().Slot(0).Out
	for ch := range out.Dac {
		for _, code := range out.Dac[ch] {
			assert.Equal(t, int16(123), code.Int16())
		}
	}
}

func TestOverrunCountedOncePerLateBatch(t *testing.T) {
	p, clock, _ := newTestPipeline(t, Config{})

	err := feed(t, p, clock, 1, true)
	assert.ErrorIs(t, err, ErrOverrun)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Overruns)
	assert.Equal(t, uint32(1), stats.Consecutive)
	assert.Equal(t, uint64(1), stats.Batches)

	// An on-time batch resets the consecutive count but not the total.
	require.NoError(t, feed(t, p, clock, 1, false))
	stats = p.Stats()
	assert.Equal(t, uint64(1), stats.Overruns)
	assert.Zero(t, stats.Consecutive)
}

func TestFaultLatchesAndResets(t *testing.T) {
	p, clock, _ := newTestPipeline(t, Config{FaultThreshold: 3})

	for range 2 {
		_ = feed(t, p, clock, 0, true)
	}
	assert.False(t, p.Stats().Fault)

	_ = feed(t, p, clock, 0, true)
	assert.True(t, p.Stats().Fault)
	assert.ErrorIs(t, p.Stats().Err(), ErrDeviceFault)

	// The fault is sticky across on-time batches.
	require.NoError(t, feed(t, p, clock, 0, false))
	assert.True(t, p.Stats().Fault)

	p.Reset()
	stats := p.Stats()
	assert.False(t, stats.Fault)
	assert.Zero(t, stats.Consecutive)
	assert.Equal(t, uint64(3), stats.Overruns)
}

func TestFaultDisabled(t *testing.T) {
	p, clock, _ := newTestPipeline(t, Config{})
	for range 20 {
		_ = feed(t, p, clock, 0, true)
	}
	assert.False(t, p.Stats().Fault)
	assert.Equal(t, uint64(20), p.Stats().Overruns)
}

func TestHoldOnOverrun(t *testing.T) {
	p, clock, _ := newTestPipeline(t, Config{HoldOnOverrun: true})

	require.NoError(t, feed(t, p, clock, 500, false))
	require.ErrorIs(t, feed(t, p, clock, -700, true), ErrOverrun)

	// The late batch landed in slot 1 and must repeat the last on-time output.
	out := p.Buffer().Slot(1).Out
	for ch := range out.Dac {
		for _, code := range out.Dac[ch] {
			assert.Equal(t, int16(500), code.Int16())
		}
	}
}

func TestWithoutHoldLateOutputPasses(t *testing.T) {
	p, clock, _ := newTestPipeline(t, Config{})

	require.NoError(t, feed(t, p, clock, 500, false))
	require.ErrorIs(t, feed(t, p, clock, -700, true), ErrOverrun)

	out := p.Buffer().Slot(1).Out
	assert.Equal(t, int16(-700), out.Dac[0][0].Int16())
}

func TestRunStopsOnCancel(t *testing.T) {
	p, _, proc := newTestPipeline(t, Config{BatchPeriod: time.Hour})

	events := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, events) }()

	idx, ok := p.Buffer().Complete()
	require.True(t, ok)
	events <- Event{Slot: idx, At: time.Unix(1000, 0)}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestRunStopsOnClosedEvents(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{})
	events := make(chan Event)
	close(events)
	assert.NoError(t, p.Run(context.Background(), events))
}
