package frontend

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/sample"
)

// MockConfig describes the simulated input signal.
type MockConfig struct {
	BatchPeriod time.Duration `yaml:"batch_period"`
	// Amplitude and Offset are in ADC codes per channel.
	Amplitude [sample.Channels]float32 `yaml:"amplitude"`
	Offset    [sample.Channels]float32 `yaml:"offset"`
	// Frequency of the sine in Hz, relative to the simulated sample clock.
	Frequency float32 `yaml:"frequency"`
}

// DefaultMockConfig returns a 1 ms batch with a 10 Hz sine on channel 0 and a
// constant on channel 1.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		BatchPeriod: time.Millisecond,
		Amplitude:   [sample.Channels]float32{8000, 0},
		Offset:      [sample.Channels]float32{0, 1000},
		Frequency:   10,
	}
}

// Mock simulates the DMA engine: once per batch period it fills the hardware
// slot with a synthetic signal, shifts out the slot's outputs and hands the
// slot over.
type Mock struct {
	cfg MockConfig
	now func() time.Time

	mu      sync.RWMutex
	n       uint64
	digital [2]bool
	last    sample.OutputBatch
}

// NewMock creates a simulated device.
func NewMock(cfg MockConfig) (*Mock, error) {
	if cfg.BatchPeriod <= 0 {
		return nil, fmt.Errorf("mock batch period must be positive, got %v", cfg.BatchPeriod)
	}
	m := &Mock{
		cfg: cfg,
		now: time.Now,
	}
	for ch := range m.last.Dac {
		for i := range m.last.Dac[ch] {
			m.last.Dac[ch][i] = sample.DacCodeFromInt16(0)
		}
	}
	return m, nil
}

// SetDigital sets the level of a simulated digital input.
func (m *Mock) SetDigital(i int, level bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digital[i] = level
}

// Outputs returns the last output batch shifted out.
func (m *Mock) Outputs() sample.OutputBatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run generates one batch per period until ctx is done. events should have
// room for one pending event; at most one handed-over slot is unreleased at
// any time.
func (m *Mock) Run(ctx context.Context, buf *pipeline.DoubleBuffer, events chan<- pipeline.Event) error {
	ticker := time.NewTicker(m.cfg.BatchPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ev, ok := m.Step(buf)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Step simulates one batch: it latches the outputs of the hardware slot,
// fills its inputs and completes it. ok is false if the hand-over was refused.
func (m *Mock) Step(buf *pipeline.DoubleBuffer) (ev pipeline.Event, ok bool) {
	slot := buf.HardwareSlot()

	m.mu.Lock()
	m.last = slot.Out
	slot.In.Digital = m.digital
	samplePeriod := m.cfg.BatchPeriod.Seconds() / sample.BatchSize
	for i := range sample.BatchSize {
		t := float32(float64(m.n) * samplePeriod)
		s := math32.Sin(2 * math32.Pi * m.cfg.Frequency * t)
		for ch := range sample.Channels {
			slot.In.Adc[ch][i] = toCode(m.cfg.Offset[ch] + m.cfg.Amplitude[ch]*s)
		}
		m.n++
	}
	m.mu.Unlock()

	idx, ok := buf.Complete()
	if !ok {
		return pipeline.Event{}, false
	}
	return pipeline.Event{Slot: idx, At: m.now()}, true
}

func toCode(v float32) sample.AdcSample {
	v = math32.Max(math.MinInt16, math32.Min(math32.Round(v), math.MaxInt16))
	return sample.AdcSample(v)
}
