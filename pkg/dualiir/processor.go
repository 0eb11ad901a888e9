package dualiir

import (
	"math"

	"github.com/chewxy/math32"

	"github.com/itohio/stabilizer/pkg/iir"
	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/sample"
	"github.com/itohio/stabilizer/pkg/settings"
	"github.com/itohio/stabilizer/pkg/telemetry"
)

var _ pipeline.Processor = (*Processor)(nil)

// Processor runs both channels through their filter chains. The filter
// histories live here and belong to the real-time path; the coefficients are
// read from the settings cell once per batch.
type Processor struct {
	cell      *settings.Cell[Settings]
	state     [sample.Channels][Stages]iir.StageState
	telemetry *telemetry.Buffer
	hook      func(i int, s *Settings)
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithTelemetry makes the processor capture the last sample of every batch.
func WithTelemetry(buf *telemetry.Buffer) ProcessorOption {
	return func(p *Processor) { p.telemetry = buf }
}

// WithSampleHook calls fn after every sample with the settings snapshot the
// batch is using.
func WithSampleHook(fn func(i int, s *Settings)) ProcessorOption {
	return func(p *Processor) { p.hook = fn }
}

// NewProcessor creates a processor reading its coefficients from cell.
func NewProcessor(cell *settings.Cell[Settings], opts ...ProcessorOption) *Processor {
	p := &Processor{cell: cell}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessBatch filters in into out using a single settings snapshot.
func (p *Processor) ProcessBatch(in *sample.InputBatch, out *sample.OutputBatch) {
	s := p.cell.Load()
	hold := s.ForceHold || (s.AllowHold && in.Digital[0])

	for i := range sample.BatchSize {
		for ch := range sample.Channels {
			y := iir.Cascade(s.IIRCh[ch][:], p.state[ch][:], float32(in.Adc[ch][i]), hold)
			out.Dac[ch][i] = sample.DacCodeFromInt16(saturate(y))
		}
		if p.hook != nil {
			p.hook(i, s)
		}
	}

	if p.telemetry != nil {
		p.telemetry.Capture(in, out)
	}
}

// Reset clears the filter histories.
func (p *Processor) Reset() {
	for ch := range p.state {
		iir.Reset(p.state[ch][:])
	}
}

// saturate converts a filter output to a DAC value, truncating toward zero
// and clamping to the 16-bit range.
func saturate(y float32) int16 {
	return int16(math32.Max(math.MinInt16, math32.Min(y, math.MaxInt16)))
}
