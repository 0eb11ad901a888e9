// Package pipeline runs the hard real-time batch loop: it takes batches
// handed over by the acquisition driver, runs them through a Processor and
// accounts for missed deadlines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/itohio/stabilizer/pkg/sample"
)

var (
	// ErrOverrun reports that a batch finished after its deadline.
	ErrOverrun = errors.New("batch overrun")
	// ErrDeviceFault reports persistent overruns. Only Reset clears it.
	ErrDeviceFault = errors.New("device fault")
)

// Event signals that hardware handed a filled slot to software.
type Event struct {
	Slot int
	// At is the hand-over time; the batch deadline is At plus one batch period.
	At time.Time
}

// Processor turns one input batch into one output batch. It is called from
// the real-time loop and must not block or allocate.
type Processor interface {
	ProcessBatch(in *sample.InputBatch, out *sample.OutputBatch)
}

// Driver is the DMA side of the double buffer. Run fills the hardware slot
// once per batch period, calls Complete and delivers an Event for every
// successful hand-over until ctx is done.
type Driver interface {
	Run(ctx context.Context, buf *DoubleBuffer, events chan<- Event) error
}

// Config holds the timing and fault policy of the pipeline.
type Config struct {
	// BatchPeriod is sample.BatchSize sample periods.
	BatchPeriod time.Duration
	// FaultThreshold is the number of consecutive overruns that latch a
	// device fault. Zero disables the fault.
	FaultThreshold int
	// HoldOnOverrun replaces the output of a late batch with the last
	// output of the previous on-time batch.
	HoldOnOverrun bool
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Batches     uint64 `json:"batches"`
	Overruns    uint64 `json:"overruns"`
	Dropped     uint64 `json:"dropped"`
	Consecutive uint32 `json:"consecutive"`
	Fault       bool   `json:"device_fault"`
}

// Err returns ErrDeviceFault if the fault is latched.
func (s Stats) Err() error {
	if s.Fault {
		return ErrDeviceFault
	}
	return nil
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline is the batch handler. Handle must only be called from a single
// goroutine; Stats and Reset are safe from any goroutine.
type Pipeline struct {
	cfg  Config
	proc Processor
	buf  *DoubleBuffer
	now  func() time.Time
	log  *log.Logger

	// held is the last output of each channel from an on-time batch.
	held [sample.Channels]sample.DacCode

	batches     atomic.Uint64
	overruns    atomic.Uint64
	consecutive atomic.Uint32
	fault       atomic.Bool
}

// New creates a pipeline processing batches of buf with proc.
func New(cfg Config, proc Processor, buf *DoubleBuffer, opts ...Option) (*Pipeline, error) {
	if cfg.BatchPeriod <= 0 {
		return nil, fmt.Errorf("batch period must be positive, got %v", cfg.BatchPeriod)
	}
	if cfg.FaultThreshold < 0 {
		return nil, fmt.Errorf("fault threshold must not be negative, got %d", cfg.FaultThreshold)
	}
	if proc == nil || buf == nil {
		return nil, fmt.Errorf("processor and buffer are required")
	}

	p := &Pipeline{
		cfg:  cfg,
		proc: proc,
		buf:  buf,
		now:  time.Now,
		log:  log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithPrefix("pipeline")
	for ch := range p.held {
		p.held[ch] = sample.DacCodeFromInt16(0)
	}
	return p, nil
}

// Buffer returns the double buffer shared with the driver.
func (p *Pipeline) Buffer() *DoubleBuffer {
	return p.buf
}

// Run handles events until ctx is done or events is closed. It never stops
// because of overruns or a latched fault.
func (p *Pipeline) Run(ctx context.Context, events <-chan Event) error {
	p.log.Debug("Real-time loop started", "batch_period", p.cfg.BatchPeriod)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = p.Handle(ev)
		}
	}
}

// Handle processes the slot named by ev and returns it to the driver. It
// returns ErrOverrun if the batch missed its deadline.
func (p *Pipeline) Handle(ev Event) error {
	slot := p.buf.Slot(ev.Slot)
	p.proc.ProcessBatch(&slot.In, &slot.Out)

	var err error
	if p.now().Sub(ev.At) > p.cfg.BatchPeriod {
		p.OnOverrun()
		if p.cfg.HoldOnOverrun {
			for ch := range slot.Out.Dac {
				for i := range slot.Out.Dac[ch] {
					slot.Out.Dac[ch][i] = p.held[ch]
				}
			}
		}
		err = ErrOverrun
	} else {
		p.consecutive.Store(0)
		for ch := range slot.Out.Dac {
			p.held[ch] = slot.Out.Dac[ch][sample.BatchSize-1]
		}
	}

	p.batches.Add(1)
	p.buf.Release(ev.Slot)
	return err
}

// OnOverrun counts one missed deadline and latches the device fault when
// the consecutive count reaches the threshold.
func (p *Pipeline) OnOverrun() {
	p.overruns.Add(1)
	n := p.consecutive.Add(1)
	if p.cfg.FaultThreshold > 0 && n >= uint32(p.cfg.FaultThreshold) {
		p.fault.Store(true)
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Batches:     p.batches.Load(),
		Overruns:    p.overruns.Load(),
		Dropped:     p.buf.Dropped(),
		Consecutive: p.consecutive.Load(),
		Fault:       p.fault.Load(),
	}
}

// Reset clears the consecutive overrun count and the latched fault. It
// models a hardware reset of the fault state; cumulative counters are kept.
func (p *Pipeline) Reset() {
	p.consecutive.Store(0)
	p.fault.Store(false)
}
