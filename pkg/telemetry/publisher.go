package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/segmentio/encoding/json"
	"gonum.org/v1/gonum/stat"

	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/sample"
	"github.com/itohio/stabilizer/pkg/transport"
)

// Sink accepts published messages. Both transport.Transport and
// miniconf.Adapter implement it.
type Sink interface {
	Publish(ctx context.Context, msg transport.Message) error
}

// Config controls sampling of the telemetry buffer.
type Config struct {
	// Interval between snapshots of the buffer.
	Interval time.Duration `yaml:"interval"`
	// Window is the span of snapshots kept for statistics.
	Window time.Duration `yaml:"window"`
	// Points caps the number of snapshots statistics are computed over.
	Points int `yaml:"points"`
}

// DefaultConfig returns the default sampling configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 100 * time.Millisecond,
		Window:   10 * time.Second,
		Points:   64,
	}
}

// Publisher samples a Buffer in the background, keeps a time window of
// records and publishes one record per reporting period. Publishing is best
// effort: a failed publish is logged and the record is dropped.
type Publisher struct {
	buf   *Buffer
	sink  Sink
	topic string
	cfg   Config

	gains  func() [sample.Channels]sample.AfeGain
	stats  func() pipeline.Stats
	period func() time.Duration
	now    func() time.Time
	log    *log.Logger

	mu           sync.RWMutex
	window       []Telemetry
	scratch      []Telemetry
	values       []float64
	published    time.Time
	lastOverruns uint64
	faulted      bool

	cbMu      sync.RWMutex
	callbacks []func(Telemetry)
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithGains sets the source of the AFE gains used for volt conversion.
func WithGains(fn func() [sample.Channels]sample.AfeGain) Option {
	return func(p *Publisher) { p.gains = fn }
}

// WithStats sets the source of the pipeline counters.
func WithStats(fn func() pipeline.Stats) Option {
	return func(p *Publisher) { p.stats = fn }
}

// WithPeriod sets the source of the reporting period. It is read on every
// snapshot so changes apply without a restart.
func WithPeriod(fn func() time.Duration) Option {
	return func(p *Publisher) { p.period = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// NewPublisher creates a publisher of buf to topic on sink.
func NewPublisher(buf *Buffer, sink Sink, topic string, cfg Config, opts ...Option) (*Publisher, error) {
	if buf == nil || sink == nil {
		return nil, fmt.Errorf("buffer and sink are required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("telemetry interval must be positive, got %v", cfg.Interval)
	}
	if err := transport.ValidateTopic(topic); err != nil {
		return nil, err
	}

	p := &Publisher{
		buf:    buf,
		sink:   sink,
		topic:  topic,
		cfg:    cfg,
		gains:  func() [sample.Channels]sample.AfeGain { return [sample.Channels]sample.AfeGain{} },
		stats:  func() pipeline.Stats { return pipeline.Stats{} },
		period: func() time.Duration { return time.Second },
		now:    time.Now,
		log:    log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithPrefix("telemetry")
	return p, nil
}

// Run snapshots the buffer every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick takes one snapshot and publishes it if the reporting period elapsed.
// It returns the record and whether it was due for publishing.
func (p *Publisher) Tick(ctx context.Context) (Telemetry, bool) {
	now := p.now()
	rec := Finalize(p.buf.Snapshot(), p.gains(), p.stats(), now)

	p.mu.Lock()
	p.watch(rec)
	p.push(rec)
	p.summarize(&rec)
	due := p.published.IsZero() || now.Sub(p.published) >= p.period()
	if due {
		p.published = now
	}
	p.mu.Unlock()

	p.notifyCallbacks(rec)

	if due {
		p.publish(ctx, rec)
	}
	return rec, due
}

// watch logs overruns and the fault transition. The real-time path only
// counts them.
func (p *Publisher) watch(rec Telemetry) {
	if rec.Overruns > p.lastOverruns {
		p.log.Warn("Batch deadline missed", "overruns", rec.Overruns-p.lastOverruns, "total", rec.Overruns)
	}
	p.lastOverruns = rec.Overruns

	if rec.DeviceFault && !p.faulted {
		p.log.Error("Device fault latched", "err", pipeline.ErrDeviceFault, "overruns", rec.Overruns)
	}
	p.faulted = rec.DeviceFault
}

// push appends rec and drops records older than the window.
func (p *Publisher) push(rec Telemetry) {
	p.window = append(p.window, rec)

	cutoff := rec.Timestamp.Add(-p.cfg.Window)
	keep := 0
	for keep < len(p.window)-1 && !p.window[keep].Timestamp.After(cutoff) {
		keep++
	}
	if keep > 0 {
		n := copy(p.window, p.window[keep:])
		p.window = p.window[:n]
	}
}

func (p *Publisher) summarize(rec *Telemetry) {
	p.scratch = Decimate(p.scratch, p.window, p.cfg.Points)
	if len(p.scratch) < 2 {
		return
	}
	for ch := range sample.Channels {
		p.values = p.values[:0]
		for _, r := range p.scratch {
			p.values = append(p.values, float64(r.Adcs[ch]))
		}
		mean, std := stat.MeanStdDev(p.values, nil)
		rec.AdcMean[ch] = float32(mean)
		rec.AdcStd[ch] = float32(std)
	}
}

func (p *Publisher) publish(ctx context.Context, rec Telemetry) {
	payload, err := json.Marshal(rec)
	if err != nil {
		p.log.Warn("Failed to encode telemetry", "err", err)
		return
	}
	if err := p.sink.Publish(ctx, transport.Message{Topic: p.topic, Payload: payload}); err != nil {
		p.log.Debug("Telemetry dropped", "err", err)
	}
}

// Window returns a copy of the records inside the window, oldest first.
func (p *Publisher) Window() []Telemetry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]Telemetry, len(p.window))
	copy(result, p.window)
	return result
}

// OnUpdate registers a callback invoked with every snapshot.
// The callback should return quickly.
func (p *Publisher) OnUpdate(cb func(Telemetry)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

func (p *Publisher) notifyCallbacks(rec Telemetry) {
	p.cbMu.RLock()
	callbacks := make([]func(Telemetry), len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(rec)
	}
}
