package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/itohio/stabilizer/pkg/config"
	"github.com/itohio/stabilizer/pkg/dualiir"
	"github.com/itohio/stabilizer/pkg/frontend"
	"github.com/itohio/stabilizer/pkg/miniconf"
	"github.com/itohio/stabilizer/pkg/pipeline"
	"github.com/itohio/stabilizer/pkg/sample"
	"github.com/itohio/stabilizer/pkg/scheduler"
	"github.com/itohio/stabilizer/pkg/settings"
	"github.com/itohio/stabilizer/pkg/telemetry"
	"github.com/itohio/stabilizer/pkg/transport"
)

type runCmd struct {
	Mock     bool   `help:"Use the simulated front end regardless of configuration"`
	Port     string `short:"p" help:"Serial port override (e.g., /dev/ttyACM0)"`
	Embedded bool   `help:"Serve the broker in process on broker.listen and broker.websocket instead of dialing broker.url"`
	Record   string `help:"Record telemetry to this parquet file" type:"path"`
}

func (r *runCmd) Run(a *app) error {
	cfg := a.cfg
	if r.Mock {
		cfg.Frontend.Kind = config.FrontendMock
	}
	if r.Port != "" {
		cfg.Frontend.Port = r.Port
	}
	if r.Record != "" {
		cfg.Telemetry.Record = r.Record
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := cfg.Broker.URL
	var server *transport.Server
	if r.Embedded {
		var err error
		if server, err = transport.NewServer(a.log); err != nil {
			return err
		}
		if url, err = transport.LocalURL(cfg.Broker.Listen); err != nil {
			return err
		}
	}

	dev, err := newDevice(cfg, transport.NewDialer(url, a.log), a.log)
	if err != nil {
		return err
	}
	defer dev.Close()

	var tasks []scheduler.Task
	if server != nil {
		tasks = append(tasks, scheduler.Task{
			Name:     "broker",
			Priority: 15,
			Run: func(ctx context.Context) error {
				return server.ListenAndServe(ctx, cfg.Broker.Listen, cfg.Broker.WebSocket)
			},
		})
	}
	return dev.Run(ctx, tasks...)
}

// device is the assembled controller.
type device struct {
	cfg *config.Config
	log *log.Logger

	tree      *settings.Tree[dualiir.Settings]
	pipeline  *pipeline.Pipeline
	driver    frontend.Device
	adapter   *miniconf.Adapter
	publisher *telemetry.Publisher
	recorder  *telemetry.Recorder
	closers   []func() error
	schedOpts []scheduler.Option
}

func newDevice(cfg *config.Config, dial transport.Dialer, logger *log.Logger) (*device, error) {
	d := &device{cfg: cfg, log: logger}
	if err := d.init(dial); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *device) init(dial transport.Dialer) error {
	cfg := d.cfg
	prefix := cfg.Device.TopicPrefix()

	tree, err := dualiir.NewTree(dualiir.Default())
	if err != nil {
		return err
	}
	if cfg.Settings.Preset != "" {
		if err := dualiir.LoadPreset(tree, cfg.Settings.Preset); err != nil {
			return err
		}
	}
	d.tree = tree

	buf := &telemetry.Buffer{}
	proc := dualiir.NewProcessor(tree.Cell(), dualiir.WithTelemetry(buf))
	d.pipeline, err = pipeline.New(cfg.Pipeline.Config(), proc, pipeline.NewDoubleBuffer(), pipeline.WithLogger(d.log))
	if err != nil {
		return err
	}

	switch cfg.Frontend.Kind {
	case config.FrontendSerial:
		s := frontend.NewSerial(cfg.Frontend.Port, cfg.Frontend.Baud, d.log)
		if err := s.Connect(); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", cfg.Frontend.Port, err)
		}
		d.closers = append(d.closers, s.Close)
		d.driver = s
	default:
		m, err := frontend.NewMock(cfg.Frontend.Mock)
		if err != nil {
			return err
		}
		d.driver = m
	}

	d.adapter = miniconf.NewAdapter(prefix, tree, dial,
		miniconf.WithLogger(d.log),
		miniconf.WithBackoff(cfg.Broker.MinBackoff, cfg.Broker.MaxBackoff),
		miniconf.OnChange(func(path string) {
			d.log.Info("Settings changed", "path", path)
		}),
	)

	d.publisher, err = telemetry.NewPublisher(buf, d.adapter, miniconf.Topics{Prefix: prefix}.Telemetry(), cfg.Telemetry.Sampling(),
		telemetry.WithLogger(d.log),
		telemetry.WithStats(d.pipeline.Stats),
		telemetry.WithGains(func() [sample.Channels]sample.AfeGain { return tree.Load().Gains() }),
		telemetry.WithPeriod(func() time.Duration { return time.Duration(tree.Load().TelemetryPeriod) * time.Second }),
	)
	if err != nil {
		return err
	}

	if cfg.Telemetry.Record != "" {
		d.recorder, err = telemetry.CreateRecorder(cfg.Telemetry.Record, prefix)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, d.recorder.Close)
		d.publisher.OnUpdate(func(t telemetry.Telemetry) {
			if err := d.recorder.Record(t); err != nil {
				d.log.Warn("Recording failed", "err", err)
			}
		})
	}
	return nil
}

// Run runs the controller and any extra tasks until ctx is done or a task
// fails.
func (d *device) Run(ctx context.Context, extra ...scheduler.Task) error {
	events := make(chan pipeline.Event, 1)
	buf := d.pipeline.Buffer()

	tasks := []scheduler.Task{
		{Name: "pipeline", Priority: 30, Realtime: true, Run: func(ctx context.Context) error {
			return d.pipeline.Run(ctx, events)
		}},
		{Name: "frontend", Priority: 20, Run: func(ctx context.Context) error {
			return d.driver.Run(ctx, buf, events)
		}},
		{Name: "miniconf", Priority: 10, Run: d.adapter.Run},
		{Name: "telemetry", Priority: 5, Run: d.publisher.Run},
	}
	tasks = append(tasks, extra...)

	d.log.Info("Starting", "prefix", d.cfg.Device.TopicPrefix(), "frontend", d.cfg.Frontend.Kind, "batch_period", d.cfg.Pipeline.BatchPeriod)
	opts := append([]scheduler.Option{scheduler.WithLogger(d.log)}, d.schedOpts...)
	err := scheduler.New(opts...).Run(ctx, tasks...)

	st := d.pipeline.Stats()
	d.log.Info("Stopped", "batches", st.Batches, "overruns", st.Overruns, "dropped", st.Dropped, "device_fault", st.Fault)
	return err
}

// Close releases the front end and the recording.
func (d *device) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}
