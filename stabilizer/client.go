package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/itohio/stabilizer/pkg/dualiir"
	"github.com/itohio/stabilizer/pkg/miniconf"
	"github.com/itohio/stabilizer/pkg/transport"
)

type brokerCmd struct {
	Listen    string `help:"TCP listen address override"`
	WebSocket string `name:"websocket" help:"WebSocket listen address override"`
}

func (b *brokerCmd) Run(a *app) error {
	addr, wsAddr := a.cfg.Broker.Listen, a.cfg.Broker.WebSocket
	if b.Listen != "" {
		addr = b.Listen
	}
	if b.WebSocket != "" {
		wsAddr = b.WebSocket
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := transport.NewServer(a.log)
	if err != nil {
		return err
	}
	return server.ListenAndServe(ctx, addr, wsAddr)
}

type setCmd struct {
	Prefix   string        `arg:"" help:"Device topic prefix"`
	Settings []string      `arg:"" help:"Settings as path=json, applied in order"`
	Retain   bool          `default:"true" negatable:"" help:"Keep the commands on the broker until the device applies them, so an offline device picks them up when it connects"`
	Timeout  time.Duration `default:"5s" help:"Time to wait for each response"`
}

// parseAssignment splits path=value. The value is sent verbatim.
func parseAssignment(s string) (path string, value []byte, err error) {
	path, v, ok := strings.Cut(s, "=")
	if !ok || path == "" || v == "" {
		return "", nil, fmt.Errorf("expected path=value, got %q", s)
	}
	return path, []byte(v), nil
}

func (s *setCmd) Run(a *app) error {
	// Validate every argument before sending anything.
	type assignment struct {
		path  string
		value []byte
	}
	assignments := make([]assignment, 0, len(s.Settings))
	for _, arg := range s.Settings {
		path, value, err := parseAssignment(arg)
		if err != nil {
			return err
		}
		assignments = append(assignments, assignment{path, value})
	}

	c, closeFn, err := dialClient(a, s.Prefix, s.Timeout)
	if err != nil {
		return err
	}
	defer closeFn()

	for _, as := range assignments {
		ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
		err := c.Set(ctx, as.path, as.value, s.Retain)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", as.path, err)
		}
		a.log.Info("Set", "path", as.path, "value", string(as.value))
	}
	return nil
}

type getCmd struct {
	Prefix  string        `arg:"" help:"Device topic prefix"`
	Paths   []string      `arg:"" optional:"" help:"Paths to read, the whole tree if omitted"`
	Settle  time.Duration `default:"200ms" help:"Quiet period ending the collection"`
	Timeout time.Duration `default:"5s" help:"Overall time limit"`
}

func (g *getCmd) Run(a *app) error {
	c, closeFn, err := dialClient(a, g.Prefix, g.Timeout)
	if err != nil {
		return err
	}
	defer closeFn()

	paths := g.Paths
	if len(paths) == 0 {
		paths = []string{""}
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	values := make(map[string][]byte)
	for _, path := range paths {
		got, err := c.Get(ctx, path, g.Settle)
		if err != nil {
			return err
		}
		maps.Copy(values, got)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Value"})
	table.SetAutoWrapText(false)
	for _, path := range slices.Sorted(maps.Keys(values)) {
		table.Append([]string{path, string(values[path])})
	}
	table.Render()
	return nil
}

type listCmd struct {
	Preset string `help:"Apply this preset before listing" type:"path"`
}

func (l *listCmd) Run(a *app) error {
	tree, err := dualiir.NewTree(dualiir.Default())
	if err != nil {
		return err
	}
	preset := a.cfg.Settings.Preset
	if l.Preset != "" {
		preset = l.Preset
	}
	if preset != "" {
		if err := dualiir.LoadPreset(tree, preset); err != nil {
			return err
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Type", "Value"})
	table.SetAutoWrapText(false)
	for path, desc := range tree.Enumerate() {
		value, err := tree.Get(path)
		if err != nil {
			return err
		}
		table.Append([]string{path, desc.String(), string(value)})
	}
	table.Render()
	return nil
}

func dialClient(a *app, prefix string, timeout time.Duration) (*miniconf.Client, func() error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	t, err := transport.Dial(ctx, a.cfg.Broker.URL, a.log)
	if err != nil {
		return nil, nil, err
	}
	c, err := miniconf.NewClient(t, prefix)
	if err != nil {
		t.Close()
		return nil, nil, err
	}
	return c, t.Close, nil
}
