package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/itohio/stabilizer/pkg/config"
)

var cli struct {
	Config    string `help:"Configuration file path" default:"config.yaml" type:"path"`
	BrokerURL string `name:"broker-url" help:"Broker URL override (mqtt:// or ws://)"`
	Verbose   bool   `short:"v" help:"Prints debug output"`

	Run    runCmd    `cmd:"" help:"Run the dual IIR controller"`
	Broker brokerCmd `cmd:"" help:"Run a standalone MQTT broker"`
	Set    setCmd    `cmd:"" help:"Write settings of a device and wait for its responses"`
	Get    getCmd    `cmd:"" help:"Read the published settings of a device"`
	List   listCmd   `cmd:"" help:"List the settings tree with types and default values"`
}

// app is bound to every command.
type app struct {
	cfg *config.Config
	log *log.Logger
}

func main() {
	flags := kong.Parse(&cli,
		kong.Name("stabilizer"),
		kong.Description("Dual channel IIR controller with settings over publish/subscribe."),
		kong.UsageOnError(),
	)

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	log.SetDefault(logger)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		log.Fatal("Failed to load configuration", "err", err)
	}
	if cli.BrokerURL != "" {
		cfg.Broker.URL = cli.BrokerURL
	}

	level, _ := cfg.Level()
	if cli.Verbose {
		level = log.DebugLevel
	}
	logger.SetLevel(level)

	err = flags.Run(&app{cfg: cfg, log: logger})
	flags.FatalIfErrorf(err)
}
