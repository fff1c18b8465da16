// Command spork-server runs a spork QUIC endpoint and inspects its traces.
//
// Usage:
//
//	spork-server [serve] [flags]
//	spork-server probe [flags] <addr>
//	spork-server events [flags] <file>
//	spork-server discover [flags]
//
// Every serve flag can also be set through a SPORK_* environment variable
// or a YAML file given with --config.
package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"

	"github.com/spork-protocol/spork-go/cmd/spork-server/internal/commands"
	"github.com/spork-protocol/spork-go/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Debug    bool `help:"Enable debug logging." env:"SPORK_DEBUG"`
		Version  kong.VersionFlag
		Serve    commands.ServeCmd    `cmd:"" default:"withargs" help:"Run the endpoint (default)."`
		Probe    commands.ProbeCmd    `cmd:"" help:"Connect to an endpoint and report what was negotiated."`
		Events   commands.EventsCmd   `cmd:"" help:"Print a connection event log."`
		Discover commands.DiscoverCmd `cmd:"" help:"List endpoints announced over mDNS."`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("spork-server"),
		kong.Description("QUIC secure endpoint."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	err := cmd.Run(&commands.Globals{
		Debug:   cli.Debug,
		Version: version,
		Logger:  logger.Setup(cli.Debug, os.Stderr),
		Out:     os.Stdout,
	})
	cmd.FatalIfErrorf(err)
}
