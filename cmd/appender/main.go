package main

import (
	"context"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var stdout io.Writer = os.Stdout

var CLI struct {
	Append   AppendCommand     `cmd:"" help:"Append rows to a write stream."`
	Describe DescribeCommand   `cmd:"" help:"Print the row descriptor built from a table schema."`
	Serve    ServeCommand      `cmd:"" help:"Run the in-memory write service."`
	Man      mangokong.ManFlag `help:"Write man page." hidden:""`

	Verbose bool `help:"Verbose output."`
	Metrics bool `help:"Export connection metrics to stderr." group:"telemetry"`
	Trace   bool `help:"Export connection spans to stderr." group:"telemetry"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(DurationLimit{Duration: math.MaxInt64}),
		kong.Groups(map[string]string{
			"rps":       `Rate flags:`,
			"telemetry": `Telemetry flags:`,
		}),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`streaming row appender

The appender turns a table schema into a self-contained row descriptor and appends NDJSON rows to a write stream over a single bidirectional gRPC stream.
		`),
	)

	log := zap.NewNop()
	if CLI.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}
	defer log.Sync() //nolint:errcheck

	shutdown, err := setupTelemetry(CLI.Metrics, CLI.Trace)
	kongCtx.FatalIfErrorf(err)

	err = kongCtx.Run(log)
	err = multierr.Append(err, shutdown(context.Background()))
	kongCtx.FatalIfErrorf(err)
}
