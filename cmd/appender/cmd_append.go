package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/appender/consts"
	"github.com/ozontech/appender/datasource"
	"github.com/ozontech/appender/loader"
	"github.com/ozontech/appender/loader/types"
	"github.com/ozontech/appender/managedwriter"
	consoleReporter "github.com/ozontech/appender/report/console"
	"github.com/ozontech/appender/report/multi"
	"github.com/ozontech/appender/report/noop"
	phoutReporter "github.com/ozontech/appender/report/phout"
	"github.com/ozontech/appender/scheduler"
	"github.com/ozontech/appender/transport/grpctransport"
)

type RPSConst struct {
	Freq     uint64        `arg:"" required:"" help:"Value batches/s."`
	Duration time.Duration `help:"Limit duration (10s, 2h...)."`
}

func (r RPSConst) AfterApply(kongCtx *kong.Context) error {
	var sched scheduler.Scheduler
	sched, err := scheduler.NewConstant(r.Freq)
	if err != nil {
		return err
	}
	kongCtx.BindTo(sched, (*scheduler.Scheduler)(nil))
	if r.Duration != 0 {
		kongCtx.Bind(DurationLimit{r.Duration})
	}
	return nil
}

type RPSLine struct {
	From     float64       `arg:"" required:"" help:"Starting batches/s."`
	To       float64       `arg:"" required:"" help:"Ending batches/s."`
	Duration time.Duration `arg:"" required:"" help:"Duration (10s, 2h...)."`
}

func (r RPSLine) AfterApply(kongCtx *kong.Context) error {
	sched, err := scheduler.NewLine(r.From, r.To, r.Duration)
	if err != nil {
		return err
	}
	kongCtx.BindTo(sched, (*scheduler.Scheduler)(nil))
	kongCtx.Bind(DurationLimit{r.Duration})
	return nil
}

type RPSUnlimited struct {
	Duration time.Duration `help:"Limit duration (10s, 2h...)."`
	Count    uint64        `help:"Limit batches count."`
}

func (r RPSUnlimited) AfterApply(kongCtx *kong.Context) error {
	var sched scheduler.Scheduler = scheduler.Unlimited{}
	if r.Count != 0 {
		sched = scheduler.NewCountLimiter(sched, int64(r.Count))
	}
	if r.Duration != 0 {
		kongCtx.Bind(DurationLimit{r.Duration})
	}
	kongCtx.BindTo(sched, (*scheduler.Scheduler)(nil))
	return nil
}

type RPS struct {
	Const     RPSConst     `cmd:"" group:"rps" help:"Const batches/s."`
	Line      RPSLine      `cmd:"" group:"rps" help:"Linear batches/s."`
	Unlimited RPSUnlimited `cmd:"" group:"rps" help:"Unlimited batches/s (default one)." default:""`
}

type DurationLimit struct {
	Duration time.Duration
}

type AppendCommand struct {
	Addr   string `required:"" help:"Address of the write service."`
	Stream string `required:"" help:"Write stream name (projects/.../streams/<id> or .../_default)."`
	SchemaFlags

	RowsFile string `required:"" type:"existingfile" help:"NDJSON rows; .gz and .zst files are decompressed."`
	Inmem    bool   `help:"Load whole rows file in memory and repeat it."`
	Cycle    bool   `help:"Reread an uncompressed rows file from the start when it ends."`

	BatchRows   int   `default:"500" help:"Rows per append request."`
	Offsets     bool  `help:"Send explicit offsets."`
	StartOffset int64 `help:"First explicit offset."`
	StopOnError bool  `help:"Stop at the first rejected batch."`

	MaxInflight  int64         `default:"1000" help:"Unacknowledged requests limit."`
	Resend       bool          `help:"Resend unacknowledged requests after a reconnect."`
	Compress     bool          `help:"Compress requests with gzip."`
	Timeout      time.Duration `default:"11s" help:"Acknowledgement time counted as a failure in reports."`
	Phout        string        `help:"Phout report file." type:"path"`
	Quiet        bool          `help:"Do not print per-second statistics."`
	Tag          string        `default:"append" help:"Batch tag in reports."`
	TraceID      string        `default:"appender" help:"Trace id sent with every request."`
	CloseTimeout time.Duration `default:"11s" help:"Time to wait for outstanding acknowledgements on exit."`

	RPS
}

func (c *AppendCommand) Run(
	ctx context.Context,
	log *zap.Logger,
	sched scheduler.Scheduler,
	d DurationLimit,
) (err error) {
	dp, ns, err := c.load()
	if err != nil {
		return err
	}

	dataSource, closeRows, err := c.dataSource(ns.FromJSON)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeRows()) }()

	cc, err := grpctransport.Dial(c.Addr)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	defer func() { err = multierr.Append(err, cc.Close()) }()

	topts := []grpctransport.Option{
		grpctransport.WithLogger(log),
		grpctransport.WithWriteStream(c.Stream),
	}
	if c.Compress {
		topts = append(topts, grpctransport.WithCompression())
	}
	redelivery := managedwriter.RedeliveryNone
	if c.Resend {
		redelivery = managedwriter.RedeliveryResend
	}
	conn, err := managedwriter.NewConnection(
		grpctransport.New(cc, topts...),
		managedwriter.WithLogger(log),
		managedwriter.WithMaxInflightRequests(c.MaxInflight),
		managedwriter.WithRedelivery(redelivery),
	)
	if err != nil {
		return err
	}
	openCtx, cancel := context.WithTimeout(ctx, consts.DefaultTimeout)
	err = conn.Open(openCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}

	writer, err := managedwriter.NewStreamWriter(conn, c.Stream, dp, managedwriter.WithTraceID(c.TraceID))
	if err != nil {
		return err
	}

	var reporter types.Reporter = consoleReporter.New(stdout, c.Timeout)
	if c.Quiet {
		reporter = noop.New()
	}
	if c.Phout != "" {
		f, err := os.Create(c.Phout)
		if err != nil {
			return fmt.Errorf("creating phout file(%s): %w", c.Phout, err)
		}
		defer f.Close()
		reporter = multi.New(phoutReporter.New(f, c.Timeout), reporter)
	}

	g := new(errgroup.Group)
	g.Go(reporter.Run)

	opts := []loader.Option{loader.WithTag(c.Tag)}
	if c.Offsets {
		opts = append(opts, loader.WithOffsets(c.StartOffset))
	}
	if c.StopOnError {
		opts = append(opts, loader.WithStopOnError())
	}
	if d.Duration > 0 {
		sched = scheduler.NewDurationLimiter(sched, d.Duration)
	}
	summary, runErr := loader.New(writer, reporter, log, opts...).Run(ctx, dataSource, sched)

	closeCtx, cancel := context.WithTimeout(context.Background(), c.CloseTimeout)
	defer cancel()
	if err := writer.Close(closeCtx); err != nil && !errors.Is(err, managedwriter.ErrConnectionClosed) {
		runErr = multierr.Append(runErr, fmt.Errorf("closing stream: %w", err))
	}

	err = multierr.Combine(runErr, reporter.Close(), g.Wait())
	memStats(log)

	fmt.Fprintf(stdout, "batches=%d rows=%s failed=%d last offset: %d\n",
		summary.Batches, humanize.Comma(summary.Rows), summary.Failed, summary.LastOffset)
	return err
}

func (c *AppendCommand) dataSource(convert datasource.Converter) (types.DataSource, func() error, error) {
	dsOpts := []datasource.Option{datasource.WithBatchRows(c.BatchRows)}

	if c.Cycle {
		if ext := filepath.Ext(c.RowsFile); ext == ".gz" || ext == ".zst" || ext == ".zstd" {
			return nil, nil, fmt.Errorf("--cycle needs an uncompressed rows file, use --inmem for %s", c.RowsFile)
		}
		//nolint:gosec
		f, err := os.Open(c.RowsFile)
		if err != nil {
			return nil, nil, err
		}
		return datasource.NewFileDataSource(datasource.NewCyclicReader(f), convert, dsOpts...), f.Close, nil
	}

	rc, err := datasource.Open(c.RowsFile)
	if err != nil {
		return nil, nil, err
	}
	if !c.Inmem {
		return datasource.NewFileDataSource(rc, convert, dsOpts...), rc.Close, nil
	}

	ds := datasource.NewInmemDataSource(rc, convert, dsOpts...)
	err = ds.Init()
	if closeErr := rc.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, nil, fmt.Errorf("inmem datasource init: %w", err)
	}
	return ds, func() error { return nil }, nil
}

func memStats(log *zap.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Info(
		"memory stats",
		zap.String("Alloc", humanize.IBytes(m.Alloc)),
		zap.String("TotalAlloc", humanize.IBytes(m.TotalAlloc)),
		zap.String("Sys", humanize.IBytes(m.Sys)),
		zap.String("HeapInuse", humanize.IBytes(m.HeapInuse)),
		zap.Uint32("NumGC (count)", m.NumGC),
	)
}
