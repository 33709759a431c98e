package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/appender/consts"
	"github.com/ozontech/appender/datasource"
	"github.com/ozontech/appender/loader/types"
	"github.com/ozontech/appender/managedwriter"
	"github.com/ozontech/appender/scheduler"
)

// Summary is the outcome of a run.
type Summary struct {
	Batches    int64
	Rows       int64
	Failed     int64
	LastOffset int64
}

type loaderConfig struct {
	tag          string
	offsets      bool
	startOffset  int64
	stopOnError  bool
	maxQueueSize int
}

type Option func(*loaderConfig)

// WithTag labels every batch in reports.
func WithTag(tag string) Option {
	return func(c *loaderConfig) {
		c.tag = tag
	}
}

// WithOffsets sends explicit offsets starting at start. Each batch takes the
// offset following the previous batch's rows.
func WithOffsets(start int64) Option {
	return func(c *loaderConfig) {
		c.offsets = true
		c.startOffset = start
	}
}

// WithStopOnError ends the run at the first failed batch.
func WithStopOnError() Option {
	return func(c *loaderConfig) {
		c.stopOnError = true
	}
}

type inflight struct {
	pw    *managedwriter.PendingWrite
	batch *datasource.Batch
	state types.BatchState
}

// Loader feeds batches from a data source into an appender on a schedule and
// collects their results in send order.
type Loader struct {
	appender types.Appender
	reporter types.LoaderReporter
	conf     loaderConfig
	log      *zap.Logger

	rows       atomic.Int64
	failed     atomic.Int64
	lastOffset atomic.Int64
}

var loaderID atomic.Uint32

func New(appender types.Appender, reporter types.LoaderReporter, log *zap.Logger, opts ...Option) *Loader {
	conf := loaderConfig{
		tag:          "append",
		maxQueueSize: consts.DefaultMaxInflightRequests,
	}
	for _, o := range opts {
		o(&conf)
	}
	l := &Loader{
		appender: appender,
		reporter: reporter,
		conf:     conf,
		log:      log.Named("loader").With(zap.Uint32("loader-id", loaderID.Add(1))),
	}
	l.lastOffset.Store(consts.NoStreamOffset)
	return l
}

// Run sends batches until the data source or the schedule is exhausted and
// waits for every result.
func (l *Loader) Run(ctx context.Context, ds types.DataSource, s scheduler.Scheduler) (Summary, error) {
	pending := make(chan inflight, l.conf.maxQueueSize)
	var batches atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer func() { l.log.Debug("sender done", zap.Error(err)) }()
		defer close(pending)
		n, err := l.runSender(ctx, ds, scheduler.NewPacer(s), pending)
		batches.Store(n)
		return err
	})
	g.Go(func() (err error) {
		defer func() { l.log.Debug("receiver done", zap.Error(err)) }()
		return l.runReceiver(ctx, pending)
	})
	err := g.Wait()

	return Summary{
		Batches:    batches.Load(),
		Rows:       l.rows.Load(),
		Failed:     l.failed.Load(),
		LastOffset: l.lastOffset.Load(),
	}, err
}

func (l *Loader) runSender(ctx context.Context, ds types.DataSource, p *scheduler.Pacer, pending chan<- inflight) (int64, error) {
	var n int64
	offset := l.conf.startOffset
	for {
		ok, err := p.Wait(ctx)
		if err != nil || !ok {
			return n, err
		}

		batch, err := ds.Fetch()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("fetch batch: %w", err)
		}

		state := l.reporter.Acquire(l.conf.tag)
		state.SetSize(len(batch.Rows), batch.Bytes)

		var opts []managedwriter.AppendOption
		if l.conf.offsets {
			opts = append(opts, managedwriter.WithOffset(offset))
			offset += int64(len(batch.Rows))
		}
		pw, err := l.appender.AppendRows(ctx, batch.Rows, opts...)
		if err != nil {
			state.Failed(err)
			state.End()
			batch.Release()
			return n, fmt.Errorf("append batch %d: %w", n, err)
		}
		n++

		select {
		case pending <- inflight{pw, batch, state}:
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}

func (l *Loader) runReceiver(ctx context.Context, pending <-chan inflight) error {
	// записи завершаются в порядке отправки, поэтому ждем их по очереди
	for in := range pending {
		off, err := in.pw.GetResult(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		rows := len(in.batch.Rows)
		in.batch.Release()

		if err != nil {
			in.state.Failed(err)
			in.state.End()
			l.failed.Add(1)
			l.log.Debug("batch failed", zap.Int64("seq", in.pw.Seq()), zap.Error(err))
			if l.conf.stopOnError {
				return fmt.Errorf("batch %d: %w", in.pw.Seq(), err)
			}
			continue
		}

		in.state.Acked(off)
		in.state.End()
		l.rows.Add(int64(rows))
		if off != consts.NoStreamOffset {
			l.lastOffset.Store(off + int64(rows) - 1)
		}
	}
	return nil
}
