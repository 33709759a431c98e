package console

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ozontech/appender/loader/types"
	"github.com/ozontech/appender/utils/pool"
)

var now = time.Now

// Reporter prints per-interval and total append statistics. A batch
// acknowledged later than timeout is counted as nook.
type Reporter struct {
	w       io.Writer
	pool    *pool.SlicePool[*batchState]
	closeCh chan struct{}
	every   time.Duration
	timeout time.Duration

	start time.Time
	ok    atomic.Uint64
	nook  atomic.Uint64
	req   atomic.Uint64
	rows  atomic.Uint64
	size  atomic.Uint64

	last     counters
	lastTime time.Time
}

type counters struct {
	ok, nook, req, rows, size uint64
}

func New(w io.Writer, timeout time.Duration) *Reporter {
	t := now()
	return &Reporter{
		w:        w,
		pool:     pool.NewSlicePoolSize[*batchState](100),
		closeCh:  make(chan struct{}),
		every:    time.Second,
		timeout:  timeout,
		start:    t,
		lastTime: t,
	}
}

func (r *Reporter) Run() error {
	t := time.NewTicker(r.every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := r.report(now()); err != nil {
				return err
			}
		case <-r.closeCh:
			return r.total()
		}
	}
}

func (r *Reporter) Close() error {
	close(r.closeCh)
	return nil
}

func (r *Reporter) Acquire(string) types.BatchState {
	r.req.Add(1)
	bs, ok := r.pool.Acquire()
	if !ok {
		bs = &batchState{reporter: r}
	}
	bs.reset()
	return bs
}

func (r *Reporter) accept(s *batchState) {
	if s.failed || now().Sub(s.start) > r.timeout {
		r.nook.Add(1)
	} else {
		r.ok.Add(1)
		r.rows.Add(uint64(s.rows))
	}
	r.pool.Release(s)
}

func (r *Reporter) load() counters {
	return counters{r.ok.Load(), r.nook.Load(), r.req.Load(), r.rows.Load(), r.size.Load()}
}

func (r *Reporter) write(c counters, d time.Duration) error {
	total := c.ok + c.nook
	ms := d.Milliseconds()
	var err error
	if ms > 0 {
		_, err = fmt.Fprintf(r.w,
			"total=%d ok=%d nook=%d req=%d rows=%s size=%s/s req/s=%.2f resp/s=%.2f\n",
			total, c.ok, c.nook, c.req, humanize.Comma(int64(c.rows)),
			humanize.Bytes(c.size*1000/uint64(ms)),
			float64(c.req)*1000/float64(ms), float64(total)*1000/float64(ms),
		)
	} else {
		_, err = fmt.Fprintf(r.w, "total=%d ok=%d nook=%d req=%d rows=%s\n",
			total, c.ok, c.nook, c.req, humanize.Comma(int64(c.rows)))
	}
	return err
}

func (r *Reporter) total() error {
	if _, err := fmt.Fprintln(r.w, "total"); err != nil {
		return err
	}
	return r.write(r.load(), now().Sub(r.start))
}

func (r *Reporter) report(t time.Time) error {
	c := r.load()
	err := r.write(counters{
		ok:   c.ok - r.last.ok,
		nook: c.nook - r.last.nook,
		req:  c.req - r.last.req,
		rows: c.rows - r.last.rows,
		size: c.size - r.last.size,
	}, t.Sub(r.lastTime))
	r.last, r.lastTime = c, t
	return err
}

type batchState struct {
	reporter *Reporter
	start    time.Time
	rows     int
	failed   bool
}

func (s *batchState) reset() {
	s.start = now()
	s.rows = 0
	s.failed = false
}

func (s *batchState) SetSize(rows, bytes int) {
	s.rows = rows
	s.reporter.size.Add(uint64(bytes))
}

func (s *batchState) Acked(int64)  {}
func (s *batchState) Failed(error) { s.failed = true }

func (s *batchState) End() {
	s.reporter.accept(s)
}
