package phout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc/status"

	"github.com/ozontech/appender/loader/types"
	"github.com/ozontech/appender/utils/pool"
)

var now = time.Now

// Reporter writes one phout line per batch.
type Reporter struct {
	w       *bufio.Writer
	ch      chan *batchState
	pool    *pool.SlicePool[*batchState]
	timeout time.Duration
}

func New(w io.Writer, timeout time.Duration) *Reporter {
	return &Reporter{
		bufio.NewWriter(w),
		make(chan *batchState, 256),
		pool.NewSlicePoolSize[*batchState](256),
		timeout,
	}
}

func (r *Reporter) Run() error {
	for s := range r.ch {
		_, err := r.w.Write(s.result())
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		r.pool.Release(s)
	}
	return r.w.Flush()
}

func (r *Reporter) Close() error {
	close(r.ch)
	return nil
}

func (r *Reporter) Acquire(tag string) types.BatchState {
	bs, ok := r.pool.Acquire()
	if !ok {
		bs = &batchState{
			reportLine: make([]byte, 128),
			reporter:   r,
			timeout:    r.timeout,
		}
	}
	bs.reset(tag)
	return bs
}

func (r *Reporter) accept(s *batchState) {
	r.ch <- s
}

type batchState struct {
	reportLine []byte

	reporter *Reporter
	timeout  time.Duration

	err   error
	acked bool

	reqSize   int
	startTime time.Time
	endTime   time.Time
	tag       string
}

func (s *batchState) reset(tag string) {
	s.tag = tag
	s.startTime = now()

	s.err = nil
	s.acked = false
	s.reqSize = 0
}

func (s *batchState) SetSize(_, bytes int) {
	s.reqSize = bytes
}

func (s *batchState) Acked(int64) {
	s.acked = true
}

func (s *batchState) Failed(err error) {
	s.err = err
}

const tabChar = '\t'

func (s *batchState) result() []byte {
	s.reportLine = s.reportLine[:0]
	s.reportLine = strconv.AppendInt(s.reportLine, s.startTime.Unix(), 10)
	s.reportLine = append(s.reportLine, '.')
	s.reportLine = strconv.AppendInt(s.reportLine, int64(s.startTime.Nanosecond()/1e6), 10)
	s.reportLine = append(s.reportLine, tabChar)
	s.reportLine = append(s.reportLine, []byte(s.tag)...)
	s.reportLine = append(s.reportLine, tabChar)

	// keyRTTMicro
	rtt := s.endTime.Sub(s.startTime).Microseconds()
	s.reportLine = strconv.AppendInt(s.reportLine, rtt, 10)
	s.reportLine = append(s.reportLine, tabChar)

	// keyConnectMicro, keySendMicro, keyLatencyMicro, keyReceiveMicro, keyIntervalEventMicro
	for i := 0; i < 5; i++ {
		s.reportLine = append(s.reportLine, '0', tabChar)
	}
	// keyRequestBytes
	s.reportLine = strconv.AppendInt(s.reportLine, int64(s.reqSize), 10)
	s.reportLine = append(s.reportLine, tabChar)
	// keyResponseBytes
	s.reportLine = append(s.reportLine, '0', tabChar)
	// keyErrno
	var errNo syscall.Errno
	if s.err != nil && errors.As(s.err, &errNo) {
		s.reportLine = strconv.AppendInt(s.reportLine, int64(errNo), 10)
	} else {
		s.reportLine = append(s.reportLine, '0')
	}
	s.reportLine = append(s.reportLine, tabChar)
	// keyProtoCode
	switch {
	case s.err != nil:
		s.reportLine = append(s.reportLine, "grpc_"...)
		s.reportLine = strconv.AppendInt(s.reportLine, int64(status.Code(s.err)), 10)
	case s.endTime.Sub(s.startTime) > s.timeout:
		s.reportLine = append(s.reportLine, "grpc_4"...)
	case s.acked:
		s.reportLine = append(s.reportLine, "grpc_0"...)
	default:
		s.reportLine = append(s.reportLine, "grpc_2"...) // результат не получен
	}
	s.reportLine = append(s.reportLine, '\n')
	return s.reportLine
}

func (s *batchState) End() {
	s.endTime = now()
	s.reporter.accept(s)
}
