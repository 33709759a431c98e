package managedwriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/ozontech/appender/consts"
	"github.com/ozontech/appender/managedwriter/flowcontrol"
)

// Status is the lifecycle stage of a Connection.
type Status int32

const (
	StatusIdle Status = iota
	StatusOpen
	StatusDraining
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOpen:
		return "open"
	case StatusDraining:
		return "draining"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Connection multiplexes appends over one bidirectional stream and matches
// every response to the oldest unresolved write. Write may be called from
// many goroutines; writes reach the stream in the order of their sequence
// numbers.
type Connection struct {
	id        string
	transport Transport
	conf      config
	log       *zap.Logger
	fc        *flowcontrol.FlowControl
	metrics   *metrics
	tracer    trace.Tracer
	classify  Classifier

	// sendMu упорядочивает запись: порядок захвата = порядок в очереди = порядок в потоке.
	// Порядок захвата локов: sendMu, затем mu.
	sendMu       sync.Mutex
	baseCtx      context.Context
	stream       Stream
	cancelStream context.CancelFunc
	gen          uint64
	nextSeq      int64

	mu       sync.Mutex
	status   Status
	queue    []*PendingWrite
	closeErr error
	// forced выставляет Close по истечении ctx, cancelBase отменяет все потоки.
	forced     bool
	cancelBase context.CancelFunc

	abortOnce sync.Once
	abort     chan struct{}
	done      chan struct{}
	recvWG    sync.WaitGroup
}

func NewConnection(t Transport, opts ...Option) (*Connection, error) {
	conf := newDefaultConfig()
	for _, o := range opts {
		o(&conf)
	}

	id := uuid.NewString()
	m, err := newMetrics(conf.meterProvider, id)
	if err != nil {
		return nil, err
	}

	classify := conf.classifier
	if classify == nil {
		if tc, ok := t.(TransientClassifier); ok {
			classify = tc.IsTransient
		} else {
			classify = DefaultClassifier
		}
	}

	return &Connection{
		id:           id,
		transport:    t,
		conf:         conf,
		log:          conf.log.Named("connection").With(zap.String("connection-id", id)),
		fc:           flowcontrol.New(conf.maxInflightRequests, conf.maxInflightBytes),
		metrics:      m,
		tracer:       conf.tracerProvider.Tracer(instrumentationName),
		classify:     classify,
		baseCtx:      context.Background(),
		cancelStream: func() {},
		cancelBase:   func() {},
		abort:        make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err is the error that closed the connection, nil after a graceful Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed when the connection reaches StatusClosed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Outstanding is the number of unresolved writes.
func (c *Connection) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Open establishes the stream. A failed Open leaves the connection idle so
// it can be retried.
func (c *Connection) Open(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "Connection.Open")
	defer func() { endSpan(span, err) }()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	switch st := c.Status(); st {
	case StatusIdle:
	case StatusClosed:
		return ErrConnectionClosed
	default:
		return fmt.Errorf("open: connection is %s", st)
	}

	// поток живет дольше, чем ctx вызова Open
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	c.baseCtx = base
	c.mu.Lock()
	c.cancelBase = cancelBase
	c.mu.Unlock()
	s, cancel, err := c.dial(ctx)
	if err != nil {
		c.log.Error("open stream", zap.Error(err))
		return &ConnectionError{Err: err, Transient: c.classify(err)}
	}
	c.install(s, cancel)
	c.setStatus(StatusOpen)
	c.log.Info("connection opened")
	return nil
}

// Write assigns the request the next sequence number, sends it and returns
// its PendingWrite. Write blocks only while waiting for inflight quota.
func (c *Connection) Write(ctx context.Context, req *storagepb.AppendRowsRequest) (*PendingWrite, error) {
	if err := c.writable(); err != nil {
		return nil, err
	}
	size := int64(proto.Size(req))
	if c.conf.maxRequestSize > 0 && size > c.conf.maxRequestSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrRequestTooLarge, size, c.conf.maxRequestSize)
	}
	if err := c.acquire(ctx, size); err != nil {
		return nil, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	pw := newPendingWrite(req, size, c.release)
	c.mu.Lock()
	if err := c.writableLocked(); err != nil {
		c.mu.Unlock()
		c.fc.Release(size)
		return nil, err
	}
	pw.seq = c.nextSeq
	c.nextSeq++
	c.queue = append(c.queue, pw)
	c.mu.Unlock()
	c.metrics.enqueued(pw)

	if err := c.stream.Send(req); err != nil {
		// запись остается в очереди, ошибку потока обработает цикл чтения
		c.log.Debug("send failed", zap.Int64("seq", pw.seq), zap.Error(err))
		return pw, nil
	}
	pw.markSent()
	return pw, nil
}

// Close stops accepting writes, half-closes the stream and waits until every
// outstanding write is resolved. Writes the service never answered fail with
// ErrConnectionClosed. When ctx expires first, the remaining writes are failed
// immediately and ctx's error is returned. Close is idempotent.
func (c *Connection) Close(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "Connection.Close")
	defer func() { endSpan(span, err) }()
	stop := context.AfterFunc(ctx, c.force)
	defer stop()

	c.sendMu.Lock()
	c.mu.Lock()
	st := c.status
	outstanding := len(c.queue)
	switch st {
	case StatusClosed:
		c.mu.Unlock()
		c.sendMu.Unlock()
		return nil
	case StatusIdle:
		c.mu.Unlock()
		c.finish(ErrConnectionClosed)
		c.sendMu.Unlock()
		return nil
	case StatusOpen:
		c.status = StatusDraining
	}
	c.mu.Unlock()
	if st == StatusOpen {
		c.log.Info("draining connection", zap.Int("outstanding", outstanding))
		if err := c.stream.CloseSend(); err != nil {
			c.log.Warn("close send", zap.Error(err))
		}
	}
	c.sendMu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		c.log.Warn("close deadline exceeded, failing outstanding writes", zap.Int("outstanding", c.Outstanding()))
		c.sendMu.Lock()
		c.finish(ErrConnectionClosed)
		c.sendMu.Unlock()
		err = ctx.Err()
	}
	c.recvWG.Wait()
	return err
}

func (c *Connection) writable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writableLocked()
}

func (c *Connection) writableLocked() error {
	switch c.status {
	case StatusOpen:
		return nil
	case StatusIdle:
		return ErrNotOpen
	}
	return ErrConnectionClosed
}

func (c *Connection) setStatus(st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = st
}

func (c *Connection) acquire(ctx context.Context, size int64) error {
	if c.conf.backpressure == BackpressureFail {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := c.fc.TryAcquire(size)
		if err != nil {
			return ErrConnectionClosed
		}
		if !ok {
			return ErrBackpressureExceeded
		}
		return nil
	}

	err := c.fc.Acquire(ctx, size)
	if errors.Is(err, flowcontrol.ErrDisabled) {
		return ErrConnectionClosed
	}
	return err
}

func (c *Connection) release(pw *PendingWrite) {
	c.fc.Release(pw.size)
	c.metrics.resolved(pw)
}

func (c *Connection) abortReconnect() {
	c.abortOnce.Do(func() { close(c.abort) })
}

// force не берет sendMu: отмена потоков снимает блокировку Send и resend,
// после чего Close может его захватить. Ошибки потоков дальше только
// завершают соединение.
func (c *Connection) force() {
	c.abortReconnect()
	c.mu.Lock()
	c.forced = true
	cancel := c.cancelBase
	c.mu.Unlock()
	cancel()
}

func (c *Connection) isForced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced
}

// dial вызывается под sendMu. Контекст потока наследуется от baseCtx,
// ctx ограничивает только установку.
func (c *Connection) dial(ctx context.Context) (Stream, context.CancelFunc, error) {
	sctx, cancel := context.WithCancel(c.baseCtx)
	stop := context.AfterFunc(ctx, cancel)
	s, err := c.transport.OpenStream(sctx)
	if !stop() {
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, nil, err
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return s, cancel, nil
}

func (c *Connection) install(s Stream, cancel context.CancelFunc) {
	c.stream = s
	c.cancelStream = cancel
	c.gen++
	c.recvWG.Add(1)
	go c.recvLoop(s, c.gen)
}

func (c *Connection) recvLoop(s Stream, gen uint64) {
	defer c.recvWG.Done()
	for {
		resp, err := s.Recv()
		if err != nil {
			c.handleStreamError(gen, err)
			return
		}
		c.handleResponse(resp)
	}
}

func (c *Connection) handleResponse(resp *storagepb.AppendRowsResponse) {
	// запись разрешается под mu: finish не увидит пустую очередь,
	// пока снятая с нее запись не завершена
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.log.Warn("response without outstanding write")
		return
	}
	pw := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]

	if resp.GetError() != nil || len(resp.GetRowErrors()) > 0 {
		err := newAppendError(resp.GetError(), resp.GetRowErrors())
		c.log.Debug("append rejected", zap.Int64("seq", pw.seq), zap.Error(err))
		pw.resolve(resp, consts.NoStreamOffset, err)
		return
	}

	offset := consts.NoStreamOffset
	if v := resp.GetAppendResult().GetOffset(); v != nil {
		offset = v.GetValue()
	}
	pw.resolve(resp, offset, nil)
}

func (c *Connection) handleStreamError(gen uint64, err error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if gen != c.gen {
		return
	}

	c.mu.Lock()
	st := c.status
	outstanding := len(c.queue)
	forced := c.forced
	c.mu.Unlock()

	switch {
	case st == StatusClosed:
		return
	case forced:
		c.finish(ErrConnectionClosed)
		return
	}
	switch st {
	case StatusDraining:
		if errors.Is(err, io.EOF) || outstanding == 0 {
			c.finish(ErrConnectionClosed)
			return
		}
	}

	transient := c.classify(err)
	c.log.Warn("stream failed",
		zap.Error(err),
		zap.Bool("transient", transient),
		zap.Int("outstanding", outstanding),
	)
	// без неподтвержденных записей переподключение ничего не дублирует
	if transient && (c.conf.redelivery == RedeliveryResend || outstanding == 0) {
		rerr := c.reconnect(st == StatusDraining)
		if rerr == nil {
			return
		}
		if c.isForced() {
			c.finish(ErrConnectionClosed)
			return
		}
		err = multierr.Append(err, rerr)
	}
	c.finish(&ConnectionError{Err: err, Transient: transient})
}

// reconnect вызывается под sendMu: новые записи ждут, пока очередь
// переотправляется в исходном порядке.
func (c *Connection) reconnect(draining bool) (err error) {
	ctx, span := c.tracer.Start(c.baseCtx, "Connection.reconnect")
	defer func() { endSpan(span, err) }()

	c.cancelStream()
	backoff := c.conf.reconnectBackoff
	for attempt := 1; attempt <= c.conf.reconnectAttempts; attempt++ {
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-c.abort:
			t.Stop()
			return ErrConnectionClosed
		}
		backoff = min(2*backoff, c.conf.maxReconnectBackoff)

		s, cancel, derr := c.dial(ctx)
		if derr == nil {
			if derr = c.resend(s, draining); derr == nil {
				c.install(s, cancel)
				c.metrics.reconnects.Add(ctx, 1, c.metrics.attrs)
				c.log.Info("stream reopened", zap.Int("attempt", attempt))
				return nil
			}
			cancel()
		}
		err = derr
		c.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(derr))
		if !c.classify(derr) {
			return err
		}
	}
	if err == nil {
		err = errors.New("reconnect disabled")
	}
	return err
}

func (c *Connection) resend(s Stream, draining bool) error {
	c.mu.Lock()
	queue := slices.Clone(c.queue)
	c.mu.Unlock()

	for _, pw := range queue {
		pw.attempts.Add(1)
		if err := s.Send(pw.request); err != nil {
			return err
		}
		pw.markSent()
	}
	if draining {
		return s.CloseSend()
	}
	return nil
}

// finish вызывается под sendMu. Все неразрешенные записи завершаются с err,
// только после этого соединение переходит в StatusClosed.
func (c *Connection) finish(err error) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, pw := range queue {
		pw.resolve(nil, consts.NoStreamOffset, err)
	}

	c.mu.Lock()
	c.status = StatusClosed
	if !errors.Is(err, ErrConnectionClosed) {
		c.closeErr = err
	}
	c.mu.Unlock()

	c.fc.Disable()
	c.cancelStream()
	c.cancelBase()
	close(c.done)
	if len(queue) > 0 {
		c.log.Warn("connection closed with outstanding writes", zap.Int("failed", len(queue)), zap.Error(err))
	} else {
		c.log.Info("connection closed")
	}
}
