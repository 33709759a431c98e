package managedwriter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ozontech/appender/managedwriter"
)

func openConnection(t *testing.T, tr *fakeTransport, opts ...managedwriter.Option) *managedwriter.Connection {
	t.Helper()
	opts = append([]managedwriter.Option{managedwriter.WithLogger(zaptest.NewLogger(t))}, opts...)
	conn, err := managedwriter.NewConnection(tr, opts...)
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	require.Equal(t, managedwriter.StatusOpen, conn.Status())
	return conn
}

func waitResult(t *testing.T, pw *managedwriter.PendingWrite) (int64, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	off, err := pw.GetResult(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "write %d was never resolved", pw.Seq())
	return off, err
}

func TestWriteBeforeOpen(t *testing.T) {
	t.Parallel()

	conn, err := managedwriter.NewConnection(&fakeTransport{})
	require.NoError(t, err)
	a := assert.New(t)
	a.Equal(managedwriter.StatusIdle, conn.Status())

	_, err = conn.Write(context.Background(), request("a"))
	a.ErrorIs(err, managedwriter.ErrNotOpen)

	a.NoError(conn.Close(context.Background()))
	a.Equal(managedwriter.StatusClosed, conn.Status())
	a.ErrorIs(conn.Open(context.Background()), managedwriter.ErrConnectionClosed)
}

func TestResponsesResolveInSendOrder(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	conn := openConnection(t, tr)

	const writers, perWriter = 8, 50
	var (
		mu      sync.Mutex
		pending []*managedwriter.PendingWrite
	)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			for j := 0; j < perWriter; j++ {
				pw, err := conn.Write(context.Background(), request("row"))
				if err != nil {
					return err
				}
				mu.Lock()
				pending = append(pending, pw)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, pending, writers*perWriter)

	seen := make(map[int64]bool, len(pending))
	for _, pw := range pending {
		off, err := waitResult(t, pw)
		require.NoError(t, err)
		// сервер выдает смещения в порядке получения, по одной строке в запросе
		assert.Equal(t, pw.Seq(), off)
		assert.Equal(t, managedwriter.StateAcknowledged, pw.State())
		assert.NotNil(t, pw.Response())
		seen[pw.Seq()] = true
	}
	assert.Len(t, seen, writers*perWriter)

	require.NoError(t, conn.Close(context.Background()))
	assert.Equal(t, managedwriter.StatusClosed, conn.Status())
	assert.NoError(t, conn.Err())
}

func TestCloseWaitsForAcknowledgements(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) {
		var next int64
		s.serve(func(*storagepb.AppendRowsRequest) *storagepb.AppendRowsResponse {
			<-release
			next++
			return ack(next - 1)
		})
	}}
	conn := openConnection(t, tr)

	var pending []*managedwriter.PendingWrite
	for i := 0; i < 3; i++ {
		pw, err := conn.Write(context.Background(), request("row"))
		require.NoError(t, err)
		pending = append(pending, pw)
	}

	closed := make(chan error, 1)
	go func() { closed <- conn.Close(context.Background()) }()
	require.Eventually(t, func() bool {
		return conn.Status() == managedwriter.StatusDraining
	}, time.Second, time.Millisecond)

	_, err := conn.Write(context.Background(), request("late"))
	assert.ErrorIs(t, err, managedwriter.ErrConnectionClosed)

	close(release)
	require.NoError(t, <-closed)
	for _, pw := range pending {
		_, err := waitResult(t, pw)
		assert.NoError(t, err)
	}
	assert.Equal(t, managedwriter.StatusClosed, conn.Status())
}

func TestCloseFailsUnansweredWrites(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) { s.silent() }}
	conn := openConnection(t, tr)

	var pending []*managedwriter.PendingWrite
	for i := 0; i < 5; i++ {
		pw, err := conn.Write(context.Background(), request("row"))
		require.NoError(t, err)
		a.Equal(managedwriter.StateSent, pw.State())
		pending = append(pending, pw)
	}

	require.NoError(t, conn.Close(context.Background()))
	a.Equal(managedwriter.StatusClosed, conn.Status())
	a.Zero(conn.Outstanding())
	for _, pw := range pending {
		select {
		case <-pw.Ready():
		default:
			t.Fatalf("write %d unresolved after Close", pw.Seq())
		}
		_, err := pw.GetResult(context.Background())
		a.ErrorIs(err, managedwriter.ErrConnectionClosed)
		a.Equal(managedwriter.StateFailed, pw.State())
	}

	a.NoError(conn.Close(context.Background()), "second Close is a no-op")
	_, err := conn.Write(context.Background(), request("row"))
	a.ErrorIs(err, managedwriter.ErrConnectionClosed)
}

func TestCloseDeadline(t *testing.T) {
	t.Parallel()

	// поток не отвечает и не завершается после CloseSend
	tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) {}}
	conn := openConnection(t, tr)

	pw, err := conn.Write(context.Background(), request("row"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, conn.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, managedwriter.StatusClosed, conn.Status())

	_, err = waitResult(t, pw)
	assert.ErrorIs(t, err, managedwriter.ErrConnectionClosed)
}

func TestCloseDeadlineUnblocksSend(t *testing.T) {
	t.Parallel()

	// Send не возвращается, пока поток не отменен
	tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) { s.stuck = true }}
	conn := openConnection(t, tr)

	type written struct {
		pw  *managedwriter.PendingWrite
		err error
	}
	writeDone := make(chan written, 1)
	go func() {
		pw, err := conn.Write(context.Background(), request("row"))
		writeDone <- written{pw, err}
	}()
	require.Eventually(t, func() bool { return conn.Outstanding() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	closeDone := make(chan error, 1)
	go func() { closeDone <- conn.Close(ctx) }()

	a := assert.New(t)
	select {
	case err := <-closeDone:
		a.ErrorIs(err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked behind a stuck Send")
	}
	a.Equal(managedwriter.StatusClosed, conn.Status())

	w := <-writeDone
	require.NoError(t, w.err)
	_, err := waitResult(t, w.pw)
	a.ErrorIs(err, managedwriter.ErrConnectionClosed)
}

func TestDoneImpliesResolved(t *testing.T) {
	t.Parallel()

	// ответы и принудительное закрытие идут из разных горутин: к моменту
	// Done каждая запись должна быть завершена
	for i := 0; i < 50; i++ {
		conn := openConnection(t, &fakeTransport{})

		pws := make([]*managedwriter.PendingWrite, 0, 20)
		for j := 0; j < 20; j++ {
			pw, err := conn.Write(context.Background(), request("row"))
			require.NoError(t, err)
			pws = append(pws, pw)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			_ = conn.Close(ctx)
		}()

		select {
		case <-conn.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("connection never closed")
		}
		for _, pw := range pws {
			select {
			case <-pw.Ready():
			default:
				t.Fatalf("iteration %d: write %d unresolved after Done", i, pw.Seq())
			}
		}
		<-closed
	}
}

func TestFatalStreamErrorFailsAllWrites(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err        error
		redelivery managedwriter.Redelivery
		transient  bool
	}{
		"permanent":                 {status.Error(codes.PermissionDenied, "denied"), managedwriter.RedeliveryResend, false},
		"transient without resend":  {status.Error(codes.Unavailable, "gone"), managedwriter.RedeliveryNone, true},
		"unknown error is permanent": {errors.New("boom"), managedwriter.RedeliveryResend, false},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			a := assert.New(t)

			tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) {}}
			conn := openConnection(t, tr,
				managedwriter.WithRedelivery(tc.redelivery),
				managedwriter.WithReconnectBackoff(time.Millisecond, time.Millisecond),
			)

			var pending []*managedwriter.PendingWrite
			for i := 0; i < 3; i++ {
				pw, err := conn.Write(context.Background(), request("row"))
				require.NoError(t, err)
				pending = append(pending, pw)
			}
			tr.stream(0).fail(tc.err)

			for _, pw := range pending {
				_, err := waitResult(t, pw)
				var connErr *managedwriter.ConnectionError
				require.ErrorAs(t, err, &connErr)
				a.Equal(tc.transient, connErr.Transient)
			}
			<-conn.Done()
			a.Equal(managedwriter.StatusClosed, conn.Status())
			a.Error(conn.Err())
			a.Equal(1, tr.opened())

			_, err := conn.Write(context.Background(), request("row"))
			a.ErrorIs(err, managedwriter.ErrConnectionClosed)
			a.NoError(conn.Close(context.Background()))
		})
	}
}

func TestReconnectResendsInOrder(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var resent []*storagepb.AppendRowsRequest
	var mu sync.Mutex
	tr := &fakeTransport{onOpen: func(n int, s *fakeStream) {
		if n == 0 {
			var seen int
			s.serve(func(*storagepb.AppendRowsRequest) *storagepb.AppendRowsResponse {
				seen++
				switch seen {
				case 1:
					return ack(0)
				case 3:
					s.fail(status.Error(codes.Unavailable, "connection reset"))
				}
				return nil
			})
			return
		}
		var next int64 = 1
		s.serve(func(req *storagepb.AppendRowsRequest) *storagepb.AppendRowsResponse {
			mu.Lock()
			resent = append(resent, req)
			mu.Unlock()
			next++
			return ack(next - 1)
		})
	}}
	conn := openConnection(t, tr,
		managedwriter.WithRedelivery(managedwriter.RedeliveryResend),
		managedwriter.WithReconnectBackoff(time.Millisecond, 10*time.Millisecond),
	)

	reqs := []*storagepb.AppendRowsRequest{request("a"), request("b"), request("c")}
	var pending []*managedwriter.PendingWrite
	for _, req := range reqs {
		pw, err := conn.Write(context.Background(), req)
		require.NoError(t, err)
		pending = append(pending, pw)
	}

	for i, pw := range pending {
		off, err := waitResult(t, pw)
		require.NoError(t, err)
		a.EqualValues(i, off)
	}
	a.Equal(1, pending[0].Attempts())
	a.Equal(2, pending[1].Attempts())
	a.Equal(2, pending[2].Attempts())
	a.Equal(2, tr.opened())
	a.Equal(managedwriter.StatusOpen, conn.Status())

	mu.Lock()
	a.Equal(reqs[1:], resent)
	mu.Unlock()

	pw, err := conn.Write(context.Background(), request("d"))
	require.NoError(t, err)
	off, err := waitResult(t, pw)
	a.NoError(err)
	a.EqualValues(3, off)

	a.NoError(conn.Close(context.Background()))
}

func TestReconnectGivesUp(t *testing.T) {
	t.Parallel()

	unavailable := status.Error(codes.Unavailable, "still down")
	tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) {}}
	conn := openConnection(t, tr,
		managedwriter.WithRedelivery(managedwriter.RedeliveryResend),
		managedwriter.WithReconnectAttempts(2),
		managedwriter.WithReconnectBackoff(time.Millisecond, time.Millisecond),
	)
	pw, err := conn.Write(context.Background(), request("row"))
	require.NoError(t, err)

	tr.mu.Lock()
	tr.openErrs = []error{unavailable, unavailable}
	tr.mu.Unlock()
	tr.stream(0).fail(status.Error(codes.Unavailable, "reset"))

	_, err = waitResult(t, pw)
	var connErr *managedwriter.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Transient)
	<-conn.Done()
	assert.Equal(t, managedwriter.StatusClosed, conn.Status())
}

func TestIdleStreamReconnects(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	conn := openConnection(t, tr, managedwriter.WithReconnectBackoff(time.Millisecond, time.Millisecond))

	// нет неподтвержденных записей: переподключение допустимо и без повторной отправки
	tr.stream(0).fail(status.Error(codes.Unavailable, "idle timeout"))
	require.Eventually(t, func() bool { return tr.opened() == 2 }, time.Second, time.Millisecond)

	pw, err := conn.Write(context.Background(), request("row"))
	require.NoError(t, err)
	_, err = waitResult(t, pw)
	assert.NoError(t, err)
	assert.NoError(t, conn.Close(context.Background()))
}

func TestOpenFailureKeepsIdle(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &fakeTransport{openErrs: []error{
		status.Error(codes.Unavailable, "dial"),
		status.Error(codes.Unauthenticated, "who"),
	}}
	conn, err := managedwriter.NewConnection(tr)
	require.NoError(t, err)

	var connErr *managedwriter.ConnectionError
	err = conn.Open(context.Background())
	require.ErrorAs(t, err, &connErr)
	a.True(connErr.Transient)
	a.Equal(managedwriter.StatusIdle, conn.Status())

	err = conn.Open(context.Background())
	require.ErrorAs(t, err, &connErr)
	a.False(connErr.Transient)
	a.Equal(codes.Unauthenticated, status.Code(connErr.Err))

	require.NoError(t, conn.Open(context.Background()))
	a.Equal(managedwriter.StatusOpen, conn.Status())
	a.Error(conn.Open(context.Background()), "already open")
	a.NoError(conn.Close(context.Background()))
}

func TestBackpressure(t *testing.T) {
	t.Parallel()

	t.Run("fail", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) { s.silent() }}
		conn := openConnection(t, tr,
			managedwriter.WithMaxInflightRequests(1),
			managedwriter.WithBackpressureMode(managedwriter.BackpressureFail),
		)
		_, err := conn.Write(context.Background(), request("a"))
		require.NoError(t, err)
		_, err = conn.Write(context.Background(), request("b"))
		assert.ErrorIs(t, err, managedwriter.ErrBackpressureExceeded)
		assert.Equal(t, 1, conn.Outstanding())
		assert.NoError(t, conn.Close(context.Background()))
	})

	t.Run("block", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) { s.silent() }}
		conn := openConnection(t, tr, managedwriter.WithMaxInflightRequests(1))
		_, err := conn.Write(context.Background(), request("a"))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = conn.Write(ctx, request("b"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		blocked := make(chan error, 1)
		go func() {
			_, err := conn.Write(context.Background(), request("c"))
			blocked <- err
		}()
		assert.NoError(t, conn.Close(context.Background()))
		assert.ErrorIs(t, <-blocked, managedwriter.ErrConnectionClosed)
	})

	t.Run("released on ack", func(t *testing.T) {
		t.Parallel()
		tr := &fakeTransport{}
		conn := openConnection(t, tr, managedwriter.WithMaxInflightRequests(1))
		for i := 0; i < 20; i++ {
			pw, err := conn.Write(context.Background(), request("row"))
			require.NoError(t, err)
			_, err = waitResult(t, pw)
			require.NoError(t, err)
		}
		assert.NoError(t, conn.Close(context.Background()))
	})
}

func TestRequestTooLarge(t *testing.T) {
	t.Parallel()

	conn := openConnection(t, &fakeTransport{}, managedwriter.WithMaxRequestSize(16))
	_, err := conn.Write(context.Background(), request("0123456789abcdef0123456789abcdef"))
	assert.ErrorIs(t, err, managedwriter.ErrRequestTooLarge)
	assert.NoError(t, conn.Close(context.Background()))
}

func TestAppendErrors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &fakeTransport{onOpen: func(_ int, s *fakeStream) {
		s.serve(func(req *storagepb.AppendRowsRequest) *storagepb.AppendRowsResponse {
			switch req.GetOffset().GetValue() {
			case 5:
				return &storagepb.AppendRowsResponse{Response: &storagepb.AppendRowsResponse_Error{
					Error: &spb.Status{Code: int32(codes.OutOfRange), Message: "offset 5 beyond end 0"},
				}}
			case 1:
				return &storagepb.AppendRowsResponse{
					Response: &storagepb.AppendRowsResponse_Error{
						Error: &spb.Status{Code: int32(codes.InvalidArgument), Message: "bad rows"},
					},
					RowErrors: []*storagepb.RowError{{Index: 0, Code: storagepb.RowError_FIELDS_ERROR, Message: "bad"}},
				}
			}
			return ack(req.GetOffset().GetValue())
		})
	}}
	conn := openConnection(t, tr)

	bad, err := conn.Write(context.Background(), withOffset(request("a"), 5))
	require.NoError(t, err)
	rows, err := conn.Write(context.Background(), withOffset(request("a"), 1))
	require.NoError(t, err)
	good, err := conn.Write(context.Background(), withOffset(request("a"), 0))
	require.NoError(t, err)

	_, err = waitResult(t, bad)
	a.ErrorIs(err, managedwriter.ErrOffsetOutOfRange)
	a.NotErrorIs(err, managedwriter.ErrOffsetAlreadyExists)
	a.Equal(codes.OutOfRange, status.Code(err))
	a.NotNil(bad.Response())

	_, err = waitResult(t, rows)
	var appendErr *managedwriter.AppendError
	require.ErrorAs(t, err, &appendErr)
	a.Len(appendErr.RowErrors, 1)

	off, err := waitResult(t, good)
	a.NoError(err)
	a.Zero(off)

	a.Equal(managedwriter.StatusOpen, conn.Status(), "append errors do not break the connection")
	a.NoError(conn.Close(context.Background()))
}

func TestTelemetry(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	reader := metric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	conn := openConnection(t, &fakeTransport{},
		managedwriter.WithMeterProvider(metric.NewMeterProvider(metric.WithReader(reader))),
		managedwriter.WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))),
	)
	for i := 0; i < 4; i++ {
		pw, err := conn.Write(context.Background(), request("x", "y"))
		require.NoError(t, err)
		_, err = waitResult(t, pw)
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close(context.Background()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	a.EqualValues(4, sums["appender.requests"])
	a.EqualValues(8, sums["appender.rows"])
	a.EqualValues(4, sums["appender.acks"])
	a.EqualValues(0, sums["appender.errors"])
	a.EqualValues(0, sums["appender.inflight.requests"])

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	a.Contains(names, "Connection.Open")
	a.Contains(names, "Connection.Close")
}

func withOffset(req *storagepb.AppendRowsRequest, off int64) *storagepb.AppendRowsRequest {
	req.Offset = wrapperspb.Int64(off)
	return req
}
