package managedwriter_test

import (
	"context"
	"io"
	"sync"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ozontech/appender/managedwriter"
)

type result struct {
	resp *storagepb.AppendRowsResponse
	err  error
}

type fakeStream struct {
	ctx context.Context

	sent     chan *storagepb.AppendRowsRequest
	resp     chan result
	halfOnce sync.Once
	half     chan struct{}

	// stuck делает Send блокирующим до отмены контекста потока, как при
	// заполненном окне HTTP/2.
	stuck bool
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{
		ctx:  ctx,
		sent: make(chan *storagepb.AppendRowsRequest, 1024),
		resp: make(chan result, 1024),
		half: make(chan struct{}),
	}
}

func (s *fakeStream) Send(req *storagepb.AppendRowsRequest) error {
	if s.stuck {
		<-s.ctx.Done()
	}
	if s.ctx.Err() != nil {
		return io.EOF
	}
	s.sent <- req
	return nil
}

func (s *fakeStream) Recv() (*storagepb.AppendRowsResponse, error) {
	select {
	case r := <-s.resp:
		return r.resp, r.err
	case <-s.ctx.Done():
		return nil, status.FromContextError(s.ctx.Err()).Err()
	}
}

func (s *fakeStream) CloseSend() error {
	s.halfOnce.Do(func() { close(s.half) })
	return nil
}

func (s *fakeStream) reply(resp *storagepb.AppendRowsResponse) { s.resp <- result{resp: resp} }

func (s *fakeStream) fail(err error) { s.resp <- result{err: err} }

// serve answers requests with handle until the client half-closes, then
// answers what is left and ends the stream with io.EOF. A nil response
// leaves the request unanswered.
func (s *fakeStream) serve(handle func(*storagepb.AppendRowsRequest) *storagepb.AppendRowsResponse) {
	answer := func(req *storagepb.AppendRowsRequest) {
		if r := handle(req); r != nil {
			s.reply(r)
		}
	}
	go func() {
		for {
			select {
			case req := <-s.sent:
				answer(req)
			case <-s.half:
				for {
					select {
					case req := <-s.sent:
						answer(req)
					default:
						s.fail(io.EOF)
						return
					}
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// ackFrom answers every request with consecutive offsets starting at next.
func (s *fakeStream) ackFrom(next int64) {
	s.serve(func(req *storagepb.AppendRowsRequest) *storagepb.AppendRowsResponse {
		off := next
		next += int64(len(req.GetProtoRows().GetRows().GetSerializedRows()))
		return ack(off)
	})
}

// silent never answers and ends the stream with io.EOF after a half-close.
func (s *fakeStream) silent() {
	s.serve(func(*storagepb.AppendRowsRequest) *storagepb.AppendRowsResponse { return nil })
}

func ack(offset int64) *storagepb.AppendRowsResponse {
	return &storagepb.AppendRowsResponse{
		Response: &storagepb.AppendRowsResponse_AppendResult_{
			AppendResult: &storagepb.AppendRowsResponse_AppendResult{Offset: wrapperspb.Int64(offset)},
		},
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	openErrs []error
	streams  []*fakeStream
	// onOpen настраивает n-й открытый поток (с нуля).
	onOpen func(n int, s *fakeStream)
}

var _ managedwriter.Transport = (*fakeTransport)(nil)

func (t *fakeTransport) OpenStream(ctx context.Context) (managedwriter.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.openErrs) > 0 {
		err := t.openErrs[0]
		t.openErrs = t.openErrs[1:]
		return nil, err
	}
	s := newFakeStream(ctx)
	n := len(t.streams)
	t.streams = append(t.streams, s)
	if t.onOpen != nil {
		t.onOpen(n, s)
	} else {
		s.ackFrom(0)
	}
	return s, nil
}

func (t *fakeTransport) opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func (t *fakeTransport) stream(n int) *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[n]
}

func request(rows ...string) *storagepb.AppendRowsRequest {
	serialized := make([][]byte, 0, len(rows))
	for _, r := range rows {
		serialized = append(serialized, []byte(r))
	}
	return &storagepb.AppendRowsRequest{
		WriteStream: "projects/p/datasets/d/tables/t/streams/_default",
		Rows: &storagepb.AppendRowsRequest_ProtoRows{
			ProtoRows: &storagepb.AppendRowsRequest_ProtoData{
				Rows: &storagepb.ProtoRows{SerializedRows: serialized},
			},
		},
	}
}
