// Package fakeserver is an in-memory BigQueryWrite service. It keeps appended
// rows per write stream, checks explicit offsets and decodes every row with
// the writer schema of its request.
package fakeserver

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"go.uber.org/zap"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ozontech/appender/codec"
	"github.com/ozontech/appender/utils/lru"
)

const defaultNamespaceCacheSize = 64

// Fault is consulted before answering the seq-th request of the call-th
// AppendRows call (both from zero). A non-nil error aborts the call with it.
type Fault func(call, seq int) error

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func WithNamespaceCacheSize(n int) Option {
	return func(s *Server) {
		s.cacheSize = n
	}
}

func WithFault(f Fault) Option {
	return func(s *Server) {
		s.fault = f
	}
}

type Server struct {
	storagepb.UnimplementedBigQueryWriteServer

	log        *zap.Logger
	fault      Fault
	cacheSize  int
	namespaces *lru.LRU[string, *codec.Namespace]
	stats      Stats
	calls      atomic.Int64

	mu      sync.Mutex
	streams map[string][]codec.Row
}

func New(opts ...Option) *Server {
	s := &Server{
		log:       zap.NewNop(),
		cacheSize: defaultNamespaceCacheSize,
		streams:   make(map[string][]codec.Row),
	}
	for _, o := range opts {
		o(s)
	}
	s.namespaces = lru.New[string, *codec.Namespace](s.cacheSize)
	return s
}

// Rows returns a copy of the rows stored for stream.
func (s *Server) Rows(stream string) []codec.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]codec.Row(nil), s.streams[stream]...)
}

func (s *Server) Stats() *Stats { return &s.stats }

func (s *Server) AppendRows(srv storagepb.BigQueryWrite_AppendRowsServer) error {
	call := int(s.calls.Add(1) - 1)
	log := s.log.With(zap.Int("call", call))
	log.Debug("append call started")

	var ns *codec.Namespace
	for seq := 0; ; seq++ {
		req, err := srv.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug("append call finished", zap.Int("requests", seq))
			return nil
		}
		if err != nil {
			return err
		}
		s.stats.RequestsIn.Add(1)
		s.stats.BytesIn.Add(uint64(proto.Size(req)))

		if s.fault != nil {
			if err := s.fault(call, seq); err != nil {
				log.Info("injected fault", zap.Int("seq", seq), zap.Error(err))
				return err
			}
		}

		resp := s.append(req, &ns)
		if resp.GetError() != nil {
			log.Debug("append rejected", zap.String("stream", req.GetWriteStream()), zap.String("error", resp.GetError().GetMessage()))
		}
		if err := srv.Send(resp); err != nil {
			return err
		}
		s.stats.RequestsOut.Add(1)
	}
}

// append обрабатывает один запрос; схема запоминается на время вызова,
// последующие запросы могут ее не передавать.
func (s *Server) append(req *storagepb.AppendRowsRequest, ns **codec.Namespace) *storagepb.AppendRowsResponse {
	data := req.GetProtoRows()
	if dp := data.GetWriterSchema().GetProtoDescriptor(); dp != nil {
		n, err := s.namespace(dp)
		if err != nil {
			return errorResponse(codes.InvalidArgument, "invalid writer schema: %v", err)
		}
		*ns = n
	}
	if *ns == nil {
		return errorResponse(codes.InvalidArgument, "writer schema is missing")
	}

	name := req.GetWriteStream()
	if name == "" {
		return errorResponse(codes.InvalidArgument, "write stream is missing")
	}
	isDefault := strings.HasSuffix(name, "/_default")
	if isDefault && req.GetOffset() != nil {
		return errorResponse(codes.InvalidArgument, "offsets are not supported on the default stream")
	}

	rows := data.GetRows().GetSerializedRows()
	decoded := make([]codec.Row, 0, len(rows))
	var rowErrs []*storagepb.RowError
	for i, b := range rows {
		row, err := (*ns).Unmarshal(b)
		if err != nil {
			rowErrs = append(rowErrs, &storagepb.RowError{
				Index:   int64(i),
				Code:    storagepb.RowError_FIELDS_ERROR,
				Message: err.Error(),
			})
			continue
		}
		decoded = append(decoded, row)
	}
	if len(rowErrs) > 0 {
		resp := errorResponse(codes.InvalidArgument, "%d of %d rows could not be decoded", len(rowErrs), len(rows))
		resp.RowErrors = rowErrs
		return resp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.streams[name]
	next := int64(len(stored))
	if off := req.GetOffset(); off != nil {
		switch {
		case off.GetValue() > next:
			return errorResponse(codes.OutOfRange, "offset %d is beyond the end of stream %s (%d)", off.GetValue(), name, next)
		case off.GetValue() < next:
			return errorResponse(codes.AlreadyExists, "offset %d already exists in stream %s (%d)", off.GetValue(), name, next)
		}
	}
	s.streams[name] = append(stored, decoded...)
	s.stats.Rows.Add(uint64(len(decoded)))

	result := &storagepb.AppendRowsResponse_AppendResult{}
	if !isDefault {
		result.Offset = wrapperspb.Int64(next)
	}
	return &storagepb.AppendRowsResponse{
		Response: &storagepb.AppendRowsResponse_AppendResult_{AppendResult: result},
	}
}

func (s *Server) namespace(dp *descriptorpb.DescriptorProto) (*codec.Namespace, error) {
	key, err := proto.MarshalOptions{Deterministic: true}.Marshal(dp)
	if err != nil {
		return nil, err
	}
	return s.namespaces.GetOrAdd(string(key), func() (*codec.Namespace, error) {
		s.log.Debug("projecting writer schema", zap.String("message", dp.GetName()))
		return codec.Project(dp)
	})
}

func errorResponse(code codes.Code, format string, args ...any) *storagepb.AppendRowsResponse {
	return &storagepb.AppendRowsResponse{
		Response: &storagepb.AppendRowsResponse_Error{
			Error: &spb.Status{Code: int32(code), Message: fmt.Sprintf(format, args...)},
		},
	}
}
