package managedwriter

import (
	"context"
	"errors"
	"slices"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const defaultTraceID = "appender"

// StreamWriter appends serialized rows of one message type to one
// destination stream over a Connection.
type StreamWriter struct {
	streamID   string
	descriptor *descriptorpb.DescriptorProto
	traceID    string
	conn       *Connection
}

type WriterOption func(*StreamWriter)

// WithTraceID sets the client identifier sent with every request.
func WithTraceID(id string) WriterOption {
	return func(w *StreamWriter) {
		w.traceID = id
	}
}

// NewStreamWriter binds streamID and the row descriptor to conn. The
// descriptor is copied; later changes to dp do not affect the writer.
func NewStreamWriter(conn *Connection, streamID string, dp *descriptorpb.DescriptorProto, opts ...WriterOption) (*StreamWriter, error) {
	switch {
	case conn == nil:
		return nil, errors.New("stream writer: nil connection")
	case streamID == "":
		return nil, errors.New("stream writer: empty stream id")
	case dp == nil:
		return nil, errors.New("stream writer: nil descriptor")
	}

	w := &StreamWriter{
		streamID:   streamID,
		descriptor: proto.Clone(dp).(*descriptorpb.DescriptorProto),
		traceID:    defaultTraceID,
		conn:       conn,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

func (w *StreamWriter) StreamID() string { return w.streamID }

func (w *StreamWriter) Connection() *Connection { return w.conn }

type appendConfig struct {
	offset *int64
}

type AppendOption func(*appendConfig)

// WithOffset requests that the rows be written at offset. The service
// rejects the append with ErrOffsetOutOfRange or ErrOffsetAlreadyExists
// when the stream is not at that offset. Offset 0 is a valid request.
func WithOffset(offset int64) AppendOption {
	return func(c *appendConfig) {
		c.offset = &offset
	}
}

// AppendRows sends rows as one request. Every row must be a message encoded
// with the writer's descriptor. The rows slice is not retained, so the caller
// may reuse it once AppendRows returns; the row buffers themselves must stay
// unchanged until the write is resolved.
func (w *StreamWriter) AppendRows(ctx context.Context, rows [][]byte, opts ...AppendOption) (*PendingWrite, error) {
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	var conf appendConfig
	for _, o := range opts {
		o(&conf)
	}

	req := &storagepb.AppendRowsRequest{
		WriteStream: w.streamID,
		TraceId:     w.traceID,
		Rows: &storagepb.AppendRowsRequest_ProtoRows{
			ProtoRows: &storagepb.AppendRowsRequest_ProtoData{
				WriterSchema: &storagepb.ProtoSchema{ProtoDescriptor: w.descriptor},
				Rows:         &storagepb.ProtoRows{SerializedRows: slices.Clone(rows)},
			},
		},
	}
	if conf.offset != nil {
		req.Offset = wrapperspb.Int64(*conf.offset)
	}
	return w.conn.Write(ctx, req)
}

// Close closes the underlying connection.
func (w *StreamWriter) Close(ctx context.Context) error {
	return w.conn.Close(ctx)
}
