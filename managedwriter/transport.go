package managedwriter

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Stream is one bidirectional append stream. Send is only called from a
// single goroutine at a time, Recv only from the connection's receive loop.
// Responses arrive in the order requests were sent.
type Stream interface {
	Send(*storagepb.AppendRowsRequest) error
	Recv() (*storagepb.AppendRowsResponse, error)
	CloseSend() error
}

// Transport opens append streams. The stream must be torn down when ctx is
// cancelled.
type Transport interface {
	OpenStream(ctx context.Context) (Stream, error)
}

// TransientClassifier can be implemented by a Transport that knows which of
// its errors are transient. It takes precedence over DefaultClassifier.
type TransientClassifier interface {
	IsTransient(err error) bool
}

// Classifier reports whether a stream error is transient.
type Classifier func(err error) bool

// DefaultClassifier treats an unexpected end of stream and the gRPC codes a
// retry can fix as transient.
func DefaultClassifier(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.DeadlineExceeded:
		return true
	}
	return false
}
