package managedwriter

import (
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotOpen              = errors.New("connection is not open")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrBackpressureExceeded = errors.New("backpressure exceeded")
	ErrRequestTooLarge      = errors.New("request too large")
	ErrNoRows               = errors.New("no rows to append")

	ErrOffsetOutOfRange    = errors.New("offset out of range")
	ErrOffsetAlreadyExists = errors.New("offset already exists")
)

// ConnectionError reports a failure to establish or keep the stream.
type ConnectionError struct {
	Err       error
	Transient bool
}

func (e *ConnectionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("connection error (%s): %v", kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AppendError is an append rejected by the service. It is reported on the
// PendingWrite of that append and is never retried automatically.
type AppendError struct {
	Code      codes.Code
	Message   string
	RowErrors []*storagepb.RowError
}

func newAppendError(s *spb.Status, rowErrors []*storagepb.RowError) *AppendError {
	if s == nil {
		return &AppendError{Code: codes.InvalidArgument, Message: "row errors", RowErrors: rowErrors}
	}
	st := status.FromProto(s)
	return &AppendError{Code: st.Code(), Message: st.Message(), RowErrors: rowErrors}
}

func (e *AppendError) Error() string {
	if len(e.RowErrors) == 0 {
		return fmt.Sprintf("append rejected (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("append rejected (%s): %s: %d row errors, first at row %d: %s",
		e.Code, e.Message, len(e.RowErrors), e.RowErrors[0].GetIndex(), e.RowErrors[0].GetMessage())
}

func (e *AppendError) Is(target error) bool {
	switch target {
	case ErrOffsetOutOfRange:
		return e.Code == codes.OutOfRange
	case ErrOffsetAlreadyExists:
		return e.Code == codes.AlreadyExists
	}
	return false
}

// GRPCStatus allows status.FromError and status.Code on append errors.
func (e *AppendError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}
