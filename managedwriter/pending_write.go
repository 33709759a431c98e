package managedwriter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"

	"github.com/ozontech/appender/consts"
)

// WriteState is the lifecycle stage of a PendingWrite.
type WriteState int32

const (
	StateCreated WriteState = iota
	StateSent
	StateAcknowledged
	StateFailed
)

func (s WriteState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// PendingWrite tracks one append from Write until its acknowledgement or
// failure. It is resolved exactly once.
type PendingWrite struct {
	seq       int64
	request   *storagepb.AppendRowsRequest
	size      int64
	createdAt time.Time

	state    atomic.Int32
	attempts atomic.Int32

	once      sync.Once
	ready     chan struct{}
	onResolve func(*PendingWrite)

	// записываются до закрытия ready
	offset   int64
	response *storagepb.AppendRowsResponse
	err      error
}

func newPendingWrite(req *storagepb.AppendRowsRequest, size int64, onResolve func(*PendingWrite)) *PendingWrite {
	pw := &PendingWrite{
		request:   req,
		size:      size,
		createdAt: time.Now(),
		ready:     make(chan struct{}),
		onResolve: onResolve,
		offset:    consts.NoStreamOffset,
	}
	pw.attempts.Store(1)
	return pw
}

// Seq is the position of the write in its connection's send order.
func (pw *PendingWrite) Seq() int64 { return pw.seq }

func (pw *PendingWrite) Request() *storagepb.AppendRowsRequest { return pw.request }

// Size is the encoded request size in bytes.
func (pw *PendingWrite) Size() int64 { return pw.size }

func (pw *PendingWrite) CreatedAt() time.Time { return pw.createdAt }

func (pw *PendingWrite) State() WriteState { return WriteState(pw.state.Load()) }

// Attempts is the number of times the request was handed to a stream.
func (pw *PendingWrite) Attempts() int { return int(pw.attempts.Load()) }

// Ready is closed once the write is resolved.
func (pw *PendingWrite) Ready() <-chan struct{} { return pw.ready }

// GetResult waits for the write to resolve and returns the offset assigned
// by the service. The offset is NoStreamOffset when the stream does not
// report offsets.
func (pw *PendingWrite) GetResult(ctx context.Context) (int64, error) {
	select {
	case <-pw.ready:
		return pw.offset, pw.err
	case <-ctx.Done():
		return consts.NoStreamOffset, ctx.Err()
	}
}

// Response is the acknowledgement of the write; nil until the write is
// resolved and for writes failed without a response.
func (pw *PendingWrite) Response() *storagepb.AppendRowsResponse {
	select {
	case <-pw.ready:
		return pw.response
	default:
		return nil
	}
}

func (pw *PendingWrite) rows() int {
	return len(pw.request.GetProtoRows().GetRows().GetSerializedRows())
}

func (pw *PendingWrite) markSent() {
	pw.state.CompareAndSwap(int32(StateCreated), int32(StateSent))
}

func (pw *PendingWrite) resolve(resp *storagepb.AppendRowsResponse, offset int64, err error) {
	pw.once.Do(func() {
		pw.response = resp
		pw.offset = offset
		pw.err = err
		if err != nil {
			pw.state.Store(int32(StateFailed))
		} else {
			pw.state.Store(int32(StateAcknowledged))
		}
		close(pw.ready)
		if pw.onResolve != nil {
			pw.onResolve(pw)
		}
	})
}
