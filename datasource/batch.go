package datasource

import (
	"github.com/ozontech/appender/consts"
	"github.com/ozontech/appender/utils/pool"
)

// Batch is a group of encoded rows sent as one append request.
type Batch struct {
	Rows  [][]byte
	Bytes int

	pool *pool.SlicePool[*Batch]
}

// Release returns the batch to its source. The Rows slice is reused by the
// next batch, so anything holding it must have copied it before Release.
// The row buffers are not reused.
func (b *Batch) Release() {
	if b.pool == nil {
		return
	}
	clear(b.Rows)
	b.Rows = b.Rows[:0]
	b.Bytes = 0
	b.pool.Release(b)
}

type options struct {
	batchRows     int
	maxBatchBytes int
}

type Option func(*options)

// WithBatchRows limits the number of rows in a batch.
func WithBatchRows(n int) Option {
	return func(o *options) {
		o.batchRows = n
	}
}

// WithMaxBatchBytes closes a batch once its rows reach n bytes.
func WithMaxBatchBytes(n int) Option {
	return func(o *options) {
		o.maxBatchBytes = n
	}
}

func newOptions(opts []Option) options {
	o := options{
		batchRows:     consts.DefaultBatchRows,
		maxBatchBytes: consts.DefaultMaxRequestSize / 2,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchRows < 1 {
		o.batchRows = 1
	}
	return o
}

func (o options) full(b *Batch) bool {
	return len(b.Rows) >= o.batchRows || (o.maxBatchBytes > 0 && b.Bytes >= o.maxBatchBytes)
}
