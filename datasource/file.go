package datasource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ozontech/appender/utils/pool"
)

// Converter encodes one input line as a serialized row.
type Converter func(line []byte) ([]byte, error)

// FileDataSource reads newline-delimited rows and groups them into batches.
// Blank lines are skipped.
type FileDataSource struct {
	r       *bufio.Reader
	convert Converter
	opts    options
	pool    *pool.SlicePool[*Batch]

	mu   sync.Mutex
	line int
}

func NewFileDataSource(r io.Reader, convert Converter, opts ...Option) *FileDataSource {
	return &FileDataSource{
		r:       bufio.NewReaderSize(r, 64<<10),
		convert: convert,
		opts:    newOptions(opts),
		pool:    pool.NewSlicePoolSize[*Batch](100),
	}
}

// Fetch returns the next batch, or io.EOF once the input is exhausted.
func (ds *FileDataSource) Fetch() (*Batch, error) {
	b, ok := ds.pool.Acquire()
	if !ok {
		b = &Batch{
			Rows: make([][]byte, 0, ds.opts.batchRows),
			pool: ds.pool,
		}
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	for !ds.opts.full(b) {
		line, err := ds.r.ReadBytes('\n')
		if len(line) > 0 {
			ds.line++
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			row, cerr := ds.convert(line)
			if cerr != nil {
				b.Release()
				return nil, fmt.Errorf("line %d: %w", ds.line, cerr)
			}
			b.Rows = append(b.Rows, row)
			b.Bytes += len(row)
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.Release()
				return nil, fmt.Errorf("read line %d: %w", ds.line+1, err)
			}
			if len(b.Rows) == 0 {
				b.Release()
				return nil, io.EOF
			}
			return b, nil
		}
	}
	return b, nil
}
