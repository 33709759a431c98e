package datasource

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// InmemDataSource loads every batch once and then serves them in a loop.
// Batches are shared between callers and must be treated as read-only.
type InmemDataSource struct {
	src     *FileDataSource
	i       atomic.Int64
	batches []*Batch
}

func NewInmemDataSource(r io.Reader, convert Converter, opts ...Option) *InmemDataSource {
	return &InmemDataSource{src: NewFileDataSource(r, convert, opts...)}
}

func (ds *InmemDataSource) Init() error {
	for {
		b, err := ds.src.Fetch()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read next batch: %w", err)
		}
		// отвязываем от пула: пакет будет отдаваться многократно
		ds.batches = append(ds.batches, &Batch{Rows: b.Rows, Bytes: b.Bytes})
	}
	if len(ds.batches) == 0 {
		return errors.New("rows file is empty")
	}
	return nil
}

func (ds *InmemDataSource) Fetch() (*Batch, error) {
	i := int(ds.i.Add(1) - 1)
	return ds.batches[i%len(ds.batches)], nil
}
