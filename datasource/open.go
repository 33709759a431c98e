package datasource

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

type readCloser struct {
	io.Reader
	closers []func() error
}

func (rc *readCloser) Close() error {
	var err error
	for _, c := range rc.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// Open opens a rows file. Files ending in .gz or .zst are decompressed.
func Open(path string) (io.ReadCloser, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := NewReader(f, filepath.Ext(path))
	if err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	return &readCloser{Reader: rc, closers: []func() error{rc.Close, f.Close}}, nil
}

// NewReader wraps r with the decompressor for the file extension ext.
// Closing the result does not close r.
func NewReader(r io.Reader, ext string) (io.ReadCloser, error) {
	switch ext {
	case ".gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, nil
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	}
	return io.NopCloser(r), nil
}
