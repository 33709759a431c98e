package datasource

import (
	"errors"
	"fmt"
	"io"
)

var errEmptyInput = errors.New("cyclic read of empty input")

// CyclicReader перечитывает rs с начала при достижении конца. Между
// проходами вставляется перевод строки, если файл им не заканчивается,
// чтобы последняя строка не склеилась с первой.
type CyclicReader struct {
	rs        io.ReadSeeker
	last      byte
	passBytes int
	pendingNL bool
}

func NewCyclicReader(rs io.ReadSeeker) *CyclicReader {
	return &CyclicReader{rs: rs}
}

func (r *CyclicReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if r.pendingNL {
		r.pendingNL = false
		r.last = '\n'
		b[0] = '\n'
		return 1, nil
	}

	n, err := r.rs.Read(b)
	if n > 0 {
		r.last = b[n-1]
		r.passBytes += n
	}
	if err == nil {
		return n, nil
	}

	if err != io.EOF {
		return n, fmt.Errorf("read: %w", err)
	}
	if r.passBytes == 0 {
		return n, errEmptyInput
	}

	_, err = r.rs.Seek(0, io.SeekStart)
	if err != nil {
		return n, fmt.Errorf("rewind: %w", err)
	}
	r.passBytes = 0
	r.pendingNL = r.last != '\n'

	return n, nil
}
