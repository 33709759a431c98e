package datasource

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type errReader struct {
	seekErr error
	readErr error
}

func (r errReader) Seek(int64, int) (int64, error) {
	return 0, r.seekErr
}

func (r errReader) Read([]byte) (int, error) {
	return 0, r.readErr
}

var errBrand = errors.New("brand error")

func TestCyclicReaderErrors(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	buf := make([]byte, 1024)

	cr := NewCyclicReader(errReader{nil, errBrand})
	_, err := cr.Read(buf)
	assert.ErrorIs(err, errBrand)

	cr = NewCyclicReader(errReader{errBrand, io.EOF})
	_, err = cr.Read(buf)
	assert.ErrorIs(err, errEmptyInput)
}

func TestCyclicReaderRewindError(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	buf := make([]byte, 1024)

	cr := NewCyclicReader(&onceReader{data: []byte("row\n"), seekErr: errBrand})
	n, err := cr.Read(buf)
	assert.NoError(err)
	assert.Equal("row\n", string(buf[:n]))

	_, err = cr.Read(buf)
	assert.ErrorIs(err, errBrand)
}

type onceReader struct {
	data    []byte
	seekErr error
}

func (r *onceReader) Seek(int64, int) (int64, error) { return 0, r.seekErr }

func (r *onceReader) Read(b []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(b, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestCyclicReader(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	buf := make([]byte, 1024)

	in := []byte("1234567890")
	cr := NewCyclicReader(bytes.NewReader(in))

	n, err := cr.Read(buf)
	assert.NoError(err)
	assert.Equal(in, buf[:n])

	n, err = cr.Read(buf)
	assert.NoError(err)
	assert.Equal([]byte{}, buf[:n])

	// вход не заканчивается переводом строки
	n, err = cr.Read(buf)
	assert.NoError(err)
	assert.Equal([]byte("\n"), buf[:n])

	n, err = cr.Read(buf)
	assert.NoError(err)
	assert.Equal(in, buf[:n])
}

func TestCyclicReaderKeepsLines(t *testing.T) {
	t.Parallel()

	in := []byte("1234567890\n")
	cr := NewCyclicReader(bytes.NewReader(in))
	out := make([]byte, 3*len(in))
	_, err := io.ReadFull(cr, out)
	assert.NoError(t, err)
	assert.Equal(t, bytes.Repeat(in, 3), out)
}
