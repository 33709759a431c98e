package console

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConsole(t *testing.T) {
	a := assert.New(t)
	const timeout = time.Second

	start := time.Unix(1700000000, 0)
	now = func() time.Time { return start }
	defer func() { now = time.Now }()

	b := new(bytes.Buffer)
	r := New(b, timeout)

	s := r.Acquire("append")
	s.SetSize(1000, 2000)
	s.Acked(0)
	s.End()

	s = r.Acquire("append")
	s.SetSize(10, 20)
	s.Failed(errors.New("boom"))
	s.End()

	s = r.Acquire("append")
	s.SetSize(500, 1000)
	now = func() time.Time { return start.Add(timeout + time.Millisecond) }
	s.Acked(1000)
	s.End()

	now = func() time.Time { return start.Add(2 * time.Second) }
	a.NoError(r.report(now()))
	a.Equal("total=3 ok=1 nook=2 req=3 rows=1,000 size=1.5 kB/s req/s=1.50 resp/s=1.50\n", b.String())

	b.Reset()
	a.NoError(r.report(now()))
	a.Equal("total=0 ok=0 nook=0 req=0 rows=0\n", b.String())

	b.Reset()
	a.NoError(r.Close())
	a.NoError(r.Run())
	a.Equal("total\ntotal=3 ok=1 nook=2 req=3 rows=1,000 size=1.5 kB/s req/s=1.50 resp/s=1.50\n", b.String())
}
