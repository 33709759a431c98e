package noop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoop(t *testing.T) {
	t.Parallel()

	r := New()
	done := make(chan error)
	go func() { done <- r.Run() }()

	s := r.Acquire("t")
	s.SetSize(1, 1)
	s.Failed(errors.New("x"))
	s.End()

	assert.NoError(t, r.Close())
	assert.NoError(t, <-done)
}
