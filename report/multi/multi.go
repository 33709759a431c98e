package multi

import (
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/appender/loader/types"
	"github.com/ozontech/appender/utils/pool"
)

// Multi fans batch outcomes out to several reporters.
type Multi struct {
	nested []types.Reporter
	pool   *pool.SlicePool[*multiState]
}

func New(nested ...types.Reporter) *Multi {
	return &Multi{
		nested,
		pool.NewSlicePoolSize[*multiState](128),
	}
}

func (m *Multi) Run() error {
	g := new(errgroup.Group)
	for i := range m.nested {
		r := m.nested[i]
		g.Go(r.Run)
	}
	return g.Wait()
}

func (m *Multi) Close() error {
	g := new(errgroup.Group)
	for i := range m.nested {
		r := m.nested[i]
		g.Go(r.Close)
	}
	return g.Wait()
}

func (m *Multi) Acquire(tag string) types.BatchState {
	ms, ok := m.pool.Acquire()
	if !ok {
		ms = &multiState{states: make([]types.BatchState, len(m.nested)), multi: m}
	}
	for i, r := range m.nested {
		ms.states[i] = r.Acquire(tag)
	}
	return ms
}

type multiState struct {
	states []types.BatchState
	multi  *Multi
}

func (s *multiState) SetSize(rows, bytes int) {
	for _, s := range s.states {
		s.SetSize(rows, bytes)
	}
}

func (s *multiState) Acked(offset int64) {
	for _, s := range s.states {
		s.Acked(offset)
	}
}

func (s *multiState) Failed(err error) {
	for _, s := range s.states {
		s.Failed(err)
	}
}

func (s *multiState) End() {
	for _, s := range s.states {
		s.End()
	}
	clear(s.states)
	s.multi.pool.Release(s)
}
