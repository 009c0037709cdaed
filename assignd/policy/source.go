package policy

import (
	"sync/atomic"
	"time"
)

// Clock abstracts wall time so tests can drive the scheduler and the pool
// deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock returns the wall clock, in UTC.
func RealClock() Clock { return realClock{} }

// Source publishes immutable policy snapshots. Load is safe for concurrent
// callers; Update swaps the active snapshot after validation, leaving
// in-flight readers on the snapshot they already hold.
type Source struct {
	ptr atomic.Pointer[Policy]
}

// NewSource validates the initial policy and publishes it.
func NewSource(p *Policy) (*Source, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Source{}
	s.ptr.Store(p)
	return s, nil
}

// Load returns the active snapshot. The returned value must be treated as
// read-only.
func (s *Source) Load() *Policy {
	return s.ptr.Load()
}

// Update validates and atomically publishes a new snapshot.
func (s *Source) Update(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.ptr.Store(p)
	return nil
}
