package lifecycle

import (
	"context"
	"sync"

	"sensorhub/internal/errcode"
)

// Signal is a completion that can be waited on with a deadline and re-armed
// for the next cycle. Complete is idempotent until the next Rearm.
type Signal struct {
	name string

	mu    sync.Mutex
	ch    chan struct{}
	fired bool
	count uint64
}

func NewSignal(name string) *Signal {
	return &Signal{name: name, ch: make(chan struct{})}
}

func (s *Signal) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return
	}
	close(s.ch)
	s.fired = true
	s.count++
}

// Rearm clears a fired signal so later waiters block again.
func (s *Signal) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		return
	}
	s.ch = make(chan struct{})
	s.fired = false
}

// Done returns a channel closed when the current cycle completes.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Count is the number of completions since creation.
func (s *Signal) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Wait blocks until the signal completes or ctx ends. Expiry is reported as
// errcode.Timeout.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return errcode.Wrap(errcode.Timeout, "lifecycle: wait "+s.name, ctx.Err())
	}
}
