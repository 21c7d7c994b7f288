package store

import (
	"context"
	"sync"
	"sync/atomic"
)

// subscription serialises callback delivery and gives Unsubscribe its
// "nothing runs after return" guarantee.
type subscription struct {
	mu     sync.Mutex // held while a callback runs
	closed atomic.Bool
	once   sync.Once

	cancel   context.CancelFunc
	teardown func() // network cleanup, run in background
}

func newSubscription(cancel context.CancelFunc, teardown func()) *subscription {
	return &subscription{cancel: cancel, teardown: teardown}
}

func (s *subscription) deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	fn()
	return true
}

func (s *subscription) isClosed() bool { return s.closed.Load() }

func (s *subscription) unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		// wait for an in-flight callback
		s.mu.Lock()
		s.mu.Unlock() //nolint:staticcheck
		if s.teardown != nil {
			go s.teardown()
		}
	})
}
