package infra

import (
	"context"
	"sync"
)

// Semaphore is a weighted semaphore for limiting concurrent access.
// Acquire is a cancellation checkpoint: a cancelled context aborts the
// wait and returns the context error.
type Semaphore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	max     int64
	current int64
	waiters int
}

// NewSemaphore creates a semaphore with the given maximum permits.
func NewSemaphore(max int64) *Semaphore {
	if max <= 0 {
		max = 1
	}
	s := &Semaphore{max: max}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until n permits are available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if n > s.max {
		n = s.max
	}

	s.mu.Lock()
	if s.current+n <= s.max && s.waiters == 0 {
		s.current += n
		s.mu.Unlock()
		return nil
	}

	s.waiters++

	done := make(chan struct{})
	cancelled := false
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			cancelled = true
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	for {
		if cancelled {
			s.waiters--
			s.mu.Unlock()
			close(done)
			return ctx.Err()
		}
		if s.current+n <= s.max {
			s.current += n
			s.waiters--
			s.mu.Unlock()
			close(done)
			return nil
		}
		s.cond.Wait()
	}
}

// TryAcquire attempts to acquire n permits without blocking.
func (s *Semaphore) TryAcquire(n int64) bool {
	if n <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current+n <= s.max {
		s.current += n
		return true
	}
	return false
}

// Release returns n permits to the semaphore.
func (s *Semaphore) Release(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.current -= n
	if s.current < 0 {
		s.current = 0
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.current
}

// InUse returns the number of permits currently held.
func (s *Semaphore) InUse() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
