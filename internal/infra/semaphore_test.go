package infra

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSemaphore_AcquireRelease(t *testing.T) {
	s := NewSemaphore(2)
	if err := s.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := s.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if s.TryAcquire(1) {
		t.Error("third acquire should fail at capacity")
	}
	s.Release(1)
	if !s.TryAcquire(1) {
		t.Error("acquire after release should succeed")
	}
}

func TestSemaphore_BlocksUntilRelease(t *testing.T) {
	s := NewSemaphore(1)
	_ = s.Acquire(context.Background(), 1)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Acquire(context.Background(), 1); err == nil {
			acquired.Store(true)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("acquire should block while held")
	}
	s.Release(1)
	<-done
	if !acquired.Load() {
		t.Error("acquire should succeed after release")
	}
}

func TestSemaphore_CancellationAbortsWait(t *testing.T) {
	s := NewSemaphore(1)
	_ = s.Acquire(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if s.Available() != 0 {
		t.Error("cancelled waiter must not consume permits")
	}
}
