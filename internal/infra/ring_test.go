package infra

import (
	"sync"
	"testing"
)

func TestRing_PublishPoll(t *testing.T) {
	r := NewRing[int](8)

	for i := 0; i < 5; i++ {
		if !r.Publish(i) {
			t.Fatalf("publish %d failed on non-full ring", i)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := r.Poll()
		if !ok {
			t.Fatalf("poll %d returned empty", i)
		}
		if v != i {
			t.Errorf("expected %d in order, got %d", i, v)
		}
	}
	if _, ok := r.Poll(); ok {
		t.Error("poll on drained ring must return false")
	}
}

func TestRing_OverflowCountsDrops(t *testing.T) {
	r := NewRing[int](4)
	published := 0
	for i := 0; i < 10; i++ {
		if r.Publish(i) {
			published++
		}
	}
	if published != 4 {
		t.Errorf("expected 4 published, got %d", published)
	}
	if r.Dropped() != 6 {
		t.Errorf("expected 6 dropped, got %d", r.Dropped())
	}
}

func TestRing_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000

	r := NewRing[int](producers * perProducer)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if !r.Publish(i) {
					t.Error("publish failed on sufficiently sized ring")
					return
				}
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		if _, ok := r.Poll(); !ok {
			break
		}
		count++
	}
	if count != producers*perProducer {
		t.Errorf("expected %d events, drained %d", producers*perProducer, count)
	}
	if r.Dropped() != 0 {
		t.Errorf("expected no drops, got %d", r.Dropped())
	}
}

func TestRing_ReusesSlotsAfterDrain(t *testing.T) {
	r := NewRing[int](2)
	for cycle := 0; cycle < 10; cycle++ {
		if !r.Publish(cycle) {
			t.Fatalf("cycle %d: publish failed", cycle)
		}
		v, ok := r.Poll()
		if !ok || v != cycle {
			t.Fatalf("cycle %d: got %d/%v", cycle, v, ok)
		}
	}
}
