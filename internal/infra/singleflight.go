package infra

import "sync"

// Group suppresses duplicate in-flight work per key: concurrent callers
// of Do with the same key share the first caller's result.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*inflight[V]
}

type inflight[V any] struct {
	wg      sync.WaitGroup
	waiters int
	val     V
	err     error
}

// Do executes fn once per key at a time. Duplicate callers wait for the
// original execution and receive its result; shared reports whether the
// result came from another caller's execution.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (val V, err error, shared bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*inflight[V])
	}
	if c, ok := g.calls[key]; ok {
		c.waiters++
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := new(inflight[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, false
}

// Waiters reports how many callers are blocked on the in-flight
// execution for key, not counting the executor itself.
func (g *Group[K, V]) Waiters(key K) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.waiters
	}
	return 0
}
