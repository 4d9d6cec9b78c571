package infra

import (
	"sync"
	"sync/atomic"
	"time"
)

// bucket is one time slot of a sliding window. stamp is the period index
// the count belongs to; stale buckets are lazily reset on access.
type bucket struct {
	stamp atomic.Int64
	count atomic.Int64
}

// BucketWindow is a lock-free sliding-window counter: a ring of buckets,
// each covering one sub-period of the window. Concurrent writers only use
// atomics, so contention never blocks.
type BucketWindow struct {
	buckets    []bucket
	bucketSpan time.Duration
	now        func() time.Time
}

// NewBucketWindow creates a window of length span split into n buckets.
func NewBucketWindow(span time.Duration, n int) *BucketWindow {
	if n <= 0 {
		n = 60
	}
	if span <= 0 {
		span = time.Minute
	}
	return &BucketWindow{
		buckets:    make([]bucket, n),
		bucketSpan: span / time.Duration(n),
		now:        time.Now,
	}
}

// Incr adds one observation to the current bucket and returns the window
// total including it.
func (w *BucketWindow) Incr() int64 {
	period := w.now().UnixNano() / int64(w.bucketSpan)
	b := &w.buckets[int(period)%len(w.buckets)]

	// Reset the bucket if it belongs to an expired period. A racing reset
	// can at worst drop a few counts from a bucket that just rolled over,
	// which errs on the permissive side.
	if b.stamp.Load() != period {
		if b.stamp.Swap(period) != period {
			b.count.Store(0)
		}
	}
	b.count.Add(1)
	return w.total(period)
}

// Total returns the current window total without incrementing.
func (w *BucketWindow) Total() int64 {
	period := w.now().UnixNano() / int64(w.bucketSpan)
	return w.total(period)
}

func (w *BucketWindow) total(period int64) int64 {
	oldest := period - int64(len(w.buckets)) + 1
	var sum int64
	for i := range w.buckets {
		b := &w.buckets[i]
		if s := b.stamp.Load(); s >= oldest && s <= period {
			sum += b.count.Load()
		}
	}
	return sum
}

// userWindows holds the per-user minute and hour windows.
type userWindows struct {
	minute *BucketWindow
	hour   *BucketWindow
}

// SlidingWindowLimiter enforces per-key requests-per-minute and
// requests-per-hour limits with lock-free counting.
type SlidingWindowLimiter struct {
	perMinute int
	perHour   int
	users     sync.Map // key → *userWindows
}

// NewSlidingWindowLimiter creates a limiter with the given per-key limits.
// A limit <= 0 disables that window.
func NewSlidingWindowLimiter(perMinute, perHour int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{perMinute: perMinute, perHour: perHour}
}

// Allow records one request for key and reports whether it is within both
// limits. The request is counted even when rejected, matching sliding
// window semantics for abusive clients.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	w := l.windows(key)
	ok := true
	if l.perMinute > 0 && w.minute.Incr() > int64(l.perMinute) {
		ok = false
	}
	if l.perHour > 0 && w.hour.Incr() > int64(l.perHour) {
		ok = false
	}
	return ok
}

func (l *SlidingWindowLimiter) windows(key string) *userWindows {
	if v, ok := l.users.Load(key); ok {
		return v.(*userWindows)
	}
	w := &userWindows{
		minute: NewBucketWindow(time.Minute, 60),
		hour:   NewBucketWindow(time.Hour, 60),
	}
	actual, _ := l.users.LoadOrStore(key, w)
	return actual.(*userWindows)
}
