// Package ratelimit implements per-token admission against Discord's
// dynamic rate limits. Limits are not configured; they are learned from
// X-RateLimit response headers. Each bucket starts unknown, admits a
// single probe request, and transitions to known once headers report
// the window. A token-wide global gate blocks every bucket while a
// global 429 cooldown is active.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"discordproxy/internal/routing"
)

type waiter struct {
	ready   chan struct{}
	granted bool
	probe   bool
}

type bucket struct {
	key string

	known     bool
	probing   bool
	limit     int
	remaining int
	resetAt   time.Time

	// remoteID is the upstream bucket hash, kept for diagnostics.
	remoteID string

	queue    []*waiter
	timerSet bool
}

// Limiter admits requests for a single token. All state is guarded by
// mu; waiters are woken strictly in enqueue order.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	globalUntil    time.Time
	globalQueue    []*waiter
	globalTimerSet bool

	now   func() time.Time
	after func(time.Duration, func())
}

func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		after:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Acquire blocks until the route's bucket admits one request, returning
// a Permit that must be released with the upstream response. The global
// gate is waited on first, then the bucket. A cancelled waiter leaves
// its queue without disturbing the order of the others.
func (l *Limiter) Acquire(ctx context.Context, rt routing.Route) (*Permit, error) {
	if err := l.waitGlobal(ctx); err != nil {
		return nil, err
	}

	key := rt.BucketKey()
	l.mu.Lock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{key: key}
		l.buckets[key] = b
	}
	w := &waiter{ready: make(chan struct{})}
	b.queue = append(b.queue, w)
	l.dispatchLocked(b)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return &Permit{l: l, b: b, probe: w.probe}, nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Lost the race against a grant; return the slot.
			if w.probe {
				b.probing = false
			} else if b.known {
				b.remaining++
			}
			l.dispatchLocked(b)
			l.mu.Unlock()
			return nil, ctx.Err()
		}
		removeWaiter(&b.queue, w)
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *Limiter) waitGlobal(ctx context.Context) error {
	l.mu.Lock()
	if !l.now().Before(l.globalUntil) && len(l.globalQueue) == 0 {
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.globalQueue = append(l.globalQueue, w)
	l.scheduleGlobalTimerLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if !w.granted {
			removeWaiter(&l.globalQueue, w)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// dispatchLocked grants queued waiters from the head while the bucket
// and the global gate allow it. State mutation precedes the wake-up.
func (l *Limiter) dispatchLocked(b *bucket) {
	for len(b.queue) > 0 {
		now := l.now()
		if now.Before(l.globalUntil) {
			// The global timer re-dispatches every bucket on expiry.
			l.scheduleGlobalTimerLocked()
			return
		}
		w := b.queue[0]
		if !b.known {
			if b.probing {
				return
			}
			b.probing = true
			w.probe = true
		} else {
			if b.remaining <= 0 {
				if b.resetAt.After(now) {
					l.scheduleBucketTimerLocked(b, b.resetAt.Sub(now))
					return
				}
				b.remaining = b.limit
			}
			b.remaining--
		}
		b.queue = b.queue[1:]
		w.granted = true
		close(w.ready)
		if w.probe {
			return
		}
	}
}

func (l *Limiter) scheduleBucketTimerLocked(b *bucket, d time.Duration) {
	if b.timerSet {
		return
	}
	b.timerSet = true
	l.after(d, func() {
		l.mu.Lock()
		b.timerSet = false
		l.dispatchLocked(b)
		l.mu.Unlock()
	})
}

func (l *Limiter) scheduleGlobalTimerLocked() {
	if l.globalTimerSet {
		return
	}
	d := l.globalUntil.Sub(l.now())
	if d < 0 {
		d = 0
	}
	l.globalTimerSet = true
	l.after(d, func() {
		l.mu.Lock()
		l.globalTimerSet = false
		l.dispatchGlobalLocked()
		for _, b := range l.buckets {
			l.dispatchLocked(b)
		}
		l.mu.Unlock()
	})
}

func (l *Limiter) dispatchGlobalLocked() {
	if l.now().Before(l.globalUntil) {
		l.scheduleGlobalTimerLocked()
		return
	}
	for _, w := range l.globalQueue {
		w.granted = true
		close(w.ready)
	}
	l.globalQueue = l.globalQueue[:0]
}

func removeWaiter(queue *[]*waiter, w *waiter) {
	q := *queue
	for i, x := range q {
		if x == w {
			*queue = append(q[:i], q[i+1:]...)
			return
		}
	}
}
