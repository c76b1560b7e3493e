package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"discordproxy/internal/routing"
)

// fakeClock drives the limiter's now/after hooks so tests never sleep
// on wall time.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	timers []fakeTimer
}

type fakeTimer struct {
	at time.Time
	f  func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_600_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) After(d time.Duration, f func()) {
	c.mu.Lock()
	c.timers = append(c.timers, fakeTimer{at: c.t.Add(d), f: f})
	c.mu.Unlock()
	if d <= 0 {
		// The caller may hold the limiter lock; fire like a real timer
		// would, off the calling goroutine.
		go c.fire()
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	c.fire()
}

func (c *fakeClock) fire() {
	for {
		c.mu.Lock()
		var due func()
		for i, tm := range c.timers {
			if !tm.at.After(c.t) {
				due = tm.f
				c.timers = append(c.timers[:i], c.timers[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		if due == nil {
			return
		}
		due()
	}
}

func newTestLimiter() (*Limiter, *fakeClock) {
	c := newFakeClock()
	l := NewLimiter()
	l.now = c.Now
	l.after = c.After
	return l, c
}

func mustRoute(t *testing.T, method, path string) routing.Route {
	t.Helper()
	rt, err := routing.Parse(method, path)
	if err != nil {
		t.Fatalf("Parse(%s %s): %v", method, path, err)
	}
	return rt
}

// acquireAsync starts an Acquire in a goroutine and returns a channel
// delivering the result.
func acquireAsync(ctx context.Context, l *Limiter, rt routing.Route) <-chan *Permit {
	ch := make(chan *Permit, 1)
	go func() {
		p, err := l.Acquire(ctx, rt)
		if err != nil {
			ch <- nil
			return
		}
		ch <- p
	}()
	return ch
}

func waitPermit(t *testing.T, ch <-chan *Permit) *Permit {
	t.Helper()
	select {
	case p := <-ch:
		if p == nil {
			t.Fatal("acquire failed")
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not complete")
	}
	return nil
}

func assertBlocked(t *testing.T, ch <-chan *Permit) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("acquire completed, want blocked")
	case <-time.After(50 * time.Millisecond):
	}
}

func limitHeaders(limit, remaining int, resetAfter string) http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", fmt.Sprint(limit))
	h.Set("X-RateLimit-Remaining", fmt.Sprint(remaining))
	h.Set("X-RateLimit-Reset-After", resetAfter)
	h.Set("X-RateLimit-Bucket", "abcd1234")
	return h
}

func TestUnknownBucketAdmitsSingleProbe(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	probe := waitPermit(t, acquireAsync(context.Background(), l, rt))

	second := acquireAsync(context.Background(), l, rt)
	third := acquireAsync(context.Background(), l, rt)
	assertBlocked(t, second)
	assertBlocked(t, third)

	probe.Release(200, limitHeaders(5, 4, "60"))

	waitPermit(t, second)
	waitPermit(t, third)
}

func TestHeaderlessReleaseKeepsSerializing(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	p1 := waitPermit(t, acquireAsync(context.Background(), l, rt))
	second := acquireAsync(context.Background(), l, rt)
	assertBlocked(t, second)

	p1.Release(200, http.Header{})

	// Still unknown: the next waiter becomes the new probe and the one
	// after it must wait again.
	p2 := waitPermit(t, second)
	third := acquireAsync(context.Background(), l, rt)
	assertBlocked(t, third)
	p2.Release(200, http.Header{})
	waitPermit(t, third)
}

func TestKnownBucketWindowBound(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	probe := waitPermit(t, acquireAsync(context.Background(), l, rt))
	probe.Release(200, limitHeaders(2, 2, "10"))

	p1 := waitPermit(t, acquireAsync(context.Background(), l, rt))
	p2 := waitPermit(t, acquireAsync(context.Background(), l, rt))
	p1.Release(200, limitHeaders(2, 1, "10"))
	p2.Release(200, limitHeaders(2, 0, "10"))

	blocked := acquireAsync(context.Background(), l, rt)
	assertBlocked(t, blocked)

	clock.Advance(10 * time.Second)
	waitPermit(t, blocked)
}

func TestWaitersWakeInOrder(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	// An unknown bucket grants one waiter at a time, so wake order is
	// observable: each headerless release must promote exactly the next
	// waiter in enqueue order.
	chans := make([]<-chan *Permit, 4)
	chans[0] = acquireAsync(context.Background(), l, rt)
	p := waitPermit(t, chans[0])
	for i := 1; i < 4; i++ {
		chans[i] = acquireAsync(context.Background(), l, rt)
		// Give each goroutine time to enqueue before the next so the
		// expected order is deterministic.
		assertBlocked(t, chans[i])
	}

	for i := 1; i < 4; i++ {
		assertBlocked(t, chans[i])
		p.Release(200, http.Header{})
		p = waitPermit(t, chans[i])
		for j := i + 1; j < 4; j++ {
			select {
			case <-chans[j]:
				t.Fatalf("waiter %d woke before waiter %d", j, i)
			default:
			}
		}
	}
	p.Release(200, http.Header{})
}

func TestGlobalGateBlocksAllBuckets(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter()
	rtA := mustRoute(t, "GET", "/channels/1/messages")
	rtB := mustRoute(t, "GET", "/guilds/2/members")

	p := waitPermit(t, acquireAsync(context.Background(), l, rtA))
	h := http.Header{}
	h.Set("X-RateLimit-Global", "true")
	h.Set("Retry-After", "3")
	p.Release(429, h)

	a := acquireAsync(context.Background(), l, rtA)
	b := acquireAsync(context.Background(), l, rtB)
	assertBlocked(t, a)
	assertBlocked(t, b)

	clock.Advance(3 * time.Second)
	waitPermit(t, a)
	waitPermit(t, b)
}

func TestPlainTooManyRequestsExhaustsBucket(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	p := waitPermit(t, acquireAsync(context.Background(), l, rt))
	h := limitHeaders(5, 0, "60")
	h.Set("Retry-After", "2")
	p.Release(429, h)

	blocked := acquireAsync(context.Background(), l, rt)
	assertBlocked(t, blocked)

	clock.Advance(2 * time.Second)
	waitPermit(t, blocked)
}

func TestResetAfterZeroAdmitsImmediately(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	p := waitPermit(t, acquireAsync(context.Background(), l, rt))
	p.Release(200, limitHeaders(3, 0, "0"))

	waitPermit(t, acquireAsync(context.Background(), l, rt))
}

func TestStaleResetRefills(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	p := waitPermit(t, acquireAsync(context.Background(), l, rt))
	p.Release(200, limitHeaders(3, 0, "1"))

	// Let the window lapse with no traffic; the next acquire must not
	// wait another window.
	clock.Advance(5 * time.Second)
	waitPermit(t, acquireAsync(context.Background(), l, rt))
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	probe := waitPermit(t, acquireAsync(context.Background(), l, rt))
	probe.Release(200, limitHeaders(1, 0, "5"))

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := acquireAsync(ctx, l, rt)
	assertBlocked(t, cancelled)
	survivor := acquireAsync(context.Background(), l, rt)
	assertBlocked(t, survivor)

	cancel()
	select {
	case p := <-cancelled:
		if p != nil {
			t.Fatal("cancelled acquire returned a permit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	clock.Advance(5 * time.Second)
	waitPermit(t, survivor)
}

func TestAbortedProbeHandsSlotToNextWaiter(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	ctx, cancel := context.WithCancel(context.Background())
	probe := waitPermit(t, acquireAsync(ctx, l, rt))
	next := acquireAsync(context.Background(), l, rt)
	assertBlocked(t, next)

	// Simulate an aborted probe whose request never reached upstream:
	// release with no headers keeps the bucket unknown and frees the
	// probe slot for the next waiter.
	cancel()
	probe.Release(0, http.Header{})
	waitPermit(t, next)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	p := waitPermit(t, acquireAsync(context.Background(), l, rt))
	p.Release(200, limitHeaders(5, 4, "60"))
	p.Release(200, limitHeaders(5, 0, "60"))

	// The second call must not have taken effect: remaining is still 4
	// so two more requests go straight through.
	q1 := waitPermit(t, acquireAsync(context.Background(), l, rt))
	q2 := waitPermit(t, acquireAsync(context.Background(), l, rt))
	q1.Release(200, limitHeaders(5, 2, "60"))
	q2.Release(200, limitHeaders(5, 1, "60"))
}

func TestResetAfterWinsOverReset(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter()
	rt := mustRoute(t, "GET", "/channels/1/messages")

	p := waitPermit(t, acquireAsync(context.Background(), l, rt))
	h := limitHeaders(1, 0, "2")
	// An absolute Reset far in the future must lose to Reset-After.
	h.Set("X-RateLimit-Reset", fmt.Sprint(clock.Now().Add(time.Hour).Unix()))
	p.Release(200, h)

	blocked := acquireAsync(context.Background(), l, rt)
	assertBlocked(t, blocked)
	clock.Advance(2 * time.Second)
	waitPermit(t, blocked)
}

func TestSeparateRoutesSeparateBuckets(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter()
	rtA := mustRoute(t, "GET", "/channels/1/messages")
	rtB := mustRoute(t, "GET", "/channels/2/messages")

	pA := waitPermit(t, acquireAsync(context.Background(), l, rtA))
	// Channel 2 has its own probe slot; channel 1's in-flight probe
	// must not block it.
	pB := waitPermit(t, acquireAsync(context.Background(), l, rtB))
	pA.Release(200, limitHeaders(5, 4, "60"))
	pB.Release(200, limitHeaders(5, 4, "60"))
}
