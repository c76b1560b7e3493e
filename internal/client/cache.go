// Package client caches per-token proxy state. Each distinct
// Authorization value owns a TokenClient carrying its rate limiter;
// requests without Authorization fall back to the configured default
// token. Entries age out of an LRU and a background reaper drops the
// ones idle past the decay timeout.
package client

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"discordproxy/internal/ratelimit"
)

// TokenClient is the per-token state. The token value itself is opaque
// and must never appear in logs.
type TokenClient struct {
	token    string
	limiter  *ratelimit.Limiter
	lastUsed time.Time
	activity atomic.Int64
}

func (tc *TokenClient) Token() string               { return tc.token }
func (tc *TokenClient) Limiter() *ratelimit.Limiter { return tc.limiter }

// Retain marks a request in flight. While the counter is above zero
// the entry is exempt from LRU eviction and from the reaper.
func (tc *TokenClient) Retain() { tc.activity.Add(1) }

// ReleaseHold undoes Retain.
func (tc *TokenClient) ReleaseHold() { tc.activity.Add(-1) }

type Options struct {
	// DefaultToken backs requests without an Authorization header. It
	// is normalized with a "Bot " prefix when it carries neither "Bot "
	// nor "Bearer ".
	DefaultToken string
	MaxSize      int
	DecayTimeout time.Duration
	ReapInterval time.Duration
	Log          zerolog.Logger
}

// Cache is an LRU of TokenClients keyed by the raw Authorization value.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used

	defaultToken string
	maxSize      int
	decay        time.Duration
	reapEvery    time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

func NewCache(opts Options) *Cache {
	return &Cache{
		entries:      make(map[string]*list.Element),
		order:        list.New(),
		defaultToken: NormalizeToken(opts.DefaultToken),
		maxSize:      opts.MaxSize,
		decay:        opts.DecayTimeout,
		reapEvery:    opts.ReapInterval,
		log:          opts.Log,
		now:          time.Now,
	}
}

// NormalizeToken prefixes a bare bot token with "Bot ". Values already
// carrying a "Bot " or "Bearer " prefix pass through unchanged.
func NormalizeToken(token string) string {
	if token == "" || strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bot " + token
}

// GetOrCreate returns the TokenClient for the Authorization value,
// creating it on first sight. An empty value resolves to the default
// token's entry, which ages like any other. Every hit refreshes the
// entry's LRU position.
func (c *Cache) GetOrCreate(authorization string) *TokenClient {
	token := authorization
	if token == "" {
		token = c.defaultToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[token]; ok {
		c.order.MoveToFront(el)
		tc := el.Value.(*TokenClient)
		tc.lastUsed = c.now()
		return tc
	}

	if c.maxSize > 0 && c.order.Len() >= c.maxSize {
		c.evictLocked()
	}
	tc := &TokenClient{
		token:    token,
		limiter:  ratelimit.NewLimiter(),
		lastUsed: c.now(),
	}
	c.entries[token] = c.order.PushFront(tc)
	c.log.Debug().Int("clients", c.order.Len()).Msg("token client created")
	return tc
}

// evictLocked drops the least recently used entry without in-flight
// requests. Nothing is dropped when every entry is busy.
func (c *Cache) evictLocked() {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		tc := el.Value.(*TokenClient)
		if tc.activity.Load() > 0 {
			continue
		}
		c.removeLocked(el, tc)
		c.log.Debug().Int("clients", c.order.Len()).Msg("token client evicted")
		return
	}
}

func (c *Cache) removeLocked(el *list.Element, tc *TokenClient) {
	c.order.Remove(el)
	delete(c.entries, tc.token)
}

// Len reports the number of cached clients.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Run reaps idle entries every ReapInterval until ctx is done. sweep,
// if non-nil, is invoked on each pass so the metrics registry can age
// out its own tuples.
func (c *Cache) Run(ctx context.Context, sweep func()) {
	ticker := time.NewTicker(c.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reap()
			if sweep != nil {
				sweep()
			}
		}
	}
}

func (c *Cache) reap() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		tc := el.Value.(*TokenClient)
		if tc.activity.Load() == 0 && now.Sub(tc.lastUsed) > c.decay {
			c.removeLocked(el, tc)
			dropped++
		}
		el = prev
	}
	if dropped > 0 {
		c.log.Info().Int("dropped", dropped).Int("clients", c.order.Len()).Msg("reaped idle token clients")
	}
}
