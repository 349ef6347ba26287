// Package resulttoken holds short-lived, single-use snapshots of browser
// return results. The return handler stores what the gateway reported and
// redirects with an opaque token; the result page trades the token for the
// snapshot exactly once.
package resulttoken

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultTTL matches the gateway's return-page validity window.
	DefaultTTL = 300 * time.Second
	// DefaultCap bounds resident snapshots; inserts beyond it are rejected.
	DefaultCap = 4096

	tokenBytes = 32
)

// ErrCacheFull is returned by Put when the cache is at capacity.
var ErrCacheFull = errors.New("resulttoken: cache full")

// Snapshot is the immutable result surfaced to the result page. It carries no
// identity beyond the order identifiers and amount.
type Snapshot struct {
	Status   string `json:"status"`
	TradeNo  string `json:"tradeNo,omitempty"`
	TradeSeq string `json:"tradeSeq,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
	PaidAt   string `json:"paidAt,omitempty"`
	Message  string `json:"message,omitempty"`
}

type entry struct {
	snapshot   Snapshot
	insertedAt time.Time
}

// Cache maps opaque tokens to pending snapshots with TTL eviction. It is safe
// for concurrent use by multiple goroutines.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	ttl time.Duration
	cap int

	nowFn    func() time.Time
	newToken func() (string, error)
}

// Option configures a Cache instance.
type Option func(*Cache)

// WithTTL overrides the snapshot lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		c.ttl = d
	}
}

// WithCap sets the maximum number of resident snapshots.
func WithCap(n int) Option {
	return func(c *Cache) {
		c.cap = n
	}
}

// WithClock overrides the time source. Tests use this to drive expiry.
func WithClock(nowFn func() time.Time) Option {
	return func(c *Cache) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

// New constructs a cache with sensible defaults.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]entry),
		ttl:      DefaultTTL,
		cap:      DefaultCap,
		nowFn:    time.Now,
		newToken: newToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.cap < 0 {
		c.cap = 0
	}
	return c
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("resulttoken: read entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Put inserts a snapshot and returns its token. Inserting into a full cache
// fails with ErrCacheFull rather than evicting a pending result.
func (c *Cache) Put(snap Snapshot) (string, error) {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)
	if c.cap > 0 && len(c.entries) >= c.cap {
		return "", ErrCacheFull
	}
	token, err := c.newToken()
	if err != nil {
		return "", err
	}
	c.entries[token] = entry{snapshot: snap, insertedAt: now}
	return token, nil
}

// Take atomically removes and returns the snapshot for a token. Any second
// call for the same token reports a miss, as does an expired or unknown one.
func (c *Cache) Take(token string) (*Snapshot, bool) {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[token]
	if !ok {
		return nil, false
	}
	delete(c.entries, token)
	if now.Sub(e.insertedAt) > c.ttl {
		return nil, false
	}
	snap := e.snapshot
	return &snap, true
}

// Len returns the number of resident snapshots. Primarily for testing.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) pruneLocked(now time.Time) {
	for token, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, token)
		}
	}
}
