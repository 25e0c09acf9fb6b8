package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config holds the token bucket parameters for one limiter. A zero
// Capacity or RefillRate disables the limiter entirely.
type Config struct {
	Capacity   float64 // maximum burst, in requests
	RefillRate float64 // tokens added per second
	MaxKeys    int     // bucket table size, defaulted when zero
}

// Enabled reports whether the config describes an active limit.
func (c Config) Enabled() bool {
	return c.Capacity > 0 && c.RefillRate > 0
}

// DefaultMaxKeys bounds the bucket table. Idle keys fall off the cold
// end of the table long before an active key can be displaced.
const DefaultMaxKeys = 16384

// Decision is the outcome of a single Allow check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration // wait until one token is available, denials only
}

// Limiter is a keyed token bucket table. Each key refills continuously
// at RefillRate up to Capacity and spends one token per granted check.
// Safe for concurrent use from many connections.
type Limiter struct {
	cfg     Config
	buckets *lru.Cache[string, *bucket]

	now func() time.Time // test hook
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter for the given config.
func New(cfg Config) *Limiter {
	size := cfg.MaxKeys
	if size <= 0 {
		size = DefaultMaxKeys
	}
	// Size is positive, the only error lru.New can return.
	buckets, _ := lru.New[string, *bucket](size)
	return &Limiter{
		cfg:     cfg,
		buckets: buckets,
		now:     time.Now,
	}
}

// Allow refills the key's bucket for the elapsed time and tries to spend
// one token. Tokens never exceed capacity and never go negative; an
// empty bucket denies the request and reports how long until the next
// token lands.
func (l *Limiter) Allow(key string) Decision {
	if !l.cfg.Enabled() {
		return Decision{Allowed: true, Remaining: l.cfg.Capacity}
	}

	b := l.bucket(key)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.cfg.RefillRate
		if b.tokens > l.cfg.Capacity {
			b.tokens = l.cfg.Capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	wait := (1 - b.tokens) / l.cfg.RefillRate
	return Decision{
		Remaining:  b.tokens,
		RetryAfter: time.Duration(wait * float64(time.Second)),
	}
}

// Forget drops the bucket for a key. Used when the keyed entity (a
// session, a connection) is gone for good.
func (l *Limiter) Forget(key string) {
	l.buckets.Remove(key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}

func (l *Limiter) bucket(key string) *bucket {
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	fresh := &bucket{tokens: l.cfg.Capacity, lastRefill: l.now()}
	if prev, loaded, _ := l.buckets.PeekOrAdd(key, fresh); loaded {
		return prev
	}
	return fresh
}
