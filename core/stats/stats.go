// Package stats collects low-overhead runtime counters: per-route
// request and latency figures plus global cache, rate-limit, and
// session totals. Recording is lock-free so the hot path never blocks
// on introspection.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// BucketBounds are the upper edges of the latency histogram. The last
// bucket is unbounded.
var BucketBounds = [7]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

const bucketCount = len(BucketBounds) + 1

// CacheOutcome classifies a cached-route lookup.
type CacheOutcome int

const (
	CacheMiss CacheOutcome = iota
	CacheHit
	CacheStale
)

// RouteStats accumulates counters for a single route pattern.
type RouteStats struct {
	requests atomic.Uint64
	errors   atomic.Uint64
	totalNs  atomic.Uint64
	maxNs    atomic.Uint64
	buckets  [bucketCount]atomic.Uint64
}

func (r *RouteStats) record(d time.Duration, isErr bool) {
	r.requests.Add(1)
	if isErr {
		r.errors.Add(1)
	}

	ns := uint64(d.Nanoseconds())
	r.totalNs.Add(ns)
	for {
		max := r.maxNs.Load()
		if ns <= max || r.maxNs.CompareAndSwap(max, ns) {
			break
		}
	}

	idx := len(BucketBounds)
	for i, bound := range BucketBounds {
		if d < bound {
			idx = i
			break
		}
	}
	r.buckets[idx].Add(1)
}

// Collector is the process-wide counter set. A disabled collector
// accepts records and drops them.
type Collector struct {
	enabled atomic.Bool
	routes  sync.Map // pattern string -> *RouteStats

	requests    atomic.Uint64
	errors      atomic.Uint64
	rateLimited atomic.Uint64

	cacheHits   atomic.Uint64
	cacheStale  atomic.Uint64
	cacheMisses atomic.Uint64

	sessionsOpened atomic.Uint64
	sessionsClosed atomic.Uint64
	messages       atomic.Uint64
}

func NewCollector(enabled bool) *Collector {
	c := &Collector{}
	c.enabled.Store(enabled)
	return c
}

// SetEnabled flips collection at runtime.
func (c *Collector) SetEnabled(on bool) { c.enabled.Store(on) }

// RecordRequest counts one dispatched request against its route.
func (c *Collector) RecordRequest(route string, d time.Duration, isErr bool) {
	if !c.enabled.Load() {
		return
	}
	c.requests.Add(1)
	if isErr {
		c.errors.Add(1)
	}

	val, ok := c.routes.Load(route)
	if !ok {
		val, _ = c.routes.LoadOrStore(route, &RouteStats{})
	}
	val.(*RouteStats).record(d, isErr)
}

// RecordRateLimited counts one request refused by the limiter.
func (c *Collector) RecordRateLimited() {
	if c.enabled.Load() {
		c.rateLimited.Add(1)
	}
}

// RecordCache counts one cached-route lookup by outcome.
func (c *Collector) RecordCache(outcome CacheOutcome) {
	if !c.enabled.Load() {
		return
	}
	switch outcome {
	case CacheHit:
		c.cacheHits.Add(1)
	case CacheStale:
		c.cacheStale.Add(1)
	default:
		c.cacheMisses.Add(1)
	}
}

// RecordSessionOpened counts one accepted WebSocket session.
func (c *Collector) RecordSessionOpened() {
	if c.enabled.Load() {
		c.sessionsOpened.Add(1)
	}
}

// RecordSessionClosed counts one ended WebSocket session.
func (c *Collector) RecordSessionClosed() {
	if c.enabled.Load() {
		c.sessionsClosed.Add(1)
	}
}

// RecordMessage counts one inbound WebSocket message.
func (c *Collector) RecordMessage() {
	if c.enabled.Load() {
		c.messages.Add(1)
	}
}

// RouteSnapshot is a point-in-time copy of one route's counters.
type RouteSnapshot struct {
	Requests   uint64              `json:"requests"`
	Errors     uint64              `json:"errors"`
	AvgLatency time.Duration       `json:"avg_latency_ns"`
	MaxLatency time.Duration       `json:"max_latency_ns"`
	Buckets    [bucketCount]uint64 `json:"latency_buckets"`
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Requests    uint64 `json:"requests"`
	Errors      uint64 `json:"errors"`
	RateLimited uint64 `json:"rate_limited"`

	CacheHits   uint64 `json:"cache_hits"`
	CacheStale  uint64 `json:"cache_stale"`
	CacheMisses uint64 `json:"cache_misses"`

	SessionsOpened uint64 `json:"sessions_opened"`
	SessionsClosed uint64 `json:"sessions_closed"`
	Messages       uint64 `json:"ws_messages"`

	Routes map[string]RouteSnapshot `json:"routes"`
}

// Snapshot copies the current counters. Concurrent recording keeps
// going; the copy is internally consistent enough for reporting.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Requests:    c.requests.Load(),
		Errors:      c.errors.Load(),
		RateLimited: c.rateLimited.Load(),

		CacheHits:   c.cacheHits.Load(),
		CacheStale:  c.cacheStale.Load(),
		CacheMisses: c.cacheMisses.Load(),

		SessionsOpened: c.sessionsOpened.Load(),
		SessionsClosed: c.sessionsClosed.Load(),
		Messages:       c.messages.Load(),

		Routes: make(map[string]RouteSnapshot),
	}

	c.routes.Range(func(key, value any) bool {
		r := value.(*RouteStats)
		rs := RouteSnapshot{
			Requests:   r.requests.Load(),
			Errors:     r.errors.Load(),
			MaxLatency: time.Duration(r.maxNs.Load()),
		}
		if rs.Requests > 0 {
			rs.AvgLatency = time.Duration(r.totalNs.Load() / rs.Requests)
		}
		for i := range r.buckets {
			rs.Buckets[i] = r.buckets[i].Load()
		}
		snap.Routes[key.(string)] = rs
		return true
	})
	return snap
}
