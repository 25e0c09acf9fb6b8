package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCollectorRecordRequest aggregates per-route and global counters.
func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector(true)

	c.RecordRequest("/users/<int:id>", 2*time.Millisecond, false)
	c.RecordRequest("/users/<int:id>", 6*time.Millisecond, true)
	c.RecordRequest("/health", 500*time.Microsecond, false)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.Requests)
	assert.Equal(t, uint64(1), snap.Errors)

	users := snap.Routes["/users/<int:id>"]
	assert.Equal(t, uint64(2), users.Requests)
	assert.Equal(t, uint64(1), users.Errors)
	assert.Equal(t, 4*time.Millisecond, users.AvgLatency)
	assert.Equal(t, 6*time.Millisecond, users.MaxLatency)
}

// TestCollectorLatencyBuckets places durations into the right buckets.
func TestCollectorLatencyBuckets(t *testing.T) {
	c := NewCollector(true)

	c.RecordRequest("/r", 200*time.Microsecond, false) // < 1ms
	c.RecordRequest("/r", 3*time.Millisecond, false)   // < 5ms
	c.RecordRequest("/r", 2*time.Second, false)        // overflow

	b := c.Snapshot().Routes["/r"].Buckets
	assert.Equal(t, uint64(1), b[0])
	assert.Equal(t, uint64(1), b[1])
	assert.Equal(t, uint64(1), b[len(b)-1])
}

// TestCollectorOutcomeCounters covers the cache, limiter, and session
// counters the dispatcher feeds.
func TestCollectorOutcomeCounters(t *testing.T) {
	c := NewCollector(true)

	c.RecordCache(CacheMiss)
	c.RecordCache(CacheHit)
	c.RecordCache(CacheHit)
	c.RecordCache(CacheStale)
	c.RecordRateLimited()
	c.RecordSessionOpened()
	c.RecordSessionOpened()
	c.RecordSessionClosed()
	c.RecordMessage()

	snap := c.Snapshot()
	assert.Equal(t, uint64(2), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheStale)
	assert.Equal(t, uint64(1), snap.CacheMisses)
	assert.Equal(t, uint64(1), snap.RateLimited)
	assert.Equal(t, uint64(2), snap.SessionsOpened)
	assert.Equal(t, uint64(1), snap.SessionsClosed)
	assert.Equal(t, uint64(1), snap.Messages)
}

// TestCollectorDisabled drops every record without touching state.
func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false)

	c.RecordRequest("/r", time.Millisecond, false)
	c.RecordRateLimited()
	c.RecordCache(CacheHit)

	snap := c.Snapshot()
	assert.Zero(t, snap.Requests)
	assert.Zero(t, snap.RateLimited)
	assert.Zero(t, snap.CacheHits)
	assert.Empty(t, snap.Routes)
}

// TestCollectorConcurrent hammers one route from many goroutines and
// expects exact totals.
func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector(true)

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				c.RecordRequest("/hot", time.Millisecond, false)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	require.Equal(t, uint64(workers*perWorker), snap.Requests)
	assert.Equal(t, uint64(workers*perWorker), snap.Routes["/hot"].Requests)
}

func BenchmarkRecordRequest(b *testing.B) {
	c := NewCollector(true)
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.RecordRequest("/bench", time.Millisecond, false)
		}
	})
}
