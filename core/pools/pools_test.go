package pools

import (
	"runtime/debug"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsEverything(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	for i := 0; i < 200; i++ {
		pool.Submit(func() { counter.Add(1) })
	}

	require.Eventually(t, func() bool {
		return counter.Load() == 200
	}, 2*time.Second, time.Millisecond)

	stats := pool.Stats()
	assert.Equal(t, uint64(200), stats.Submitted)
	assert.Equal(t, uint64(200), stats.Completed)
	assert.Equal(t, uint64(0), stats.Pending)
}

func TestWorkerPoolInlineWhenSaturated(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Close()

	// Jam the single worker, then fill its queue.
	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{})
	pool.Submit(func() { close(started); <-gate })
	<-started
	for i := 0; i < workerQueueDepth; i++ {
		pool.Submit(func() { <-gate })
	}

	// With worker and queue both saturated the job must run on the
	// submitting goroutine.
	ran := false
	pool.Submit(func() { ran = true })
	assert.True(t, ran)
}

func TestWorkerPoolStealing(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	// Uneven job durations leave some queues idle while others are
	// backed up, which is what stealing exists for.
	var counter atomic.Int64
	for i := 0; i < 400; i++ {
		i := i
		pool.Submit(func() {
			if i%8 == 0 {
				time.Sleep(time.Millisecond)
			}
			counter.Add(1)
		})
	}

	require.Eventually(t, func() bool {
		return counter.Load() == 400
	}, 5*time.Second, time.Millisecond)
}

func TestWorkerPoolCloseDropsNewJobs(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close() // idempotent

	var counter atomic.Int64
	pool.Submit(func() { counter.Add(1) })

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), counter.Load())
}

func TestTieredPoolBuffers(t *testing.T) {
	tp := NewTieredPool([]int{64, 256})

	buf := tp.Get(100)
	require.NotNil(t, buf)
	assert.Zero(t, len(*buf))
	assert.GreaterOrEqual(t, cap(*buf), 100)

	*buf = append(*buf, "some data"...)
	tp.Put(buf)

	again := tp.Get(100)
	assert.Zero(t, len(*again), "recycled buffers come back empty")

	// Hints past the largest tier still work.
	huge := tp.Get(4096)
	assert.GreaterOrEqual(t, cap(*huge), 4096)
	tp.Put(huge)
	tp.Put(nil)
}

func TestBufferHelpers(t *testing.T) {
	buf := AcquireBuffer(1024)
	require.NotNil(t, buf)
	assert.GreaterOrEqual(t, cap(*buf), 1024)

	*buf = append(*buf, 1, 2, 3)
	ReleaseBuffer(buf)
}

func TestApplyGCConfig(t *testing.T) {
	ApplyGCConfig(GCConfig{Percent: 150})
	prev := debug.SetGCPercent(100)
	assert.Equal(t, 150, prev)

	// Zero config leaves the runtime alone.
	ApplyGCConfig(GCConfig{})
	assert.Equal(t, 100, debug.SetGCPercent(100))
}

func TestReadRuntimeStats(t *testing.T) {
	s := ReadRuntimeStats()
	assert.Greater(t, s.Goroutines, 0)
	assert.Greater(t, s.Sys, uint64(0))
	assert.Greater(t, s.TotalAlloc, uint64(0))
}

func BenchmarkTieredPool(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := AcquireBuffer(4096)
			*buf = append(*buf, "payload"...)
			ReleaseBuffer(buf)
		}
	})
}
