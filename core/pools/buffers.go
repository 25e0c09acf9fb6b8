// Package pools provides the buffer and worker pools behind the
// request path, plus runtime memory tuning.
package pools

import "sync"

// Size classes tuned for HTTP traffic. Connection read buffers and
// response write buffers both come from here; most requests fit the
// second tier, the last tier absorbs pipelined batches and large
// bodies.
var bufferTiers = []int{2 << 10, 8 << 10, 32 << 10, 128 << 10}

// TieredPool recycles byte slices across capacity classes.
type TieredPool struct {
	pools []sync.Pool
	tiers []int
}

func NewTieredPool(tiers []int) *TieredPool {
	tp := &TieredPool{
		pools: make([]sync.Pool, len(tiers)),
		tiers: tiers,
	}
	for i, size := range tiers {
		size := size
		tp.pools[i].New = func() any {
			buf := make([]byte, 0, size)
			return &buf
		}
	}
	return tp
}

// Get returns a zero-length buffer with capacity for at least hint
// bytes. Hints beyond the largest tier fall through to the allocator.
func (tp *TieredPool) Get(hint int) *[]byte {
	for i, size := range tp.tiers {
		if hint <= size {
			return tp.pools[i].Get().(*[]byte)
		}
	}
	buf := make([]byte, 0, hint)
	return &buf
}

// Put recycles a buffer into the tier matching its capacity. Buffers
// that grew past every tier are left to the collector.
func (tp *TieredPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	*buf = (*buf)[:0]
	c := cap(*buf)
	for i, size := range tp.tiers {
		if c <= size {
			tp.pools[i].Put(buf)
			return
		}
	}
}

var defaultPool = NewTieredPool(bufferTiers)

// AcquireBuffer returns a zero-length scratch buffer sized for hint.
func AcquireBuffer(hint int) *[]byte {
	return defaultPool.Get(hint)
}

// ReleaseBuffer recycles a buffer obtained from AcquireBuffer.
func ReleaseBuffer(buf *[]byte) {
	defaultPool.Put(buf)
}
