package pools

import (
	"runtime"
	"sync/atomic"
)

const workerQueueDepth = 256

// WorkerPool runs short background jobs on a fixed set of goroutines,
// with work stealing to even out uneven queues. Cache repopulations
// run here so request goroutines never carry refresh work.
type WorkerPool struct {
	queues []chan func()
	closed atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	steals    atomic.Uint64
}

// NewWorkerPool starts a pool of workers goroutines. Zero or negative
// means one per CPU.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &WorkerPool{queues: make([]chan func(), workers)}
	for i := range p.queues {
		p.queues[i] = make(chan func(), workerQueueDepth)
	}
	for i := range p.queues {
		go p.run(i)
	}
	return p
}

// Submit queues fn for execution. A saturated pool runs fn inline
// rather than blocking the caller; submissions after Close are
// dropped.
func (p *WorkerPool) Submit(fn func()) {
	if fn == nil || p.closed.Load() {
		return
	}
	idx := int(p.submitted.Add(1)) % len(p.queues)

	select {
	case p.queues[idx] <- fn:
	default:
		select {
		case p.queues[(idx+1)%len(p.queues)] <- fn:
		default:
			fn()
			p.completed.Add(1)
		}
	}
}

func (p *WorkerPool) run(id int) {
	own := p.queues[id]
	for {
		select {
		case fn, ok := <-own:
			if !ok {
				return
			}
			p.exec(fn)
			continue
		default:
		}

		if p.steal(id) {
			continue
		}

		fn, ok := <-own
		if !ok {
			return
		}
		p.exec(fn)
	}
}

// steal drains one job from a sibling queue.
func (p *WorkerPool) steal(id int) bool {
	for i := 1; i < len(p.queues); i++ {
		select {
		case fn, ok := <-p.queues[(id+i)%len(p.queues)]:
			if !ok {
				continue
			}
			p.steals.Add(1)
			p.exec(fn)
			return true
		default:
		}
	}
	return false
}

func (p *WorkerPool) exec(fn func()) {
	if fn == nil {
		return
	}
	fn()
	p.completed.Add(1)
}

// Close stops the workers after the queued jobs drain. Close is meant
// for shutdown; submissions racing it may be lost.
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, q := range p.queues {
		close(q)
	}
}

// WorkerPoolStats is a point-in-time view of pool load.
type WorkerPoolStats struct {
	Workers   int    `json:"workers"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Pending   uint64 `json:"pending"`
	Steals    uint64 `json:"steals"`
}

func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.submitted.Load()
	completed := p.completed.Load()
	s := WorkerPoolStats{
		Workers:   len(p.queues),
		Submitted: submitted,
		Completed: completed,
		Steals:    p.steals.Load(),
	}
	if submitted > completed {
		s.Pending = submitted - completed
	}
	return s
}
