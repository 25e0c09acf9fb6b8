package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one cached response: body, status and a header snapshot taken
// when the populating handler ran. Body and Headers are shared with every
// reader and must be treated as read-only.
type Entry struct {
	Body      []byte
	Status    int
	Headers   map[string]string
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Result reports how a lookup was served.
type Result struct {
	Entry Entry
	Age   time.Duration
	Hit   bool // served from the store rather than a fresh population
	Stale bool // served past its expiry while a repopulation runs
}

// PopulateFunc computes a missing or expired entry. It runs outside any
// cache lock and must be safe to call from a background goroutine.
type PopulateFunc func() (Entry, error)

// Runner executes background repopulations. A nil Runner falls back to
// plain goroutines.
type Runner interface {
	Submit(fn func())
}

// Options configures optional cache collaborators.
type Options struct {
	Disk   *Disk // persistent tier, survives restarts
	Runner Runner
	Logger *logrus.Logger
}

// Cache is a keyed TTL store with single-flight population. Expired
// entries are served stale while exactly one repopulation refreshes them
// in the background; cold misses block all callers on one in-flight
// population. Entries are overwritten in place on repopulation and never
// evicted from memory.
type Cache struct {
	mu    sync.Mutex
	slots map[string]*slot

	disk   *Disk
	runner Runner
	log    *logrus.Logger

	now func() time.Time // test hook
}

type slot struct {
	mu         sync.Mutex
	entry      *Entry
	populating bool
	done       chan struct{} // closed when the in-flight population ends
	err        error         // outcome of the last finished population
}

// New creates a cache.
func New(opts Options) *Cache {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{
		slots:  make(map[string]*slot),
		disk:   opts.Disk,
		runner: opts.Runner,
		log:    log,
		now:    time.Now,
	}
}

// GetOrPopulate returns the entry for key, populating it with fn when
// missing or expired. The ctx only bounds how long this caller waits for
// someone else's population; a population in flight is never cancelled
// by a waiter going away.
func (c *Cache) GetOrPopulate(ctx context.Context, key string, ttl time.Duration, fn PopulateFunc) (Result, error) {
	s := c.slot(key)
	now := c.now()

	s.mu.Lock()

	if s.entry == nil && c.disk != nil {
		// Cold slot: a previous process may have left an entry behind.
		if e, ok := c.disk.Get(key); ok {
			s.entry = e
		}
	}

	if s.entry != nil {
		age := now.Sub(s.entry.StoredAt)
		if now.Before(s.entry.ExpiresAt) {
			res := Result{Entry: *s.entry, Age: age, Hit: true}
			s.mu.Unlock()
			return res, nil
		}

		// Expired: hand the caller the stale copy and make sure one
		// repopulation is running.
		if !s.populating {
			s.populating = true
			s.done = make(chan struct{})
			c.submit(func() { c.repopulate(key, s, ttl, fn) })
		}
		res := Result{Entry: *s.entry, Age: age, Hit: true, Stale: true}
		s.mu.Unlock()
		return res, nil
	}

	if s.populating {
		// Another caller is already computing the first value.
		done := s.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.entry == nil {
			return Result{}, s.err
		}
		return Result{Entry: *s.entry, Age: c.now().Sub(s.entry.StoredAt), Hit: true}, nil
	}

	// First caller takes the cold miss inline. The population itself is
	// not tied to ctx: waiters queued behind it still want the result
	// even if this connection goes away.
	s.populating = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	entry, err := fn()
	now = c.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.populating = false
	close(s.done)

	if err != nil {
		s.err = err
		return Result{}, err
	}

	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)
	s.entry = &entry
	s.err = nil
	if c.disk != nil {
		c.disk.PutAsync(key, &entry)
	}
	return Result{Entry: entry}, nil
}

// Peek returns the entry for key without populating, expired or not.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	s, ok := c.slots[key]
	c.mu.Unlock()
	if !ok {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return Entry{}, false
	}
	return *s.entry, true
}

// Len returns the number of keys ever populated or in flight.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

func (c *Cache) slot(key string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if !ok {
		s = &slot{}
		c.slots[key] = s
	}
	return s
}

func (c *Cache) submit(fn func()) {
	if c.runner != nil {
		c.runner.Submit(fn)
		return
	}
	go fn()
}

// repopulate refreshes an expired entry in the background. Failure keeps
// the stale entry in place so later accesses can retry.
func (c *Cache) repopulate(key string, s *slot, ttl time.Duration, fn PopulateFunc) {
	entry, err := fn()
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.populating = false
	close(s.done)

	if err != nil {
		s.err = err
		c.log.WithField("key", key).WithError(err).Warn("cache repopulation failed, keeping stale entry")
		return
	}

	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)
	s.entry = &entry
	s.err = nil
	if c.disk != nil {
		c.disk.PutAsync(key, &entry)
	}
}
