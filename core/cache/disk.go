package cache

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const entryPrefix = "e:"

// Disk is the optional persistent tier under the in-memory cache.
// Entries written here outlive the process: after a restart a cold slot
// is seeded from disk, usually as a stale value that triggers one
// background repopulation instead of a thundering herd of cold misses.
//
// Writes go through a single writer goroutine so the request path never
// blocks on disk; the write queue drops on overflow.
type Disk struct {
	db  *leveldb.DB
	log *logrus.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan diskOp
	done   chan struct{}

	// Writer-goroutine state, no locking needed.
	maxBytes int64
	used     int64
	sizes    map[string]int64
}

type diskOp struct {
	key   string
	entry *Entry // nil deletes
}

// OpenDisk opens or creates the tier at dir. maxBytes bounds the stored
// payload size; zero means 64 MiB.
func OpenDisk(dir string, maxBytes int64, log *logrus.Logger) (*Disk, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	d := &Disk{
		db:       db,
		log:      log,
		ops:      make(chan diskOp, 256),
		done:     make(chan struct{}),
		maxBytes: maxBytes,
		sizes:    make(map[string]int64),
	}
	d.loadSizes()
	go d.writerLoop()
	return d, nil
}

// Get reads an entry, expired or not. Expired entries are still useful
// as stale seeds.
func (d *Disk) Get(key string) (*Entry, bool) {
	raw, err := d.db.Get([]byte(entryPrefix+key), nil)
	if err != nil {
		return nil, false
	}
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		d.log.WithField("key", key).WithError(err).Warn("disk cache entry undecodable, dropping")
		_ = d.db.Delete([]byte(entryPrefix+key), nil)
		return nil, false
	}
	return &e, true
}

// PutAsync queues an entry for the writer goroutine. Never blocks; the
// entry is simply not persisted when the queue is full.
func (d *Disk) PutAsync(key string, e *Entry) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ops <- diskOp{key: key, entry: e}:
	default:
		d.log.WithField("key", key).Debug("disk cache write queue full, skipping persist")
	}
}

// Close drains the write queue and closes the database.
func (d *Disk) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.mu.Unlock()

	<-d.done
	return d.db.Close()
}

func (d *Disk) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		if op.entry == nil {
			d.deleteEntry(op.key)
			continue
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(op.entry); err != nil {
			d.log.WithField("key", op.key).WithError(err).Warn("disk cache encode failed")
			continue
		}
		if err := d.db.Put([]byte(entryPrefix+op.key), buf.Bytes(), nil); err != nil {
			d.log.WithField("key", op.key).WithError(err).Warn("disk cache write failed")
			continue
		}

		d.used += int64(buf.Len()) - d.sizes[op.key]
		d.sizes[op.key] = int64(buf.Len())
		if d.used > d.maxBytes {
			d.evict()
		}
	}
}

func (d *Disk) deleteEntry(key string) {
	if err := d.db.Delete([]byte(entryPrefix+key), nil); err == nil {
		d.used -= d.sizes[key]
		delete(d.sizes, key)
	}
}

// evict removes the oldest entries until usage is back under 90% of the
// budget. Runs on the writer goroutine, so reads of the size table are
// safe.
func (d *Disk) evict() {
	type aged struct {
		key    string
		stored int64
	}

	var all []aged
	iter := d.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for iter.Next() {
		var e Entry
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&e); err != nil {
			all = append(all, aged{key: string(iter.Key()[len(entryPrefix):])})
			continue
		}
		all = append(all, aged{key: string(iter.Key()[len(entryPrefix):]), stored: e.StoredAt.UnixNano()})
	}
	iter.Release()

	sort.Slice(all, func(i, j int) bool { return all[i].stored < all[j].stored })

	target := d.maxBytes * 9 / 10
	evicted := 0
	for _, a := range all {
		if d.used <= target {
			break
		}
		d.deleteEntry(a.key)
		evicted++
	}
	if evicted > 0 {
		d.log.WithFields(logrus.Fields{"evicted": evicted, "used": d.used}).Debug("disk cache evicted oldest entries")
	}
}

func (d *Disk) loadSizes() {
	iter := d.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for iter.Next() {
		key := string(iter.Key()[len(entryPrefix):])
		d.sizes[key] = int64(len(iter.Value()))
		d.used += int64(len(iter.Value()))
	}
	iter.Release()
}
