// Package chunkcache is the per-dataset write-back cache of decoded chunks.
package chunkcache

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultBudget is the default resident byte budget.
const DefaultBudget = 1 << 20

// Flusher writes a dirty chunk back to storage.
type Flusher interface {
	FlushChunk(coord []uint64, buf []byte) error
}

// FlusherFunc adapts a function to Flusher.
type FlusherFunc func(coord []uint64, buf []byte) error

// FlushChunk calls f.
func (f FlusherFunc) FlushChunk(coord []uint64, buf []byte) error { return f(coord, buf) }

// Loader produces the decoded contents of a chunk.
type Loader func(coord []uint64) ([]byte, error)

// Options configures a Cache.
type Options struct {
	// Budget caps the bytes of resident chunks.
	Budget uint64
	// Disabled turns every request into a bypass.
	Disabled bool
	Logger   zerolog.Logger
	Metrics  *Metrics
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Flushes       uint64
	Bypasses      uint64
	Entries       int
	ResidentBytes uint64
	Budget        uint64
}

type entry struct {
	key   string
	coord []uint64
	buf   []byte
	dirty bool

	prev, next *entry
}

// Cache holds decoded chunks of one dataset under a byte budget with
// strict LRU replacement. Dirty chunks are written back through the
// Flusher before they leave the cache. A chunk larger than the whole
// budget is never cached; callers get a private buffer and must write it
// back themselves.
type Cache struct {
	mu sync.Mutex

	budget   uint64
	disabled bool
	resident uint64
	reserved uint64

	entries swiss.Map[string, *entry]
	// lru is a sentinel: lru.next is most recent, lru.prev least recent.
	lru entry

	flusher Flusher
	loads   singleflight.Group

	stats   Stats
	metrics *Metrics
	log     zerolog.Logger
}

// New creates a cache that writes back through f.
func New(f Flusher, opts Options) *Cache {
	c := &Cache{
		budget:   opts.Budget,
		disabled: opts.Disabled,
		flusher:  f,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	c.entries.Init(16)
	c.lru.next = &c.lru
	c.lru.prev = &c.lru
	return c
}

func makeKey(coord []uint64) string {
	b := make([]byte, 0, len(coord)*8)
	for _, v := range coord {
		b = binary.BigEndian.AppendUint64(b, v)
	}
	return string(b)
}

func (c *Cache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (c *Cache) pushFront(e *entry) {
	e.prev = &c.lru
	e.next = c.lru.next
	c.lru.next.prev = e
	c.lru.next = e
}

// GetOrLoad returns the chunk buffer for coord, loading it with load on a
// miss. The second result reports whether the buffer is resident; a
// non-resident buffer belongs to the caller. At most one load per
// coordinate runs at a time.
func (c *Cache) GetOrLoad(coord []uint64, size uint64, load Loader) ([]byte, bool, error) {
	key := makeKey(coord)

	c.mu.Lock()
	if e, ok := c.entries.Get(key); ok {
		c.unlink(e)
		c.pushFront(e)
		c.stats.Hits++
		c.metrics.Hits.Inc()
		c.mu.Unlock()
		return e.buf, true, nil
	}
	if c.disabled || size > c.budget {
		c.stats.Bypasses++
		c.metrics.Bypasses.Inc()
		c.mu.Unlock()
		c.log.Debug().Uints64("chunk", coord).Uint64("size", size).Msg("chunk cache bypass")
		buf, err := load(coord)
		return buf, false, err
	}
	c.stats.Misses++
	c.metrics.Misses.Inc()
	c.mu.Unlock()

	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if e, ok := c.entries.Get(key); ok {
			c.mu.Unlock()
			return e, nil
		}
		if err := c.makeRoomLocked(size); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.reserved += size
		c.mu.Unlock()

		buf, err := load(coord)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.reserved -= size
		if err != nil {
			return nil, err
		}
		if uint64(len(buf)) != size {
			return nil, errors.Newf("chunk %v loaded %d bytes, expected %d", coord, len(buf), size)
		}
		e := &entry{key: key, coord: append([]uint64(nil), coord...), buf: buf}
		c.entries.Put(key, e)
		c.pushFront(e)
		c.resident += size
		c.metrics.ResidentBytes.Add(float64(size))
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*entry).buf, true, nil
}

// makeRoomLocked evicts least recently used chunks until size more bytes
// fit in the budget.
func (c *Cache) makeRoomLocked(size uint64) error {
	for c.resident+c.reserved+size > c.budget {
		victim := c.lru.prev
		if victim == &c.lru {
			break
		}
		if err := c.evictLocked(victim, true); err != nil {
			return err
		}
	}
	return nil
}

// evictLocked removes e, writing it back first when flush is set and e is dirty.
func (c *Cache) evictLocked(e *entry, flush bool) error {
	if flush && e.dirty {
		if err := c.flushLocked(e); err != nil {
			return err
		}
	}
	c.unlink(e)
	c.entries.Delete(e.key)
	c.resident -= uint64(len(e.buf))
	c.metrics.ResidentBytes.Sub(float64(len(e.buf)))
	if flush {
		c.stats.Evictions++
		c.metrics.Evictions.Inc()
		c.log.Debug().Uints64("chunk", e.coord).Msg("chunk cache evict")
	}
	return nil
}

func (c *Cache) flushLocked(e *entry) error {
	if !e.dirty {
		return nil
	}
	if err := c.flusher.FlushChunk(e.coord, e.buf); err != nil {
		return errors.Wrapf(err, "flushing chunk %v", e.coord)
	}
	e.dirty = false
	c.stats.Flushes++
	c.metrics.Flushes.Inc()
	return nil
}

// MarkDirty flags a resident chunk as modified. It reports whether the
// chunk was resident.
func (c *Cache) MarkDirty(coord []uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(makeKey(coord))
	if ok {
		e.dirty = true
	}
	return ok
}

// Flush writes back coord if it is resident and dirty.
func (c *Cache) Flush(coord []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Get(makeKey(coord)); ok {
		return c.flushLocked(e)
	}
	return nil
}

// FlushAll writes back every dirty chunk in coordinate order and stops at
// the first failure. Chunks written before the failure stay written.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dirty []*entry
	for e := c.lru.next; e != &c.lru; e = e.next {
		if e.dirty {
			dirty = append(dirty, e)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return lessCoord(dirty[i].coord, dirty[j].coord) })
	for _, e := range dirty {
		if err := c.flushLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func lessCoord(a, b []uint64) bool {
	for d := range a {
		if a[d] != b[d] {
			return a[d] < b[d]
		}
	}
	return false
}

// Invalidate drops coord without writing it back.
func (c *Cache) Invalidate(coord []uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(makeKey(coord))
	if ok {
		_ = c.evictLocked(e, false)
	}
	return ok
}

// InvalidateIf drops every chunk for which pred returns true, without
// writing it back, and returns how many were dropped.
func (c *Cache) InvalidateIf(pred func(coord []uint64) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for e := c.lru.next; e != &c.lru; {
		next := e.next
		if pred(e.coord) {
			_ = c.evictLocked(e, false)
			n++
		}
		e = next
	}
	return n
}

// Update applies fn to a resident chunk's buffer and reports whether the
// chunk was resident. The dirty flag is left alone.
func (c *Cache) Update(coord []uint64, fn func(buf []byte)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(makeKey(coord))
	if ok {
		fn(e.buf)
	}
	return ok
}

// Resident reports whether coord is cached.
func (c *Cache) Resident(coord []uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries.Get(makeKey(coord))
	return ok
}

// Dirty reports whether coord is cached and modified.
func (c *Cache) Dirty(coord []uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(makeKey(coord))
	return ok && e.dirty
}

// Keys returns resident coordinates from most to least recently used.
func (c *Cache) Keys() [][]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]uint64
	for e := c.lru.next; e != &c.lru; e = e.next {
		out = append(out, append([]uint64(nil), e.coord...))
	}
	return out
}

// SetBudget changes the byte budget, evicting as needed.
func (c *Cache) SetBudget(budget uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = budget
	return c.makeRoomLocked(0)
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = c.entries.Len()
	st.ResidentBytes = c.resident
	st.Budget = c.budget
	return st
}

// Close flushes every dirty chunk and empties the cache.
func (c *Cache) Close() error {
	if err := c.FlushAll(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.next; e != &c.lru; {
		next := e.next
		_ = c.evictLocked(e, false)
		e = next
	}
	return nil
}
