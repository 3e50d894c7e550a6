package bufcache

import (
	"sync"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/umetrics"
)

// PageSize is the fixed buffer slot size (spec §3).
const PageSize = 1024

// DefaultBuffers is the default buffer array size (spec §3).
const DefaultBuffers = 20

const noSlot = -1

// slotKey identifies a slot's contents: (dbase generation, file, page).
// dbase distinguishes buffers across an install() that swaps the
// underlying database without reusing stale hash hits (spec §4.7
// "invalidate fd and page caches").
type slotKey struct {
	dbase uint64
	file  storage.FlatFileID
	page  int64
}

type slot struct {
	inUse   bool
	key     slotKey
	data    [PageSize]byte
	dirty   bool
	lockers int

	lruPrev, lruNext int
}

// Buffer is a pinned handle to a cache slot returned by DRead/DNew. The
// caller must DRelease it exactly once.
type Buffer struct {
	cache *Cache
	index int
}

// Data returns the buffer's backing bytes. Valid only while pinned.
func (b *Buffer) Data() []byte { return b.cache.slots[b.index].data[:] }

// Cache is the fixed buffer array plus its hash chain and LRU list.
// The hash chain is an in-process Go map keyed by slotKey rather than a
// hand-rolled open-chain table: the builtin map is the idiomatic
// replacement for a hash chain keyed on an in-process integer, and no
// pack library is a better fit for an in-memory slot index (DESIGN.md).
type Cache struct {
	mu       sync.Mutex
	backend  storage.FlatBackend
	slots    []slot
	byKey    map[slotKey]int
	// shadows holds, per key, the indices of read-only slots fetched
	// from disk while byKey[key]'s slot was dirty (spec §4.2: a reader
	// must never see uncommitted data, so it gets its own slot instead
	// of the dirty one). DSync must evict these once the dirty slot
	// commits, or they serve pre-commit bytes forever.
	shadows  map[slotKey][]int
	lruHead  int    // least-recently-used
	lruTail  int    // most-recently-used
	dbaseGen uint64
}

// New allocates a fixed buffer array of n slots (0 selects
// DefaultBuffers) backed by the given flat storage.
func New(backend storage.FlatBackend, n int) *Cache {
	if n <= 0 {
		n = DefaultBuffers
	}
	c := &Cache{
		backend: backend,
		slots:   make([]slot, n),
		byKey:   make(map[slotKey]int, n),
		shadows: make(map[slotKey][]int),
		lruHead: noSlot,
		lruTail: noSlot,
	}
	// Every slot starts unused (!inUse, lockers==0, !dirty) and must be
	// reclaimable immediately: reclaim() only ever walks the LRU list
	// from lruHead, so a never-used slot that isn't linked into it
	// would be invisible to reclaim() and the very first DRead/DNew on
	// a fresh cache would fail with "buffer cache exhausted".
	for i := range c.slots {
		c.pushMRU(i)
	}
	return c
}

func (c *Cache) unlinkLRU(i int) {
	s := &c.slots[i]
	if s.lruPrev != noSlot {
		c.slots[s.lruPrev].lruNext = s.lruNext
	} else {
		c.lruHead = s.lruNext
	}
	if s.lruNext != noSlot {
		c.slots[s.lruNext].lruPrev = s.lruPrev
	} else {
		c.lruTail = s.lruPrev
	}
	s.lruPrev, s.lruNext = noSlot, noSlot
}

func (c *Cache) pushMRU(i int) {
	s := &c.slots[i]
	s.lruPrev = c.lruTail
	s.lruNext = noSlot
	if c.lruTail != noSlot {
		c.slots[c.lruTail].lruNext = i
	} else {
		c.lruHead = i
	}
	c.lruTail = i
}

func (c *Cache) touchMRU(i int) {
	c.unlinkLRU(i)
	c.pushMRU(i)
}

// removeShadow drops index i from key's shadow list, if present.
// Caller holds c.mu.
func (c *Cache) removeShadow(key slotKey, i int) {
	list := c.shadows[key]
	for j, si := range list {
		if si == i {
			list = append(list[:j], list[j+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.shadows, key)
	} else {
		c.shadows[key] = list
	}
}

// reclaim finds the LRU slot with lockers==0 && !dirty and evicts it.
// Caller holds c.mu.
func (c *Cache) reclaim() (int, error) {
	for i := c.lruHead; i != noSlot; i = c.slots[i].lruNext {
		if c.slots[i].lockers == 0 && !c.slots[i].dirty {
			if c.slots[i].inUse {
				key := c.slots[i].key
				// Only drop byKey's entry if it still names this slot:
				// a duplicate shadow slot for the same key must never
				// delete the mapping that points at the authoritative
				// (possibly still-dirty) slot for that key.
				if c.byKey[key] == i {
					delete(c.byKey, key)
				}
				c.removeShadow(key, i)
			}
			c.unlinkLRU(i)
			return i, nil
		}
	}
	// No reclaimable slot exists anywhere in the array: per spec §4.2
	// this is a fatal invariant violation in the original (it panics).
	// We surface it as UINTERNAL so callers running under a recoverable
	// supervisor don't lose the whole process; the error propagates to
	// the caller of DRead/DNew like any other.
	return 0, uerrors.New(uerrors.UINTERNAL, "buffer cache exhausted: no reclaimable slot")
}

// DRead returns a pinned buffer for (file, page), reading from physical
// storage on a miss. write indicates whether the caller holds a write
// transaction: a dirty buffer is only visible to a write transaction
// (spec §4.2 "read transactions must never see uncommitted data").
func (c *Cache) DRead(write bool, file storage.FlatFileID, page int64) (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := slotKey{dbase: c.dbaseGen, file: file, page: page}
	primaryDirty := false
	if i, ok := c.byKey[key]; ok {
		s := &c.slots[i]
		if write || !s.dirty {
			s.lockers++
			c.touchMRU(i)
			umetrics.BufferCacheHits.Inc()
			return &Buffer{cache: c, index: i}, nil
		}
		primaryDirty = true
		// A read transaction may not see the dirty primary (spec §4.2).
		// Reuse an already-fetched shadow for this key before reading
		// from disk again.
		for _, si := range c.shadows[key] {
			ss := &c.slots[si]
			if ss.inUse && ss.key == key && !ss.dirty {
				ss.lockers++
				c.touchMRU(si)
				umetrics.BufferCacheHits.Inc()
				return &Buffer{cache: c, index: si}, nil
			}
		}
	}
	umetrics.BufferCacheMisses.Inc()

	i, err := c.reclaim()
	if err != nil {
		return nil, err
	}
	raw, err := c.backend.Read(file, page*PageSize, PageSize)
	if err != nil {
		return nil, err
	}
	s := &c.slots[i]
	*s = slot{inUse: true, key: key, lockers: 1, lruPrev: noSlot, lruNext: noSlot}
	copy(s.data[:], raw)
	c.pushMRU(i)
	if primaryDirty {
		// Track this as a shadow of the dirty primary instead of
		// repointing byKey: once the primary commits (DSync), the
		// shadow is evicted and byKey keeps serving the now-clean
		// primary, so no reader is ever stuck on pre-commit bytes.
		c.shadows[key] = append(c.shadows[key], i)
	} else {
		c.byKey[key] = i
	}
	return &Buffer{cache: c, index: i}, nil
}

// DNew allocates a fresh zeroed buffer for (file, page) without reading
// it from storage first, used for pure-overwrite writes (spec §4.3).
func (c *Cache) DNew(file storage.FlatFileID, page int64) (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := slotKey{dbase: c.dbaseGen, file: file, page: page}
	if i, ok := c.byKey[key]; ok {
		s := &c.slots[i]
		s.lockers++
		c.touchMRU(i)
		return &Buffer{cache: c, index: i}, nil
	}
	i, err := c.reclaim()
	if err != nil {
		return nil, err
	}
	s := &c.slots[i]
	*s = slot{inUse: true, key: key, lockers: 1, lruPrev: noSlot, lruNext: noSlot}
	c.byKey[key] = i
	c.pushMRU(i)
	return &Buffer{cache: c, index: i}, nil
}

// DRelease unpins buf, optionally marking it dirty.
func (c *Cache) DRelease(buf *Buffer, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.slots[buf.index]
	if dirty {
		s.dirty = true
	}
	if s.lockers > 0 {
		s.lockers--
	}
}

// DFlush writes every dirty buffer to disk, leaving the dirty bit set
// (spec §4.2). Must always be followed by DSync.
func (c *Cache) DFlush() error {
	c.mu.Lock()
	dirty := make([]int, 0)
	for i := range c.slots {
		if c.slots[i].inUse && c.slots[i].dirty {
			dirty = append(dirty, i)
		}
	}
	c.mu.Unlock()

	for _, i := range dirty {
		c.mu.Lock()
		s := c.slots[i]
		c.mu.Unlock()
		if err := c.backend.Write(s.key.file, s.key.page*PageSize, s.data[:]); err != nil {
			return err
		}
	}
	return nil
}

// DSync syncs every file touched by a just-flushed dirty buffer and
// clears their dirty bits, invalidating any duplicate read-transaction
// buffer for the same (file, page) that appeared while the page was
// dirty (spec §4.2).
func (c *Cache) DSync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	synced := make(map[storage.FlatFileID]bool)
	for i := range c.slots {
		s := &c.slots[i]
		if s.inUse && s.dirty {
			if !synced[s.key.file] {
				if err := c.backend.Sync(s.key.file); err != nil {
					return err
				}
				synced[s.key.file] = true
			}
			s.dirty = false
			c.evictShadows(s.key)
		}
	}
	return nil
}

// evictShadows frees every shadow slot recorded for key: once the
// primary slot for key has committed and had its dirty bit cleared,
// any duplicate read-only slot fetched while it was dirty holds
// pre-commit bytes and must never be served again. A shadow still
// pinned by an in-flight reader (lockers > 0) is left for that reader
// to finish with; it is never reachable via byKey and is reclaimed
// normally once released. Caller holds c.mu.
func (c *Cache) evictShadows(key slotKey) {
	for _, si := range c.shadows[key] {
		ss := &c.slots[si]
		if ss.key == key && ss.lockers == 0 {
			ss.inUse = false
			ss.dirty = false
		}
	}
	delete(c.shadows, key)
}

// DAbort clears dirty bits, invalidates the slots touched by an
// aborted transaction, and returns them to the LRU without writing
// them to disk.
func (c *Cache) DAbort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		s := &c.slots[i]
		if s.inUse && s.dirty {
			s.dirty = false
			s.lockers = 0
			if c.byKey[s.key] == i {
				delete(c.byKey, s.key)
			}
			// The aborted write never reached disk, so any shadow
			// fetched while this slot was dirty still holds exactly
			// the current on-disk bytes and is safe to keep; just
			// stop treating it as a shadow now that there is no dirty
			// primary left for it to shadow.
			delete(c.shadows, s.key)
			s.inUse = false
		}
	}
}

// DInvalidate discards every cached buffer for file, regardless of
// dirty state — used when a file identifier is explicitly invalidated
// (e.g. a whole-database install).
func (c *Cache) DInvalidate(file storage.FlatFileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		s := &c.slots[i]
		if s.inUse && s.key.file == file {
			if c.byKey[s.key] == i {
				delete(c.byKey, s.key)
			}
			delete(c.shadows, s.key)
			s.inUse = false
			s.dirty = false
			s.lockers = 0
		}
	}
}

// InvalidateAll discards every cached buffer and bumps the generation
// counter, used by install() after a whole-database replacement so no
// stale hash hit can ever reference the old file (spec §4.7).
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dbaseGen++
	c.byKey = make(map[slotKey]int, len(c.slots))
	c.shadows = make(map[slotKey][]int)
	c.lruHead, c.lruTail = noSlot, noSlot
	// Relink every cleared slot into the LRU, as New does: reclaim only
	// walks the list, so an unlinked slot would never be reusable again.
	for i := range c.slots {
		c.slots[i] = slot{lruPrev: noSlot, lruNext: noSlot}
		c.pushMRU(i)
	}
}
