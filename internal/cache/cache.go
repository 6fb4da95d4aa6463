package cache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/alexhholmes/graphstore/internal/base"
)

// Key identifies one immutable version of a page. Version is the LSN of the
// WAL frame the image came from, or the checkpoint LSN for main-file images.
type Key struct {
	ID      base.PageID
	Version base.LSN
}

type state uint8

const (
	stateCold state = iota
	stateHot
)

// frame is a resident cache entry.
type frame struct {
	key   Key
	data  []byte
	state state
	ref   bool
	pins  int
	elem  *list.Element
}

const (
	MinCacheSize = 16 // Minimum: hold tree path + concurrent ops
)

// Cache is a Clock-Pro page cache. Resident pages are hot or cold; evicted
// cold pages leave a non-resident "test" ghost behind. A page faulted in
// while its ghost is still present comes back hot, and the cold target grows;
// ghosts that age out shrink it again. Newly seen pages always start cold,
// so a one-pass scan only cycles the cold portion and the hot working set
// survives it.
//
// Cached images are clean and immutable. Pinned frames are never evicted.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	targetCold int
	hot        int
	cold       int
	clock      *list.List // Resident frames in clock order
	handCold   *list.Element
	handHot    *list.Element
	frames     map[Key]*frame
	test       *freelru.LRU[Key, struct{}]
	removing   bool // suppresses test-ghost eviction callbacks during Remove

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	ghostHits atomic.Uint64
}

// NewCache creates a new Page cache holding up to capacity page images.
func NewCache(capacity int) (*Cache, error) {
	capacity = max(capacity, MinCacheSize)

	test, err := freelru.New[Key, struct{}](uint32(capacity), hashKey)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		capacity:   capacity,
		targetCold: max(capacity/2, 1),
		clock:      list.New(),
		frames:     make(map[Key]*frame, capacity),
		test:       test,
	}
	test.SetOnEvict(func(Key, struct{}) {
		// A ghost aged out without being re-referenced: cold pages are
		// not being reused, shrink the cold target.
		if !c.removing && c.targetCold > 1 {
			c.targetCold--
		}
	})
	return c, nil
}

func hashKey(k Key) uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(k.ID))
	binary.LittleEndian.PutUint64(b[8:16], k.Version)
	return uint32(xxhash.Sum64(b[:]))
}

// Get returns the cached image for key. The returned slice must not be
// modified.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.frames[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	f.ref = true
	return f.data, true
}

// Acquire is Get followed by Pin.
func (c *Cache) Acquire(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.frames[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	f.ref = true
	f.pins++
	return f.data, true
}

// Put inserts an image, evicting as needed, and returns the image that is
// resident for key afterwards (an earlier insert wins). When pin is set the
// frame is pinned before the lock is released.
func (c *Cache) Put(key Key, data []byte, pin bool) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.frames[key]; ok {
		f.ref = true
		if pin {
			f.pins++
		}
		return f.data
	}

	for len(c.frames) >= c.capacity {
		if !c.evictLocked() {
			// Everything is pinned: run over capacity until pins drop.
			break
		}
	}

	f := &frame{key: key, data: data, state: stateCold}
	if pin {
		f.pins = 1
	}
	if _, ok := c.test.Get(key); ok {
		// Re-referenced within its test period: it belongs in the hot set.
		c.removeGhost(key)
		c.ghostHits.Add(1)
		f.state = stateHot
		c.targetCold = min(c.targetCold+1, c.capacity-1)
	}

	if c.handCold != nil {
		f.elem = c.clock.InsertBefore(f, c.handCold)
	} else {
		f.elem = c.clock.PushBack(f)
	}
	c.frames[key] = f
	if f.state == stateHot {
		c.hot++
		c.balanceLocked()
	} else {
		c.cold++
	}
	return f.data
}

// Pin prevents key from being evicted until Unpin.
func (c *Cache) Pin(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.frames[key]
	if ok {
		f.pins++
	}
	return ok
}

func (c *Cache) Unpin(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.frames[key]; ok && f.pins > 0 {
		f.pins--
	}
}

// Remove drops a resident frame and its ghost. Pinned frames stay.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.frames[key]; ok && f.pins == 0 {
		c.unlinkLocked(f)
	}
	c.removeGhost(key)
}

// Purge drops every unpinned frame and all ghosts.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.frames {
		if f.pins == 0 {
			c.unlinkLocked(f)
		}
	}
	c.removing = true
	c.test.Purge()
	c.removing = false
	c.targetCold = max(c.capacity/2, 1)
}

func (c *Cache) removeGhost(key Key) {
	c.removing = true
	c.test.Remove(key)
	c.removing = false
}

// evictLocked runs the cold hand until one cold, unpinned, unreferenced
// frame is evicted. Referenced cold frames are promoted on the way.
func (c *Cache) evictLocked() bool {
	for steps := 0; steps < 2*c.clock.Len()+1; steps++ {
		e := c.handCold
		if e == nil {
			e = c.clock.Front()
			if e == nil {
				return false
			}
		}
		c.handCold = c.next(e)
		f := e.Value.(*frame)

		if f.state != stateCold || f.pins > 0 {
			continue
		}
		if f.ref {
			f.ref = false
			f.state = stateHot
			c.cold--
			c.hot++
			c.balanceLocked()
			continue
		}

		c.unlinkLocked(f)
		c.test.Add(f.key, struct{}{})
		c.evictions.Add(1)
		return true
	}

	// Only hot frames are left unpinned. Demote one so the next pass can
	// evict it.
	c.runHotHand(true)
	return c.cold > 0 && c.evictColdOnce()
}

// evictColdOnce evicts the first unpinned cold frame regardless of its
// reference bit.
func (c *Cache) evictColdOnce() bool {
	for e := c.clock.Front(); e != nil; e = e.Next() {
		f := e.Value.(*frame)
		if f.state == stateCold && f.pins == 0 {
			c.unlinkLocked(f)
			c.test.Add(f.key, struct{}{})
			c.evictions.Add(1)
			return true
		}
	}
	return false
}

// balanceLocked demotes hot frames while the hot set exceeds its share.
func (c *Cache) balanceLocked() {
	for c.hot > c.capacity-c.targetCold {
		if !c.runHotHand(false) {
			return
		}
	}
}

// runHotHand advances the hot hand until one hot frame is demoted. Reference
// bits are cleared on the way unless force is set. Reports whether a frame
// was demoted.
func (c *Cache) runHotHand(force bool) bool {
	for steps := 0; steps < 2*c.clock.Len()+1; steps++ {
		e := c.handHot
		if e == nil {
			e = c.clock.Front()
			if e == nil {
				return false
			}
		}
		c.handHot = c.next(e)
		f := e.Value.(*frame)

		if f.state != stateHot || f.pins > 0 {
			continue
		}
		if f.ref && !force {
			f.ref = false
			continue
		}
		f.ref = false
		f.state = stateCold
		c.hot--
		c.cold++
		return true
	}
	return false
}

func (c *Cache) next(e *list.Element) *list.Element {
	if n := e.Next(); n != nil {
		return n
	}
	return c.clock.Front()
}

func (c *Cache) unlinkLocked(f *frame) {
	if c.handCold == f.elem {
		c.handCold = c.next(f.elem)
		if c.handCold == f.elem {
			c.handCold = nil
		}
	}
	if c.handHot == f.elem {
		c.handHot = c.next(f.elem)
		if c.handHot == f.elem {
			c.handHot = nil
		}
	}
	c.clock.Remove(f.elem)
	delete(c.frames, f.key)
	if f.state == stateHot {
		c.hot--
	} else {
		c.cold--
	}
}

// Size returns current number of resident pages
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Contains reports residency without touching reference bits.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.frames[key]
	return ok
}

type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	GhostHits  uint64
	Hot        int
	Cold       int
	Test       int
	TargetCold int
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		GhostHits:  c.ghostHits.Load(),
		Hot:        c.hot,
		Cold:       c.cold,
		Test:       c.test.Len(),
		TargetCold: c.targetCold,
	}
}
