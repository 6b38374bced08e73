package slab

import (
	"fmt"
	"sync"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/frame"
)

// Slab is one contiguous run of object slots carved from kernel pages.
type Slab struct {
	cache    *Cache
	base     mem.VAddr
	size     uint32
	color    uint32
	free     *bufctl
	objs     []*bufctl
	inuse    uint32
	capacity uint32
}

// Stats is a point-in-time snapshot of a cache's activity.
type Stats struct {
	AllocCalls uint64
	FreeCalls  uint64
	Grows      uint64
	Active     uint32
	Slabs      uint32
}

// Cache hands out objects of one fixed size. Slabs migrate between the
// full, partial and free lists as their occupancy changes; allocation
// always drains partial slabs before touching a free one.
type Cache struct {
	heap     *Heap
	name     string
	objSize  uint32
	align    uint32
	realSize uint32
	external bool
	ctor     func(mem.VAddr)
	dtor     func(mem.VAddr)

	mu        sync.Mutex
	full      []*Slab
	partial   []*Slab
	freeSlabs []*Slab
	nextColor uint32
	stats     Stats
}

// Name returns the cache's registered name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the caller-requested object size.
func (c *Cache) ObjectSize() uint32 { return c.objSize }

// SlotSize returns the stride between objects within a slab.
func (c *Cache) SlotSize() uint32 { return c.realSize }

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Slabs = uint32(len(c.full) + len(c.partial) + len(c.freeSlabs))
	return s
}

// Alloc returns the address of a free object slot, growing the cache
// by one slab when every existing slab is full.
func (c *Cache) Alloc() (mem.VAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s *Slab
	switch {
	case len(c.partial) > 0:
		s = c.partial[0]
	case len(c.freeSlabs) > 0:
		s = c.freeSlabs[0]
		removeSlab(&c.freeSlabs, s)
		c.partial = append(c.partial, s)
	default:
		grown, err := c.grow()
		if err != nil {
			return mem.InvalidAddr, err
		}
		s = grown
		c.partial = append(c.partial, s)
	}

	b := s.free
	s.free = b.next
	b.next = nil
	b.slab = s
	s.inuse++
	if s.free == nil {
		removeSlab(&c.partial, s)
		c.full = append(c.full, s)
	}
	c.stats.AllocCalls++
	c.stats.Active++
	return b.obj, nil
}

// Free returns an object to its slab. Addresses the cache does not
// recognize are logged and ignored, with one exception: an object
// whose record exists but whose page has lost its physical backing
// means the bookkeeping itself is corrupt, and that is not survivable.
func (c *Cache) Free(obj mem.VAddr) {
	b := c.heap.lookupObject(obj)
	if b == nil {
		mem.Log.Warn("slab free of unknown object", "cache", c.name, "addr", obj)
		return
	}
	if !c.external {
		phys, err := c.heap.k.MMU.FindPhysical(obj)
		if err != nil {
			panic(fmt.Sprintf("slab: object %#x in cache %q has no physical backing", uint32(obj), c.name))
		}
		if !c.heap.k.Frames.HasFlags(phys, frame.FlagSlab) {
			mem.Log.Warn("slab free on non-slab frame", "cache", c.name, "addr", obj, "phys", phys)
			return
		}
	}

	// The ownership and double-free checks must sit under the lock.
	c.mu.Lock()
	defer c.mu.Unlock()
	s := b.slab
	if s == nil {
		mem.Log.Warn("slab double free", "cache", c.name, "addr", obj)
		return
	}
	if s.cache != c {
		mem.Log.Warn("slab free to wrong cache",
			"cache", c.name, "owner", s.cache.name, "addr", obj)
		return
	}
	wasFull := s.free == nil
	b.slab = nil
	b.next = s.free
	s.free = b
	s.inuse--
	switch {
	case s.inuse == 0:
		if wasFull {
			removeSlab(&c.full, s)
		} else {
			removeSlab(&c.partial, s)
		}
		c.freeSlabs = append(c.freeSlabs, s)
	case wasFull:
		removeSlab(&c.full, s)
		c.partial = append(c.partial, s)
	}
	c.stats.FreeCalls++
	c.stats.Active--
}

// Destroy tears the cache down, running the destructor over every free
// slot and releasing all slab memory. Objects still live are logged
// and abandoned.
func (c *Cache) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, list := range [][]*Slab{c.full, c.partial, c.freeSlabs} {
		for _, s := range list {
			if err := c.destroySlab(s); err != nil {
				return err
			}
		}
	}
	c.full, c.partial, c.freeSlabs = nil, nil, nil
	c.heap.forget(c)
	return nil
}

// grow carves one new slab out of fresh kernel pages and threads its
// free list. Small slabs are materialized immediately and their frames
// tagged so a later free can trace any address back here; large-object
// slabs stay unmapped until the objects themselves are touched.
func (c *Cache) grow() (*Slab, error) {
	slabSize := mem.PageAlignUp(c.objSize)
	usable := slabSize
	if !c.external {
		usable -= slabHeaderSize
	}
	if c.realSize > usable {
		return nil, fmt.Errorf("slab: cache %q slot %d exceeds slab capacity %d: %w",
			c.name, c.realSize, usable, mem.ErrInvalid)
	}
	maxColor := usable % c.realSize
	if c.nextColor > maxColor {
		c.nextColor = 0
	}
	color := c.nextColor
	c.nextColor += c.align
	if c.nextColor > maxColor {
		c.nextColor = 0
	}

	base, err := c.heap.as.Alloc(slabSize, mem.VMKernelRW)
	if err != nil {
		return nil, err
	}
	resident := !c.external || c.ctor != nil
	if resident {
		for off := uint32(0); off < slabSize; off += mem.PageSize {
			if err := c.heap.k.Fault(base+mem.VAddr(off), false); err != nil {
				c.heap.as.Free(base)
				return nil, err
			}
		}
	}

	s := &Slab{
		cache: c,
		base:  base,
		size:  slabSize,
		color: color,
	}
	if !c.external {
		for off := uint32(0); off < slabSize; off += mem.PageSize {
			phys, err := c.heap.k.MMU.FindPhysical(base + mem.VAddr(off))
			if err != nil {
				c.heap.as.Free(base)
				return nil, err
			}
			c.heap.k.Frames.SetFlags(phys, frame.FlagSlab)
			c.heap.registerSlabFrame(mem.ToPFN(phys), s)
		}
	}

	limit := base + mem.VAddr(usable)
	var tail *bufctl
	for obj := base + mem.VAddr(color); obj+mem.VAddr(c.realSize) <= limit; obj += mem.VAddr(c.realSize) {
		b := &bufctl{obj: obj}
		if tail == nil {
			s.free = b
		} else {
			tail.next = b
		}
		tail = b
		s.objs = append(s.objs, b)
		s.capacity++
		c.heap.registerObject(b)
		if c.ctor != nil {
			c.ctor(obj)
		}
	}
	c.stats.Grows++
	mem.Log.Debug("slab grown",
		"cache", c.name, "base", base, "color", color, "objects", s.capacity)
	return s, nil
}

func (c *Cache) destroySlab(s *Slab) error {
	if s.inuse > 0 {
		mem.Log.Warn("slab destroyed with live objects",
			"cache", c.name, "base", s.base, "live", s.inuse)
	}
	if c.dtor != nil {
		for b := s.free; b != nil; b = b.next {
			c.dtor(b.obj)
		}
	}
	for _, b := range s.objs {
		c.heap.dropObject(b.obj)
	}
	if !c.external {
		for off := uint32(0); off < s.size; off += mem.PageSize {
			phys, err := c.heap.k.MMU.FindPhysical(s.base + mem.VAddr(off))
			if err != nil {
				continue
			}
			c.heap.k.Frames.ClearFlags(phys, frame.FlagSlab)
			c.heap.dropSlabFrame(mem.ToPFN(phys))
		}
	}
	return c.heap.as.Free(s.base)
}

func removeSlab(list *[]*Slab, s *Slab) {
	for i, e := range *list {
		if e == s {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
