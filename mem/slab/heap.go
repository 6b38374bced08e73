package slab

import (
	"fmt"
	"sync"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/vm"
)

const (
	// LargeThreshold is the object size at which caches stop placing
	// control footprints next to the payload and keep all metadata
	// off-slab.
	LargeThreshold = mem.PageSize / 8

	// MinObjectSize is the smallest cacheable object. Smaller requests
	// could not have carried an in-slab freelist word in the classic
	// layout, so they stay rejected.
	MinObjectSize = bufctlFootprint

	// bufctlFootprint is the per-object control charge for small
	// objects, matching the two-word control block of the in-slab
	// design.
	bufctlFootprint = 8

	// slabHeaderSize is reserved at the tail of every small slab where
	// the classic layout keeps the slab descriptor.
	slabHeaderSize = 32
)

// bufctl is the side record for one object slot. A nil slab marks the
// slot free; next chains free slots within their slab.
type bufctl struct {
	obj  mem.VAddr
	next *bufctl
	slab *Slab
}

// Heap ties slab caches to the kernel address space they draw pages
// from. It owns the object hash that maps object addresses back to
// their control records and the frame index that maps small-slab
// frames back to their slabs.
type Heap struct {
	k  *vm.Kernel
	as *vm.AddressSpace

	mu      sync.Mutex
	bufctls map[mem.VAddr]*bufctl
	slabs   map[mem.PFN]*Slab
	caches  map[string]*Cache
}

// NewHeap builds a heap over the booted kernel's own address space.
func NewHeap(k *vm.Kernel) *Heap {
	return &Heap{
		k:       k,
		as:      k.KernelSpace(),
		bufctls: make(map[mem.VAddr]*bufctl),
		slabs:   make(map[mem.PFN]*Slab),
		caches:  make(map[string]*Cache),
	}
}

// Kernel returns the kernel this heap allocates from.
func (h *Heap) Kernel() *vm.Kernel { return h.k }

// NewCache registers a cache of objSize-byte objects aligned to align
// bytes. align must be a power of two; a zero align means no alignment
// beyond the natural slot packing. ctor runs on every slot when its
// slab is built, dtor on every free slot when the cache is destroyed.
func (h *Heap) NewCache(name string, objSize, align uint32, ctor, dtor func(mem.VAddr)) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("slab: cache name: %w", mem.ErrInvalid)
	}
	if objSize < MinObjectSize {
		return nil, fmt.Errorf("slab: object size %d below minimum %d: %w", objSize, MinObjectSize, mem.ErrInvalid)
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("slab: align %d not a power of two: %w", align, mem.ErrInvalid)
	}

	c := &Cache{
		heap:    h,
		name:    name,
		objSize: objSize,
		align:   align,
		ctor:    ctor,
		dtor:    dtor,
	}
	if objSize >= LargeThreshold {
		c.external = true
		c.realSize = alignUp(objSize, align)
	} else {
		c.realSize = alignUp(objSize+bufctlFootprint, align)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.caches[name]; dup {
		return nil, fmt.Errorf("slab: cache %q: %w", name, mem.ErrExists)
	}
	h.caches[name] = c
	mem.Log.Debug("slab cache created",
		"name", name, "objSize", objSize, "realSize", c.realSize, "external", c.external)
	return c, nil
}

// Cache returns the named cache, if registered.
func (h *Heap) Cache(name string) (*Cache, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.caches[name]
	return c, ok
}

func (h *Heap) registerObject(b *bufctl) {
	h.mu.Lock()
	h.bufctls[b.obj] = b
	h.mu.Unlock()
}

func (h *Heap) lookupObject(obj mem.VAddr) *bufctl {
	h.mu.Lock()
	b := h.bufctls[obj]
	h.mu.Unlock()
	return b
}

func (h *Heap) dropObject(obj mem.VAddr) {
	h.mu.Lock()
	delete(h.bufctls, obj)
	h.mu.Unlock()
}

func (h *Heap) registerSlabFrame(pfn mem.PFN, s *Slab) {
	h.mu.Lock()
	h.slabs[pfn] = s
	h.mu.Unlock()
}

func (h *Heap) dropSlabFrame(pfn mem.PFN) {
	h.mu.Lock()
	delete(h.slabs, pfn)
	h.mu.Unlock()
}

func (h *Heap) forget(c *Cache) {
	h.mu.Lock()
	delete(h.caches, c.name)
	h.mu.Unlock()
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
