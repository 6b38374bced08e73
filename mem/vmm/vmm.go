package vmm

import (
	"fmt"
	"sync"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/frame"
	"github.com/joshuapare/memkit/mem/mmu"
)

// Stats is a snapshot of one allocator's counters.
type Stats struct {
	// Regions is the size of the current partition, free and allocated.
	Regions uint32
	// NodePages is the number of reserved-window pages currently backed.
	NodePages uint32
	// AllocCalls and FreeCalls count successful operations.
	AllocCalls uint64
	FreeCalls  uint64
}

// VMM manages the partition of one [start, end) window. The window
// always stays exactly covered: allocation splits a free region,
// release re-merges with free neighbors.
type VMM struct {
	mu sync.Mutex

	start, end mem.VAddr
	nodes      *nodeArena
	byAddr     tree
	bySize     tree

	allocCalls uint64
	freeCalls  uint64
}

// New builds an allocator over [start, end), hosting its region nodes
// in the given reserved window. The managed range must be page aligned,
// at least one page long, and must not overlap either node window.
func New(f *frame.Allocator, m mmu.MMU, w Window, start, end mem.VAddr) (*VMM, error) {
	if start >= end || uint32(end-start) < mem.PageSize {
		return nil, fmt.Errorf("vmm: %w: window [%#x, %#x) too small",
			mem.ErrInvalid, uint32(start), uint32(end))
	}
	if !mem.PageAligned(start) || !mem.PageAligned(end) {
		return nil, fmt.Errorf("vmm: %w: window [%#x, %#x) not page aligned",
			mem.ErrInvalid, uint32(start), uint32(end))
	}
	for _, reserved := range []Window{UserNodes, KernelNodes} {
		if start < reserved.End && reserved.Start < end {
			return nil, fmt.Errorf("vmm: %w: window overlaps node storage at %#x",
				mem.ErrInvalid, uint32(reserved.Start))
		}
	}

	nodes, err := newNodeArena(f, m, w)
	if err != nil {
		return nil, err
	}
	v := &VMM{
		start:  start,
		end:    end,
		nodes:  nodes,
		byAddr: tree{id: byAddr, root: noNode},
		bySize: tree{id: bySize, root: noNode},
	}
	if err := v.seed(); err != nil {
		return nil, err
	}
	mem.Log.Info("initialized region allocator",
		"start", uint32(start), "end", uint32(end))
	return v, nil
}

// seed installs the single free region covering the whole window.
func (v *VMM) seed() error {
	idx, err := v.nodes.alloc()
	if err != nil {
		return err
	}
	*v.nodes.node(idx) = Region{Start: v.start, Size: uint32(v.end - v.start)}
	v.byAddr.insert(v.nodes, idx)
	v.bySize.insert(v.nodes, idx)
	return nil
}

// Bounds returns the managed window.
func (v *VMM) Bounds() (start, end mem.VAddr) { return v.start, v.end }

// Allocate reserves size bytes (rounded up to whole pages) from the
// smallest free region that fits, preferring the lowest address among
// equal sizes. It returns InvalidAddr with ErrNoRegion when nothing
// fits.
func (v *VMM) Allocate(size uint32, flags mem.VMFlags) (mem.VAddr, error) {
	if size == 0 {
		return mem.InvalidAddr, fmt.Errorf("vmm: %w: zero size", mem.ErrInvalid)
	}
	size = mem.PageAlignUp(size)

	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.bestFit(size)
	if idx == noNode {
		mem.Log.Error("no free region fits", "size", size)
		return mem.InvalidAddr, mem.ErrNoRegion
	}
	return v.carve(idx, v.nodes.node(idx).Start, size, flags)
}

// AllocateAt reserves size bytes at the lowest fitting address that is
// not below addr. The chosen start may exceed addr when the region
// containing it is taken.
func (v *VMM) AllocateAt(addr mem.VAddr, size uint32, flags mem.VMFlags) (mem.VAddr, error) {
	if size == 0 {
		return mem.InvalidAddr, fmt.Errorf("vmm: %w: zero size", mem.ErrInvalid)
	}
	size = mem.PageAlignUp(size)
	addr = mem.PageAlignDown(addr + mem.PageSize - 1)
	if addr < v.start {
		addr = v.start
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.fitAt(addr, size)
	if idx == noNode {
		mem.Log.Error("no free region fits", "addr", uint32(addr), "size", size)
		return mem.InvalidAddr, mem.ErrNoRegion
	}
	start := v.nodes.node(idx).Start
	if addr > start {
		start = addr
	}
	return v.carve(idx, start, size, flags)
}

// carve turns [allocStart, allocStart+size) of the free region idx into
// an allocated region, re-inserting whatever the split leaves over.
// Both split nodes are claimed up front so the mutation cannot fail
// midway.
func (v *VMM) carve(idx uint32, allocStart mem.VAddr, size uint32, flags mem.VMFlags) (mem.VAddr, error) {
	c := v.nodes.node(idx)
	allocEnd := allocStart + mem.VAddr(size)

	pre, rem := noNode, noNode
	var err error
	if allocStart > c.Start {
		if pre, err = v.nodes.alloc(); err != nil {
			return mem.InvalidAddr, err
		}
	}
	if allocEnd < c.End() {
		if rem, err = v.nodes.alloc(); err != nil {
			if pre != noNode {
				v.nodes.free(pre)
			}
			return mem.InvalidAddr, err
		}
	}

	v.byAddr.remove(v.nodes, idx)
	v.bySize.remove(v.nodes, idx)

	if pre != noNode {
		*v.nodes.node(pre) = Region{Start: c.Start, Size: uint32(allocStart - c.Start)}
		v.byAddr.insert(v.nodes, pre)
		v.bySize.insert(v.nodes, pre)
	}
	if rem != noNode {
		*v.nodes.node(rem) = Region{Start: allocEnd, Size: uint32(c.End() - allocEnd)}
		v.byAddr.insert(v.nodes, rem)
		v.bySize.insert(v.nodes, rem)
	}

	*c = Region{Start: allocStart, Size: size, Flags: flags, Allocated: true}
	v.byAddr.insert(v.nodes, idx)
	v.bySize.insert(v.nodes, idx)

	v.allocCalls++
	return allocStart, nil
}

// Free releases the allocated region containing addr and coalesces it
// with free neighbors. Releasing an address with no allocated region is
// a logged no-op reported as ErrNoRegion.
func (v *VMM) Free(addr mem.VAddr) error {
	addr = mem.PageAlignDown(addr)

	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.lookup(addr)
	if idx == noNode || !v.nodes.node(idx).Allocated {
		mem.Log.Warn("freeing an address with no allocated region",
			"addr", uint32(addr))
		return mem.ErrNoRegion
	}

	v.byAddr.remove(v.nodes, idx)
	v.bySize.remove(v.nodes, idx)

	c := v.nodes.node(idx)
	c.Allocated = false
	c.Flags = 0

	if c.Start > v.start {
		if li := v.lookup(c.Start - mem.PageSize); li != noNode && !v.nodes.node(li).Allocated {
			left := v.nodes.node(li)
			v.byAddr.remove(v.nodes, li)
			v.bySize.remove(v.nodes, li)
			c.Start = left.Start
			c.Size += left.Size
			v.nodes.free(li)
		}
	}
	if c.End() < v.end {
		if ri := v.lookup(c.End()); ri != noNode && !v.nodes.node(ri).Allocated {
			right := v.nodes.node(ri)
			v.byAddr.remove(v.nodes, ri)
			v.bySize.remove(v.nodes, ri)
			c.Size += right.Size
			v.nodes.free(ri)
		}
	}

	v.byAddr.insert(v.nodes, idx)
	v.bySize.insert(v.nodes, idx)

	v.freeCalls++
	return nil
}

// Resize grows or shrinks the allocated region starting at addr to
// newSize bytes without moving it. Growth succeeds only when a free
// region sits immediately past the current end and is large enough;
// shrinking releases the tail back into the free pool.
func (v *VMM) Resize(addr mem.VAddr, newSize uint32) error {
	if newSize == 0 {
		return fmt.Errorf("vmm: %w: zero size", mem.ErrInvalid)
	}
	newSize = mem.PageAlignUp(newSize)

	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.lookup(mem.PageAlignDown(addr))
	if idx == noNode || !v.nodes.node(idx).Allocated {
		return mem.ErrNoRegion
	}
	r := v.nodes.node(idx)
	if r.Start != mem.PageAlignDown(addr) {
		return fmt.Errorf("vmm: %w: %#x is not a region start",
			mem.ErrInvalid, uint32(addr))
	}
	if newSize == r.Size {
		return nil
	}

	if newSize < r.Size {
		return v.shrink(idx, newSize)
	}
	return v.grow(idx, newSize)
}

// shrink splits the region's tail off into a free region, merging it
// with a free right neighbor. Caller holds the lock.
func (v *VMM) shrink(idx uint32, newSize uint32) error {
	tail, err := v.nodes.alloc()
	if err != nil {
		return err
	}

	r := v.nodes.node(idx)
	tailStart := r.Start + mem.VAddr(newSize)
	tailSize := r.Size - newSize

	// Only the size key changes, the address tree is untouched.
	v.bySize.remove(v.nodes, idx)
	r.Size = newSize
	v.bySize.insert(v.nodes, idx)

	if tailStart+mem.VAddr(tailSize) < v.end {
		if ri := v.lookup(tailStart + mem.VAddr(tailSize)); ri != noNode && !v.nodes.node(ri).Allocated {
			right := v.nodes.node(ri)
			v.byAddr.remove(v.nodes, ri)
			v.bySize.remove(v.nodes, ri)
			tailSize += right.Size
			v.nodes.free(ri)
		}
	}

	*v.nodes.node(tail) = Region{Start: tailStart, Size: tailSize}
	v.byAddr.insert(v.nodes, tail)
	v.bySize.insert(v.nodes, tail)
	return nil
}

// grow absorbs the needed bytes from the free region immediately past
// the current end. Caller holds the lock.
func (v *VMM) grow(idx uint32, newSize uint32) error {
	r := v.nodes.node(idx)
	delta := newSize - r.Size
	if r.End() >= v.end {
		return mem.ErrNoRegion
	}
	ri := v.lookup(r.End())
	if ri == noNode || v.nodes.node(ri).Allocated || v.nodes.node(ri).Size < delta {
		mem.Log.Error("no room to grow region",
			"start", uint32(r.Start), "size", newSize)
		return mem.ErrNoRegion
	}

	right := v.nodes.node(ri)
	v.byAddr.remove(v.nodes, ri)
	v.bySize.remove(v.nodes, ri)
	if right.Size == delta {
		v.nodes.free(ri)
	} else {
		right.Start += mem.VAddr(delta)
		right.Size -= delta
		v.byAddr.insert(v.nodes, ri)
		v.bySize.insert(v.nodes, ri)
	}

	v.bySize.remove(v.nodes, idx)
	r.Size = newSize
	v.bySize.insert(v.nodes, idx)
	return nil
}

// Find returns the region containing addr.
func (v *VMM) Find(addr mem.VAddr) (Region, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.lookup(addr)
	if idx == noNode {
		return Region{}, false
	}
	return *v.nodes.node(idx), true
}

// Reset tears down every region and all node storage, then reseeds the
// single free region. The allocator stays usable.
func (v *VMM) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nodes.releaseAll()
	v.byAddr.root = noNode
	v.bySize.root = noNode
	return v.seed()
}

// Snapshot returns the partition in ascending address order.
func (v *VMM) Snapshot() []Region {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Region, 0, v.nodes.live)
	v.byAddr.walk(v.nodes, func(idx uint32) bool {
		out = append(out, *v.nodes.node(idx))
		return true
	})
	return out
}

// Stats returns a snapshot of the allocator's counters.
func (v *VMM) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Stats{
		Regions:    v.nodes.live,
		NodePages:  v.nodes.backed,
		AllocCalls: v.allocCalls,
		FreeCalls:  v.freeCalls,
	}
}

// lookup finds the node whose region contains addr. Caller holds the
// lock.
func (v *VMM) lookup(addr mem.VAddr) uint32 {
	idx := v.byAddr.root
	for idx != noNode {
		r := v.nodes.node(idx)
		switch {
		case addr < r.Start:
			idx = r.links[byAddr].left
		case addr < r.End():
			return idx
		default:
			idx = r.links[byAddr].right
		}
	}
	return noNode
}

// bestFit finds the smallest free region of at least size bytes,
// lowest address first among ties. Caller holds the lock.
func (v *VMM) bestFit(size uint32) uint32 {
	found := noNode
	var walk func(idx uint32) bool
	walk = func(idx uint32) bool {
		if idx == noNode {
			return false
		}
		r := v.nodes.node(idx)
		if r.Size < size {
			return walk(r.links[bySize].right)
		}
		if walk(r.links[bySize].left) {
			return true
		}
		if !r.Allocated {
			found = idx
			return true
		}
		return walk(r.links[bySize].right)
	}
	walk(v.bySize.root)
	return found
}

// fitAt finds the lowest free region that can hold size bytes at or
// above addr. Caller holds the lock.
func (v *VMM) fitAt(addr mem.VAddr, size uint32) uint32 {
	found := noNode
	var walk func(idx uint32) bool
	walk = func(idx uint32) bool {
		if idx == noNode {
			return false
		}
		r := v.nodes.node(idx)
		if addr < r.Start && walk(r.links[byAddr].left) {
			return true
		}
		if r.End() > addr && !r.Allocated {
			start := r.Start
			if addr > start {
				start = addr
			}
			if start+mem.VAddr(size) <= r.End() {
				found = idx
				return true
			}
		}
		return walk(r.links[byAddr].right)
	}
	walk(v.byAddr.root)
	return found
}
