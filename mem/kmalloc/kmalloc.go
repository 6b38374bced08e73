package kmalloc

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/mmu"
	"github.com/joshuapare/memkit/mem/vm"
)

const (
	// blockAlign is both the smallest block class and the space
	// reserved for bucket metadata at the start of each bucket.
	blockAlign = 16

	// freeMagic is written at offset 0 of every free block. A free
	// request that finds it already present is a repeated free.
	freeMagic = 0x3402CECE

	// maxClass is the largest block class representable in 32 bits.
	// Rounding anything bigger would overflow to a zero class.
	maxClass = 1 << 31
)

// bucket is one mapped run of equal-size blocks. The first blockAlign
// bytes of the mapping are the metadata slot; blocks follow.
type bucket struct {
	base      mem.VAddr
	size      uint32
	blockSize uint32
	live      uint32
	free      []mem.VAddr
}

// Stats is a snapshot of the heap's counters.
type Stats struct {
	AllocCalls uint64
	FreeCalls  uint64
	Buckets    uint32
	LiveBlocks uint32
}

// Heap serves variable-size allocations out of the kernel address
// space.
type Heap struct {
	k  *vm.Kernel
	as *vm.AddressSpace

	mu      sync.Mutex
	buckets map[mem.VAddr]*bucket
	classes map[uint32][]*bucket
	stats   Stats
}

// New builds a heap over the booted kernel's address space.
func New(k *vm.Kernel) *Heap {
	return &Heap{
		k:       k,
		as:      k.KernelSpace(),
		buckets: make(map[mem.VAddr]*bucket),
		classes: make(map[uint32][]*bucket),
	}
}

// classFor rounds a request up to its block class: the next power of
// two no smaller than blockAlign.
func classFor(size uint32) uint32 {
	if size <= blockAlign {
		return blockAlign
	}
	return 1 << bits.Len32(size-1)
}

// Alloc returns the address of a block large enough for size bytes.
func (h *Heap) Alloc(size uint32) (mem.VAddr, error) {
	if size == 0 {
		return mem.InvalidAddr, fmt.Errorf("kmalloc: zero size: %w", mem.ErrInvalid)
	}
	if size > maxClass {
		mem.Log.Error("request exceeds the largest block class", "size", size)
		return mem.InvalidAddr, fmt.Errorf("kmalloc: size %#x: %w", size, mem.ErrNoMemory)
	}
	class := classFor(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.findFree(class)
	if b == nil {
		created, err := h.createBucket(class)
		if err != nil {
			return mem.InvalidAddr, err
		}
		b = created
	}

	// Clear the free tag before claiming the block, so a failed write
	// leaves the bucket state untouched.
	addr := b.free[len(b.free)-1]
	if err := mmu.Write32(h.k.MMU, addr, 0); err != nil {
		return mem.InvalidAddr, err
	}
	b.free = b.free[:len(b.free)-1]
	b.live++
	h.stats.AllocCalls++
	h.stats.LiveBlocks++
	return addr, nil
}

// Calloc allocates n*size bytes, zeroed, with overflow-checked
// multiplication.
func (h *Heap) Calloc(n, size uint32) (mem.VAddr, error) {
	total := uint64(n) * uint64(size)
	if total > math.MaxUint32 {
		return mem.InvalidAddr, fmt.Errorf("kmalloc: %d*%d overflows: %w", n, size, mem.ErrInvalid)
	}
	addr, err := h.Alloc(uint32(total))
	if err != nil {
		return mem.InvalidAddr, err
	}
	if err := mmu.Zero(h.k.MMU, addr, uint32(total)); err != nil {
		h.Free(addr)
		return mem.InvalidAddr, err
	}
	return addr, nil
}

// Realloc resizes an allocation. The block is reused in place when its
// class already covers the request; otherwise a fresh block is
// allocated, the old contents copied, and the old block freed. A zero
// size frees the block.
func (h *Heap) Realloc(ptr mem.VAddr, size uint32) (mem.VAddr, error) {
	if size == 0 {
		h.Free(ptr)
		return mem.InvalidAddr, nil
	}
	if ptr == 0 || ptr == mem.InvalidAddr {
		return h.Alloc(size)
	}
	if size > maxClass {
		mem.Log.Error("request exceeds the largest block class", "size", size)
		return mem.InvalidAddr, fmt.Errorf("kmalloc: size %#x: %w", size, mem.ErrNoMemory)
	}

	h.mu.Lock()
	b := h.buckets[mem.PageAlignDown(ptr)]
	h.mu.Unlock()
	if b == nil {
		return mem.InvalidAddr, fmt.Errorf("kmalloc: realloc of unknown block %#x: %w",
			uint32(ptr), mem.ErrBadAddress)
	}
	if b.blockSize >= classFor(size) {
		return ptr, nil
	}

	next, err := h.Alloc(size)
	if err != nil {
		return mem.InvalidAddr, err
	}
	if err := mmu.Copy(h.k.MMU, next, ptr, b.blockSize); err != nil {
		h.Free(next)
		return mem.InvalidAddr, err
	}
	h.Free(ptr)
	return next, nil
}

// Free returns a block to its bucket. Addresses that do not resolve to
// a live block are logged and ignored. Freeing the last live block of
// a bucket unmaps the whole bucket.
func (h *Heap) Free(ptr mem.VAddr) {
	if ptr == 0 || ptr == mem.InvalidAddr {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.buckets[mem.PageAlignDown(ptr)]
	if b == nil {
		mem.Log.Warn("kmalloc free of unknown address", "addr", ptr)
		return
	}
	off := uint32(ptr - b.base)
	if off < blockAlign || (off-blockAlign)%b.blockSize != 0 {
		mem.Log.Warn("kmalloc free not at a block boundary", "addr", ptr, "bucket", b.base)
		return
	}
	magic, err := mmu.Read32(h.k.MMU, ptr)
	if err != nil {
		mem.Log.Warn("kmalloc free of unmapped block", "addr", ptr, "err", err)
		return
	}
	if magic == freeMagic {
		mem.Log.Warn("kmalloc double free", "addr", ptr, "bucket", b.base)
		return
	}

	h.stats.FreeCalls++
	h.stats.LiveBlocks--
	if b.live == 1 {
		h.retire(b)
		return
	}
	if err := mmu.Write32(h.k.MMU, ptr, freeMagic); err != nil {
		mem.Log.Warn("kmalloc free tag write failed", "addr", ptr, "err", err)
	}
	b.free = append(b.free, ptr)
	b.live--
}

// AllocContiguous maps size bytes of physically contiguous frames at a
// fresh kernel virtual range, for device-facing buffers.
func (h *Heap) AllocContiguous(size uint32) (mem.VAddr, error) {
	if size == 0 {
		return mem.InvalidAddr, fmt.Errorf("kmalloc: zero size: %w", mem.ErrInvalid)
	}
	size = mem.PageAlignUp(size)

	phys, err := h.k.Frames.AllocPages(size)
	if err != nil {
		return mem.InvalidAddr, err
	}
	addr, err := h.as.AllocAt(phys, size, mem.VMKernelRW)
	if err != nil {
		_ = h.k.Frames.FreePages(phys, size)
		return mem.InvalidAddr, err
	}
	return addr, nil
}

// FreeContiguous releases a contiguous mapping made by AllocContiguous.
func (h *Heap) FreeContiguous(addr mem.VAddr) {
	if !mem.PageAligned(addr) {
		mem.Log.Error("contiguous free not at a page boundary", "addr", addr)
		return
	}
	seg, ok := h.as.Find(addr)
	if !ok {
		mem.Log.Warn("contiguous free of unknown address", "addr", addr)
		return
	}
	phys, err := h.k.MMU.FindPhysical(addr)
	if err != nil {
		mem.Log.Warn("contiguous free of unmapped address", "addr", addr, "err", err)
		return
	}
	if err := h.as.Free(addr); err != nil {
		mem.Log.Warn("contiguous free failed", "addr", addr, "err", err)
		return
	}
	_ = h.k.Frames.FreePages(phys, seg.Size)
}

// BucketCount reports how many buckets are currently mapped.
func (h *Heap) BucketCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buckets)
}

// Stats returns a snapshot of the heap's counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Buckets = uint32(len(h.buckets))
	return s
}

func (h *Heap) findFree(class uint32) *bucket {
	for _, b := range h.classes[class] {
		if len(b.free) > 0 {
			return b
		}
	}
	return nil
}

// createBucket maps a new bucket sized to hold at least one block of
// the class and threads its free list, tagging every block free.
func (h *Heap) createBucket(class uint32) (*bucket, error) {
	size := blockAlign + class
	size = mem.PageAlignUp(size)

	base, err := h.as.Alloc(size, mem.VMKernelRW)
	if err != nil {
		return nil, err
	}
	for off := uint32(0); off < size; off += mem.PageSize {
		if err := h.k.Fault(base+mem.VAddr(off), false); err != nil {
			_ = h.as.Free(base)
			return nil, err
		}
	}

	b := &bucket{base: base, size: size, blockSize: class}
	for off := uint32(blockAlign); off+class <= size; off += class {
		addr := base + mem.VAddr(off)
		if err := mmu.Write32(h.k.MMU, addr, freeMagic); err != nil {
			_ = h.as.Free(base)
			return nil, err
		}
		b.free = append(b.free, addr)
	}

	h.buckets[base] = b
	h.classes[class] = append(h.classes[class], b)
	mem.Log.Debug("kmalloc bucket mapped", "base", base, "class", class, "blocks", len(b.free))
	return b, nil
}

// retire unmaps a bucket whose last live block was just freed.
func (h *Heap) retire(b *bucket) {
	delete(h.buckets, b.base)
	list := h.classes[b.blockSize]
	for i, e := range list {
		if e == b {
			h.classes[b.blockSize] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if err := h.as.Free(b.base); err != nil {
		mem.Log.Warn("kmalloc bucket release failed", "base", b.base, "err", err)
	}
	mem.Log.Debug("kmalloc bucket retired", "base", b.base, "class", b.blockSize)
}
