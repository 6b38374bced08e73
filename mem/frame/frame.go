// Package frame implements the physical frame allocator: the global
// inventory of page frames, seeded once from the bootloader's memory map.
//
// Allocation is first-fit from a cached "first known-free" hint: the
// allocator always returns the lowest-address run of contiguous available
// frames. Frames are reference counted; a frame only returns to the free
// pool when its last reference is dropped, which is what keeps shared
// copy-on-write frames alive across address spaces.
package frame

import (
	"fmt"
	"sync"

	"github.com/joshuapare/memkit/mem"
)

// Flags describes the state of one physical frame.
type Flags uint8

const (
	// FlagAvailable marks a frame as allocatable.
	FlagAvailable Flags = 1 << iota
	// FlagCoW marks a frame shared copy-on-write between address spaces.
	FlagCoW
	// FlagSlab marks a frame owned by a slab cache.
	FlagSlab
)

// Frame is the bookkeeping record of one physical page. The table holding
// them is created at boot and never resized.
type Frame struct {
	Flags    Flags
	RefCount uint32
}

// Stats exposes allocation counters for probes and tests.
type Stats struct {
	TotalUsable uint32 // usable frames discovered at boot
	Allocated   uint32 // usable frames currently unavailable
	AllocCalls  uint64
	FreeCalls   uint64
}

// Free returns the number of currently allocatable frames.
func (s Stats) Free() uint32 { return s.TotalUsable - s.Allocated }

// Allocator owns the frame table and the availability bitmap. A bit is set
// iff the corresponding frame is unavailable (allocated, reserved, or
// kernel image). All operations are serialized by one lock, matching the
// globally serialized physical allocator of the design.
type Allocator struct {
	mu sync.Mutex

	frames []Frame
	bitmap []uint64 // bit set iff frame unavailable

	firstAvail mem.PAddr // lowest known-free frame, InvalidFrame when none
	end        mem.PAddr // first address past the managed range

	kernel mem.Range

	stats Stats
}

// New builds the frame table for the machine described by cfg, marks every
// frame outside the usable boot-map ranges (and every frame of the kernel
// image) unavailable, and reserves cfg.Reserved on top.
func New(cfg mem.Config) (*Allocator, error) {
	size := mem.PageAlignUp(cfg.MemSize)
	if size == 0 {
		return nil, fmt.Errorf("frame: %w: machine has no memory", mem.ErrInvalid)
	}
	nframes := size / mem.PageSize

	a := &Allocator{
		frames:     make([]Frame, nframes),
		bitmap:     make([]uint64, (nframes+63)/64),
		firstAvail: mem.InvalidFrame,
		end:        mem.PAddr(size),
		kernel:     cfg.KernelImage,
	}

	// Everything starts unavailable; usable boot-map frames are opened up
	// below.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}

	for _, r := range cfg.BootMap {
		if !r.Usable {
			continue
		}
		for addr := r.Start; addr < r.End() && addr < a.end; addr += mem.PageSize {
			// The bootloader does not know where our own image lives;
			// never hand out the kernel's code and data.
			if a.kernel.Contains(addr) {
				continue
			}
			a.setAvailable(addr, true)
			a.stats.TotalUsable++
			if a.firstAvail == mem.InvalidFrame {
				a.firstAvail = addr
			}
		}
	}

	if a.firstAvail == mem.InvalidFrame {
		return nil, fmt.Errorf("frame: %w: boot map has no usable frame", mem.ErrNoMemory)
	}

	for _, r := range cfg.Reserved {
		a.allocateAt(r.Start, mem.PageAlignUp(r.Length))
	}

	mem.Log.Info("frame allocator initialized",
		"frames", nframes, "usable", a.stats.TotalUsable,
		"first_available", a.firstAvail)

	return a, nil
}

func (a *Allocator) setAvailable(p mem.PAddr, available bool) {
	n := mem.ToPFN(p)
	f := &a.frames[n]
	if available {
		a.bitmap[n/64] &^= 1 << (n % 64)
		f.Flags |= FlagAvailable
		f.RefCount = 0
	} else {
		a.bitmap[n/64] |= 1 << (n % 64)
		f.Flags &^= FlagAvailable
		f.RefCount = 1
	}
}

func (a *Allocator) available(p mem.PAddr) bool {
	n := mem.ToPFN(p)
	return a.bitmap[n/64]&(1<<(n%64)) == 0
}

// allocateAt marks [addr, addr+size) unavailable and repairs the hint.
// Caller holds the lock (or is the constructor).
func (a *Allocator) allocateAt(addr mem.PAddr, size uint32) {
	for off := uint32(0); off < size; off += mem.PageSize {
		p := addr + mem.PAddr(off)
		if p >= a.end {
			break
		}
		if a.available(p) {
			a.setAvailable(p, false)
			a.frames[mem.ToPFN(p)].RefCount = 1
			a.stats.Allocated++
		}
	}

	if a.firstAvail == mem.InvalidFrame ||
		a.firstAvail < addr || uint64(a.firstAvail) >= uint64(addr)+uint64(size) {
		return
	}

	// The hint was consumed: advance it to the next available frame.
	next := uint64(addr) + uint64(size)
	for ; next < uint64(a.end); next += mem.PageSize {
		if a.available(mem.PAddr(next)) {
			a.firstAvail = mem.PAddr(next)
			return
		}
	}
	a.firstAvail = mem.InvalidFrame
}

// AllocPages allocates the lowest-address run of contiguous available
// frames covering size bytes (rounded up to whole pages). On exhaustion it
// returns InvalidFrame and ErrNoMemory; the caller decides whether that is
// fatal.
func (a *Allocator) AllocPages(size uint32) (mem.PAddr, error) {
	if size == 0 {
		return mem.InvalidFrame, fmt.Errorf("frame: %w: zero size", mem.ErrInvalid)
	}
	size = mem.PageAlignUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.AllocCalls++

	if a.firstAvail == mem.InvalidFrame {
		mem.Log.Error("no available frame left")
		return mem.InvalidFrame, mem.ErrNoMemory
	}

	addr := uint64(a.firstAvail)
	for addr+uint64(size) <= uint64(a.end) {
		if !a.available(mem.PAddr(addr)) {
			addr += mem.PageSize
			continue
		}
		run := uint32(0)
		for ; run < size; run += mem.PageSize {
			if !a.available(mem.PAddr(addr + uint64(run))) {
				break
			}
		}
		if run == size {
			a.allocateAt(mem.PAddr(addr), size)
			return mem.PAddr(addr), nil
		}
		// Continue searching past the busy frame that broke the run.
		addr += uint64(run) + mem.PageSize
	}

	mem.Log.Error("no contiguous frame run", "size", size)
	return mem.InvalidFrame, mem.ErrNoMemory
}

// Alloc allocates a single frame.
func (a *Allocator) Alloc() (mem.PAddr, error) {
	return a.AllocPages(mem.PageSize)
}

// FreePages drops one reference on every frame in [addr, addr+size).
// Frames whose count reaches zero return to the free pool. Freeing inside
// the kernel image is a reported error, never a crash.
func (a *Allocator) FreePages(addr mem.PAddr, size uint32) error {
	if a.kernel.Overlaps(mem.Range{Start: addr, Length: size}) {
		mem.Log.Error("refusing to free kernel image frames",
			"addr", addr, "size", size)
		return fmt.Errorf("frame: %w: inside kernel image", mem.ErrBadAddress)
	}
	if !mem.PageAligned(addr) {
		mem.Log.Error("free of unaligned frame address", "addr", addr)
		return fmt.Errorf("frame: %w: unaligned", mem.ErrBadAddress)
	}
	if addr >= a.end || size > uint32(a.end-addr) {
		mem.Log.Error("free outside physical memory", "addr", addr, "size", size)
		return fmt.Errorf("frame: %w: outside physical memory", mem.ErrBadAddress)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.FreeCalls++
	for off := uint32(0); off < mem.PageAlignUp(size); off += mem.PageSize {
		a.put(addr + mem.PAddr(off))
	}
	return nil
}

// Free releases a single frame.
func (a *Allocator) Free(addr mem.PAddr) error {
	return a.FreePages(addr, mem.PageSize)
}

// Get takes an additional reference on a frame. Used when a frame becomes
// shared (copy-on-write) or when a caller supplies frames it obtained
// outside the allocator.
func (a *Allocator) Get(addr mem.PAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr >= a.end {
		mem.Log.Warn("referencing a frame outside physical memory", "addr", addr)
		return
	}
	a.frames[mem.ToPFN(addr)].RefCount++
}

// Put drops one reference on a frame, freeing it at zero.
func (a *Allocator) Put(addr mem.PAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.put(addr)
}

func (a *Allocator) put(addr mem.PAddr) {
	if addr >= a.end {
		mem.Log.Warn("releasing a frame outside physical memory", "addr", addr)
		return
	}
	f := &a.frames[mem.ToPFN(addr)]
	if f.RefCount == 0 {
		mem.Log.Warn("releasing a frame with no references", "addr", addr)
		return
	}
	f.RefCount--
	if f.RefCount > 0 {
		return
	}

	f.Flags &^= FlagCoW | FlagSlab
	a.setAvailable(addr, true)
	a.stats.Allocated--

	// First-fit must keep finding the lowest eligible address.
	if a.firstAvail == mem.InvalidFrame || addr < a.firstAvail {
		a.firstAvail = addr
	}
}

// RefCount returns the current reference count of a frame, zero for
// addresses outside physical memory.
func (a *Allocator) RefCount(addr mem.PAddr) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr >= a.end {
		return 0
	}
	return a.frames[mem.ToPFN(addr)].RefCount
}

// SetFlags sets flag bits on a frame's record.
func (a *Allocator) SetFlags(addr mem.PAddr, flags Flags) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr >= a.end {
		mem.Log.Warn("flagging a frame outside physical memory", "addr", addr)
		return
	}
	a.frames[mem.ToPFN(addr)].Flags |= flags
}

// ClearFlags clears flag bits on a frame's record.
func (a *Allocator) ClearFlags(addr mem.PAddr, flags Flags) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr >= a.end {
		return
	}
	a.frames[mem.ToPFN(addr)].Flags &^= flags
}

// HasFlags reports whether every given flag bit is set on the frame.
func (a *Allocator) HasFlags(addr mem.PAddr, flags Flags) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr >= a.end {
		return false
	}
	return a.frames[mem.ToPFN(addr)].Flags&flags == flags
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
