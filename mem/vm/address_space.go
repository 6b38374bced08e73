package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/mmu"
	"github.com/joshuapare/memkit/mem/vmm"
)

// Segment is a live, driver-backed range of one address space.
type Segment struct {
	Start mem.VAddr
	Size  uint32
	Flags mem.VMFlags

	driver driver
}

// End returns the first address past the segment.
func (s *Segment) End() mem.VAddr { return s.Start + mem.VAddr(s.Size) }

// AddressSpace binds a paging root, a region allocator and the sorted
// segment list. The kernel's address space is created at boot and
// shared; user spaces go through NewAddressSpace, Load and Init.
type AddressSpace struct {
	k *Kernel

	mu       sync.Mutex
	root     mmu.Root
	vmm      *vmm.VMM
	segments []*Segment
}

// Init seeds the user region allocator. The space must be loaded:
// region bookkeeping pages live in the space's own user half and can
// only be mapped through its root.
func (as *AddressSpace) Init() error {
	if as.k.Current() != as {
		return fmt.Errorf("vm: %w: initializing an address space that is not loaded",
			mem.ErrBusy)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.vmm != nil {
		return fmt.Errorf("vm: %w: address space already initialized", mem.ErrExists)
	}
	v, err := vmm.New(as.k.Frames, as.k.MMU, vmm.UserNodes, mem.UserStart, mem.UserEnd)
	if err != nil {
		return err
	}
	as.vmm = v
	return nil
}

// Load makes this space the active one. Kernel mappings stay valid
// across the switch.
func (as *AddressSpace) Load() error {
	as.k.mu.Lock()
	defer as.k.mu.Unlock()

	if err := as.k.MMU.Load(as.root); err != nil {
		return err
	}
	as.k.current = as
	return nil
}

// assertOwned flags mutations of an address space that is neither the
// loaded one nor the shared kernel one. This is bookkeeping discipline,
// not an enforcement: the call logs and continues.
func (as *AddressSpace) assertOwned() {
	if as != as.k.Current() && as != as.k.kernelAS {
		mem.Log.Warn("mutating an address space that is not loaded",
			"root", uint32(as.root))
	}
}

// Alloc reserves size bytes of fresh virtual memory. The backing frames
// arrive lazily, on the first fault inside the returned range.
func (as *AddressSpace) Alloc(size uint32, flags mem.VMFlags) (mem.VAddr, error) {
	return as.AllocFrom(0, size, flags)
}

// AllocFrom is Alloc with a lower bound on the chosen address.
func (as *AddressSpace) AllocFrom(hint mem.VAddr, size uint32, flags mem.VMFlags) (mem.VAddr, error) {
	if size == 0 || !mem.PageAligned(size) {
		return mem.InvalidAddr, fmt.Errorf("vm: %w: size %#x not page aligned",
			mem.ErrInvalid, size)
	}
	d := driverFor(flags)

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.vmm == nil {
		return mem.InvalidAddr, fmt.Errorf("vm: %w: address space not initialized",
			mem.ErrInvalid)
	}
	seg, err := d.alloc(as, hint, size, flags)
	if err != nil {
		return mem.InvalidAddr, err
	}
	seg.driver = d
	as.insertSegment(seg)
	return seg.Start, nil
}

// AllocAt wires the given physical range into fresh virtual memory,
// mapped eagerly. Used for device windows and DMA buffers whose frames
// exist before any fault can.
func (as *AddressSpace) AllocAt(phys mem.PAddr, size uint32, flags mem.VMFlags) (mem.VAddr, error) {
	if size == 0 || !mem.PageAligned(size) {
		return mem.InvalidAddr, fmt.Errorf("vm: %w: size %#x not page aligned",
			mem.ErrInvalid, size)
	}
	if !mem.PageAligned(phys) {
		return mem.InvalidAddr, fmt.Errorf("vm: %w: physical %#x not page aligned",
			mem.ErrInvalid, uint32(phys))
	}
	d := driverFor(flags)

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.vmm == nil {
		return mem.InvalidAddr, fmt.Errorf("vm: %w: address space not initialized",
			mem.ErrInvalid)
	}
	seg, err := d.allocAt(as, phys, size, flags)
	if err != nil {
		return mem.InvalidAddr, err
	}
	seg.driver = d
	as.insertSegment(seg)
	return seg.Start, nil
}

// Free releases the segment containing addr: every mapped page returns
// its frame and the region rejoins the free pool.
func (as *AddressSpace) Free(addr mem.VAddr) error {
	if !mem.PageAligned(addr) {
		mem.Log.Warn("freeing unaligned virtual address", "addr", uint32(addr))
		return fmt.Errorf("vm: %w: unaligned", mem.ErrBadAddress)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	seg := as.findSegment(addr)
	if seg == nil {
		mem.Log.Debug("free: no backing segment", "addr", uint32(addr))
		return mem.ErrNoSegment
	}
	as.removeSegment(seg)
	seg.driver.free(as, seg)
	return nil
}

// Find returns the segment containing addr.
func (as *AddressSpace) Find(addr mem.VAddr) (Segment, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	seg := as.findSegment(addr)
	if seg == nil {
		return Segment{}, false
	}
	return *seg, true
}

// Resize grows or shrinks the segment starting at addr in place.
// Shrinking to zero frees the segment entirely.
func (as *AddressSpace) Resize(addr mem.VAddr, newSize uint32) error {
	if !mem.PageAligned(newSize) {
		return fmt.Errorf("vm: %w: size %#x not page aligned", mem.ErrInvalid, newSize)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	seg := as.findSegment(addr)
	if seg == nil {
		return mem.ErrNoSegment
	}
	if newSize == seg.Size {
		return nil
	}
	if newSize == 0 {
		as.removeSegment(seg)
		seg.driver.free(as, seg)
		return nil
	}
	return seg.driver.resize(as, seg, newSize)
}

// Fault resolves a page fault at addr. Copy-on-write faults go to the
// hardware contract; anything else is the owning driver's lazy
// allocation. A fault with no owning segment is the caller's fatal
// condition, reported as ErrNoSegment.
func (as *AddressSpace) Fault(addr mem.VAddr, isCow bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	seg := as.findSegment(addr)
	if seg == nil {
		return fmt.Errorf("vm: fault at %#x: %w", uint32(addr), mem.ErrNoSegment)
	}

	if isCow {
		if err := as.k.MMU.CopyOnWrite(addr); err != nil {
			mem.Log.Warn("copy-on-write failed",
				"addr", uint32(addr), "err", err)
		}
		return nil
	}
	return seg.driver.fault(as, seg)
}

// Clear tears down every segment and resets the region allocator,
// leaving the address space empty but usable. The kernel space cannot
// be cleared.
func (as *AddressSpace) Clear() error {
	if as == as.k.kernelAS {
		mem.Log.Error("refusing to clear the kernel address space")
		return mem.ErrInvalid
	}
	as.assertOwned()

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, seg := range as.segments {
		unmapRange(as, seg.Start, seg.Size)
	}
	as.segments = nil
	if as.vmm != nil {
		return as.vmm.Reset()
	}
	return nil
}

// Destroy discards the paging root and all bookkeeping. Only valid
// while the space is not loaded; the MMU releases whatever frames its
// mappings still held.
func (as *AddressSpace) Destroy() error {
	if as == as.k.kernelAS {
		mem.Log.Error("refusing to destroy the kernel address space")
		return mem.ErrInvalid
	}
	if as.k.Current() == as {
		return fmt.Errorf("vm: %w: address space is loaded", mem.ErrBusy)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.k.MMU.DestroyRoot(as.root); err != nil {
		return err
	}
	as.vmm = nil
	as.segments = nil
	return nil
}

// CopyCurrentInto forks the loaded address space into dst: hardware
// mappings are shared copy-on-write, segments and region bookkeeping
// are rebuilt privately in dst. dst must be empty.
func (as *AddressSpace) CopyCurrentInto(dst *AddressSpace) error {
	if dst == as || dst == as.k.kernelAS {
		return fmt.Errorf("vm: %w: bad fork destination", mem.ErrInvalid)
	}
	if as.k.Current() != as {
		return fmt.Errorf("vm: %w: source is not loaded", mem.ErrBusy)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	if len(dst.segments) > 0 || dst.vmm != nil {
		return fmt.Errorf("vm: %w: fork destination is not empty", mem.ErrBusy)
	}

	if err := as.k.MMU.Clone(dst.root); err != nil {
		return err
	}

	regions := as.vmm.Snapshot()

	// Bookkeeping pages live in the destination's own user half, so the
	// rebuild happens under its root. The original root is restored
	// before returning.
	if err := as.k.MMU.Load(dst.root); err != nil {
		return err
	}
	defer func() { _ = as.k.MMU.Load(as.root) }()

	v, err := vmm.New(as.k.Frames, as.k.MMU, vmm.UserNodes, mem.UserStart, mem.UserEnd)
	if err != nil {
		return err
	}
	for _, r := range regions {
		if !r.Allocated {
			continue
		}
		if _, err := v.AllocateAt(r.Start, r.Size, r.Flags); err != nil {
			return fmt.Errorf("vm: fork region %#x: %w", uint32(r.Start), err)
		}
	}

	dst.vmm = v
	dst.segments = make([]*Segment, len(as.segments))
	for i, seg := range as.segments {
		clone := *seg
		dst.segments[i] = &clone
	}
	return nil
}

// insertSegment keeps the list sorted by start address. Caller holds
// the lock.
func (as *AddressSpace) insertSegment(seg *Segment) {
	i := sort.Search(len(as.segments), func(i int) bool {
		return as.segments[i].Start > seg.Start
	})
	as.segments = append(as.segments, nil)
	copy(as.segments[i+1:], as.segments[i:])
	as.segments[i] = seg
}

// removeSegment drops the segment from the list. Caller holds the lock.
func (as *AddressSpace) removeSegment(seg *Segment) {
	for i, s := range as.segments {
		if s == seg {
			as.segments = append(as.segments[:i], as.segments[i+1:]...)
			return
		}
	}
}

// findSegment returns the segment containing addr. Caller holds the
// lock.
func (as *AddressSpace) findSegment(addr mem.VAddr) *Segment {
	i := sort.Search(len(as.segments), func(i int) bool {
		return as.segments[i].Start > addr
	})
	if i == 0 {
		return nil
	}
	if seg := as.segments[i-1]; addr < seg.End() {
		return seg
	}
	return nil
}
