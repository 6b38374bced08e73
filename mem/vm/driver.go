package vm

import (
	"fmt"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/mmu"
)

// driver is the per-segment behavior contract. Drivers form a closed
// set selected by allocation flags; they run under the address space
// lock.
type driver interface {
	name() string
	alloc(as *AddressSpace, hint mem.VAddr, size uint32, flags mem.VMFlags) (*Segment, error)
	allocAt(as *AddressSpace, phys mem.PAddr, size uint32, flags mem.VMFlags) (*Segment, error)
	free(as *AddressSpace, seg *Segment)
	fault(as *AddressSpace, seg *Segment) error
	resize(as *AddressSpace, seg *Segment, newSize uint32) error
}

// driverFor matches a request's flags against the driver table. The
// normal driver is the fallback for anything unmatched.
func driverFor(flags mem.VMFlags) driver {
	for _, m := range driverTable {
		if flags&m.flags == m.flags {
			return m.d
		}
	}
	return normalDriver{}
}

var driverTable = []struct {
	flags mem.VMFlags
	d     driver
}{
	{flags: mem.VMBacked, d: backedDriver{}},
	{flags: 0, d: normalDriver{}},
}

// normalDriver provides anonymous memory: the region is reserved at
// allocation time and physical frames arrive on the first fault.
type normalDriver struct{}

func (normalDriver) name() string { return "normal" }

func (normalDriver) alloc(as *AddressSpace, hint mem.VAddr, size uint32, flags mem.VMFlags) (*Segment, error) {
	var start mem.VAddr
	var err error
	if hint != 0 {
		start, err = as.vmm.AllocateAt(hint, size, flags)
	} else {
		start, err = as.vmm.Allocate(size, flags)
	}
	if err != nil {
		return nil, err
	}
	return &Segment{Start: start, Size: size, Flags: flags}, nil
}

// allocAt wires an externally supplied physical range into a fresh
// region, mapping it eagerly. Each frame gains a reference so frames
// the caller obtained outside the allocator stay accounted for.
func (normalDriver) allocAt(as *AddressSpace, phys mem.PAddr, size uint32, flags mem.VMFlags) (*Segment, error) {
	as.assertOwned()

	start, err := as.vmm.Allocate(size, flags)
	if err != nil {
		return nil, err
	}

	for off := uint32(0); off < size; off += mem.PageSize {
		as.k.Frames.Get(phys + mem.PAddr(off))
	}
	if !as.k.MMU.MapRange(start, phys, size, flags) {
		for off := uint32(0); off < size; off += mem.PageSize {
			as.k.Frames.Put(phys + mem.PAddr(off))
		}
		_ = as.vmm.Free(start)
		return nil, fmt.Errorf("vm: map %#x: %w", uint32(start), mem.ErrExists)
	}
	return &Segment{Start: start, Size: size, Flags: flags}, nil
}

func (d normalDriver) free(as *AddressSpace, seg *Segment) {
	as.assertOwned()
	unmapRange(as, seg.Start, seg.Size)
	_ = as.vmm.Free(seg.Start)
}

// fault performs the lazy physical allocation for the whole segment.
// Pages that are already mapped are skipped, which makes a repeated
// fault on a live segment a no-op and lets resized segments fill in
// only their new tail. On failure everything mapped by this call's
// loop is unwound and the segment itself is released.
func (d normalDriver) fault(as *AddressSpace, seg *Segment) error {
	as.assertOwned()

	var off uint32
	var failure error
	for off = 0; off < seg.Size; off += mem.PageSize {
		v := seg.Start + mem.VAddr(off)
		if as.k.MMU.IsMapped(v) {
			continue
		}
		phys, err := as.k.Frames.Alloc()
		if err != nil {
			failure = err
			break
		}
		if !as.k.MMU.Map(v, phys, seg.Flags) {
			as.k.Frames.Put(phys)
			failure = fmt.Errorf("vm: map %#x: %w", uint32(v), mem.ErrExists)
			break
		}
	}

	if failure != nil {
		unmapRange(as, seg.Start, off)
		mem.Log.Error("failed to map segment",
			"start", uint32(seg.Start), "err", failure)
		as.removeSegment(seg)
		_ = as.vmm.Free(seg.Start)
		return failure
	}

	if seg.Flags&mem.VMClear != 0 {
		if err := mmu.Zero(as.k.MMU, seg.Start, seg.Size); err != nil {
			return err
		}
	}
	return nil
}

func (normalDriver) resize(*AddressSpace, *Segment, uint32) error {
	return mem.ErrNotSupported
}

// backedDriver behaves like the normal driver but supports in-place
// resizing, for break-style segments that grow and shrink over their
// lifetime.
type backedDriver struct{}

func (backedDriver) name() string { return "backed" }

func (backedDriver) alloc(as *AddressSpace, hint mem.VAddr, size uint32, flags mem.VMFlags) (*Segment, error) {
	return normalDriver{}.alloc(as, hint, size, flags)
}

func (backedDriver) allocAt(as *AddressSpace, phys mem.PAddr, size uint32, flags mem.VMFlags) (*Segment, error) {
	return normalDriver{}.allocAt(as, phys, size, flags)
}

func (backedDriver) free(as *AddressSpace, seg *Segment) {
	if !mem.IsKernelAddr(seg.Start) {
		as.assertOwned()
	}
	unmapRange(as, seg.Start, seg.Size)
	_ = as.vmm.Free(seg.Start)
}

func (backedDriver) fault(as *AddressSpace, seg *Segment) error {
	return normalDriver{}.fault(as, seg)
}

// resize adjusts the region in place. A shrink returns the tail's
// frames immediately; a grow leaves the new tail unmapped for the next
// fault to fill.
func (backedDriver) resize(as *AddressSpace, seg *Segment, newSize uint32) error {
	as.assertOwned()

	oldEnd := seg.End()
	if err := as.vmm.Resize(seg.Start, newSize); err != nil {
		return err
	}
	seg.Size = newSize

	if seg.End() < oldEnd {
		unmapRange(as, seg.End(), uint32(oldEnd-seg.End()))
	}
	return nil
}

// unmapRange tears down [start, start+size), dropping one frame
// reference per page that was actually mapped.
func unmapRange(as *AddressSpace, start mem.VAddr, size uint32) {
	for off := uint32(0); off < size; off += mem.PageSize {
		if phys := as.k.MMU.Unmap(start + mem.VAddr(off)); phys != mem.InvalidFrame {
			as.k.Frames.Put(phys)
		}
	}
}
