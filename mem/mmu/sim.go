package mmu

import (
	"fmt"
	"sync"

	"github.com/joshuapare/memkit/internal/arena"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/frame"
)

const ptesPerTable = 1024

type pte struct {
	phys    mem.PAddr
	prot    mem.VMFlags
	present bool
	cow     bool
}

// directory is a two-level translation structure: 1024 tables of 1024
// entries, each table covering 4 MiB, allocated on first use.
type directory struct {
	tables map[uint32]*[ptesPerTable]pte
}

func newDirectory() *directory {
	return &directory{tables: make(map[uint32]*[ptesPerTable]pte)}
}

func (d *directory) entry(v mem.VAddr, create bool) *pte {
	di := uint32(v) >> 22
	ti := (uint32(v) >> mem.PageShift) & (ptesPerTable - 1)
	t := d.tables[di]
	if t == nil {
		if !create {
			return nil
		}
		t = new([ptesPerTable]pte)
		d.tables[di] = t
	}
	return &t[ti]
}

// Sim implements the MMU contract over the simulated physical arena. The
// kernel half (addresses at or above KernelBase) lives in one shared
// directory; everything below belongs to the per-root user directory.
type Sim struct {
	mu sync.Mutex

	arena  *arena.Arena
	frames *frame.Allocator

	kernel  *directory
	users   map[Root]*directory
	current Root
	nextID  Root
}

// NewSim builds a simulated MMU with the kernel root loaded.
func NewSim(a *arena.Arena, f *frame.Allocator) *Sim {
	return &Sim{
		arena:  a,
		frames: f,
		kernel: newDirectory(),
		users: map[Root]*directory{
			KernelRoot: newDirectory(),
		},
		current: KernelRoot,
	}
}

// directoryFor picks the shared kernel directory or the current root's
// user directory. Caller holds the lock.
func (s *Sim) directoryFor(v mem.VAddr) *directory {
	if mem.IsKernelAddr(v) {
		return s.kernel
	}
	return s.users[s.current]
}

// NewRoot creates an empty paging root.
func (s *Sim) NewRoot() (Root, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r := s.nextID
	s.users[r] = newDirectory()
	return r, nil
}

// DestroyRoot discards a root's user directory.
func (s *Sim) DestroyRoot(r Root) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r == KernelRoot {
		return fmt.Errorf("mmu: %w: cannot destroy the kernel root", mem.ErrInvalid)
	}
	if r == s.current {
		return fmt.Errorf("mmu: %w: root is currently loaded", mem.ErrBusy)
	}
	d, ok := s.users[r]
	if !ok {
		return fmt.Errorf("mmu: %w: unknown root %d", mem.ErrInvalid, r)
	}

	// Mappings still present in the discarded directory drop their frame
	// references, like tearing down a page directory frees its pages.
	for _, table := range d.tables {
		for ti := range table {
			if table[ti].present {
				s.frames.Put(table[ti].phys)
			}
		}
	}
	delete(s.users, r)
	return nil
}

// Load switches the active root.
func (s *Sim) Load(r Root) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[r]; !ok {
		return fmt.Errorf("mmu: %w: unknown root %d", mem.ErrInvalid, r)
	}
	s.current = r
	return nil
}

// Current returns the loaded root.
func (s *Sim) Current() Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Map installs one translation. Reports false if already mapped.
func (s *Sim) Map(v mem.VAddr, p mem.PAddr, prot mem.VMFlags) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.directoryFor(v).entry(mem.PageAlignDown(v), true)
	if e.present {
		return false
	}
	*e = pte{phys: p &^ (mem.PageSize - 1), prot: prot.Prot(), present: true}
	return true
}

// MapRange maps a physically contiguous range, unwinding on failure.
func (s *Sim) MapRange(v mem.VAddr, p mem.PAddr, size uint32, prot mem.VMFlags) bool {
	size = mem.PageAlignUp(size)
	for off := uint32(0); off < size; off += mem.PageSize {
		if !s.Map(v+mem.VAddr(off), p+mem.PAddr(off), prot) {
			for undo := uint32(0); undo < off; undo += mem.PageSize {
				s.Unmap(v + mem.VAddr(undo))
			}
			return false
		}
	}
	return true
}

// Unmap removes one translation, returning the frame it resolved to.
func (s *Sim) Unmap(v mem.VAddr) mem.PAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.directoryFor(v).entry(mem.PageAlignDown(v), false)
	if e == nil || !e.present {
		return mem.InvalidFrame
	}
	phys := e.phys
	*e = pte{}
	return phys
}

// IsMapped reports whether the page containing v is mapped.
func (s *Sim) IsMapped(v mem.VAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.directoryFor(v).entry(mem.PageAlignDown(v), false)
	return e != nil && e.present
}

// FindPhysical translates v, preserving the byte offset inside the page.
func (s *Sim) FindPhysical(v mem.VAddr) (mem.PAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.directoryFor(v).entry(mem.PageAlignDown(v), false)
	if e == nil || !e.present {
		return mem.InvalidFrame, fmt.Errorf("mmu: %w: %#x", mem.ErrNotMapped, uint32(v))
	}
	return e.phys + mem.PAddr(v)%mem.PageSize, nil
}

// Clone duplicates the current user mappings into dst. Writable pages are
// downgraded to copy-on-write on both sides and their frames gain one
// reference. The region-node arena window is intentionally skipped: each
// address space rebuilds its own bookkeeping rather than sharing nodes.
func (s *Sim) Clone(dst Root) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dstDirectory, ok := s.users[dst]
	if !ok {
		return fmt.Errorf("mmu: %w: unknown root %d", mem.ErrInvalid, dst)
	}
	src := s.users[s.current]

	for di, table := range src.tables {
		for ti := range table {
			e := &table[ti]
			if !e.present {
				continue
			}
			v := mem.VAddr(di<<22 | uint32(ti)<<mem.PageShift)
			if v >= mem.UserReservedStart && v < mem.UserReservedEnd {
				continue
			}
			if e.prot.Writable() {
				e.prot &^= mem.VMWrite
				e.cow = true
				s.frames.SetFlags(e.phys, frame.FlagCoW)
			}
			s.frames.Get(e.phys)
			*dstDirectory.entry(v, true) = *e
		}
	}
	return nil
}

// CopyOnWrite resolves a write fault on a shared page of the current root.
// If the frame is still shared, it is duplicated and the mapping rewritten
// to the private copy; either way the page ends up privately writable.
func (s *Sim) CopyOnWrite(v mem.VAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.directoryFor(v).entry(mem.PageAlignDown(v), false)
	if e == nil || !e.present || !e.cow {
		return fmt.Errorf("mmu: %w: %#x is not copy-on-write", mem.ErrBadAddress, uint32(v))
	}

	if s.frames.RefCount(e.phys) == 1 {
		// Last owner standing: reclaim the page in place.
		s.frames.ClearFlags(e.phys, frame.FlagCoW)
		e.cow = false
		e.prot |= mem.VMWrite
		return nil
	}

	private, err := s.frames.Alloc()
	if err != nil {
		return fmt.Errorf("mmu: copy-on-write: %w", err)
	}
	copy(s.arena.Page(mem.ToPFN(private)), s.arena.Page(mem.ToPFN(e.phys)))

	s.frames.Put(e.phys)
	e.phys = private
	e.cow = false
	e.prot |= mem.VMWrite
	return nil
}

// PageBytes implements Memory: the backing bytes of the page containing v.
func (s *Sim) PageBytes(v mem.VAddr) ([]byte, error) {
	phys, err := s.FindPhysical(mem.PageAlignDown(v))
	if err != nil {
		return nil, err
	}
	if !s.arena.Contains(phys) {
		return nil, fmt.Errorf("mmu: %w: %#x maps outside physical memory",
			mem.ErrBadAddress, uint32(v))
	}
	return s.arena.Page(mem.ToPFN(phys)), nil
}
