// Package mmu defines the hardware paging contract consumed by the rest of
// the memory core, and provides the simulated implementation used in this
// repository.
//
// The contract is deliberately narrow: map, unmap and query one
// virtual-to-physical translation, clone a root for fork-style duplication,
// and resolve a copy-on-write fault. The bit-level layout of real page
// tables belongs to an architecture layer and is out of scope; Sim keeps
// the same observable behavior over the simulated physical arena.
package mmu

import (
	"github.com/joshuapare/memkit/mem"
)

// Root identifies one paging root (one page directory). Every address
// space owns exactly one root; the kernel half of the address space is
// shared across all of them.
type Root uint32

// KernelRoot is the boot paging root owned by the kernel address space.
const KernelRoot Root = 0

// MMU is the paging contract.
type MMU interface {
	// NewRoot creates an empty paging root.
	NewRoot() (Root, error)

	// DestroyRoot discards a root. Destroying the currently loaded root
	// or the kernel root is an error.
	DestroyRoot(r Root) error

	// Load switches translation to the given root. Kernel mappings stay
	// valid across loads.
	Load(r Root) error

	// Current returns the currently loaded root.
	Current() Root

	// Map installs a translation for one page. It reports false if the
	// page is already mapped.
	Map(v mem.VAddr, p mem.PAddr, prot mem.VMFlags) bool

	// MapRange maps size bytes of contiguous physical memory. On the
	// first failure it unmaps what it already mapped and reports false.
	MapRange(v mem.VAddr, p mem.PAddr, size uint32, prot mem.VMFlags) bool

	// Unmap removes a translation and returns the frame it pointed to,
	// or InvalidFrame if the page was not mapped.
	Unmap(v mem.VAddr) mem.PAddr

	// IsMapped reports whether the page containing v has a translation.
	IsMapped(v mem.VAddr) bool

	// FindPhysical translates a virtual address, byte offset included.
	FindPhysical(v mem.VAddr) (mem.PAddr, error)

	// Clone copies the current root's user mappings into dst, downgrading
	// writable pages to shared copy-on-write on both sides.
	Clone(dst Root) error

	// CopyOnWrite resolves a write fault on a copy-on-write page:
	// duplicate the frame if it is still shared, rewrite the mapping
	// writable, and drop the reference on the original.
	CopyOnWrite(v mem.VAddr) error
}

// Memory gives byte access to mapped pages. It is how the rest of the core
// (and tests) touch simulated memory; real hardware would dereference the
// virtual address directly.
type Memory interface {
	// PageBytes returns the backing bytes of the page containing v.
	PageBytes(v mem.VAddr) ([]byte, error)
}
