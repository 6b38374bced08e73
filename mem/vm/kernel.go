package vm

import (
	"fmt"
	"sync"

	"github.com/joshuapare/memkit/internal/arena"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/frame"
	"github.com/joshuapare/memkit/mem/mmu"
	"github.com/joshuapare/memkit/mem/vmm"
)

// Kernel is the boot-time context owning every global memory resource:
// the simulated physical arena, the frame allocator, the MMU and the
// kernel's own address space. Everything else in the subsystem reaches
// these through a Kernel reference, never through package state.
type Kernel struct {
	Arena  *arena.Arena
	Frames *frame.Allocator
	MMU    *mmu.Sim

	cfg mem.Config

	mu       sync.Mutex
	kernelAS *AddressSpace
	current  *AddressSpace
}

// Boot brings the subsystem up from a machine description: it creates
// the physical arena, seeds the frame allocator from the boot memory
// map, maps the kernel image into the shared kernel half and builds the
// kernel address space.
func Boot(cfg mem.Config) (*Kernel, error) {
	a, err := arena.New(cfg.MemSize)
	if err != nil {
		return nil, err
	}
	f, err := frame.New(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	m := mmu.NewSim(a, f)

	k := &Kernel{Arena: a, Frames: f, MMU: m, cfg: cfg}

	img := cfg.KernelImage
	if img.Length > 0 {
		if !m.MapRange(mem.KernelVirtual(img.Start), img.Start,
			mem.PageAlignUp(img.Length), mem.VMKernelRW) {
			_ = a.Close()
			return nil, fmt.Errorf("vm: %w: kernel image mapping", mem.ErrExists)
		}
	}

	kas := &AddressSpace{k: k, root: mmu.KernelRoot}
	kas.vmm, err = vmm.New(f, m, vmm.KernelNodes,
		cfg.KernelStart(), mem.KernelReservedStart)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	k.kernelAS = kas
	k.current = kas

	mem.Log.Info("memory subsystem up",
		"mem_size", cfg.MemSize,
		"usable_frames", f.Stats().TotalUsable,
		"kernel_heap_start", uint32(cfg.KernelStart()))
	return k, nil
}

// Close releases the simulated physical memory. No address space is
// usable afterwards.
func (k *Kernel) Close() error { return k.Arena.Close() }

// KernelSpace returns the shared kernel address space.
func (k *Kernel) KernelSpace() *AddressSpace { return k.kernelAS }

// Current returns the loaded address space.
func (k *Kernel) Current() *AddressSpace {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// NewAddressSpace creates an address space with a fresh paging root.
// The space must be loaded and initialized before it can serve
// allocations.
func (k *Kernel) NewAddressSpace() (*AddressSpace, error) {
	root, err := k.MMU.NewRoot()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{k: k, root: root}, nil
}

// Fault is the trap entry point: it routes a fault on a kernel address
// to the kernel address space and anything else to the loaded one.
func (k *Kernel) Fault(addr mem.VAddr, isCow bool) error {
	as := k.Current()
	if mem.IsKernelAddr(addr) {
		as = k.kernelAS
	}
	return as.Fault(addr, isCow)
}
