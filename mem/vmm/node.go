package vmm

import (
	"fmt"
	"math/bits"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/frame"
	"github.com/joshuapare/memkit/mem/mmu"
)

const (
	// nodeSize is the reserved-window footprint charged per region node.
	nodeSize = 64

	// nodesPerPage region slots fit one backing page. With 64-byte slots
	// this is exactly one bitmap word per page.
	nodesPerPage = mem.PageSize / nodeSize
)

// noNode is the nil value for node indices and tree roots.
const noNode = ^uint32(0)

// Region is one entry of the address-space partition. Start and Size are
// page-aligned; Allocated regions carry the flags they were requested
// with, free regions carry none.
type Region struct {
	Start     mem.VAddr
	Size      uint32
	Flags     mem.VMFlags
	Allocated bool

	links [2]link
}

// End returns the first address past the region.
func (r Region) End() mem.VAddr { return r.Start + mem.VAddr(r.Size) }

// Window bounds the reserved slice of address space that hosts region
// node storage.
type Window struct {
	Start, End mem.VAddr
}

// UserNodes and KernelNodes are the two node windows of the fixed
// virtual layout.
var (
	UserNodes   = Window{Start: mem.UserReservedStart, End: mem.UserReservedEnd}
	KernelNodes = Window{Start: mem.KernelReservedStart, End: mem.KernelReservedEnd}
)

func (w Window) pages() uint32 { return uint32(w.End-w.Start) / mem.PageSize }

// nodeArena hands out fixed-size region slots from the reserved window.
// One bitmap word covers one page worth of slots; the page's physical
// frame is allocated when its first slot is taken and released when its
// last slot is freed.
type nodeArena struct {
	frames *frame.Allocator
	mmu    mmu.MMU
	window Window

	pages  []*[nodesPerPage]Region
	bitmap []uint64
	live   uint32
	backed uint32
}

func newNodeArena(f *frame.Allocator, m mmu.MMU, w Window) (*nodeArena, error) {
	if !mem.PageAligned(w.Start) || !mem.PageAligned(w.End) || w.End <= w.Start {
		return nil, fmt.Errorf("vmm: %w: bad node window [%#x, %#x)",
			mem.ErrInvalid, uint32(w.Start), uint32(w.End))
	}
	n := w.pages()
	return &nodeArena{
		frames: f,
		mmu:    m,
		window: w,
		pages:  make([]*[nodesPerPage]Region, n),
		bitmap: make([]uint64, n),
	}, nil
}

// alloc claims the lowest free slot, backing its page first if this is
// the page's first live slot.
func (a *nodeArena) alloc() (uint32, error) {
	for wi, word := range a.bitmap {
		if word == ^uint64(0) {
			continue
		}
		bit := uint32(bits.TrailingZeros64(^word))
		if word == 0 {
			if err := a.backPage(uint32(wi)); err != nil {
				return noNode, err
			}
		}
		a.bitmap[wi] = word | 1<<bit
		a.live++
		return uint32(wi)*nodesPerPage + bit, nil
	}
	mem.Log.Error("no slot left in the region node window",
		"window", uint32(a.window.Start))
	return noNode, fmt.Errorf("vmm: %w: node window exhausted", mem.ErrNoMemory)
}

func (a *nodeArena) backPage(wi uint32) error {
	p, err := a.frames.Alloc()
	if err != nil {
		return fmt.Errorf("vmm: node page: %w", err)
	}
	addr := a.window.Start + mem.VAddr(wi)*mem.PageSize
	if !a.mmu.Map(addr, p, mem.VMKernelRW) {
		a.frames.Put(p)
		return fmt.Errorf("vmm: %w: node page %#x already mapped",
			mem.ErrExists, uint32(addr))
	}
	a.pages[wi] = new([nodesPerPage]Region)
	a.backed++
	return nil
}

// free releases a slot, dropping the page mapping when the slot was the
// page's last.
func (a *nodeArena) free(idx uint32) {
	wi, bit := idx/nodesPerPage, idx%nodesPerPage
	a.bitmap[wi] &^= 1 << bit
	a.pages[wi][bit] = Region{}
	a.live--
	if a.bitmap[wi] == 0 {
		a.dropPage(wi)
	}
}

func (a *nodeArena) dropPage(wi uint32) {
	addr := a.window.Start + mem.VAddr(wi)*mem.PageSize
	if p := a.mmu.Unmap(addr); p != mem.InvalidFrame {
		a.frames.Put(p)
	}
	a.pages[wi] = nil
	a.backed--
}

// releaseAll drops every slot and every backing page.
func (a *nodeArena) releaseAll() {
	for wi := range a.bitmap {
		if a.bitmap[wi] != 0 {
			a.bitmap[wi] = 0
			a.dropPage(uint32(wi))
		}
	}
	a.live = 0
}

func (a *nodeArena) node(idx uint32) *Region {
	return &a.pages[idx/nodesPerPage][idx%nodesPerPage]
}
