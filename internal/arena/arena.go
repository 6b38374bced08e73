// Package arena owns the simulated physical memory: one flat byte range,
// page-granular, addressed by physical offset. On unix it is backed by an
// anonymous memory mapping so large machines do not sit in the Go heap;
// elsewhere it falls back to an ordinary allocation.
package arena

import (
	"fmt"

	"github.com/joshuapare/memkit/mem"
)

// Arena is the machine's physical memory.
type Arena struct {
	data    []byte
	release func() error
}

// New creates an arena of the given size, rounded up to a page multiple.
func New(size uint32) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("arena: %w: zero size", mem.ErrInvalid)
	}
	size = mem.PageAlignUp(size)

	data, release, err := mapAnon(int(size))
	if err != nil {
		return nil, fmt.Errorf("arena: %w", err)
	}
	return &Arena{data: data, release: release}, nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint32 { return uint32(len(a.data)) }

// Frames returns the number of page frames the arena holds.
func (a *Arena) Frames() uint32 { return a.Size() / mem.PageSize }

// Page returns the backing bytes of one page frame.
func (a *Arena) Page(n mem.PFN) []byte {
	off := int(n) << mem.PageShift
	return a.data[off : off+mem.PageSize : off+mem.PageSize]
}

// Contains reports whether the physical address falls inside the arena.
func (a *Arena) Contains(p mem.PAddr) bool { return uint32(p) < a.Size() }

// Close releases the backing mapping. The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	a.data = nil
	return release()
}
