package mem

import "errors"

var (
	// ErrNoMemory indicates physical memory exhaustion: no frame run of
	// the requested size exists.
	ErrNoMemory = errors.New("mem: out of physical memory")

	// ErrNoRegion indicates virtual address-space exhaustion: no free
	// region large enough exists in the allocator's window.
	ErrNoRegion = errors.New("mem: no free virtual region large enough")

	// ErrNoSegment indicates that no segment owns the given address.
	// Surfaced from a page fault, the caller treats it as fatal.
	ErrNoSegment = errors.New("mem: no segment owns this address")

	// ErrBadAddress indicates an address that is malformed for the
	// operation: unaligned, outside the managed window, or NULL.
	ErrBadAddress = errors.New("mem: bad address")

	// ErrNotMapped indicates that a virtual address has no translation.
	ErrNotMapped = errors.New("mem: address not mapped")

	// ErrExists indicates an attempt to map an already-mapped address.
	ErrExists = errors.New("mem: address already mapped")

	// ErrBusy indicates a destination address space that still holds live
	// segments.
	ErrBusy = errors.New("mem: address space is not empty")

	// ErrInvalid indicates a malformed request (zero size, bad alignment,
	// bad flags).
	ErrInvalid = errors.New("mem: invalid argument")

	// ErrNotSupported indicates an operation the segment's driver does
	// not implement.
	ErrNotSupported = errors.New("mem: operation not supported by segment driver")
)
