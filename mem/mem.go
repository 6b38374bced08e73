package mem

// PAddr is a physical address: an offset into the machine's physical memory.
type PAddr uint32

// VAddr is a virtual address inside one address space.
type VAddr uint32

// PFN is a page frame number.
type PFN uint32

const (
	// PageSize is the size of one page of memory, in bytes.
	PageSize = 4096

	// PageShift is the number of address bits covered by one page.
	PageShift = 12
)

const (
	// InvalidFrame is the sentinel returned when no physical frame could
	// be allocated, or when an unmap finds no backing frame.
	InvalidFrame PAddr = 0xFFFFFFFF

	// InvalidAddr is the sentinel for "no such virtual address".
	InvalidAddr VAddr = 0xFFFFFFFF
)

// ToPFN returns the page frame number of a physical address.
func ToPFN(p PAddr) PFN { return PFN(p >> PageShift) }

// FrameAddr returns the physical address of the first byte of a frame.
func FrameAddr(n PFN) PAddr { return PAddr(n) << PageShift }

// PageAlignDown rounds a virtual address down to its page boundary.
func PageAlignDown(v VAddr) VAddr { return v &^ (PageSize - 1) }

// PageAlignUp rounds a size up to the next multiple of the page size.
func PageAlignUp(size uint32) uint32 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// PageAligned reports whether v sits exactly on a page boundary.
func PageAligned[T PAddr | VAddr | uint32](v T) bool { return v%PageSize == 0 }

// VMFlags describes a virtual allocation: its protection bits plus the
// behavior knobs honored by the segment drivers.
type VMFlags uint32

const (
	// VMRead allows read access.
	VMRead VMFlags = 1 << iota
	// VMWrite allows write access.
	VMWrite
	// VMExec allows instruction fetch.
	VMExec
	// VMKernel restricts access to kernel mode.
	VMKernel
	// VMClear requests zero-initialized memory: the whole range is cleared
	// once its backing frames are mapped.
	VMClear
	// VMBacked selects the resizable, file-like segment driver.
	VMBacked
)

// VMKernelRW is the usual protection for kernel working memory.
const VMKernelRW = VMKernel | VMRead | VMWrite

// Prot is the subset of VMFlags understood by the hardware paging layer.
func (f VMFlags) Prot() VMFlags { return f & (VMRead | VMWrite | VMExec | VMKernel) }

// Writable reports whether the flags permit writes.
func (f VMFlags) Writable() bool { return f&VMWrite != 0 }

// Virtual layout windows. See the package documentation for the map.
const (
	// NullPageEnd is the end of the permanently unmapped NULL page range.
	NullPageEnd VAddr = 0x1000

	// UserReservedStart / UserReservedEnd bound the window hosting the
	// region-node arena of user address spaces.
	UserReservedStart VAddr = 0x10000
	UserReservedEnd   VAddr = 0x100000

	// UserStart / UserEnd bound user virtual memory.
	UserStart VAddr = UserReservedEnd
	UserEnd   VAddr = KernelBase

	// KernelBase is the start of the shared kernel half.
	KernelBase VAddr = 0xC0000000

	// KernelReservedStart / KernelReservedEnd bound the window hosting the
	// kernel's own region-node arena.
	KernelReservedStart VAddr = 0xFFB00000
	KernelReservedEnd   VAddr = 0xFFC00000

	// PageTablesBase is where the recursive page-table window would live;
	// nothing above it is ever handed out.
	PageTablesBase VAddr = 0xFFC00000
)

// IsKernelAddr reports whether v lies in the shared kernel half.
func IsKernelAddr(v VAddr) bool { return v >= KernelBase }

// KernelVirtual returns the higher-half virtual alias of a physical address.
func KernelVirtual(p PAddr) VAddr { return VAddr(p) + KernelBase }

// Range is one bootloader-discovered physical memory range.
type Range struct {
	Start  PAddr
	Length uint32
	Usable bool
}

// End returns the first address past the range.
func (r Range) End() PAddr { return r.Start + PAddr(r.Length) }

// Contains reports whether p falls inside the range.
func (r Range) Contains(p PAddr) bool { return p >= r.Start && p < r.End() }

// Overlaps reports whether two ranges share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Config describes the simulated machine handed to Boot.
type Config struct {
	// MemSize is the total physical memory size in bytes. Rounded up to a
	// page multiple.
	MemSize uint32

	// BootMap is the bootloader's memory map. Frames outside every usable
	// range are never allocatable.
	BootMap []Range

	// KernelImage is the physical range occupied by the kernel's own code
	// and data. It is excluded from the frame allocator regardless of what
	// the boot map reports, and can never be freed.
	KernelImage Range

	// Reserved lists additional ranges (boot modules, firmware tables)
	// that must be marked allocated at initialization.
	Reserved []Range
}

// DefaultConfig is a small machine suitable for tests and examples:
// 16 MiB of memory with the conventional low-memory hole, the kernel image
// loaded at the 1 MiB mark.
var DefaultConfig = Config{
	MemSize: 16 << 20,
	BootMap: []Range{
		{Start: 0x0, Length: 0x9F000, Usable: true},
		{Start: 0x9F000, Length: 0x61000, Usable: false},
		{Start: 0x100000, Length: 15 << 20, Usable: true},
	},
	KernelImage: Range{Start: 0x100000, Length: 0x100000},
}

// KernelStart returns the first kernel-window virtual address the region
// allocator may hand out for this configuration: the higher-half alias of
// the first byte past the kernel image.
func (c Config) KernelStart() VAddr {
	return KernelVirtual(PAddr(PageAlignUp(uint32(c.KernelImage.End()))))
}
