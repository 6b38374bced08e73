// Package mem defines the shared vocabulary of the memory-management core:
// physical and virtual address types, the page geometry, protection and
// region flags, the virtual address-space layout, and the boot-time memory
// map handed over by the bootloader.
//
// # Address types
//
// The core targets a 32-bit paged machine, so both address spaces are
// modelled as 32-bit offsets:
//
//   - PAddr: a physical address, an offset into the machine's physical
//     memory. Page-aligned physical addresses identify page frames.
//   - VAddr: a virtual address inside one address space.
//   - PFN: a page frame number, PAddr >> PageShift.
//
// Allocation failures that must travel through an address value use the
// InvalidFrame / InvalidAddr sentinels; Go-level APIs additionally return
// the sentinel errors from errors.go.
//
// # Virtual layout
//
//	0xFFFF_FFFF --------------------
//	            |   Page tables    |
//	0xFFC0_0000 |------------------|
//	            | Kernel reserved  |  (region-node arena, kernel)
//	0xFFB0_0000 |------------------|
//	            |  Kernel memory   |
//	0xC000_0000 |------------------|
//	            |                  |
//	            |   User memory    |
//	            |                  |
//	0x0010_0000 |------------------|
//	            |  User reserved   |  (region-node arena, user)
//	0x0001_0000 |------------------|
//	            |     NULL page    |
//	0x0000_0000 --------------------
//
// The kernel window is shared between every address space; the user window
// below KernelBase belongs to whichever address space is currently loaded.
//
// # Related packages
//
//   - github.com/joshuapare/memkit/mem/frame: physical frame allocator
//   - github.com/joshuapare/memkit/mem/mmu: hardware paging contract
//   - github.com/joshuapare/memkit/mem/vmm: virtual region allocator
//   - github.com/joshuapare/memkit/mem/vm: address spaces and segments
//   - github.com/joshuapare/memkit/mem/slab: object caches
//   - github.com/joshuapare/memkit/mem/kmalloc: sized kernel allocator
package mem
