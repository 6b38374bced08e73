// Package kmalloc is the general-purpose allocator for arbitrary-size
// kernel buffers. Requests are rounded up to a power-of-two class and
// served from buckets: page-granular virtual mappings cut into
// equal-size blocks. Each bucket keeps its own free list, and a free
// block carries a magic word in the block memory itself so a repeated
// free is caught instead of corrupting the list. A bucket whose last
// live block is freed is unmapped entirely rather than hoarded.
package kmalloc
