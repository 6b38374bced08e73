// Package vmm implements the virtual region allocator: it carves one
// address-space window into a gapless partition of free and allocated
// regions, indexed twice by a pair of balanced trees sharing a single
// node set (by start address for containment lookups, by size for
// best-fit allocation).
//
// Region nodes are not heap objects. They live in fixed 64-byte slots
// inside a small reserved window of the managed address space itself,
// tracked by a bitmap and backed by one physical frame per 64 slots,
// mapped lazily. This is the classic bootstrapping answer to needing
// memory in order to manage memory, kept here in index form: trees
// link nodes by slot index, never by raw address.
package vmm
