// Package slab provides fixed-size object caches in the Bonwick
// style: each cache cuts page-sized slabs into equal object slots,
// keeps full, partial and empty slabs on separate lists, and staggers
// each new slab's first object by a rolling coloring offset so objects
// of one cache do not pile onto the same cache line across slabs.
//
// Object control blocks are side records rather than words written
// into freed payload bytes. Small objects still charge the co-located
// control footprint to their slot size, so the in-slab layout matches
// the classic design; objects at or above the large threshold keep
// their slots tight and rely purely on the address hash, since their
// backing pages may not be resident when metadata is needed.
package slab
