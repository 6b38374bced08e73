// Package vm ties the memory subsystem together: a Kernel object owns
// the simulated physical arena, the frame allocator and the MMU, and
// hands out address spaces. An AddressSpace binds one paging root, one
// region allocator and a sorted list of segments, and resolves page
// faults by dispatching to the segment's driver.
//
// Two drivers exist. The normal driver backs plain anonymous memory
// with zero-fill-on-demand semantics. The backed driver adds in-place
// resizing for program-break style segments. Both allocate physical
// frames lazily, on the first fault touching the segment.
//
// There is no hardware here, so nothing faults by itself: callers that
// want a segment materialized invoke Kernel.Fault with an address
// inside it, exactly as the trap handler would.
package vm
