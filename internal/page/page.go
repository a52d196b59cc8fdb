// Package page is the lowest layer of the allocator: it talks to the
// operating system (or, through the GC-backed backend, the Go runtime's own
// heap) to obtain and release page-aligned address ranges.
//
// Everything above this package (internal/chunk and up) works purely in
// terms of the [Hooks] capability set, never assuming a specific backend.
// This mirrors spec.md §3's chunk_hooks_t: an arena may swap its Hooks at
// runtime (spec.md §4.6, "arena.<i>.chunk_hooks"), e.g. to redirect
// allocation through a caller-supplied extent_hooks-style implementation.
package page

import "errors"

// ErrCannotSatisfy is returned by a hook that cannot perform the requested
// operation at all (as opposed to merely failing); callers fall back to a
// different strategy rather than treating it as fatal.
var ErrCannotSatisfy = errors.New("page: request cannot be satisfied by this backend")

// Hooks is the capability set an arena uses to manage the chunks backing it.
// A Hooks value must be safe for concurrent use; implementations serialize
// internally where the underlying facility requires it.
//
// The method set deliberately matches spec.md §3's alloc/dalloc/commit/
// decommit/purge/split/merge list one-for-one.
type Hooks interface {
	// Alloc reserves a new size-byte range, aligned to alignment (a power of
	// two, never less than the page size). If newAddr is non-zero, the
	// backend must either return exactly that address or fail; this
	// supports chunk.Split/Merge, which need the OS to extend an existing
	// mapping in place. zero reports whether the returned memory is
	// guaranteed already zeroed; commit reports whether it is immediately
	// committed (backed by physical storage / countable against the
	// process's resident size) as opposed to merely reserved.
	Alloc(newAddr uintptr, size int, alignment int) (addr uintptr, zero, commit bool, err error)

	// Dalloc releases a range back to the backend entirely. A backend that
	// cannot release the range returns ErrCannotSatisfy, in which case the
	// caller must retain the range instead (spec.md §3, "retained" extents).
	// The GC-backed backend succeeds by dropping its reference and leaving
	// the memory to the Go garbage collector.
	Dalloc(addr uintptr, size int) error

	// Commit/Decommit toggle whether a sub-range of a previously allocated
	// extent counts against resident memory. Backends that cannot
	// decommit (no MADV_DONTNEED/MEM_DECOMMIT analog) report that via
	// CanDecommit and Decommit is never called.
	Commit(addr uintptr, size int) error
	Decommit(addr uintptr, size int) error
	CanDecommit() bool

	// Purge hints that a sub-range's contents are no longer needed and may
	// be reclaimed lazily (the memory remains mapped and need not be
	// re-committed before reuse, unlike Decommit).
	Purge(addr uintptr, size int) error

	// Split reports whether a single addr/size extent may be treated as two
	// adjacent independent extents of sizeA and sizeB (sizeA+sizeB==size).
	// Most backends can always say yes; a backend that tracks extents as
	// opaque handles (none of the ones here do) would need to deny this.
	Split(addr uintptr, size, sizeA, sizeB int) error

	// Merge reports whether two adjacent extents, A immediately followed by
	// B, may be treated as one extent of size sizeA+sizeB.
	Merge(addrA uintptr, sizeA int, addrB uintptr, sizeB int) error
}
