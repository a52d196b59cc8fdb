// Package extent defines the descriptor for a contiguous virtual-memory
// range managed by an arena (spec.md §3, "Extent").
package extent

import "sync/atomic"

// Kind distinguishes what an extent is being used for.
type Kind uint8

const (
	// KindSlab extents are carved into many same-size-class regions.
	KindSlab Kind = iota
	// KindLarge extents back a single large allocation.
	KindLarge
	// KindUnused extents are idle, held in an arena's cached/retained trees
	// awaiting reuse or recycling to the OS.
	KindUnused
)

// Link is intrusive list linkage for extents. Nothing in this module links
// extents through it: internal/arena keeps its large extents in a map, and
// chunk-level indices (internal/chunk) keep extents in sorted slices, since chunk
// counts per arena are small enough that a binary-search insert beats the
// bookkeeping of an intrusive balanced tree.
type Link struct {
	Next, Prev *Extent
}

// Extent is the descriptor for one contiguous virtual-memory range.
//
// An Extent's identity is its address range; the struct itself is always
// heap-allocated out of an arena-local descriptor pool (spec.md §3) and is
// never moved once published to the radix tree, so pointers to it are
// stable for its lifetime.
type Extent struct {
	// Arena is the owning arena, or nil for an extent sitting in a cache or
	// retained tree awaiting reuse. Declared as `any` here (rather than a
	// concrete *arena.Arena) to avoid an import cycle: the owner is stored
	// via [Extent.SetArena] and read back via [Extent.Owner].
	arena any

	Base uintptr
	Size int

	Zeroed    bool
	Committed bool

	Kind Kind

	// SizeClass is meaningful only when Kind == KindSlab.
	SizeClass int

	Link Link

	// refs tracks outstanding dependent readers for extents that may be
	// concurrently split/merged, so purge does not race a lock-free rtree
	// read that is still in flight against this extent.
	refs atomic.Int32
}

// SetArena records the owning arena. v is typically *arena.Arena; stored as
// `any` to break the import cycle described on the Extent.arena field.
func (e *Extent) SetArena(v any) { e.arena = v }

// Owner returns the raw owner value set by [Extent.SetArena], or nil.
func (e *Extent) Owner() any { return e.arena }

// End returns the address immediately following this extent.
func (e *Extent) End() uintptr { return e.Base + uintptr(e.Size) }

// Contains reports whether addr falls within [Base, End).
func (e *Extent) Contains(addr uintptr) bool {
	return addr >= e.Base && addr < e.End()
}

// AcquireRef marks one more in-flight dependent reader of this extent.
func (e *Extent) AcquireRef() { e.refs.Add(1) }

// ReleaseRef releases a reference acquired with AcquireRef.
func (e *Extent) ReleaseRef() { e.refs.Add(-1) }

// RefCount returns the current number of in-flight readers.
func (e *Extent) RefCount() int32 { return e.refs.Load() }
