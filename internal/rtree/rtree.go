// Package rtree is the process-wide radix tree that maps an address to the
// [extent.Extent] that owns it.
//
// This is consulted on every deallocation to discover which arena owns a
// pointer (spec.md §3, §4.3). The tree is a fixed-fanout trie keyed on the
// high bits of the address (the low lgChunk bits, the granule [New] is given,
// are never examined, since every key is rounded down to that granule before
// lookup).
//
// spec.md describes this tree as keyed on whole chunk-aligned addresses,
// with only an extent's first and last chunk registered and every interior
// pointer resolved by masking down to the first chunk. That shortcut relies
// on extents never being smaller than a chunk. Since internal/chunk merges
// the chunk and extent layers (see DESIGN.md) and hands out sub-chunk
// extents directly, this tree is instead keyed at page granularity: every
// extent this allocator creates, slab or large, registers at every page it
// spans, and a deallocation masks its pointer down to the page containing
// it rather than the chunk containing it. This preserves the spec's lookup
// invariant (§8.4: "for every chunk-aligned address of a live extent, a
// lookup returns exactly that extent") at the finer granularity the merged
// layering requires.
//
// Shape and publication protocol are ported from jemalloc's rtree
// (see _examples/original_source/include/jemalloc/internal/rtree.h), with
// one deliberate deviation: jemalloc reserves the pointer's low bit as both
// an "interior node not yet installed" sentinel and a per-leaf spinlock bit,
// which relies on C letting you stash tag bits in a pointer value. Go's
// garbage collector does not tolerate tagged pointers living in
// pointer-typed memory, so both jobs are done here with separate atomic
// words per slot instead (a state word for the sentinel, a lock flag for the
// spinlock) — exactly the fallback spec.md's Design Notes
// (§9, "Per-slot lock bit") anticipates for implementations without
// pointer-tagging.
package rtree

import (
	"sync/atomic"

	"github.com/arenakit/jemalloc/internal/debug"
	"github.com/arenakit/jemalloc/internal/extent"
	"github.com/arenakit/jemalloc/pkg/xunsafe/layout"
)

// BitsPerLevel is the fanout exponent of each trie level (spec.md's
// LG_RTREE_BITS_PER_LEVEL analog).
const BitsPerLevel = 4

// Fanout is the number of children of each interior node.
const Fanout = 1 << BitsPerLevel

// slotState values, stored in leaf.state.
const (
	slotEmpty = iota
	slotInitializing
	slotReady
)

// nodeState values, stored in inner.state for each child slot.
const (
	childEmpty = iota
	childInitializing
	childReady
)

type leaf struct {
	state  atomic.Uint32
	extent atomic.Pointer[extent.Extent]

	// lockBit is the per-slot spinlock described in spec.md §4.3, taken by
	// [Tree.Acquire] and dropped by Release.
	lockBit atomic.Bool
}

type inner struct {
	state    [Fanout]atomic.Uint32
	children [Fanout]atomic.Pointer[inner]

	// leaves is non-nil only on the last inner level, where children address
	// leaf slots directly instead of further inner nodes.
	leaves [Fanout]*leaf
}

// Tree is a process-wide address -> *extent.Extent map.
//
// The zero Tree is not usable; construct with [New].
type Tree struct {
	root    inner
	height  int // number of BitsPerLevel steps from root to leaf, inclusive.
	lgChunk uint
}

// New constructs a radix tree sized for addresses aligned to 1<<lgChunk
// (spec.md's `lg_chunk`; this allocator passes the page shift, see the
// package doc): the low lgChunk bits of every key are assumed zero and are
// not part of the trie.
func New(lgChunk uint) *Tree {
	effectiveBits := 64 - int(lgChunk)
	height := (effectiveBits + BitsPerLevel - 1) / BitsPerLevel
	if height < 1 {
		height = 1
	}
	return &Tree{height: height, lgChunk: lgChunk}
}

func (t *Tree) subkey(key uint64, level int) uint64 {
	// level 0 is the root; level (height-1) is the last inner level, whose
	// children are leaves. Keys are consumed MSB-first.
	shift := uint(64-int(t.lgChunk)) - uint(level+1)*BitsPerLevel
	if shift > 63 {
		// Underflow, i.e. the key is narrower than the nominal bit budget;
		// all such keys land in bucket 0 of this level.
		return 0
	}
	return (key >> shift) & (Fanout - 1)
}

// leafFor locates (and, if insert is true, lazily creates) the leaf slot for
// a chunk-aligned address. Returns nil if insert is false and no slot has
// ever been installed along this path.
func (t *Tree) leafFor(addr uintptr, insert bool) *leaf {
	key := uint64(addr) >> t.lgChunk

	node := &t.root
	for level := 0; level < t.height-1; level++ {
		idx := t.subkey(key, level)

		child := node.children[idx].Load()
		if child == nil {
			if !insert {
				return nil
			}
			child = t.installChild(node, int(idx))
			if child == nil {
				return nil
			}
		}
		node = child
	}

	idx := t.subkey(key, t.height-1)
	var l *leaf
	if node.state[idx].Load() == childReady {
		l = node.leaves[idx]
	}
	if l == nil {
		if !insert {
			return nil
		}
		l = t.installLeaf(node, int(idx))
	}
	return l
}

// installChild performs the two-stage lock-free publication from spec.md
// §4.3: CAS the slot's state from empty to initializing (the CASer becomes
// the installer), allocate, then publish the pointer before flipping the
// state to ready with release semantics. Concurrent readers that observe
// "initializing" spin until the installer finishes.
func (t *Tree) installChild(node *inner, idx int) *inner {
	if node.state[idx].CompareAndSwap(childEmpty, childInitializing) {
		fresh := &inner{}
		node.children[idx].Store(fresh)
		node.state[idx].Store(childReady)
		return fresh
	}

	for {
		switch node.state[idx].Load() {
		case childReady:
			return node.children[idx].Load()
		case childEmpty:
			// Lost a race with a concurrent clear; retry installation.
			return t.installChild(node, idx)
		default:
			// childInitializing: spin until the installer publishes.
		}
	}
}

func (t *Tree) installLeaf(node *inner, idx int) *leaf {
	// node.leaves[idx] is read only after node.state[idx] is seen as
	// childReady, whose store follows the write of the slot, so the plain
	// (non-atomic) slot is never read while it is being written.
	fresh := &leaf{}
	for {
		if node.state[idx].Load() == childReady {
			return node.leaves[idx]
		}
		// node.leaves is not atomic.Pointer because each slot is only ever
		// written once from nil; guard the write with the inner node's
		// per-child state word, reusing the same publication protocol.
		if node.state[idx].CompareAndSwap(childEmpty, childInitializing) {
			node.leaves[idx] = fresh
			node.state[idx].Store(childReady)
			return fresh
		}
		for node.state[idx].Load() == childInitializing {
		}
	}
}

// Write registers extent as the owner of the chunk-aligned address addr.
// addr must not already have a live registration (use [Tree.Clear] first).
func (t *Tree) Write(addr uintptr, e *extent.Extent) {
	debug.Assert(layout.RoundDown(addr, uintptr(1)<<t.lgChunk) == addr, "rtree key %x is not chunk-aligned", addr)
	debug.Assert(e != nil, "rtree.Write with a nil extent; use Clear instead")

	l := t.leafFor(addr, true)
	l.extent.Store(e)
	l.state.Store(slotReady)
}

// Clear removes any registration for addr.
func (t *Tree) Clear(addr uintptr) {
	l := t.leafFor(addr, false)
	if l == nil {
		return
	}
	l.extent.Store(nil)
	l.state.Store(slotEmpty)
}

// Read looks up the extent owning the chunk-aligned address addr.
//
// dependent should be true when the caller already holds a pointer derived
// from the extent being looked up (e.g. a pointer the allocator itself
// handed out): the happens-before edge carried by that pointer makes a
// plain atomic load sufficient, mirroring jemalloc's dependent-read
// optimization in spec.md §4.3/§5. dependent should be false for speculative
// lookups that have no such provenance.
func (t *Tree) Read(addr uintptr, dependent bool) *extent.Extent {
	l := t.leafFor(addr, false)
	if l == nil {
		return nil
	}
	if l.state.Load() != slotReady {
		return nil
	}
	return l.extent.Load()
}

// Acquire locks the leaf slot for addr and returns it, creating the slot if
// necessary. The caller must call Release on the returned slot when done.
// Holding the slot keeps other Acquire callers from observing a half-updated
// extent through it; Read does not take the lock. No code in this module
// calls Acquire (Arena.ReallocLarge splits extents without it).
func (t *Tree) Acquire(addr uintptr) *leaf {
	l := t.leafFor(addr, true)
	for !l.lockBit.CompareAndSwap(false, true) {
		// Spin: slot locks are held only across a few pointer writes.
	}
	return l
}

// ReadAcquired reads the extent from a leaf slot already locked via Acquire.
func (l *leaf) ReadAcquired() *extent.Extent { return l.extent.Load() }

// WriteAcquired writes the extent into a leaf slot already locked via
// Acquire.
func (l *leaf) WriteAcquired(e *extent.Extent) {
	l.extent.Store(e)
	l.state.Store(slotReady)
}

// Release unlocks a leaf slot previously locked via Acquire.
func (l *leaf) Release() {
	l.lockBit.Store(false)
}

// Height returns the number of trie levels from root to leaf.
func (t *Tree) Height() int { return t.height }
