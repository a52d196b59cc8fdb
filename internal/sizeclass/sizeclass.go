// Package sizeclass discretizes allocation requests into a small, fixed set
// of canonical sizes.
//
// Size classes fall into three regions, from smallest to largest:
//
//   - tiny: powers of two from [TinyMin] up to but excluding [Quantum] (just
//     8 with the current constants).
//   - small: geometric classes with [NGroup] sub-groups per power of two
//     (e.g. 32, 40, 48, 56, 64, 80, 96, 112, 128, ...), so that rounding
//     never wastes more than 1/NGroup of the requested size.
//   - large: page-aligned classes, one per page count up to one chunk, then
//     one per chunk count up to [LargeMaxClass].
//
// Classes are indexed densely from 0 (the 8-byte tiny class) upward. Index
// lookup for sizes at or below [lookupMaxClass] is O(1) via a precomputed
// table; above that, every class is large and a whole number of pages (up to
// one chunk) or of chunks, so Index computes it directly from the page or
// chunk count.
package sizeclass

import (
	"math/bits"
	"sync"

	"github.com/arenakit/jemalloc/internal/debug"
)

const (
	// Quantum is the smallest alignment granularity for any size class.
	Quantum = 16

	// LgQuantum is log2(Quantum).
	LgQuantum = 4

	// TinyMin is the smallest size class.
	TinyMin = 8

	// PageShift is log2 of the page size used to define large classes.
	PageShift = 12

	// PageSize is the page size used to define large classes.
	PageSize = 1 << PageShift

	// NGroup is the number of geometrically-spaced small classes per
	// doubling of size, i.e. the "4 sub-groups per power of two" in
	// spec.md's size-class system.
	NGroup = 4

	// lookupMaxClass bounds the size for which Index is a flat array lookup;
	// above it, Index computes the class from the size's page or chunk count.
	lookupMaxClass = 4 * PageSize
)

var (
	mu sync.RWMutex

	// classSize[i] is the byte size of class i.
	classSize []int

	// lookup[s] is the class index for a request of size s, for
	// s in [0, lookupMaxClass], after rounding up to Quantum.
	lookup []int32

	// nTiny, nSmall are the number of tiny and small classes; everything at
	// or beyond nTiny+nSmall is a large class.
	nTiny, nSmall int

	// lgChunk is log2 of the chunk size; the largest class is a whole
	// number of chunks no larger than 1<<lgChunk * maxChunkMultiple.
	lgChunk uint

	largeMaxClass int
)

const maxChunkMultiple = 4

func init() {
	Reinit(21)
}

// Reinit rebuilds the size-class tables for a given chunk size, expressed as
// its base-2 logarithm (spec.md's `lg_chunk` option). It is not safe to call
// concurrently with any allocation.
func Reinit(lgChunkArg uint) {
	mu.Lock()
	defer mu.Unlock()

	lgChunk = lgChunkArg
	chunkSize := 1 << lgChunk

	var sizes []int

	// Tiny classes: powers of two below Quantum.
	for s := TinyMin; s < Quantum; s <<= 1 {
		sizes = append(sizes, s)
	}
	nTiny = len(sizes)

	// Small classes: NGroup geometric steps per doubling, starting at
	// Quantum, until we'd cross a page boundary.
	base := Quantum
	for base < PageSize {
		delta := base / NGroup
		for g := 0; g < NGroup && base+g*delta < PageSize; g++ {
			sizes = append(sizes, base+g*delta)
		}
		base *= 2
	}
	nSmall = len(sizes) - nTiny

	// Large classes: one per page up to one chunk, then one per chunk up to
	// maxChunkMultiple chunks.
	for s := PageSize; s <= chunkSize; s += PageSize {
		sizes = append(sizes, s)
	}
	for n := 2; n <= maxChunkMultiple; n++ {
		sizes = append(sizes, n*chunkSize)
	}

	classSize = sizes
	largeMaxClass = sizes[len(sizes)-1]

	lut := make([]int32, lookupMaxClass/Quantum+1)
	ci := 0
	for s := 0; s <= lookupMaxClass; s += Quantum {
		for ci < len(classSize)-1 && classSize[ci] < max(s, 1) {
			ci++
		}
		lut[s/Quantum] = int32(ci)
	}
	lookup = lut
}

// NumClasses returns the total number of size classes.
func NumClasses() int {
	mu.RLock()
	defer mu.RUnlock()
	return len(classSize)
}

// NumSmallClasses returns the number of tiny+small classes; classes below
// this index are served from arena bins and thread caches, classes at or
// above it are large extents.
func NumSmallClasses() int {
	mu.RLock()
	defer mu.RUnlock()
	return nTiny + nSmall
}

// LargeMaxClass is the largest size that [Index] will accept.
func LargeMaxClass() int {
	mu.RLock()
	defer mu.RUnlock()
	return largeMaxClass
}

// ChunkSize returns the chunk size in bytes configured by the last [Reinit].
func ChunkSize() int {
	mu.RLock()
	defer mu.RUnlock()
	return 1 << lgChunk
}

// IsSmall reports whether class index idx names a small (bin-allocated)
// class rather than a large (extent-allocated) one.
func IsSmall(idx int) bool {
	mu.RLock()
	defer mu.RUnlock()
	return idx < nTiny+nSmall
}

// SizeOf returns the byte size of class idx. This is the "usable size" any
// allocation rounded to that class is guaranteed to have.
func SizeOf(idx int) int {
	mu.RLock()
	defer mu.RUnlock()
	debug.Assert(idx >= 0 && idx < len(classSize), "size class index %d out of range", idx)
	return classSize[idx]
}

// Index rounds size up to the smallest canonical class and returns its
// index. ok is false if size exceeds [LargeMaxClass].
func Index(size int) (idx int, ok bool) {
	mu.RLock()
	defer mu.RUnlock()

	if size <= 0 {
		return 0, true
	}
	if size > largeMaxClass {
		return 0, false
	}
	if size <= lookupMaxClass {
		rounded := (size + Quantum - 1) &^ (Quantum - 1)
		return int(lookup[rounded/Quantum]), true
	}

	// Above the lookup table, classes are one-per-page then
	// one-per-chunk: both are exact multiples, so a direct computation
	// avoids a linear or binary search.
	chunkSize := 1 << lgChunk
	if size <= chunkSize {
		pages := (size + PageSize - 1) >> PageShift
		return nTiny + nSmall + pages - 1, true
	}

	n := (size + chunkSize - 1) / chunkSize
	pagesPerChunk := chunkSize / PageSize
	return nTiny + nSmall + pagesPerChunk - 1 + (n - 1), true
}

// suggestLog2 is a helper used by callers that just want "the next power of
// two at least as large as n", independent of the size-class table (e.g. for
// sizing a fresh backing block). It mirrors the bit-counting idiom used
// throughout this package for O(1) class translation.
func suggestLog2(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len(uint(n - 1)))
}

// RoundPow2 rounds n up to the next power of two, with a minimum of 1.
func RoundPow2(n int) int {
	if n <= 0 {
		return 1
	}
	return 1 << suggestLog2(n)
}
