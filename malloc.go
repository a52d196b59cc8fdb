package jemalloc

import (
	"fmt"
	"unsafe"

	"github.com/arenakit/jemalloc/internal/arena"
	"github.com/arenakit/jemalloc/internal/extent"
	"github.com/arenakit/jemalloc/internal/sizeclass"
	"github.com/arenakit/jemalloc/internal/tcache"
	"github.com/arenakit/jemalloc/pkg/xunsafe/layout"
)

// Allocate returns a pointer to at least size bytes, rounded up to the
// smallest enclosing size class (spec.md §4.7). size == 0 is accepted and
// always returns a real one-byte-class allocation rather than a null
// pointer — a deliberate narrowing of spec.md §6's "may return either null
// or a valid 1-byte allocation (configurable)": a uintptr has no natural
// "null but distinguishable from OOM" value the way a C pointer does, so
// this port always takes the 1-byte-allocation branch (see DESIGN.md).
func Allocate(size int) (uintptr, error) {
	ensureInit()
	if size < 0 {
		return 0, &InvalidArgumentError{Op: "Allocate", Reason: "size must be non-negative"}
	}

	idx, ok := sizeclass.Index(size)
	if !ok {
		return 0, &OOMError{Op: "Allocate", Size: size}
	}

	ptr, err := allocClass(idx)
	if err != nil {
		return 0, err
	}
	fillAlloc(ptr, sizeclass.SizeOf(idx))
	return ptr, nil
}

// AlignedAllocate returns a pointer to at least size bytes, aligned to
// alignment, which must be a power of two no smaller than a pointer
// (spec.md §6). Alignments beyond what a size class's slab or page
// placement already guarantees are served as a dedicated large-kind
// extent even for a small-sized request, trading slab packing density for
// a placement guarantee the bin/slab path cannot make.
func AlignedAllocate(alignment, size int) (uintptr, error) {
	ensureInit()
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return 0, &InvalidArgumentError{Op: "AlignedAllocate", Reason: "alignment must be a power of two"}
	}
	if alignment < int(unsafe.Sizeof(uintptr(0))) {
		return 0, &InvalidArgumentError{Op: "AlignedAllocate", Reason: "alignment must be at least pointer size"}
	}

	idx, ok := sizeclass.Index(size)
	if !ok {
		return 0, &OOMError{Op: "AlignedAllocate", Size: size}
	}
	usable := sizeclass.SizeOf(idx)

	naturalAlign := sizeclass.Quantum
	if !sizeclass.IsSmall(idx) {
		naturalAlign = sizeclass.PageSize
	}

	var ptr uintptr
	if alignment <= naturalAlign {
		p, err := allocClass(idx)
		if err != nil {
			return 0, err
		}
		ptr = p
	} else {
		c := tcache.Get(pool, addrTree)
		e, err := c.Arena().AllocLarge(usable, alignment)
		if err != nil {
			return 0, &OOMError{Op: "AlignedAllocate", Size: size, Err: err}
		}
		ptr = e.Base
	}

	fillAlloc(ptr, usable)
	return ptr, nil
}

// Calloc returns a pointer to n*size zeroed bytes. Unlike [Allocate],
// zeroing happens unconditionally; [Config.Zero] affects Allocate,
// AlignedAllocate and the grown tail of a copying [Reallocate].
func Calloc(n, size int) (uintptr, error) {
	ensureInit()
	if n < 0 || size < 0 {
		return 0, &InvalidArgumentError{Op: "Calloc", Reason: "n and size must be non-negative"}
	}
	total := n * size
	if n != 0 && total/n != size {
		return 0, &InvalidArgumentError{Op: "Calloc", Reason: "n*size overflows"}
	}

	idx, ok := sizeclass.Index(total)
	if !ok {
		return 0, &OOMError{Op: "Calloc", Size: total}
	}

	ptr, err := allocClass(idx)
	if err != nil {
		return 0, err
	}
	clear(bytesAt(ptr, sizeclass.SizeOf(idx)))
	return ptr, nil
}

// Reallocate resizes a previously allocated pointer. If the new size lies
// in ptr's current size class, ptr is returned unchanged (spec.md §8's
// round-trip property). A large extent shrinking into a smaller large
// class is resized in place via [arena.Arena.ReallocLarge]; every other
// case copies into a fresh allocation and frees ptr (spec.md §4.7).
func Reallocate(ptr uintptr, size int) (uintptr, error) {
	ensureInit()
	if ptr == 0 {
		return Allocate(size)
	}
	if size == 0 {
		Free(ptr)
		return 0, nil
	}

	oldE := lookupExtent(ptr)
	if oldE == nil {
		return 0, &InvalidArgumentError{Op: "Reallocate", Reason: fmt.Sprintf("pointer %#x was not returned by this allocator", ptr)}
	}

	newIdx, ok := sizeclass.Index(size)
	if !ok {
		return 0, &OOMError{Op: "Reallocate", Size: size}
	}
	newSize := sizeclass.SizeOf(newIdx)

	switch oldE.Kind {
	case extent.KindSlab:
		if newIdx == oldE.SizeClass {
			return ptr, nil
		}
	case extent.KindLarge:
		if !sizeclass.IsSmall(newIdx) {
			if newSize == oldE.Size {
				return ptr, nil
			}
			if a, ok := oldE.Owner().(*arena.Arena); ok && a.ReallocLarge(oldE, newSize) {
				return ptr, nil
			}
		}
	}

	newPtr, err := allocClass(newIdx)
	if err != nil {
		return 0, err
	}

	oldUsable, err := UsableSize(ptr)
	if err != nil {
		return 0, err
	}
	copyLen := oldUsable
	if newSize < copyLen {
		copyLen = newSize
	}
	copy(bytesAt(newPtr, copyLen), bytesAt(ptr, copyLen))
	if newSize > copyLen {
		fillRange(bytesAt(newPtr+uintptr(copyLen), newSize-copyLen))
	}

	Free(ptr)
	return newPtr, nil
}

// Free returns ptr to the allocator. ptr must be a value previously
// returned by [Allocate], [AlignedAllocate], [Calloc] or [Reallocate] and
// not already freed; violating that is undefined behavior (spec.md §7),
// detected (and, if [Config.Abort] is set, fatal) only when the radix tree
// has no registration for ptr at all. free(0) is a no-op.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	ensureInit()

	e := lookupExtent(ptr)
	if e == nil {
		if cfg.Abort {
			panic(&InvalidArgumentError{Op: "Free", Reason: fmt.Sprintf("pointer %#x was not returned by this allocator", ptr)})
		}
		return
	}

	switch e.Kind {
	case extent.KindSlab:
		idx := e.SizeClass
		if cfg.Junk {
			junkFill(ptr, sizeclass.SizeOf(idx))
		}
		if cfg.Tcache && sizeclass.SizeOf(idx) <= (1<<cfg.LgTcacheMax) {
			tcache.Get(pool, addrTree).Free(idx, ptr)
		} else if a, ok := e.Owner().(*arena.Arena); ok {
			a.FreeSmall(idx, e, ptr)
		}
	case extent.KindLarge:
		if cfg.Junk {
			junkFill(ptr, e.Size)
		}
		if a, ok := e.Owner().(*arena.Arena); ok {
			a.FreeLarge(e)
		}
	}
}

// UsableSize reports the full size of the size class backing ptr, which is
// always >= the size originally requested (spec.md §8, invariant 1).
func UsableSize(ptr uintptr) (int, error) {
	ensureInit()
	if ptr == 0 {
		return 0, nil
	}

	e := lookupExtent(ptr)
	if e == nil {
		return 0, &InvalidArgumentError{Op: "UsableSize", Reason: fmt.Sprintf("pointer %#x was not returned by this allocator", ptr)}
	}
	if e.Kind == extent.KindSlab {
		return sizeclass.SizeOf(e.SizeClass), nil
	}
	return e.Size, nil
}

// allocClass serves a request already rounded to class idx, routing small
// classes through the calling goroutine's thread cache (when enabled and
// under Config.LgTcacheMax) or straight to its bound arena's bin otherwise,
// and large classes straight to the arena (spec.md §4.7, steps 2-3).
func allocClass(idx int) (uintptr, error) {
	c := tcache.Get(pool, addrTree)

	if sizeclass.IsSmall(idx) {
		size := sizeclass.SizeOf(idx)
		if cfg.Tcache && size <= (1<<cfg.LgTcacheMax) {
			ptr, err := c.Alloc(idx)
			if err != nil {
				return 0, &OOMError{Op: "Allocate", Size: size, Err: err}
			}
			return ptr, nil
		}
		ptr, _, err := c.Arena().AllocSmall(idx)
		if err != nil {
			return 0, &OOMError{Op: "Allocate", Size: size, Err: err}
		}
		return ptr, nil
	}

	size := sizeclass.SizeOf(idx)
	e, err := c.Arena().AllocLarge(size, sizeclass.PageSize)
	if err != nil {
		return 0, &OOMError{Op: "Allocate", Size: size, Err: err}
	}
	return e.Base, nil
}

// lookupExtent resolves ptr to its owning extent via the radix tree. The
// read is dependent: the caller necessarily already holds ptr, a value
// this allocator itself produced, which carries the happens-before edge
// the dependent-read optimization relies on (spec.md §4.3).
func lookupExtent(ptr uintptr) *extent.Extent {
	page := layout.RoundDown(ptr, uintptr(sizeclass.PageSize))
	return addrTree.Read(page, true)
}

func bytesAt(ptr uintptr, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}

// fillRange applies Config.Zero/Config.Junk to freshly allocated memory,
// zeroing taking precedence when both are set.
func fillRange(b []byte) {
	switch {
	case cfg.Zero:
		clear(b)
	case cfg.Junk:
		for i := range b {
			b[i] = 0xA5
		}
	}
}

func fillAlloc(ptr uintptr, n int) { fillRange(bytesAt(ptr, n)) }

// junkFill marks freed memory 0x5A per spec.md §6's junk option. Called
// exactly once per free, regardless of path, unlike the double junk-fill
// spec.md §9 notes in the large-free path of the source this was ported
// from.
func junkFill(ptr uintptr, n int) {
	b := bytesAt(ptr, n)
	for i := range b {
		b[i] = 0x5A
	}
}
