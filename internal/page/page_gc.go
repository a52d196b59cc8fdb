package page

import (
	"reflect"
	"unsafe"

	"github.com/arenakit/jemalloc/internal/xsync"
)

// GC is a [Hooks] backend that sources chunks from the Go runtime's own
// garbage-collected heap instead of the OS, for environments where raw
// mmap/VirtualAlloc is unavailable (sandboxed runtimes, WASM) or where
// exercising the allocator under `go test -race` without touching real
// address space is preferable. It is jemalloc's "dss" chunk source
// reimagined on top of a garbage collector instead of sbrk(2): see
// spec.md §3's chunk_hooks_t and its allowance for alternate chunk sources.
//
// The rest of the allocator only ever sees plain uintptr addresses, so a
// GC-backed chunk must be kept reachable by something other than the
// address itself; this backend roots every live chunk in a package-level
// registry keyed by its base address, removed on Dalloc. This is the same
// problem solved by pkg/arena.allocTraceable's self-referential pointer in
// the teacher repo's arena package; the registry is used here instead
// because this layer hands out bare uintptrs rather than typed *byte
// pointers.
var GC Hooks = &gcHooks{}

type gcHooks struct {
	live xsync.Map[uintptr, []byte]
}

func (g *gcHooks) Alloc(newAddr uintptr, size int, alignment int) (uintptr, bool, bool, error) {
	if newAddr != 0 {
		// A GC-managed allocation can never land at a caller-chosen address.
		return 0, false, false, ErrCannotSatisfy
	}

	slack := 0
	if alignment > 1 {
		slack = alignment
	}

	buf := allocZeroed(size + slack)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	addr := base
	if slack > 0 {
		addr = (base + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	}

	// Store only the [addr, addr+size) window, not the whole over-allocated
	// buf: every other method here (Split, Purge, Merge) indexes its buf
	// from 0 assuming it starts exactly at the registered address, and the
	// alignment slack lives entirely before addr.
	offset := addr - base
	g.live.Store(addr, buf[offset:offset+uintptr(size)])
	return addr, true, true, nil
}

// allocZeroed allocates n garbage-collected bytes via reflection rather than
// make([]byte, n), so the returned slice's backing array is a freestanding
// heap object with no other referents: the registry in gcHooks.live becomes
// the chunk's only GC root, matching how a real mmap'd chunk has exactly one
// owner (the arena that mapped it) until explicitly released.
func allocZeroed(n int) []byte {
	typ := reflect.ArrayOf(n, reflect.TypeFor[byte]())
	v := reflect.New(typ).Elem()
	return unsafe.Slice((*byte)(v.Addr().UnsafePointer()), n)
}

func (g *gcHooks) Dalloc(addr uintptr, size int) error {
	g.live.Store(addr, nil)
	return nil
}

func (g *gcHooks) Commit(addr uintptr, size int) error { return nil }

func (g *gcHooks) Decommit(addr uintptr, size int) error { return ErrCannotSatisfy }

func (g *gcHooks) CanDecommit() bool { return false }

func (g *gcHooks) Purge(addr uintptr, size int) error {
	buf, ok := g.live.Load(addr)
	if !ok || buf == nil {
		return ErrCannotSatisfy
	}
	clear(buf)
	return nil
}

func (g *gcHooks) Split(addr uintptr, size, sizeA, sizeB int) error {
	buf, ok := g.live.Load(addr)
	if !ok || buf == nil {
		return ErrCannotSatisfy
	}
	g.live.Store(addr, buf[:sizeA])
	g.live.Store(addr+uintptr(sizeA), buf[sizeA:sizeA+sizeB])
	return nil
}

// Merge always fails for this backend: two independently GC-allocated
// objects cannot be coalesced into one contiguous range without moving one
// of them, which would change its address out from under any extent already
// published to the radix tree. The chunk layer treats Merge failure as
// "leave these two extents adjacent but distinct" rather than fatal.
func (g *gcHooks) Merge(addrA uintptr, sizeA int, addrB uintptr, sizeB int) error {
	return ErrCannotSatisfy
}
