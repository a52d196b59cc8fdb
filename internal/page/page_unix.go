//go:build !windows

package page

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixHooks maps chunks with mmap(2) and backs Purge with madvise(2). It is
// the default backend on every platform with an mmap syscall (spec.md §3's
// "mmap" chunk source).
type unixHooks struct{}

// Unix is the [Hooks] implementation used by default outside of tests.
var Unix Hooks = unixHooks{}

func (unixHooks) Alloc(newAddr uintptr, size int, alignment int) (uintptr, bool, bool, error) {
	// mmap always returns page-aligned memory; over-allocate so there is
	// room to trim to the requested alignment when it exceeds the page
	// size, exactly as spec.md §3 describes for chunk alignment > page
	// alignment.
	extra := 0
	if alignment > unix.Getpagesize() {
		extra = alignment
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANON

	mapSize := size + extra
	b, err := unix.Mmap(-1, 0, mapSize, prot, flags)
	if err != nil {
		return 0, false, false, fmt.Errorf("page: mmap %d bytes: %w", mapSize, err)
	}
	base := uintptr(unsafe.Pointer(&b[0]))

	addr := base
	if extra > 0 {
		addr = (base + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)

		if lead := addr - base; lead > 0 {
			_ = unix.Munmap(b[:lead])
		}
		if trail := mapSize - int(addr-base) - size; trail > 0 {
			trailOff := int(addr-base) + size
			_ = unix.Munmap(b[trailOff : trailOff+trail])
		}
	}

	if newAddr != 0 && addr != newAddr {
		_ = unixHooks{}.Dalloc(addr, size)
		return 0, false, false, ErrCannotSatisfy
	}

	// Anonymous mmap pages are always zero-filled by the kernel and are
	// committed as soon as touched; Linux/BSD overcommit accounting treats
	// them as committed from the caller's point of view.
	return addr, true, true, nil
}

func (unixHooks) Dalloc(addr uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("page: munmap: %w", err)
	}
	return nil
}

func (unixHooks) Commit(addr uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("page: mprotect commit: %w", err)
	}
	return nil
}

func (unixHooks) Decommit(addr uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("page: mprotect decommit: %w", err)
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func (unixHooks) CanDecommit() bool { return true }

func (unixHooks) Purge(addr uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("page: madvise purge: %w", err)
	}
	return nil
}

func (unixHooks) Split(addr uintptr, size, sizeA, sizeB int) error { return nil }

func (unixHooks) Merge(addrA uintptr, sizeA int, addrB uintptr, sizeB int) error { return nil }
