//go:build windows

package page

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// windowsHooks maps chunks with VirtualAlloc and backs Decommit/Purge with
// MEM_DECOMMIT, the nearest Windows analog to mmap/madvise (spec.md §3's
// platform-specific chunk source).
type windowsHooks struct{}

// Windows is the [Hooks] implementation used by default on GOOS=windows.
var Windows Hooks = windowsHooks{}

const pageSize = 4096

func (windowsHooks) Alloc(newAddr uintptr, size int, alignment int) (uintptr, bool, bool, error) {
	extra := 0
	if alignment > pageSize {
		extra = alignment
	}

	mapSize := uintptr(size + extra)
	base, err := windows.VirtualAlloc(0, mapSize, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return 0, false, false, fmt.Errorf("page: VirtualAlloc %d bytes: %w", mapSize, err)
	}

	addr := base
	if extra > 0 {
		addr = (base + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
		// VirtualFree only accepts the original reservation's base address,
		// so trimming lead/trail like the Unix backend isn't possible here:
		// over-reservation is simply retained unused within this mapping.
	}

	if newAddr != 0 && addr != newAddr {
		_ = windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		return 0, false, false, ErrCannotSatisfy
	}

	return addr, true, true, nil
}

func (windowsHooks) Dalloc(addr uintptr, size int) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("page: VirtualFree: %w", err)
	}
	return nil
}

func (windowsHooks) Commit(addr uintptr, size int) error {
	_, err := windows.VirtualAlloc(addr, uintptr(size), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return fmt.Errorf("page: VirtualAlloc commit: %w", err)
	}
	return nil
}

func (windowsHooks) Decommit(addr uintptr, size int) error {
	if err := windows.VirtualFree(addr, uintptr(size), windows.MEM_DECOMMIT); err != nil {
		return fmt.Errorf("page: VirtualFree decommit: %w", err)
	}
	return nil
}

func (windowsHooks) CanDecommit() bool { return true }

func (windowsHooks) Purge(addr uintptr, size int) error {
	// Windows has no lazy-purge primitive separate from decommit; purge is
	// decommit followed by an immediate re-commit, which still drops the
	// physical pages while keeping the virtual reservation valid.
	if err := (windowsHooks{}).Decommit(addr, size); err != nil {
		return err
	}
	return (windowsHooks{}).Commit(addr, size)
}

func (windowsHooks) Split(addr uintptr, size, sizeA, sizeB int) error { return nil }

func (windowsHooks) Merge(addrA uintptr, sizeA int, addrB uintptr, sizeB int) error { return nil }
