// Package fork coordinates every lock this allocator holds around a
// process fork (spec.md §4.8), so a child process never inherits a mutex
// held mid-critical-section by a thread that did not survive the fork.
//
// A POSIX fork() duplicates only the calling thread; every other goroutine
// (and the OS threads backing them) simply vanishes in the child, mutex
// state and all. If one of those vanished threads held an arena's bin lock,
// that lock is permanently stuck locked in the child. jemalloc's answer is
// pthread_atfork: acquire every lock before fork() (so no thread is
// mid-update when the snapshot happens), release them normally in the
// parent afterward, and reinitialize them from scratch in the child rather
// than unlocking (since the thread that would unlock them may not exist
// there).
//
// Go has no pthread_atfork equivalent and no supported way to fork a process
// without immediately exec-ing in the child (the runtime's goroutine
// scheduler does not survive a bare fork): [Prefork]/[PostforkParent]/
// [PostforkChild] exist for API-shape fidelity with spec.md §4.8 and for
// embedders that do call a raw fork via golang.org/x/sys/unix (e.g.
// immediately followed by exec, the only supported pattern), not for
// ordinary use.
package fork

import (
	"sync"

	"github.com/arenakit/jemalloc/internal/arena"
)

// base, huge and dss stand in for the three global locks spec.md §4.8 names
// alongside the per-arena ones (base allocator, huge-allocation tracking,
// sbrk/dss chunk source). This port folds those concerns into
// internal/chunk and internal/sizeclass rather than splitting them into
// separate subsystems, so these three are otherwise-unused placeholders
// kept only so Prefork/Postfork follow the spec's exact acquisition order;
// wiring one of them to a real subsystem lock (if a future addition needs
// process-wide coordination beyond the per-arena locks) is as simple as
// replacing the bare mutex with that subsystem's own.
var (
	baseMu sync.Mutex
	hugeMu sync.Mutex
	dssMu  sync.Mutex
)

// Prefork acquires every lock in the order spec.md §4.8 requires: every
// arena in pool (index order), then base, then huge, then dss. Must be
// followed by exactly one of [PostforkParent] or [PostforkChild].
func Prefork(pool *arena.Pool) {
	for _, a := range pool.Arenas() {
		a.Lock()
	}
	baseMu.Lock()
	hugeMu.Lock()
	dssMu.Lock()
}

// PostforkParent releases every lock [Prefork] acquired, in reverse order,
// in the process that called fork.
func PostforkParent(pool *arena.Pool) {
	dssMu.Unlock()
	hugeMu.Unlock()
	baseMu.Unlock()

	arenas := pool.Arenas()
	for i := len(arenas) - 1; i >= 0; i-- {
		arenas[i].Unlock()
	}
}

// PostforkChild reinitializes every lock [Prefork] acquired, rather than
// unlocking it, in the freshly forked child process.
func PostforkChild(pool *arena.Pool) {
	dssMu = sync.Mutex{}
	hugeMu = sync.Mutex{}
	baseMu = sync.Mutex{}

	for _, a := range pool.Arenas() {
		a.ReinitLocks()
	}
}
