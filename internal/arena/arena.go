// Package arena implements a single allocation arena: the bins, large-extent
// set, dirty-page accounting, and chunk-hooks pointer spec.md §4.4 groups
// under one owner, plus the multi-arena [Pool] that binds goroutines to one
// of several arenas.
//
// An Arena owns one [chunk.Manager] (which in turn owns the cached/retained
// idle-extent pools and the shared radix tree registration), one [slab.Bin]
// per small size class, and a set (a Go map) of live large extents. Bins
// and the large set each have their own mutex, matching spec.md §4.4's
// "mutexes (chunks_mtx, large_mtx, one per bin)" — chunks_mtx lives inside
// chunk.Manager, the rest here.
package arena

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arenakit/jemalloc/internal/chunk"
	"github.com/arenakit/jemalloc/internal/extent"
	"github.com/arenakit/jemalloc/internal/page"
	"github.com/arenakit/jemalloc/internal/rtree"
	"github.com/arenakit/jemalloc/internal/sizeclass"
	"github.com/arenakit/jemalloc/internal/slab"
)

// Arena is one independent allocation domain. Multiple goroutines may use
// the same Arena concurrently; internal synchronization is per-bin and
// per-large-list rather than one global lock, so unrelated size classes
// don't contend.
type Arena struct {
	ID int

	chunks *chunk.Manager

	// bins[i] serves size class i for every i < sizeclass.NumSmallClasses().
	bins        []*slab.Bin
	regionSize  []int
	regionCount []int

	largeMu sync.Mutex
	large   map[*extent.Extent]struct{}

	// lgDirtyMult is spec.md's lg_dirty_mult: a purge sweep is considered
	// once cached bytes exceed (bytes currently live) >> lgDirtyMult.
	lgDirtyMult int
	liveBytes   atomic.Int64

	// nthreads is the number of goroutines currently bound to this arena,
	// the load signal [Pool.Choose] balances across (spec.md §4.4).
	nthreads atomic.Int32
}

// New constructs an Arena backed by hooks and registering every extent it
// creates in rt. lgDirtyMult configures purge aggressiveness; jemalloc's
// default is 3 (trigger once dirty pages exceed 1/8th of the arena's live
// bytes).
func New(id int, hooks page.Hooks, rt *rtree.Tree, lgDirtyMult int) *Arena {
	a := &Arena{
		ID:          id,
		chunks:      chunk.New(hooks, rt, sizeclass.ChunkSize()),
		lgDirtyMult: lgDirtyMult,
		large:       make(map[*extent.Extent]struct{}),
	}

	n := sizeclass.NumSmallClasses()
	a.bins = make([]*slab.Bin, n)
	a.regionSize = make([]int, n)
	a.regionCount = make([]int, n)
	for i := 0; i < n; i++ {
		regionSize := sizeclass.SizeOf(i)
		// jemalloc subtracts a per-slab header (bitmap + run metadata) from
		// the chunk before dividing; this implementation keeps slab
		// metadata in a side Go struct ([slab.Slab]) rather than in the
		// mapped bytes, so the full chunk is available for regions.
		nregions := sizeclass.ChunkSize() / regionSize
		if nregions < 1 {
			nregions = 1
		}
		a.regionSize[i] = regionSize
		a.regionCount[i] = nregions
		a.bins[i] = slab.NewBin(regionSize, nregions)
	}

	return a
}

// Hooks returns the arena's currently active chunk hooks.
func (a *Arena) Hooks() page.Hooks { return a.chunks.Hooks() }

// SetHooks installs new chunk hooks and returns the previous ones, the
// arena.<i>.chunk_hooks mallctl (spec.md §4.6, §9).
func (a *Arena) SetHooks(h page.Hooks) page.Hooks { return a.chunks.SetHooks(h) }

// AllocSmall services a request already rounded to small size class idx,
// returning a region's address and the slab extent it was carved from (the
// caller needs the extent back to route the eventual Free).
func (a *Arena) AllocSmall(idx int) (uintptr, *extent.Extent, error) {
	bin := a.bins[idx]

	if ptr, ok := bin.Alloc(); ok {
		return ptr, bin.ExtentFor(ptr), nil
	}

	slabSize := a.regionSize[idx] * a.regionCount[idx]
	e, err := a.chunks.Acquire(slabSize, sizeclass.PageSize, a)
	if err != nil {
		return 0, nil, fmt.Errorf("arena: allocate slab for class %d: %w", idx, err)
	}
	bin.AddSlab(e)
	e.SizeClass = idx
	a.liveBytes.Add(int64(slabSize))

	ptr, ok := bin.Alloc()
	if !ok {
		return 0, nil, fmt.Errorf("arena: freshly added slab for class %d reports no free regions", idx)
	}
	return ptr, e, nil
}

// FreeSmall returns a region to the bin it was allocated from. If this
// empties the slab and the bin holds at least one other slab, the slab is
// released to the chunk layer's cached set (spec.md §4.5: a bin never reclaims
// its last slab, so a class that's briefly idle doesn't have to remap on its
// very next allocation).
func (a *Arena) FreeSmall(idx int, e *extent.Extent, ptr uintptr) {
	bin := a.bins[idx]
	bin.Free(e, ptr)

	for _, empty := range bin.EmptySlabs() {
		if bin.Count() <= 1 {
			break
		}
		bin.Remove(empty)
		a.liveBytes.Add(-int64(empty.Extent.Size))
		a.chunks.Release(empty.Extent, true)
	}

	a.maybePurge()
}

// AllocLarge services a request for size bytes (already known to exceed the
// largest small class), aligned to alignment.
func (a *Arena) AllocLarge(size, alignment int) (*extent.Extent, error) {
	e, err := a.chunks.Acquire(size, alignment, a)
	if err != nil {
		return nil, fmt.Errorf("arena: allocate large extent of %d bytes: %w", size, err)
	}
	e.Kind = extent.KindLarge

	a.largeMu.Lock()
	a.large[e] = struct{}{}
	a.largeMu.Unlock()

	a.liveBytes.Add(int64(e.Size))
	return e, nil
}

// ReallocLarge attempts to shrink a live large extent to newSize in place,
// splitting the freed tail back into the chunk layer's cached set (spec.md
// §4.7's "large extent... grow/shrink in place via extent split/merge",
// restricted here to the shrink direction). newSize must not exceed e's
// current size. Growing in place is not attempted; callers fall back to
// allocate-copy-free for that case, same as spec.md's "otherwise
// allocate-copy-free".
func (a *Arena) ReallocLarge(e *extent.Extent, newSize int) bool {
	if newSize == e.Size {
		return true
	}
	if newSize > e.Size {
		return false
	}

	tailSize := e.Size - newSize
	if err := a.chunks.Hooks().Split(e.Base, e.Size, newSize, tailSize); err != nil {
		return false
	}

	tail := &extent.Extent{
		Base:      e.Base + uintptr(newSize),
		Size:      tailSize,
		Zeroed:    e.Zeroed,
		Committed: e.Committed,
		Kind:      extent.KindUnused,
	}
	e.Size = newSize
	a.liveBytes.Add(-int64(tailSize))
	a.chunks.Release(tail, true)
	a.maybePurge()
	return true
}

// FreeLarge returns a large extent acquired via AllocLarge.
func (a *Arena) FreeLarge(e *extent.Extent) {
	a.largeMu.Lock()
	delete(a.large, e)
	a.largeMu.Unlock()

	a.liveBytes.Add(-int64(e.Size))
	a.chunks.Release(e, true)
	a.maybePurge()
}

// maybePurge triggers a full cached-set purge once dirty bytes exceed the
// arena's threshold, the Go analog of jemalloc's arena_maybe_purge
// (spec.md §4.4). The threshold is live bytes >> lgDirtyMult, but never less
// than one chunk.
func (a *Arena) maybePurge() {
	threshold := a.liveBytes.Load() >> uint(a.lgDirtyMult)
	if threshold < int64(sizeclass.ChunkSize()) {
		threshold = int64(sizeclass.ChunkSize())
	}
	if int64(a.chunks.Cached()) > threshold {
		a.chunks.PurgeCached()
	}
}

// Lock acquires every mutex this arena owns (chunk manager, large-extent
// set, every bin), in a fixed order, for a fork handler's prefork phase
// (spec.md §4.8). Ordinary allocation/free paths never call this directly.
func (a *Arena) Lock() {
	a.chunks.Lock()
	a.largeMu.Lock()
	for _, bin := range a.bins {
		bin.Lock()
	}
}

// Unlock releases every mutex [Arena.Lock] acquired, in reverse order.
func (a *Arena) Unlock() {
	for i := len(a.bins) - 1; i >= 0; i-- {
		a.bins[i].Unlock()
	}
	a.largeMu.Unlock()
	a.chunks.Unlock()
}

// ReinitLocks replaces every mutex this arena owns with a fresh, unlocked
// one, for a fork handler's child-side postfork (spec.md §4.8: the child
// reinitializes rather than unlocks, since the lock may have been held by a
// thread that did not survive the fork).
func (a *Arena) ReinitLocks() {
	a.largeMu = sync.Mutex{}
	for _, bin := range a.bins {
		bin.ReinitLock()
	}
	a.chunks.ReinitLock()
}

// Retained reports idle bytes held via mmap/munmap-avoiding retention,
// backing stats.arenas.<i>.retained (spec.md §6).
func (a *Arena) Retained() int { return a.chunks.Retained() }

// Cached reports dirty-but-reusable bytes, backing stats.arenas.<i>.cached.
func (a *Arena) Cached() int { return a.chunks.Cached() }

// BindThread records that one more goroutine is using this arena.
func (a *Arena) BindThread() { a.nthreads.Add(1) }

// UnbindThread records that a goroutine bound to this arena has exited or
// rebound elsewhere.
func (a *Arena) UnbindThread() { a.nthreads.Add(-1) }

// NumThreads reports the number of goroutines currently bound to this arena.
func (a *Arena) NumThreads() int32 { return a.nthreads.Load() }

// BinStat is one size class's region accounting, the per-bin row of the
// stats.arenas.<i>.bins.<j> mallctl namespace (spec.md §6).
type BinStat struct {
	ClassIndex int
	RegionSize int
	Slabs      int
	Regions    int
	Free       int
}

// BinStats reports a BinStat for every small size class this arena serves.
func (a *Arena) BinStats() []BinStat {
	out := make([]BinStat, len(a.bins))
	for i, bin := range a.bins {
		slabs, regions, free := bin.Stats()
		out[i] = BinStat{ClassIndex: i, RegionSize: a.regionSize[i], Slabs: slabs, Regions: regions, Free: free}
	}
	return out
}
