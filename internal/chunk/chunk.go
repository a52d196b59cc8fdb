// Package chunk acquires and recycles the page-aligned address ranges
// ("extents", spec.md §3) that arenas carve into slabs and large
// allocations.
//
// Two pools of idle extents are kept per [Manager], mirroring spec.md §3's
// cached/retained distinction: "cached" extents were freed recently and
// still hold committed, possibly non-zeroed pages, ready for instant reuse;
// "retained" extents have been decommitted (or had their pages purged) and
// are kept only to avoid repeated mmap/munmap churn with the OS. Acquire
// always prefers cached, then retained, then a fresh mapping through the
// active [page.Hooks].
//
// Unlike the jemalloc C implementation this is ported from (see
// _examples/original_source/src/chunk.c), extents here are not restricted to
// whole multiples of the chunk size: Acquire serves both the large,
// chunk-granularity mappings sourced from the OS and the smaller pieces an
// arena splits off of them for individual slabs/large allocations, so one
// component plays both roles jemalloc splits across chunk.c and extent.c in
// that source tree.
//
// Because extents can be smaller than a chunk, every extent this package
// hands out or records is registered in the radix tree at every page it
// spans (registerExtent/clearExtent below), not just its base address: a
// deallocation pointer anywhere inside a multi-page extent must resolve to
// it, and interior pages would otherwise round down to an address nothing
// was ever written at.
package chunk

import (
	"fmt"
	"sync"

	"github.com/arenakit/jemalloc/internal/debug"
	"github.com/arenakit/jemalloc/internal/extent"
	"github.com/arenakit/jemalloc/internal/page"
	"github.com/arenakit/jemalloc/internal/rtree"
	"github.com/arenakit/jemalloc/internal/sizeclass"
	"github.com/arenakit/jemalloc/internal/xsync"
	"github.com/arenakit/jemalloc/pkg/xunsafe/layout"
)

// registerExtent writes rt entries for every page e spans, so that a
// deallocation pointer anywhere within a multi-page extent resolves to it
// (rtree is keyed at page granularity; see internal/rtree's package doc).
func registerExtent(rt *rtree.Tree, e *extent.Extent) {
	for addr := e.Base; addr < e.End(); addr += sizeclass.PageSize {
		rt.Write(addr, e)
	}
}

// clearExtent removes every rtree entry registerExtent installed for e.
func clearExtent(rt *rtree.Tree, e *extent.Extent) {
	for addr := e.Base; addr < e.End(); addr += sizeclass.PageSize {
		rt.Clear(addr)
	}
}

// Manager owns one arena's idle-extent pools and the OS-facing hooks used to
// grow or shrink them.
type Manager struct {
	mu sync.Mutex

	hooks page.Hooks

	cached    set
	retained  set
	chunkSize int

	rt   *rtree.Tree
	pool xsync.Pool[*extent.Extent]

	// retainedBytes tracks the stats.arenas.<i>.retained mallctl counter.
	retainedBytes int

	// cachedBytes tracks bytes sitting in the cached (dirty, still-committed)
	// set, the arena-level ndirty accounting spec.md §4.4 keys purge
	// scheduling off.
	cachedBytes int
}

// New constructs a Manager that sources fresh chunks through hooks and
// registers every extent it hands out in rt.
func New(hooks page.Hooks, rt *rtree.Tree, chunkSize int) *Manager {
	m := &Manager{hooks: hooks, rt: rt, chunkSize: chunkSize}
	m.pool.New = func() *extent.Extent { return new(extent.Extent) }
	return m
}

// Lock acquires the manager's single mutex, for coordinating with
// [github.com/arenakit/jemalloc/internal/fork]'s prefork/postfork handlers
// (spec.md §4.8). Ordinary callers use the higher-level methods above, which
// already take and release this lock themselves.
func (m *Manager) Lock() { m.mu.Lock() }

// Unlock releases the lock taken by [Manager.Lock].
func (m *Manager) Unlock() { m.mu.Unlock() }

// ReinitLock replaces the manager's mutex with a fresh, unlocked one. Used
// by a fork handler's child-side postfork, where the mutex may have been
// left locked by a sibling thread that did not survive the fork (spec.md
// §4.8: "the child reinitializes mutexes rather than unlocking them").
func (m *Manager) ReinitLock() { m.mu = sync.Mutex{} }

// Hooks returns the currently active capability set.
func (m *Manager) Hooks() page.Hooks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hooks
}

// SetHooks installs a new capability set and returns the previous one, the
// Go analog of spec.md §4.6's "arena.<i>.chunk_hooks" mallctl.
func (m *Manager) SetHooks(h page.Hooks) page.Hooks {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.hooks
	m.hooks = h
	return old
}

func ceil(n, mult int) int {
	return layout.RoundUp(n, mult)
}

// Acquire returns an extent of at least size bytes (size rounded up to a
// whole page, or a whole fresh mapping when the active hooks cannot split off
// its overhang), aligned to alignment (a power of two), reusing a cached or retained extent when one fits and
// falling back to the OS otherwise. owner is stamped onto the returned
// extent's Arena field via [extent.Extent.SetArena].
func (m *Manager) Acquire(size, alignment int, owner any) (*extent.Extent, error) {
	debug.Assert(size > 0, "chunk: Acquire with non-positive size %d", size)
	debug.Assert(alignment > 0 && alignment&(alignment-1) == 0, "chunk: alignment %d is not a power of two", alignment)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.recycleLocked(&m.cached, size, alignment); e != nil {
		m.cachedBytes -= e.Size
		e.SetArena(owner)
		return e, nil
	}
	if e := m.recycleLocked(&m.retained, size, alignment); e != nil {
		m.retainedBytes -= e.Size
		if !e.Committed {
			if err := m.hooks.Commit(e.Base, e.Size); err != nil {
				// Leave it in retained; the caller tries elsewhere.
				m.retained.insert(e)
				m.retainedBytes += e.Size
				return nil, fmt.Errorf("chunk: commit recycled extent: %w", err)
			}
			e.Committed = true
		}
		e.SetArena(owner)
		return e, nil
	}

	return m.mapFreshLocked(size, alignment, owner)
}

// recycleLocked implements first-best-fit selection and lead/trail
// splitting against one of the idle sets, mirroring chunk_recycle in
// _examples/original_source/src/chunk.c.
//
// Every extent it hands out is registered in the radix tree at page
// granularity (registerExtent), so the piece carved out here must itself be
// a whole number of pages: size is padded up to liveSize before any split
// math runs, and the trail (if any) is split off at base+liveSize rather
// than base+size, or the trail would start at whatever sub-page offset size
// happened to leave, which rtree.Write rejects.
func (m *Manager) recycleLocked(s *set, size, alignment int) *extent.Extent {
	liveSize := layout.RoundUp(size, sizeclass.PageSize)

	e := s.szad.bestFit(liveSize)
	for e != nil && (alignCeil(e.Base, alignment)-e.Base)+uintptr(liveSize) > uintptr(e.Size) {
		// This best-fit candidate can't actually fit liveSize once aligned;
		// scan forward for the next-smallest that can. Idle sets are small
		// in practice, so a linear scan here is not a concern.
		e = nextLargerOrEqual(s, e)
	}
	if e == nil {
		return nil
	}

	s.remove(e)
	clearExtent(m.rt, e)

	lead := alignCeil(e.Base, alignment) - e.Base
	trail := uintptr(e.Size) - lead - uintptr(liveSize)

	base := e.Base
	if lead > 0 {
		if err := m.hooks.Split(e.Base, e.Size, int(lead), e.Size-int(lead)); err != nil {
			// Cannot split: put it back untouched and give up on this
			// candidate.
			s.insert(e)
			registerExtent(m.rt, e)
			return nil
		}
		leadExtent := m.pool.Get()
		*leadExtent = extent.Extent{Base: e.Base, Size: int(lead), Zeroed: e.Zeroed, Committed: e.Committed, Kind: extent.KindUnused}
		s.insert(leadExtent)
		registerExtent(m.rt, leadExtent)

		base = e.Base + lead
		e.Base = base
		e.Size -= int(lead)
	}

	if trail > 0 {
		if err := m.hooks.Split(base, int(uintptr(liveSize)+trail), liveSize, int(trail)); err != nil {
			// Put the (possibly lead-trimmed) remainder back and give up.
			s.insert(e)
			registerExtent(m.rt, e)
			return nil
		}
		trailExtent := m.pool.Get()
		*trailExtent = extent.Extent{Base: base + uintptr(liveSize), Size: int(trail), Zeroed: e.Zeroed, Committed: e.Committed, Kind: extent.KindUnused}
		s.insert(trailExtent)
		registerExtent(m.rt, trailExtent)
	}

	e.Base = base
	e.Size = liveSize
	registerExtent(m.rt, e)
	return e
}

func alignCeil(addr uintptr, alignment int) uintptr {
	return layout.RoundUp(addr, uintptr(alignment))
}

// nextLargerOrEqual scans s.szad (already sorted by (size, addr)) for the
// next candidate strictly larger than e, used when e cannot accommodate the
// request once alignment padding is accounted for.
func nextLargerOrEqual(s *set, e *extent.Extent) *extent.Extent {
	items := s.szad.items
	for i, cand := range items {
		if cand == e && i+1 < len(items) {
			return items[i+1]
		}
	}
	return nil
}

// mapFreshLocked sources a brand-new chunk-multiple mapping from the active
// hooks and splits off any rounding overhang into the retained set.
//
// The trail split happens at liveSize, size padded up to a whole page, not
// at size itself: registerExtent records every extent at page granularity,
// so a trail based at addr+size would land on a non-page-aligned address
// whenever size isn't already a page multiple (true of most small-class
// slab sizes, unlike large-class sizes which are page multiples by
// construction), and rtree.Write asserts its input is chunk-aligned.
func (m *Manager) mapFreshLocked(size, alignment int, owner any) (*extent.Extent, error) {
	mapAlign := alignment
	if mapAlign < m.chunkSize {
		mapAlign = m.chunkSize
	}
	mapSize := ceil(size, m.chunkSize)
	liveSize := layout.RoundUp(size, sizeclass.PageSize)

	addr, zero, commit, err := m.hooks.Alloc(0, mapSize, mapAlign)
	if err != nil {
		return nil, fmt.Errorf("chunk: map %d bytes: %w", mapSize, err)
	}

	e := m.pool.Get()
	*e = extent.Extent{Base: addr, Size: liveSize, Zeroed: zero, Committed: commit, Kind: extent.KindUnused}
	e.SetArena(owner)

	if overhang := mapSize - liveSize; overhang > 0 {
		if err := m.hooks.Split(addr, mapSize, liveSize, overhang); err == nil {
			trailExtent := m.pool.Get()
			*trailExtent = extent.Extent{Base: addr + uintptr(liveSize), Size: overhang, Zeroed: zero, Committed: commit, Kind: extent.KindUnused}
			m.retained.insert(trailExtent)
			registerExtent(m.rt, trailExtent)
			m.retainedBytes += overhang
		} else {
			// Backend can't subdivide (e.g. the GC backend): hand the
			// whole over-sized mapping back as part of e rather than
			// leaking the overhang with no way to reclaim it.
			e.Size = mapSize
		}
	}

	registerExtent(m.rt, e)
	return e, nil
}

// Release returns e to the idle pools, coalescing it with any adjacent idle
// extent the active hooks agree can be merged (chunk_record in
// _examples/original_source/src/chunk.c). toCache selects whether e is
// recorded as reusable-as-is ("cached") or decommitted/purged first and
// recorded as "retained".
func (m *Manager) Release(e *extent.Extent, toCache bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clearExtent(m.rt, e)

	zeroed := e.Zeroed
	committed := e.Committed
	if !toCache {
		if committed && m.hooks.CanDecommit() {
			if err := m.hooks.Decommit(e.Base, e.Size); err == nil {
				committed = false
			}
		}
		if committed {
			zeroed = m.hooks.Purge(e.Base, e.Size) == nil
		}
		m.retainedBytes += e.Size
	} else {
		m.cachedBytes += e.Size
	}

	e.Kind = extent.KindUnused
	e.Zeroed = zeroed
	e.Committed = committed
	e.SetArena(nil)

	target := &m.retained
	if toCache {
		target = &m.cached
	}
	m.record(target, e)
}

// record inserts e into target, coalescing with its immediate address
// neighbors when the active hooks permit merging them.
func (m *Manager) record(target *set, e *extent.Extent) {
	if next := target.ad.nsearch(e.End()); next != nil && next.Base == e.End() {
		if m.hooks.Merge(e.Base, e.Size, next.Base, next.Size) == nil {
			target.remove(next)
			clearExtent(m.rt, next)
			e.Size += next.Size
			e.Zeroed = e.Zeroed && next.Zeroed
			m.pool.Put(next)
		}
	}

	if prev := target.ad.prev(e.Base); prev != nil && prev.End() == e.Base {
		if m.hooks.Merge(prev.Base, prev.Size, e.Base, e.Size) == nil {
			target.remove(prev)
			clearExtent(m.rt, prev)
			e.Base = prev.Base
			e.Size += prev.Size
			e.Zeroed = e.Zeroed && prev.Zeroed
			m.pool.Put(prev)
		}
	}

	target.insert(e)
	registerExtent(m.rt, e)
}

// Retained reports the number of bytes currently held in the retained set,
// backing stats.arenas.<i>.retained (spec.md §6).
func (m *Manager) Retained() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retainedBytes
}

// Cached reports the number of dirty bytes currently held in the cached set,
// the quantity an owning arena's dirty-page accounting (spec.md §4.4)
// compares against its purge threshold.
func (m *Manager) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cachedBytes
}

// PurgeCached decommits (or, failing that, purges) every extent currently in
// the cached set and moves it to retained, the chunk-layer half of an
// arena-triggered purge sweep (spec.md §4.4's "ndirty exceeds threshold"
// condition). It returns the number of bytes moved.
//
// jemalloc's arena_purge selectively reclaims just enough dirty runs to fall
// back under the threshold, scanning the dirty LRU from least to most
// recently used. This sweeps the whole cached set at once instead: the
// selective variant is a latency optimization (avoid over-purging runs
// likely to be reused momentarily), not a correctness requirement, and the
// scale this allocator runs at does not justify porting the LRU bookkeeping.
func (m *Manager) PurgeCached() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := append([]*extent.Extent(nil), m.cached.ad.items...)
	freed := 0
	for _, e := range items {
		m.cached.remove(e)
		m.cachedBytes -= e.Size
		freed += e.Size

		zeroed := e.Zeroed
		committed := e.Committed
		if committed && m.hooks.CanDecommit() {
			if err := m.hooks.Decommit(e.Base, e.Size); err == nil {
				committed = false
			}
		}
		if committed {
			zeroed = m.hooks.Purge(e.Base, e.Size) == nil
		}
		e.Zeroed = zeroed
		e.Committed = committed
		m.retainedBytes += e.Size
		m.record(&m.retained, e)
	}
	return freed
}
