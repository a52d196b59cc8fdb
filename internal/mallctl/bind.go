package mallctl

import (
	"fmt"

	"github.com/arenakit/jemalloc/internal/arena"
	"github.com/arenakit/jemalloc/internal/page"
	"github.com/arenakit/jemalloc/internal/stats"
)

// BindArenaPool registers the "arenas.*" and "stats.arenas.<i>.*" namespaces
// spec.md §6 describes against every arena in pool: per-arena retained,
// cached and thread-count counters, per-bin region accounting, and a
// writable "arena.<i>.chunk_hooks" entry for installing a custom
// [page.Hooks] at runtime.
func BindArenaPool(r *Registry, pool *arena.Pool) {
	arenas := pool.Arenas()

	r.Register("arenas.narenas", func() any { return len(arenas) }, nil)

	r.Register("stats.retained", func() any {
		return stats.Sum(stats.SnapshotAll(pool)).Retained
	}, nil)
	r.Register("stats.cached", func() any {
		return stats.Sum(stats.SnapshotAll(pool)).Cached
	}, nil)
	r.Register("stats.mapped", func() any {
		t := stats.Sum(stats.SnapshotAll(pool))
		return t.Retained + t.Cached
	}, nil)

	for _, a := range arenas {
		bindOneArena(r, a)
	}
}

func bindOneArena(r *Registry, a *arena.Arena) {
	prefix := fmt.Sprintf("arena.%d.", a.ID)
	statsPrefix := fmt.Sprintf("stats.arenas.%d.", a.ID)

	r.Register(statsPrefix+"retained", func() any { return a.Retained() }, nil)
	r.Register(statsPrefix+"cached", func() any { return a.Cached() }, nil)
	r.Register(statsPrefix+"nthreads", func() any { return int(a.NumThreads()) }, nil)

	r.Register(prefix+"chunk_hooks", func() any { return a.Hooks() }, func(v any) error {
		h, ok := v.(page.Hooks)
		if !ok {
			return fmt.Errorf("mallctl: %s expects a page.Hooks value, got %T", prefix+"chunk_hooks", v)
		}
		a.SetHooks(h)
		return nil
	})

	for _, b := range a.BinStats() {
		binPrefix := fmt.Sprintf("%sbins.%d.", statsPrefix, b.ClassIndex)
		idx := b.ClassIndex
		r.Register(binPrefix+"size", func() any { return a.BinStats()[idx].RegionSize }, nil)
		r.Register(binPrefix+"nslabs", func() any { return a.BinStats()[idx].Slabs }, nil)
		r.Register(binPrefix+"nregions", func() any { return a.BinStats()[idx].Regions }, nil)
		r.Register(binPrefix+"nfree", func() any { return a.BinStats()[idx].Free }, nil)
	}
}
