// Package stats aggregates per-arena, per-size-class counters for the
// "stats.*" mallctl namespace (spec.md §6).
//
// Nothing here owns state of its own: every number is read live off the
// components that already track it (an arena's bins and its chunk manager),
// matching spec.md §6's framing of stats as a read-only
// snapshot rather than a parallel bookkeeping system a caller must keep in
// sync.
package stats

import "github.com/arenakit/jemalloc/internal/arena"

// Bin reports one size class's region accounting within one arena.
type Bin = arena.BinStat

// ArenaStats is a point-in-time snapshot of one arena.
type ArenaStats struct {
	ID       int
	Retained int
	Cached   int
	Threads  int32
	Bins     []Bin
}

// Snapshot collects an ArenaStats for a, reading every counter under a's own
// locks rather than a separate stats lock (spec.md §6: stats reads never
// block allocation for longer than the specific counter they touch).
func Snapshot(a *arena.Arena) ArenaStats {
	return ArenaStats{
		ID:       a.ID,
		Retained: a.Retained(),
		Cached:   a.Cached(),
		Threads:  a.NumThreads(),
		Bins:     a.BinStats(),
	}
}

// SnapshotAll collects an ArenaStats for every arena in pool, in index order.
func SnapshotAll(pool *arena.Pool) []ArenaStats {
	arenas := pool.Arenas()
	out := make([]ArenaStats, len(arenas))
	for i, a := range arenas {
		out[i] = Snapshot(a)
	}
	return out
}

// Totals sums a set of per-arena snapshots into process-wide counters, the
// "stats.retained"/"stats.mapped" top-level mallctl keys (spec.md §6).
type Totals struct {
	Retained int
	Cached   int
	Regions  int
	Free     int
}

// Sum reduces a set of per-arena snapshots to process-wide totals.
func Sum(snaps []ArenaStats) Totals {
	var t Totals
	for _, s := range snaps {
		t.Retained += s.Retained
		t.Cached += s.Cached
		for _, b := range s.Bins {
			t.Regions += b.Regions
			t.Free += b.Free
		}
	}
	return t
}
