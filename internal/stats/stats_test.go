package stats_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arenakit/jemalloc/internal/arena"
	"github.com/arenakit/jemalloc/internal/page"
	"github.com/arenakit/jemalloc/internal/rtree"
	"github.com/arenakit/jemalloc/internal/sizeclass"
	"github.com/arenakit/jemalloc/internal/stats"
)

func TestSnapshot(t *testing.T) {
	Convey("Given a pool of two arenas with some small allocations", t, func() {
		sizeclass.Reinit(16)
		rt := rtree.New(12)
		pool := arena.NewPool(2, func(id int) *arena.Arena {
			return arena.New(id, page.GC, rt, 3)
		})

		classIdx, ok := sizeclass.Index(32)
		So(ok, ShouldBeTrue)

		a := pool.Arena(0)
		_, _, err := a.AllocSmall(classIdx)
		So(err, ShouldBeNil)

		Convey("Snapshot reports at least one live region in that bin", func() {
			snap := stats.Snapshot(a)
			So(snap.ID, ShouldEqual, 0)

			found := false
			for _, b := range snap.Bins {
				if b.ClassIndex == classIdx {
					found = true
					So(b.Slabs, ShouldBeGreaterThanOrEqualTo, 1)
					So(b.Regions, ShouldBeGreaterThanOrEqualTo, 1)
				}
			}
			So(found, ShouldBeTrue)
		})

		Convey("SnapshotAll and Sum aggregate across every arena", func() {
			snaps := stats.SnapshotAll(pool)
			So(len(snaps), ShouldEqual, 2)

			totals := stats.Sum(snaps)
			So(totals.Regions, ShouldBeGreaterThanOrEqualTo, 1)
		})
	})
}
