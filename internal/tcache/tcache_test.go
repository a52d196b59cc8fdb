package tcache_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arenakit/jemalloc/internal/arena"
	"github.com/arenakit/jemalloc/internal/page"
	"github.com/arenakit/jemalloc/internal/rtree"
	"github.com/arenakit/jemalloc/internal/sizeclass"
	"github.com/arenakit/jemalloc/internal/tcache"
)

func newTestPool() (*arena.Pool, *rtree.Tree) {
	sizeclass.Reinit(16)
	rt := rtree.New(12)
	pool := arena.NewPool(2, func(id int) *arena.Arena {
		return arena.New(id, page.GC, rt, 3)
	})
	return pool, rt
}

func TestCacheAllocFree(t *testing.T) {
	Convey("Given a fresh goroutine cache", t, func() {
		tcache.ResetForTest()
		pool, rt := newTestPool()
		c := tcache.Get(pool, rt)
		classIdx, ok := sizeclass.Index(32)
		So(ok, ShouldBeTrue)

		Convey("It starts nominal", func() {
			So(c.State(), ShouldEqual, tcache.StateNominal)
		})

		Convey("Alloc then Free round-trips without error", func() {
			ptr, err := c.Alloc(classIdx)
			So(err, ShouldBeNil)
			So(ptr, ShouldNotEqual, uintptr(0))

			c.Free(classIdx, ptr)
		})

		Convey("Repeated Alloc/Free pairs reuse the cache without touching the arena bin each time", func() {
			for i := 0; i < 500; i++ {
				ptr, err := c.Alloc(classIdx)
				So(err, ShouldBeNil)
				c.Free(classIdx, ptr)
			}
		})

		Convey("Detach flushes the cache and marks it purgatory", func() {
			ptr, err := c.Alloc(classIdx)
			So(err, ShouldBeNil)
			c.Free(classIdx, ptr)

			c.Detach()
			So(c.State(), ShouldEqual, tcache.StatePurgatory)
		})

		Convey("Getting again after Detach reincarnates a fresh cache", func() {
			c.Detach()
			c2 := tcache.Get(pool, rt)
			So(c2.State(), ShouldEqual, tcache.StateReincarnated)
			So(c2, ShouldNotEqual, c)
		})
	})
}
