package chunk_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arenakit/jemalloc/internal/chunk"
	"github.com/arenakit/jemalloc/internal/page"
	"github.com/arenakit/jemalloc/internal/rtree"
)

type arenaStub struct{ id int }

func newManager() *chunk.Manager {
	return chunk.New(page.GC, rtree.New(12), 4096)
}

func TestManagerAcquireRelease(t *testing.T) {
	Convey("Given a chunk manager over the GC-backed page hooks", t, func() {
		m := newManager()
		owner := &arenaStub{id: 1}

		Convey("When acquiring a fresh extent", func() {
			e, err := m.Acquire(4096, 4096, owner)

			Convey("Then it should succeed with the requested size and owner", func() {
				So(err, ShouldBeNil)
				So(e, ShouldNotBeNil)
				So(e.Size, ShouldEqual, 4096)
				So(e.Base%4096, ShouldEqual, uintptr(0))
				So(e.Owner(), ShouldEqual, owner)
			})
		})

		Convey("When releasing and re-acquiring an extent of the same size", func() {
			e1, err := m.Acquire(4096, 4096, owner)
			So(err, ShouldBeNil)
			base1 := e1.Base

			m.Release(e1, true)
			e2, err := m.Acquire(4096, 4096, owner)

			Convey("Then the cached extent should be reused verbatim", func() {
				So(err, ShouldBeNil)
				So(e2.Base, ShouldEqual, base1)
			})
		})

		Convey("When releasing to retained", func() {
			e, err := m.Acquire(4096, 4096, owner)
			So(err, ShouldBeNil)

			m.Release(e, false)

			Convey("Then the retained byte count should reflect it", func() {
				So(m.Retained(), ShouldBeGreaterThanOrEqualTo, 4096)
			})
		})

		Convey("When acquiring many small extents", func() {
			var bases []uintptr
			for i := 0; i < 8; i++ {
				e, err := m.Acquire(256, 16, owner)
				So(err, ShouldBeNil)
				bases = append(bases, e.Base)
			}

			Convey("Then all bases should be distinct", func() {
				seen := map[uintptr]bool{}
				for _, b := range bases {
					So(seen[b], ShouldBeFalse)
					seen[b] = true
				}
			})
		})
	})
}
