package page_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arenakit/jemalloc/internal/page"
)

func TestGCHooksAlloc(t *testing.T) {
	Convey("Given the GC-backed page hooks", t, func() {
		h := page.GC

		Convey("When allocating a page-sized range", func() {
			addr, zero, commit, err := h.Alloc(0, 4096, 4096)

			Convey("Then it should succeed, zeroed, committed, and aligned", func() {
				So(err, ShouldBeNil)
				So(zero, ShouldBeTrue)
				So(commit, ShouldBeTrue)
				So(addr%4096, ShouldEqual, uintptr(0))
			})

			Convey("Then the range should be writable", func() {
				b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 4096)
				b[0] = 0xAB
				b[4095] = 0xCD
				So(b[0], ShouldEqual, byte(0xAB))
				So(b[4095], ShouldEqual, byte(0xCD))
			})
		})

		Convey("When requesting a specific address", func() {
			_, _, _, err := h.Alloc(1, 64, 8)

			Convey("Then it fails, since GC memory cannot be pinned to an address", func() {
				So(err, ShouldEqual, page.ErrCannotSatisfy)
			})
		})

		Convey("When allocating then purging", func() {
			addr, _, _, err := h.Alloc(0, 64, 8)
			So(err, ShouldBeNil)

			b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 64)
			b[0] = 0x42

			err = h.Purge(addr, 64)

			Convey("Then purge should succeed and clear the content", func() {
				So(err, ShouldBeNil)
				So(b[0], ShouldEqual, byte(0))
			})
		})

		Convey("When allocating then freeing", func() {
			addr, _, _, err := h.Alloc(0, 64, 8)
			So(err, ShouldBeNil)

			Convey("Then Dalloc should succeed", func() {
				So(h.Dalloc(addr, 64), ShouldBeNil)
			})
		})

		Convey("When splitting an extent", func() {
			addr, _, _, err := h.Alloc(0, 128, 8)
			So(err, ShouldBeNil)

			err = h.Split(addr, 128, 64, 64)

			Convey("Then it should succeed", func() {
				So(err, ShouldBeNil)
			})
		})

		Convey("When merging two independent extents", func() {
			addrA, _, _, errA := h.Alloc(0, 64, 8)
			addrB, _, _, errB := h.Alloc(0, 64, 8)
			So(errA, ShouldBeNil)
			So(errB, ShouldBeNil)

			err := h.Merge(addrA, 64, addrB, 64)

			Convey("Then it should report it cannot be satisfied", func() {
				So(err, ShouldEqual, page.ErrCannotSatisfy)
			})
		})

		Convey("Decommit is unsupported", func() {
			So(h.CanDecommit(), ShouldBeFalse)
		})
	})
}
