package page_test

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arenakit/jemalloc/internal/page"
)

// refusingHooks always reports ErrCannotSatisfy from Alloc and from every
// address-keyed method, so tests can assert a combinedHooks falls through
// to its other backend.
type refusingHooks struct{}

func (refusingHooks) Alloc(uintptr, int, int) (uintptr, bool, bool, error) {
	return 0, false, false, page.ErrCannotSatisfy
}
func (refusingHooks) Dalloc(uintptr, int) error        { return page.ErrCannotSatisfy }
func (refusingHooks) Commit(uintptr, int) error        { return page.ErrCannotSatisfy }
func (refusingHooks) Decommit(uintptr, int) error      { return page.ErrCannotSatisfy }
func (refusingHooks) CanDecommit() bool                { return false }
func (refusingHooks) Purge(uintptr, int) error         { return page.ErrCannotSatisfy }
func (refusingHooks) Split(uintptr, int, int, int) error { return page.ErrCannotSatisfy }
func (refusingHooks) Merge(uintptr, int, uintptr, int) error { return page.ErrCannotSatisfy }

func TestCombinedAllocFallback(t *testing.T) {
	Convey("Given a Combined backend over a refusing primary and a working secondary", t, func() {
		h := page.Combined(refusingHooks{}, page.GC)

		Convey("Alloc falls back to the secondary backend", func() {
			addr, zero, commit, err := h.Alloc(0, 64, 8)
			So(err, ShouldBeNil)
			So(zero, ShouldBeTrue)
			So(commit, ShouldBeTrue)
			So(addr, ShouldNotEqual, uintptr(0))
		})

		Convey("A later Dalloc on that address routes to the secondary backend", func() {
			addr, _, _, err := h.Alloc(0, 64, 8)
			So(err, ShouldBeNil)

			So(h.Dalloc(addr, 64), ShouldBeNil)
		})
	})

	Convey("Given a Combined backend whose primary works", t, func() {
		h := page.Combined(page.GC, refusingHooks{})

		Convey("Alloc is served by the primary, never reaching the secondary", func() {
			addr, _, _, err := h.Alloc(0, 64, 8)
			So(err, ShouldBeNil)
			So(addr, ShouldNotEqual, uintptr(0))
		})
	})
}

func TestCombinedOwnershipRouting(t *testing.T) {
	Convey("Given a Combined backend with both sides live", t, func() {
		h := page.Combined(page.GC, refusingHooks{})

		Convey("Split re-records ownership for both resulting pieces", func() {
			addr, _, _, err := h.Alloc(0, 128, 8)
			So(err, ShouldBeNil)

			err = h.Split(addr, 128, 64, 64)
			So(err, ShouldBeNil)

			So(h.Dalloc(addr, 64), ShouldBeNil)
			So(h.Dalloc(addr+64, 64), ShouldBeNil)
		})

		Convey("Merge of two addresses owned by the GC side reports ErrCannotSatisfy", func() {
			addrA, _, _, errA := h.Alloc(0, 64, 8)
			addrB, _, _, errB := h.Alloc(0, 64, 8)
			So(errA, ShouldBeNil)
			So(errB, ShouldBeNil)

			err := h.Merge(addrA, 64, addrB, 64)
			So(err, ShouldEqual, page.ErrCannotSatisfy)
		})

		Convey("An address this backend never allocated defaults to the primary", func() {
			err := h.Commit(0xdeadbeef, 64)
			So(err, ShouldBeNil)
		})
	})

	Convey("Given a Combined backend whose owning side cannot decommit", t, func() {
		h := page.Combined(refusingHooks{}, page.GC)
		addr, _, _, err := h.Alloc(0, 64, 8)
		So(err, ShouldBeNil)

		Convey("Decommit on that address reports ErrCannotSatisfy", func() {
			err := h.Decommit(addr, 64)
			So(errors.Is(err, page.ErrCannotSatisfy), ShouldBeTrue)
		})
	})
}
