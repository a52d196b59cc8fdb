package jemalloc_test

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	. "github.com/arenakit/jemalloc"
)

func TestInitAndMallctl(t *testing.T) {
	Convey("Given a freshly reset allocator", t, func() {
		ResetForTest()

		Convey("Init with an explicit single-arena config boots successfully", func() {
			err := Init(Config{NarenasLshift: -64, Tcache: true, LgTcacheMax: 15, LgChunk: 16, LgDirtyMult: 3, DSS: "disabled"})
			So(err, ShouldBeNil)

			Convey("A second Init call is a no-op that keeps the first config", func() {
				err := Init(DefaultConfig())
				So(err, ShouldBeNil)

				n, err := Mallctl("arenas.narenas")
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)
			})

			Convey("opt.* entries reflect the booted config", func() {
				v, err := Mallctl("opt.dss")
				So(err, ShouldBeNil)
				So(v, ShouldEqual, "disabled")
			})

			Convey("stats.* entries are queryable", func() {
				_, err := Mallctl("stats.retained")
				So(err, ShouldBeNil)
				_, err = Mallctl("stats.cached")
				So(err, ShouldBeNil)
			})

			Convey("An unregistered name reports NotFoundError", func() {
				_, err := Mallctl("arena.99.chunk_hooks")
				var nf *NotFoundError
				So(err, ShouldNotBeNil)
				So(errors.As(err, &nf), ShouldBeTrue)
			})

			Convey("MallctlNames lists every registered key", func() {
				names := MallctlNames()
				So(names, ShouldContain, "opt.dss")
				So(names, ShouldContain, "arenas.narenas")
			})

			Convey("MallctlSet rejects a name with no setter", func() {
				err := MallctlSet("opt.dss", "primary")
				So(err, ShouldNotBeNil)
			})

			Convey("Prefork/PostforkParent/PostforkChild run without deadlocking", func() {
				Prefork()
				PostforkParent()

				Prefork()
				PostforkChild()
			})
		})

		Convey("Init rejects an unrecognized dss mode", func() {
			err := Init(Config{DSS: "sometimes"})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestEnsureInitLazyBoot(t *testing.T) {
	Convey("Given a freshly reset allocator with no explicit Init call", t, func() {
		ResetForTest()

		Convey("The first Allocate call boots the allocator on its own", func() {
			ptr, err := Allocate(16)
			So(err, ShouldBeNil)
			So(ptr, ShouldNotEqual, uintptr(0))
			Free(ptr)
		})
	})
}
