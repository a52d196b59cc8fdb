package slab_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/arenakit/jemalloc/internal/extent"
	"github.com/arenakit/jemalloc/internal/slab"
)

func TestBitmap(t *testing.T) {
	Convey("Given a bitmap over 200 regions", t, func() {
		bm := slab.New(200)

		Convey("It should start fully free", func() {
			So(bm.NumFree(), ShouldEqual, 200)
			So(bm.Full(), ShouldBeFalse)
		})

		Convey("When allocating every region", func() {
			seen := map[int]bool{}
			for i := 0; i < 200; i++ {
				idx, ok := bm.Alloc()
				So(ok, ShouldBeTrue)
				So(seen[idx], ShouldBeFalse)
				seen[idx] = true
			}

			Convey("Then it should report full and refuse further allocs", func() {
				So(bm.Full(), ShouldBeTrue)
				_, ok := bm.Alloc()
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When allocating then freeing a region", func() {
			idx, ok := bm.Alloc()
			So(ok, ShouldBeTrue)
			So(bm.IsFree(idx), ShouldBeFalse)

			bm.Free(idx)

			Convey("Then it should be free again", func() {
				So(bm.IsFree(idx), ShouldBeTrue)
				So(bm.NumFree(), ShouldEqual, 200)
			})
		})

		Convey("Allocations should always return the lowest free index", func() {
			a, _ := bm.Alloc()
			So(a, ShouldEqual, 0)
			b, _ := bm.Alloc()
			So(b, ShouldEqual, 1)

			bm.Free(a)
			c, _ := bm.Alloc()
			So(c, ShouldEqual, 0)
		})
	})
}

func TestBin(t *testing.T) {
	Convey("Given an empty bin for a 64-byte size class", t, func() {
		b := slab.NewBin(64, 16)

		Convey("Alloc fails until a slab is added", func() {
			_, ok := b.Alloc()
			So(ok, ShouldBeFalse)
		})

		Convey("When a slab is added", func() {
			e := &extent.Extent{Base: 0x10000, Size: 16 * 64}
			b.AddSlab(e)

			Convey("Then Alloc should hand out regions within it", func() {
				ptr, ok := b.Alloc()
				So(ok, ShouldBeTrue)
				So(ptr, ShouldBeGreaterThanOrEqualTo, e.Base)
				So(ptr, ShouldBeLessThan, e.End())
				So((ptr-e.Base)%64, ShouldEqual, uintptr(0))
			})

			Convey("Then filling the slab moves it out of rotation", func() {
				var ptrs []uintptr
				for i := 0; i < 16; i++ {
					ptr, ok := b.Alloc()
					So(ok, ShouldBeTrue)
					ptrs = append(ptrs, ptr)
				}

				_, ok := b.Alloc()
				So(ok, ShouldBeFalse)

				Convey("Then freeing one region makes the slab available again", func() {
					b.Free(e, ptrs[0])
					ptr, ok := b.Alloc()
					So(ok, ShouldBeTrue)
					So(ptr, ShouldEqual, ptrs[0])
				})
			})

			Convey("Then an empty refilled slab should be reported by EmptySlabs", func() {
				ptr, ok := b.Alloc()
				So(ok, ShouldBeTrue)
				b.Free(e, ptr)

				empty := b.EmptySlabs()
				So(len(empty), ShouldEqual, 1)
				So(empty[0].Extent, ShouldEqual, e)
			})
		})

		Convey("Two slabs prefer the lowest address first", func() {
			low := &extent.Extent{Base: 0x1000, Size: 16 * 64}
			high := &extent.Extent{Base: 0x2000, Size: 16 * 64}
			b.AddSlab(high)
			b.AddSlab(low)

			ptr, ok := b.Alloc()
			So(ok, ShouldBeTrue)
			So(ptr, ShouldBeLessThan, high.Base)
		})
	})
}
