package jemalloc_test

import (
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	. "github.com/arenakit/jemalloc"
)

func bootForTest(c Config) {
	ResetForTest()
	if err := Init(c); err != nil {
		panic(err)
	}
}

func smallArenaConfig() Config {
	c := DefaultConfig()
	c.LgChunk = 18
	c.NarenasLshift = -64 // floors to a single arena regardless of GOMAXPROCS.
	c.DSS = "disabled"
	return c
}

func TestAllocateBasics(t *testing.T) {
	Convey("Given a booted allocator", t, func() {
		bootForTest(smallArenaConfig())

		Convey("Allocate returns a pointer whose usable size covers the request", func() {
			ptr, err := Allocate(37)
			So(err, ShouldBeNil)
			So(ptr, ShouldNotEqual, uintptr(0))

			usable, err := UsableSize(ptr)
			So(err, ShouldBeNil)
			So(usable, ShouldBeGreaterThanOrEqualTo, 37)

			Free(ptr)
		})

		Convey("The returned range is writable for its full usable size", func() {
			ptr, err := Allocate(128)
			So(err, ShouldBeNil)
			usable, err := UsableSize(ptr)
			So(err, ShouldBeNil)

			b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), usable)
			for i := range b {
				b[i] = byte(i)
			}
			for i := range b {
				So(b[i], ShouldEqual, byte(i))
			}

			Free(ptr)
		})

		Convey("A zero-size request returns a real allocation, never a null pointer", func() {
			ptr, err := Allocate(0)
			So(err, ShouldBeNil)
			So(ptr, ShouldNotEqual, uintptr(0))
			Free(ptr)
		})

		Convey("A negative size is rejected", func() {
			_, err := Allocate(-1)
			var iae *InvalidArgumentError
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, iae)
		})

		Convey("An absurdly large request reports OOMError rather than panicking", func() {
			_, err := Allocate(1 << 62)
			var oom *OOMError
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, oom)
		})

		Convey("Large allocations beyond every small class still succeed", func() {
			ptr, err := Allocate(1 << 20)
			So(err, ShouldBeNil)
			usable, err := UsableSize(ptr)
			So(err, ShouldBeNil)
			So(usable, ShouldBeGreaterThanOrEqualTo, 1<<20)
			Free(ptr)
		})
	})
}

func TestAlignedAllocate(t *testing.T) {
	Convey("Given a booted allocator", t, func() {
		bootForTest(smallArenaConfig())

		Convey("A non-power-of-two alignment is rejected", func() {
			_, err := AlignedAllocate(24, 64)
			var iae *InvalidArgumentError
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, iae)
		})

		Convey("An alignment smaller than a pointer is rejected", func() {
			_, err := AlignedAllocate(1, 64)
			var iae *InvalidArgumentError
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, iae)
		})

		Convey("A valid power-of-two alignment within natural alignment succeeds", func() {
			ptr, err := AlignedAllocate(16, 64)
			So(err, ShouldBeNil)
			So(ptr%16, ShouldEqual, uintptr(0))
			Free(ptr)
		})

		Convey("An alignment beyond a small class's natural alignment still lands correctly", func() {
			ptr, err := AlignedAllocate(4096, 32)
			So(err, ShouldBeNil)
			So(ptr%4096, ShouldEqual, uintptr(0))
			Free(ptr)
		})

		Convey("A large aligned allocation lands on the requested boundary", func() {
			ptr, err := AlignedAllocate(8192, 1<<16)
			So(err, ShouldBeNil)
			So(ptr%8192, ShouldEqual, uintptr(0))
			Free(ptr)
		})
	})
}

func TestCalloc(t *testing.T) {
	Convey("Given a booted allocator", t, func() {
		bootForTest(smallArenaConfig())

		Convey("Calloc zero-fills the requested range", func() {
			ptr, err := Calloc(16, 8)
			So(err, ShouldBeNil)

			b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 16*8)
			for _, v := range b {
				So(v, ShouldEqual, byte(0))
			}

			Free(ptr)
		})

		Convey("An overflowing n*size is rejected", func() {
			_, err := Calloc(1<<32, 1<<32)
			var iae *InvalidArgumentError
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, iae)
		})

		Convey("Negative n or size is rejected", func() {
			_, err := Calloc(-1, 8)
			So(err, ShouldNotBeNil)
		})

		Convey("n == 0 succeeds and still yields a non-null pointer", func() {
			ptr, err := Calloc(0, 64)
			So(err, ShouldBeNil)
			So(ptr, ShouldNotEqual, uintptr(0))
			Free(ptr)
		})
	})
}

func TestReallocate(t *testing.T) {
	Convey("Given a booted allocator", t, func() {
		bootForTest(smallArenaConfig())

		Convey("Reallocate of a null pointer behaves like Allocate", func() {
			ptr, err := Reallocate(0, 32)
			So(err, ShouldBeNil)
			So(ptr, ShouldNotEqual, uintptr(0))
			Free(ptr)
		})

		Convey("Reallocate to size 0 frees the pointer and returns 0", func() {
			ptr, err := Allocate(32)
			So(err, ShouldBeNil)

			newPtr, err := Reallocate(ptr, 0)
			So(err, ShouldBeNil)
			So(newPtr, ShouldEqual, uintptr(0))
		})

		Convey("Reallocating within the same small size class returns the same pointer", func() {
			ptr, err := Allocate(40)
			So(err, ShouldBeNil)

			newPtr, err := Reallocate(ptr, 42)
			So(err, ShouldBeNil)
			So(newPtr, ShouldEqual, ptr)

			Free(newPtr)
		})

		Convey("Growing past the current class preserves the original bytes", func() {
			ptr, err := Allocate(16)
			So(err, ShouldBeNil)
			b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 16)
			for i := range b {
				b[i] = byte(i + 1)
			}

			newPtr, err := Reallocate(ptr, 4096)
			So(err, ShouldBeNil)

			grown := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), 16)
			for i := range grown {
				So(grown[i], ShouldEqual, byte(i+1))
			}

			Free(newPtr)
		})

		Convey("Shrinking a large extent resizes it in place", func() {
			ptr, err := Allocate(1 << 16)
			So(err, ShouldBeNil)

			newPtr, err := Reallocate(ptr, 1<<14)
			So(err, ShouldBeNil)
			So(newPtr, ShouldEqual, ptr)

			usable, err := UsableSize(newPtr)
			So(err, ShouldBeNil)
			So(usable, ShouldBeLessThan, 1<<16)

			Free(newPtr)
		})

		Convey("An unrecognized pointer is rejected", func() {
			_, err := Reallocate(0xdeadbeef, 16)
			var iae *InvalidArgumentError
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, iae)
		})
	})
}

func TestFree(t *testing.T) {
	Convey("Given a booted allocator", t, func() {
		bootForTest(smallArenaConfig())

		Convey("Freeing a null pointer is a no-op", func() {
			So(func() { Free(0) }, ShouldNotPanic)
		})

		Convey("Freeing an unrecognized pointer without Abort configured is silently ignored", func() {
			So(func() { Free(0xdeadbeef) }, ShouldNotPanic)
		})

		Convey("Freeing an unrecognized pointer with Abort configured panics", func() {
			cfg := smallArenaConfig()
			cfg.Abort = true
			bootForTest(cfg)

			So(func() { Free(0xdeadbeef) }, ShouldPanic)
		})

		Convey("A freed small region is reusable by a subsequent allocation of the same class", func() {
			ptr1, err := Allocate(32)
			So(err, ShouldBeNil)
			Free(ptr1)

			ptr2, err := Allocate(32)
			So(err, ShouldBeNil)
			So(ptr2, ShouldEqual, ptr1)
		})
	})
}

func TestUsableSize(t *testing.T) {
	Convey("Given a booted allocator", t, func() {
		bootForTest(smallArenaConfig())

		Convey("UsableSize of a null pointer is 0 with no error", func() {
			n, err := UsableSize(0)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("UsableSize of an unrecognized pointer is an error", func() {
			_, err := UsableSize(0xdeadbeef)
			So(err, ShouldNotBeNil)
		})

		Convey("UsableSize never reports less than what was requested", func() {
			for _, size := range []int{1, 8, 9, 100, 4097, 1 << 20} {
				ptr, err := Allocate(size)
				So(err, ShouldBeNil)
				usable, err := UsableSize(ptr)
				So(err, ShouldBeNil)
				So(usable, ShouldBeGreaterThanOrEqualTo, size)
				Free(ptr)
			}
		})
	})
}

func TestConcurrentAllocateFreeStorm(t *testing.T) {
	Convey("Given a booted allocator shared across many goroutines", t, func() {
		bootForTest(smallArenaConfig())

		Convey("Concurrent Allocate/Free cycles never corrupt the allocator's bookkeeping", func() {
			const goroutines = 64
			const perGoroutine = 200

			done := make(chan struct{})
			for g := 0; g < goroutines; g++ {
				go func(seed int) {
					defer func() { done <- struct{}{} }()
					sizes := []int{8, 24, 48, 200, 4096}
					for i := 0; i < perGoroutine; i++ {
						size := sizes[(seed+i)%len(sizes)]
						ptr, err := Allocate(size)
						if err != nil {
							continue
						}
						usable, _ := UsableSize(ptr)
						if usable < size {
							t.Errorf("usable size %d smaller than requested %d", usable, size)
						}
						Free(ptr)
					}
				}(g)
			}
			for g := 0; g < goroutines; g++ {
				<-done
			}
		})
	})
}
