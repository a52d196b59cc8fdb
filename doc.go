// Package jemalloc is a general-purpose, multi-threaded memory allocator:
// arenas partition contention, small requests are served from a per-
// goroutine cache without taking any lock, and a process-wide radix tree
// routes every free back to the arena that owns it regardless of which
// goroutine allocated it.
//
// Layering, leaves first: internal/page talks to the OS (or, on backends
// without raw mmap, the Go runtime's own heap); internal/chunk acquires and
// recycles page-aligned extents on top of that; internal/rtree maps a live
// extent's address back to its descriptor; internal/slab packs a slab
// extent into equal-size regions via a hierarchical bitmap; internal/arena
// owns one set of bins plus the large-extent list and schedules purging;
// internal/tcache gives each goroutine a per-class stack of free pointers
// so the hot path never touches a bin's mutex; internal/mallctl exposes a
// hierarchical name-to-value introspection surface over all of it; and
// internal/fork coordinates every lock this allocator holds around a
// process fork. This package wires those layers together behind the six
// operations below and the [Config] surface that tunes them.
//
// A pointer handed back by [Allocate], [AlignedAllocate], [Calloc] or
// [Reallocate] is a bag of untyped bytes (a uintptr, not a Go pointer): the
// caller is responsible for casting it safely and for never holding it past
// a call to [Free]. This package does not, and cannot, protect against use
// after free or double free the way normal Go memory does, which is the
// price of exposing a C-shaped allocation API from a garbage-collected
// host.
package jemalloc
