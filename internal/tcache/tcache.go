// Package tcache gives every goroutine its own small LIFO free-pointer
// cache per size class, so that the common allocate/free pair never touches
// a bin's mutex (spec.md §4.6).
//
// jemalloc binds one tcache to each pthread via a TLS destructor that flushes
// it back to its arena when the thread exits. Go goroutines have no
// equivalent destructor, so the state machine here (spec.md §3/§9:
// uninitialized -> nominal -> purgatory -> reincarnated) is driven
// explicitly: callers that own a goroutine's lifetime call [Detach] before
// it exits, which flushes every cached pointer and marks the slot
// purgatory; a further [Get] after that (a straggler allocation racing the
// goroutine's own exit) allocates a fresh cache and marks it reincarnated
// rather than reusing the flushed one, exactly like jemalloc's own
// reincarnation path, so the rest of the allocator never has to special-case
// "cache already torn down".
package tcache

import (
	"github.com/timandy/routine"

	"github.com/arenakit/jemalloc/internal/arena"
	"github.com/arenakit/jemalloc/internal/debug"
	"github.com/arenakit/jemalloc/internal/extent"
	"github.com/arenakit/jemalloc/internal/rtree"
	"github.com/arenakit/jemalloc/internal/sizeclass"
	"github.com/arenakit/jemalloc/pkg/xunsafe/layout"
)

// State is the TSD lifecycle stage of a goroutine's cache (spec.md §9).
type State uint8

const (
	StateUninitialized State = iota
	StateNominal
	StatePurgatory
	StateReincarnated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNominal:
		return "nominal"
	case StatePurgatory:
		return "purgatory"
	case StateReincarnated:
		return "reincarnated"
	default:
		return "unknown"
	}
}

// gcInterval is how many Alloc/Free calls a cache services between decay
// sweeps, spec.md's tcache GC ticker.
const gcInterval = 1024

// perClass is one size class's cached pointer stack.
type perClass struct {
	stack    []uintptr
	ncached  int // high-water cap; overflowing it flushes half back to the arena.
	lowWater int // minimum stack length observed since the last decay sweep.
}

// Cache is one goroutine's tcache. The zero Cache is not usable; obtain one
// via [Get].
type Cache struct {
	arena *arena.Arena
	rt    *rtree.Tree
	state State

	classes []perClass
	ticker  int
}

var slot = routine.NewThreadLocal[*Cache]()

// Get returns the calling goroutine's Cache, binding it to an arena chosen
// from pool on first use (or re-use after a prior [Detach]).
func Get(pool *arena.Pool, rt *rtree.Tree) *Cache {
	c := slot.Get()
	if c != nil && (c.state == StateNominal || c.state == StateReincarnated) {
		return c
	}

	fresh := newCache(pool.Choose(), rt)
	if c != nil && c.state == StatePurgatory {
		fresh.state = StateReincarnated
	}
	slot.Set(fresh)
	return fresh
}

func newCache(a *arena.Arena, rt *rtree.Tree) *Cache {
	n := sizeclass.NumSmallClasses()
	classes := make([]perClass, n)
	for i := range classes {
		// Smaller classes are cheaper to cache many of; larger small classes
		// cap lower so one hot goroutine can't pin an unbounded number of
		// large slab regions off the arena.
		max := 256
		if sizeclass.SizeOf(i) > 256 {
			max = 32
		}
		classes[i] = perClass{ncached: max}
	}
	return &Cache{arena: a, rt: rt, state: StateNominal, classes: classes}
}

// Alloc returns a region for size class idx, refilling this goroutine's
// stack from the arena in a batch if it's empty.
func (c *Cache) Alloc(idx int) (uintptr, error) {
	debug.Assert(c.state == StateNominal || c.state == StateReincarnated, "tcache: Alloc on a %v cache", c.state)

	cl := &c.classes[idx]
	if len(cl.stack) == 0 {
		if err := c.refill(idx); err != nil {
			return 0, err
		}
	}

	n := len(cl.stack)
	ptr := cl.stack[n-1]
	cl.stack = cl.stack[:n-1]
	if n-1 < cl.lowWater {
		cl.lowWater = n - 1
	}

	c.tick()
	return ptr, nil
}

// refill pulls ncached/2 fresh regions from the arena in one batch, calling
// the arena's AllocSmall once per region, so that the class's following
// Allocs are served from the cache without going to the arena.
func (c *Cache) refill(idx int) error {
	cl := &c.classes[idx]
	batch := cl.ncached / 2
	if batch < 1 {
		batch = 1
	}
	for i := 0; i < batch; i++ {
		ptr, _, err := c.arena.AllocSmall(idx)
		if err != nil {
			if i > 0 {
				// Partial batch is still useful; the caller's Alloc will
				// still succeed from what was fetched so far.
				return nil
			}
			return err
		}
		cl.stack = append(cl.stack, ptr)
	}
	cl.lowWater = len(cl.stack)
	return nil
}

// Free returns ptr (of size class idx) to this goroutine's cache, flushing
// half of it back to the arena if the cache is already at its cap.
func (c *Cache) Free(idx int, ptr uintptr) {
	debug.Assert(c.state == StateNominal || c.state == StateReincarnated, "tcache: Free on a %v cache", c.state)

	cl := &c.classes[idx]
	cl.stack = append(cl.stack, ptr)
	if len(cl.stack) > cl.ncached {
		c.flushClass(idx, len(cl.stack)/2)
	}

	c.tick()
}

// tick advances the decay ticker, triggering a sweep that trims every
// class's cache by half its low-water mark once every gcInterval
// operations: pointers that sat unused through an entire interval are
// unlikely to be reused soon (spec.md §4.6's tcache GC sweep).
func (c *Cache) tick() {
	c.ticker++
	if c.ticker < gcInterval {
		return
	}
	c.ticker = 0

	for idx := range c.classes {
		cl := &c.classes[idx]
		if cl.lowWater > 0 {
			c.flushClass(idx, cl.lowWater/2)
		}
		cl.lowWater = len(cl.stack)
	}
}

// flushClass returns up to n cached pointers of class idx to their owning
// arena bins. A cached pointer was not necessarily allocated by c.arena: a
// goroutine can free a pointer another goroutine (bound to a different
// arena) allocated, so each pointer must be routed to the arena its own
// extent names rather than the flushing cache's arena (spec.md §4.7 step 4).
func (c *Cache) flushClass(idx, n int) {
	cl := &c.classes[idx]
	for i := 0; i < n && len(cl.stack) > 0; i++ {
		last := len(cl.stack) - 1
		ptr := cl.stack[last]
		cl.stack = cl.stack[:last]

		e := c.lookupExtent(ptr)
		debug.Assert(e != nil, "tcache: flushed pointer %x has no extent registration", ptr)
		if a, ok := e.Owner().(*arena.Arena); ok {
			a.FreeSmall(idx, e, ptr)
		}
	}
}

func (c *Cache) lookupExtent(ptr uintptr) *extent.Extent {
	page := layout.RoundDown(ptr, uintptr(sizeclass.PageSize))
	return c.rt.Read(page, true)
}

// Detach flushes every cached pointer back to its arena, unbinds this
// goroutine from its arena, and marks the cache purgatory. Callers that
// control a goroutine's lifetime (a worker pool, a request handler wrapper)
// should call this just before the goroutine exits; a subsequent [Get] call
// reincarnates a fresh cache rather than reusing this one.
func (c *Cache) Detach() {
	for idx := range c.classes {
		c.flushClass(idx, len(c.classes[idx].stack))
	}
	c.arena.UnbindThread()
	c.state = StatePurgatory
}

// State reports this cache's lifecycle stage, for introspection.
func (c *Cache) State() State { return c.state }

// Arena returns the arena this cache (and thus the calling goroutine) is
// currently bound to, for callers that need arena-level operations (a large
// allocation, a direct bin alloc/free when caching is disabled) without
// running their own separate arena-selection policy.
func (c *Cache) Arena() *arena.Arena { return c.arena }

// ResetForTest clears the calling goroutine's bound cache without flushing
// it. It exists only so tests that exercise several independent scenarios
// on the same goroutine can start each one from StateUninitialized;
// production code has no use for it.
func ResetForTest() {
	slot.Remove()
}
