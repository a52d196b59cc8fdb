package jemalloc

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/arenakit/jemalloc/internal/arena"
	"github.com/arenakit/jemalloc/internal/fork"
	"github.com/arenakit/jemalloc/internal/mallctl"
	"github.com/arenakit/jemalloc/internal/page"
	"github.com/arenakit/jemalloc/internal/rtree"
	"github.com/arenakit/jemalloc/internal/sizeclass"
)

// initMu guards the one-time boot sequence spec.md §4.8 describes:
// parse options, install fork handlers, boot the chunk/arena subsystems,
// derive narenas, allocate the arena array. Unlike spec.md's C original,
// this process never needs "the initializer recurses back into itself
// during bootstrap" support: no allocation happens while initMu is held,
// so a plain mutex plus a ready flag is sufficient rather than a full
// recursive-entry state machine.
var (
	initMu sync.Mutex
	ready  bool

	cfg      Config
	addrTree *rtree.Tree
	pool     *arena.Pool
	registry *mallctl.Registry

	lazyInit sync.Once
)

// Init performs the one-time boot sequence with an explicit configuration.
// Calling it more than once is a no-op; the configuration from the first
// call wins, matching jemalloc's "options are read once, at first use."
// Host programs that want to control Config precisely should call this
// before the first [Allocate]/[Calloc]/[AlignedAllocate]; everything else
// lazily calls it with [LoadConfig]'s result on first use.
func Init(c Config) error {
	initMu.Lock()
	defer initMu.Unlock()
	if ready {
		return nil
	}
	return bootLocked(c)
}

// ensureInit lazily boots the allocator with [LoadConfig]'s result, for
// callers that never call [Init] explicitly.
func ensureInit() {
	lazyInit.Do(func() {
		initMu.Lock()
		defer initMu.Unlock()
		if ready {
			return
		}
		c, err := LoadConfig()
		if err != nil {
			// A malformed JEMALLOC_GO_OPTS/CLI flag is a configuration
			// mistake the host should see immediately rather than have
			// silently fall back to defaults.
			panic(err)
		}
		if err := bootLocked(c); err != nil {
			panic(err)
		}
	})
}

func bootLocked(c Config) error {
	narenas := runtime.GOMAXPROCS(0)
	if c.NarenasLshift >= 0 {
		narenas <<= uint(c.NarenasLshift)
	} else {
		narenas >>= uint(-c.NarenasLshift)
	}
	if narenas < 1 {
		narenas = 1
	}

	sizeclass.Reinit(c.LgChunk)

	hooks, err := chooseHooks(c.DSS)
	if err != nil {
		return err
	}

	addrTree = rtree.New(uint(sizeclass.PageShift))
	pool = arena.NewPool(narenas, func(id int) *arena.Arena {
		return arena.New(id, hooks, addrTree, c.LgDirtyMult)
	})

	registry = mallctl.NewRegistry()
	mallctl.BindArenaPool(registry, pool)
	bindConfig(registry, c)

	cfg = c
	ready = true
	return nil
}

func chooseHooks(dss string) (page.Hooks, error) {
	switch dss {
	case "primary":
		return page.Combined(page.GC, page.Native), nil
	case "secondary", "":
		return page.Combined(page.Native, page.GC), nil
	case "disabled":
		return page.Native, nil
	default:
		return nil, fmt.Errorf("jemalloc: unrecognized dss mode %q", dss)
	}
}

// bindConfig registers spec.md §6's option surface under "opt.*", read-only:
// config is fixed for the process once booted.
func bindConfig(r *mallctl.Registry, c Config) {
	r.Register("opt.abort", func() any { return c.Abort }, nil)
	r.Register("opt.junk", func() any { return c.Junk }, nil)
	r.Register("opt.zero", func() any { return c.Zero }, nil)
	r.Register("opt.narenas_lshift", func() any { return c.NarenasLshift }, nil)
	r.Register("opt.lg_chunk", func() any { return c.LgChunk }, nil)
	r.Register("opt.lg_dirty_mult", func() any { return c.LgDirtyMult }, nil)
	r.Register("opt.tcache", func() any { return c.Tcache }, nil)
	r.Register("opt.lg_tcache_max", func() any { return c.LgTcacheMax }, nil)
	r.Register("opt.stats_print", func() any { return c.StatsPrint }, nil)
	r.Register("opt.dss", func() any { return c.DSS }, nil)
}

// Mallctl reads the current value registered under name (e.g.
// "stats.arenas.0.retained", "opt.junk"). It returns a [NotFoundError] if
// name was never registered (spec.md §7, error kind (d)).
func Mallctl(name string) (any, error) {
	ensureInit()
	v, err := registry.Get(name)
	if err != nil {
		return nil, &NotFoundError{Name: name}
	}
	return v, nil
}

// MallctlSet writes v to name, e.g. installing a custom [page.Hooks] under
// "arena.0.chunk_hooks". Returns a [NotFoundError] for an unregistered name;
// any other failure, such as a write to a read-only entry, is returned as
// the registry reported it.
func MallctlSet(name string, v any) error {
	ensureInit()
	if err := registry.Set(name, v); err != nil {
		if errors.Is(err, mallctl.ErrNotFound) {
			return &NotFoundError{Name: name}
		}
		return err
	}
	return nil
}

// MallctlNames lists every registered introspection key, for a "stats_print"
// style diagnostic dump.
func MallctlNames() []string {
	ensureInit()
	return registry.Names()
}

// Prefork acquires every lock this allocator holds, in spec.md §4.8's fixed
// order, ahead of a process fork. See internal/fork's package doc for why
// this matters only to callers performing a raw fork followed immediately
// by exec; ordinary Go programs never need to call this.
func Prefork() {
	ensureInit()
	fork.Prefork(pool)
}

// PostforkParent releases the locks [Prefork] acquired, in the process that
// called fork.
func PostforkParent() {
	fork.PostforkParent(pool)
}

// PostforkChild reinitializes the locks [Prefork] acquired, in the freshly
// forked child process.
func PostforkChild() {
	fork.PostforkChild(pool)
}

// ResetForTest tears down the boot state entirely, so the next call to
// [ensureInit] (via [Allocate] or any other operation) reboots from
// scratch. Production code never has a reason to call this; it exists only
// so independent test scenarios in this package can each start from a clean
// allocator rather than sharing the first Convey block's arenas and radix
// tree.
func ResetForTest() {
	initMu.Lock()
	defer initMu.Unlock()
	ready = false
	cfg = Config{}
	addrTree = nil
	pool = nil
	registry = nil
	lazyInit = sync.Once{}
}
