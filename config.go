package jemalloc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/arenakit/jemalloc/internal/debug"
	"github.com/arenakit/jemalloc/internal/xflag"
)

// Config holds the runtime-tunable options spec.md §6 names, the Go analog
// of jemalloc's MALLOC_CONF.
type Config struct {
	// Abort aborts (panics) on an invariant violation instead of relying
	// solely on the debug build's assertions.
	Abort bool

	// Junk fills freshly allocated memory with 0xA5 and freed memory with
	// 0x5A, to make use-before-init and use-after-free visible in practice.
	Junk bool

	// Zero zeroes every allocation regardless of class, beyond what Calloc
	// already guarantees.
	Zero bool

	// NarenasLshift shifts the number of arenas derived from GOMAXPROCS:
	// narenas = GOMAXPROCS << NarenasLshift (spec.md §4.8). Negative values
	// shift right, reducing arena count.
	NarenasLshift int

	// LgChunk is log2 of the chunk size the chunk layer maps from the OS.
	LgChunk uint

	// LgDirtyMult sets an arena's purge threshold: a purge sweep triggers
	// once cached bytes exceed liveBytes >> LgDirtyMult (spec.md §4.4).
	LgDirtyMult int

	// Tcache enables per-goroutine thread caches for small classes. When
	// false, every allocation and free goes straight to the bound arena's
	// bin, still partitioned by arena but without the lock-free fast path.
	Tcache bool

	// LgTcacheMax is log2 of the largest small class a thread cache will
	// hold; classes above it always go straight to the arena.
	LgTcacheMax uint

	// StatsPrint records whether a stats dump (of internal/mallctl's "stats.*"
	// namespace) is wanted at process exit. This package does not install
	// the exit hook or print anything itself (spec.md draws no such hook in
	// its API surface); a host program reads Config.StatsPrint and prints the
	// entries itself through [MallctlNames] and [Mallctl].
	StatsPrint bool

	// DSS selects which page backend is tried first: "primary" sources
	// chunks from the GC-backed backend before falling back to the OS
	// backend, "secondary" (the default) tries the OS backend first and
	// falls back to the GC-backed one only if it fails, and "disabled"
	// never uses the GC-backed backend at all.
	DSS string
}

// DefaultConfig returns spec.md §6's documented defaults. Junk follows the
// debug build tag, the same default jemalloc itself uses
// (JEMALLOC_DEBUG-gated junk fill).
func DefaultConfig() Config {
	return Config{
		Abort:         false,
		Junk:          debug.Enabled,
		Zero:          false,
		NarenasLshift: 0,
		LgChunk:       21,
		LgDirtyMult:   3,
		Tcache:        true,
		LgTcacheMax:   15,
		StatsPrint:    false,
		DSS:           "secondary",
	}
}

// envVar is this port's analog of jemalloc's MALLOC_CONF environment
// variable: a comma-separated list of key:value pairs layered over
// [DefaultConfig].
const envVar = "JEMALLOC_GO_OPTS"

// cliOverrides are registered unconditionally at package init, mirroring
// how internal/debug registers its own flags as package-level vars rather
// than inside an init func. A flag only overrides [DefaultConfig]/the
// parsed environment when xflag.Parsed reports that the command line
// actually set it.
var (
	cliAbort       = xflag.Func("jemalloc.abort", "abort on invariant violation", strconv.ParseBool)
	cliJunk        = xflag.Func("jemalloc.junk", "junk-fill allocated and freed memory", strconv.ParseBool)
	cliZero        = xflag.Func("jemalloc.zero", "zero-fill every allocation", strconv.ParseBool)
	cliNarenasLsh  = xflag.Func("jemalloc.narenas_lshift", "shift applied to the derived arena count", strconv.Atoi)
	cliLgChunk     = xflag.Func("jemalloc.lg_chunk", "log2 of the chunk size", parseUint)
	cliLgDirtyMult = xflag.Func("jemalloc.lg_dirty_mult", "dirty/live ratio threshold for purging", strconv.Atoi)
	cliTcache      = xflag.Func("jemalloc.tcache", "enable per-goroutine thread caches", strconv.ParseBool)
	cliLgTcacheMax = xflag.Func("jemalloc.lg_tcache_max", "log2 of the largest class a thread cache holds", parseUint)
	cliStatsPrint  = xflag.Func("jemalloc.stats_print", "emit statistics at process exit", strconv.ParseBool)
	cliDSS         = xflag.Func("jemalloc.dss", `chunk source order: "primary", "secondary", or "disabled"`, parseDSS)
)

func parseUint(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	return uint(n), err
}

func parseDSS(s string) (string, error) {
	switch s {
	case "primary", "secondary", "disabled":
		return s, nil
	default:
		return "", fmt.Errorf("jemalloc: dss must be one of primary, secondary, disabled, got %q", s)
	}
}

// LoadConfig builds a Config by layering, lowest precedence first:
// [DefaultConfig], the JEMALLOC_GO_OPTS environment variable, then any
// "-jemalloc.*" command-line flags that were actually parsed.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if s := os.Getenv(envVar); s != "" {
		if err := applyOptString(&cfg, s); err != nil {
			return Config{}, err
		}
	}

	applyCLI(&cfg)
	return cfg, nil
}

func applyOptString(cfg *Config, s string) error {
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("jemalloc: malformed %s entry %q: expected key:value", envVar, pair)
		}
		if err := applyOpt(cfg, strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return err
		}
	}
	return nil
}

func applyOpt(cfg *Config, key, val string) error {
	var err error
	switch key {
	case "abort":
		cfg.Abort, err = strconv.ParseBool(val)
	case "junk":
		cfg.Junk, err = strconv.ParseBool(val)
	case "zero":
		cfg.Zero, err = strconv.ParseBool(val)
	case "narenas_lshift":
		cfg.NarenasLshift, err = strconv.Atoi(val)
	case "lg_chunk":
		cfg.LgChunk, err = parseUint(val)
	case "lg_dirty_mult":
		cfg.LgDirtyMult, err = strconv.Atoi(val)
	case "tcache":
		cfg.Tcache, err = strconv.ParseBool(val)
	case "lg_tcache_max":
		cfg.LgTcacheMax, err = parseUint(val)
	case "stats_print":
		cfg.StatsPrint, err = strconv.ParseBool(val)
	case "dss":
		cfg.DSS, err = parseDSS(val)
	default:
		return fmt.Errorf("jemalloc: unrecognized %s key %q", envVar, key)
	}
	if err != nil {
		return fmt.Errorf("jemalloc: %s=%q: %w", key, val, err)
	}
	return nil
}

func applyCLI(cfg *Config) {
	if xflag.Parsed("jemalloc.abort") {
		cfg.Abort = *cliAbort
	}
	if xflag.Parsed("jemalloc.junk") {
		cfg.Junk = *cliJunk
	}
	if xflag.Parsed("jemalloc.zero") {
		cfg.Zero = *cliZero
	}
	if xflag.Parsed("jemalloc.narenas_lshift") {
		cfg.NarenasLshift = *cliNarenasLsh
	}
	if xflag.Parsed("jemalloc.lg_chunk") {
		cfg.LgChunk = *cliLgChunk
	}
	if xflag.Parsed("jemalloc.lg_dirty_mult") {
		cfg.LgDirtyMult = *cliLgDirtyMult
	}
	if xflag.Parsed("jemalloc.tcache") {
		cfg.Tcache = *cliTcache
	}
	if xflag.Parsed("jemalloc.lg_tcache_max") {
		cfg.LgTcacheMax = *cliLgTcacheMax
	}
	if xflag.Parsed("jemalloc.stats_print") {
		cfg.StatsPrint = *cliStatsPrint
	}
	if xflag.Parsed("jemalloc.dss") {
		cfg.DSS = *cliDSS
	}
}
