// Package mallctl implements the hierarchical "name -> value" introspection
// and control surface spec.md §6 describes (e.g. "arena.0.chunk_hooks",
// "stats.arenas.0.retained"): a flat namespace of dotted string keys, each
// backed by a getter and, for the handful of keys the allocator allows
// mutating at runtime, a setter.
//
// Entries are stored in a small hash table keyed by
// [github.com/dolthub/maphash]'s generic string hasher rather than a plain
// Go map, generalizing the bucketed-table shape the teacher's own
// swiss-table map (pkg/arena/swiss) builds on dolthub/maphash: a mallctl
// registry never needs that map's open-addressing/tombstone machinery (its
// entry set is small, built once at startup, and rarely mutated after), so
// this keeps the hashing dependency but drops the probing complexity down to
// plain chaining.
package mallctl

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dolthub/maphash"
)

// ErrNotFound is returned by [Registry.Get]/[Registry.Set] for an
// unregistered name.
var ErrNotFound = errors.New("mallctl: no such entry")

// ErrNotWritable is returned by [Registry.Set] for a name registered without
// a setter (spec.md §6: most stats.* keys are read-only).
var ErrNotWritable = errors.New("mallctl: entry is not writable")

// Getter produces an entry's current value.
type Getter func() any

// Setter attempts to apply a new value to an entry, returning an error if v
// is the wrong type or the value is otherwise rejected.
type Setter func(v any) error

type entry struct {
	name string
	get  Getter
	set  Setter
}

const numBuckets = 64

// Registry is a live, queryable set of named values. The zero Registry is
// not usable; construct with [NewRegistry].
type Registry struct {
	mu      sync.RWMutex
	hash    maphash.Hasher[string]
	buckets [][]entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hash: maphash.NewHasher[string](), buckets: make([][]entry, numBuckets)}
}

func (r *Registry) bucketFor(name string) int {
	return int(r.hash.Hash(name) % uint64(numBuckets))
}

// Register installs or replaces the entry for name. set may be nil, making
// the entry read-only.
func (r *Registry) Register(name string, get Getter, set Setter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucketFor(name)
	for i, e := range r.buckets[b] {
		if e.name == name {
			r.buckets[b][i] = entry{name, get, set}
			return
		}
	}
	r.buckets[b] = append(r.buckets[b], entry{name, get, set})
}

func (r *Registry) find(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b := r.bucketFor(name)
	for _, e := range r.buckets[b] {
		if e.name == name {
			return e, true
		}
	}
	return entry{}, false
}

// Get reads the current value of name.
func (r *Registry) Get(name string) (any, error) {
	e, ok := r.find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.get(), nil
}

// GetInt reads name and type-asserts it to int, for callers that know the
// entry's shape (e.g. every stats.* counter).
func (r *Registry) GetInt(name string) (int, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("mallctl: %q is a %T, not int", name, v)
	}
	return n, nil
}

// Set writes v to name.
func (r *Registry) Set(name string, v any) error {
	e, ok := r.find(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if e.set == nil {
		return fmt.Errorf("%w: %q", ErrNotWritable, name)
	}
	return e.set(v)
}

// Names returns every registered name, unordered. Intended for diagnostics
// (e.g. a "stats_print" dump), not a hot path.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, bucket := range r.buckets {
		for _, e := range bucket {
			names = append(names, e.name)
		}
	}
	return names
}
