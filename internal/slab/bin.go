package slab

import (
	"sort"
	"sync"

	"github.com/arenakit/jemalloc/internal/debug"
	"github.com/arenakit/jemalloc/internal/extent"
)

// Slab pairs one chunk-backed extent, carved into equal-size regions of one
// size class, with the bitmap tracking which of those regions are free.
type Slab struct {
	Extent *extent.Extent
	Bitmap *Bitmap
}

// Bin owns every slab currently serving one size class for an arena. Slabs
// with at least one free region live in nonfull; slabs with none live in
// full. Both are kept sorted by base address, so the same slab is always
// chosen first among otherwise-equal candidates (spec.md §3, "bin slab
// selection"): this gives allocation a bias toward reusing already-resident,
// already-partially-used slabs over idle ones at higher addresses.
type Bin struct {
	mu sync.Mutex

	regionSize     int
	regionsPerSlab int

	nonfull []*Slab
	full    []*Slab
	byExt   map[*extent.Extent]*Slab
}

// NewBin constructs a Bin for a size class whose slabs hold regionsPerSlab
// regions of regionSize bytes each.
func NewBin(regionSize, regionsPerSlab int) *Bin {
	return &Bin{
		regionSize:     regionSize,
		regionsPerSlab: regionsPerSlab,
		byExt:          make(map[*extent.Extent]*Slab),
	}
}

func insertSorted(list []*Slab, s *Slab) []*Slab {
	i := sort.Search(len(list), func(i int) bool { return list[i].Extent.Base >= s.Extent.Base })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

func removeSlab(list []*Slab, s *Slab) []*Slab {
	for i, c := range list {
		if c == s {
			copy(list[i:], list[i+1:])
			return list[:len(list)-1]
		}
	}
	return list
}

// Lock acquires the bin's mutex, for fork coordination
// (see internal/fork); ordinary callers use the methods below instead.
func (b *Bin) Lock() { b.mu.Lock() }

// Unlock releases the lock taken by [Bin.Lock].
func (b *Bin) Unlock() { b.mu.Unlock() }

// ReinitLock replaces the bin's mutex with a fresh, unlocked one, for a
// fork handler's child-side postfork (spec.md §4.8).
func (b *Bin) ReinitLock() { b.mu = sync.Mutex{} }

// AddSlab registers a freshly carved extent as a new, fully-free slab for
// this bin.
func (b *Bin) AddSlab(e *extent.Extent) *Slab {
	b.mu.Lock()
	defer b.mu.Unlock()

	e.Kind = extent.KindSlab
	s := &Slab{Extent: e, Bitmap: New(b.regionsPerSlab)}
	b.nonfull = insertSorted(b.nonfull, s)
	b.byExt[e] = s
	return s
}

// Alloc claims one region from the lowest-address nonfull slab. ok is false
// if this bin has no nonfull slab at all, in which case the caller (the
// owning arena) must acquire a new chunk and call [Bin.AddSlab].
func (b *Bin) Alloc() (ptr uintptr, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.nonfull) == 0 {
		return 0, false
	}
	s := b.nonfull[0]
	idx, ok := s.Bitmap.Alloc()
	debug.Assert(ok, "slab: bin.nonfull held a slab with no free regions")

	if s.Bitmap.Full() {
		b.nonfull = b.nonfull[1:]
		b.full = insertSorted(b.full, s)
	}

	return s.Extent.Base + uintptr(idx*b.regionSize), true
}

// ExtentFor returns the extent backing the region at ptr, for callers that
// allocated via [Bin.Alloc] and need the owning extent back (e.g. to route a
// later [Bin.Free]).
func (b *Bin) ExtentFor(ptr uintptr) *extent.Extent {
	b.mu.Lock()
	defer b.mu.Unlock()

	for e, s := range b.byExt {
		if s.Extent.Contains(ptr) {
			return e
		}
	}
	return nil
}

// Count returns the total number of slabs, full or not, currently owned by
// this bin.
func (b *Bin) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nonfull) + len(b.full)
}

// Free returns the region at addr within e to this bin. e must have been
// registered with [Bin.AddSlab].
func (b *Bin) Free(e *extent.Extent, addr uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.byExt[e]
	debug.Assert(ok, "slab: Free on an extent not owned by this bin")

	idx := int(addr-e.Base) / b.regionSize
	wasFull := s.Bitmap.Full()
	s.Bitmap.Free(idx)

	if wasFull {
		b.full = removeSlab(b.full, s)
		b.nonfull = insertSorted(b.nonfull, s)
	}
}

// EmptySlabs returns every currently fully-free slab without removing it,
// for the owning arena to consider reclaiming under memory pressure.
func (b *Bin) EmptySlabs() []*Slab {
	b.mu.Lock()
	defer b.mu.Unlock()

	var empty []*Slab
	for _, s := range b.nonfull {
		if s.Bitmap.NumFree() == b.regionsPerSlab {
			empty = append(empty, s)
		}
	}
	return empty
}

// Remove detaches a slab entirely, for when the owning arena has decided to
// reclaim it via [Bin.EmptySlabs]. The slab must be empty.
func (b *Bin) Remove(s *Slab) {
	b.mu.Lock()
	defer b.mu.Unlock()

	debug.Assert(s.Bitmap.NumFree() == b.regionsPerSlab, "slab: Remove on a non-empty slab")
	b.nonfull = removeSlab(b.nonfull, s)
	delete(b.byExt, s.Extent)
}

// Stats returns the number of slabs and the total/free region counts
// currently tracked by this bin, backing the stats.arenas.<i>.bins.<j>
// mallctl namespace (spec.md §6).
func (b *Bin) Stats() (slabs, regions, free int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slabs = len(b.nonfull) + len(b.full)
	regions = slabs * b.regionsPerSlab
	for _, s := range b.nonfull {
		free += s.Bitmap.NumFree()
	}
	return slabs, regions, free
}
