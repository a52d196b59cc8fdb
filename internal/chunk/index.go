package chunk

import (
	"sort"

	"github.com/arenakit/jemalloc/internal/extent"
)

// byAddr keeps live extents sorted by base address, for neighbor lookups
// during coalescing (spec.md §3, "Extent coalescing").
//
// jemalloc keeps this as an intrusive red-black tree (extent_tree_ad_t); a
// sorted slice with binary-search insert/remove does the same job with far
// less code, and a single arena rarely holds more than a few dozen chunks
// at once, so the O(n) shift on insert/remove is not a hot path.
type byAddr struct {
	items []*extent.Extent
}

func (t *byAddr) search(addr uintptr) int {
	return sort.Search(len(t.items), func(i int) bool {
		return t.items[i].Base >= addr
	})
}

// find returns the extent with exactly this base address, or nil.
func (t *byAddr) find(addr uintptr) *extent.Extent {
	i := t.search(addr)
	if i < len(t.items) && t.items[i].Base == addr {
		return t.items[i]
	}
	return nil
}

// nsearch returns the extent with the smallest base address >= addr, the
// analog of jemalloc's extent_tree_ad_nsearch: used to find the chunk
// immediately following a freed range when coalescing forward.
func (t *byAddr) nsearch(addr uintptr) *extent.Extent {
	i := t.search(addr)
	if i < len(t.items) {
		return t.items[i]
	}
	return nil
}

// prev returns the extent with the largest base address < addr, used to
// find the chunk immediately preceding a freed range when coalescing
// backward.
func (t *byAddr) prev(addr uintptr) *extent.Extent {
	i := t.search(addr)
	if i > 0 {
		return t.items[i-1]
	}
	return nil
}

func (t *byAddr) insert(e *extent.Extent) {
	i := t.search(e.Base)
	t.items = append(t.items, nil)
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = e
}

func (t *byAddr) remove(e *extent.Extent) {
	i := t.search(e.Base)
	if i >= len(t.items) || t.items[i] != e {
		return
	}
	copy(t.items[i:], t.items[i+1:])
	t.items = t.items[:len(t.items)-1]
}

// bySize keeps the same live extents ordered by (size, addr), the sort key
// jemalloc's extent_tree_szad_t uses for first-best-fit selection: the
// smallest extent that is still big enough, and among equal sizes, the one
// at the lowest address.
type bySize struct {
	items []*extent.Extent
}

func less(a *extent.Extent, size int, addr uintptr) bool {
	if a.Size != size {
		return a.Size < size
	}
	return a.Base < addr
}

func (t *bySize) search(size int, addr uintptr) int {
	return sort.Search(len(t.items), func(i int) bool {
		return !less(t.items[i], size, addr)
	})
}

// bestFit returns the smallest-size extent that is >= size, the lowest
// matching address ranking first, or nil if none is large enough.
func (t *bySize) bestFit(size int) *extent.Extent {
	i := t.search(size, 0)
	if i < len(t.items) {
		return t.items[i]
	}
	return nil
}

func (t *bySize) insert(e *extent.Extent) {
	i := t.search(e.Size, e.Base)
	t.items = append(t.items, nil)
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = e
}

func (t *bySize) remove(e *extent.Extent) {
	i := t.search(e.Size, e.Base)
	for i < len(t.items) && t.items[i] != e {
		i++
	}
	if i >= len(t.items) {
		return
	}
	copy(t.items[i:], t.items[i+1:])
	t.items = t.items[:len(t.items)-1]
}

// set is one (szad, ad) tree pair, e.g. the "cached" or "retained" set from
// spec.md §3.
type set struct {
	szad bySize
	ad   byAddr
}

func (s *set) insert(e *extent.Extent) {
	s.szad.insert(e)
	s.ad.insert(e)
}

func (s *set) remove(e *extent.Extent) {
	s.szad.remove(e)
	s.ad.remove(e)
}
