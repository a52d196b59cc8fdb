package arena

import "sync/atomic"

// Pool owns every arena a process has created and implements the
// arena-selection policy a fresh goroutine is bound to under (spec.md §4.4):
// round-robin, biased toward whichever arena currently has the fewest bound
// goroutines. The per-goroutine binding itself (storing the chosen *Arena in
// goroutine-local storage, rebinding on TSD reincarnation) lives in
// internal/tcache, which holds the TSD slot this pool's Choose result is
// written into.
type Pool struct {
	arenas []*Arena
	next   atomic.Uint32
}

// NewPool constructs a Pool over count arenas, creating arena i with
// newArena(i).
func NewPool(count int, newArena func(id int) *Arena) *Pool {
	p := &Pool{arenas: make([]*Arena, count)}
	for i := range p.arenas {
		p.arenas[i] = newArena(i)
	}
	return p
}

// Arenas returns every arena this pool owns, in index order.
func (p *Pool) Arenas() []*Arena { return p.arenas }

// Arena returns the arena with the given index, for direct addressing by
// mallctl's "arena.<i>.*" namespace (spec.md §6).
func (p *Pool) Arena(i int) *Arena { return p.arenas[i] }

// Choose selects an arena for a newly created goroutine to bind to.
// Candidates are considered in round-robin order starting from an
// atomically advancing cursor; among the next len(arenas) candidates, the
// one with the fewest currently-bound threads wins, so a burst of idle
// arenas is preferred over one already hot arena even when the round-robin
// cursor would otherwise land on the latter.
func (p *Pool) Choose() *Arena {
	n := uint32(len(p.arenas))
	start := p.next.Add(1) % n

	best := p.arenas[start]
	for i := uint32(1); i < n; i++ {
		cand := p.arenas[(start+i)%n]
		if cand.NumThreads() < best.NumThreads() {
			best = cand
		}
	}
	best.BindThread()
	return best
}
