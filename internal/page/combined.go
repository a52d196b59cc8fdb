package page

import (
	"errors"
	"sync"
)

// Combined layers two Hooks backends behind one, trying primary first and
// falling back to secondary only when primary reports [ErrCannotSatisfy].
// This is the Go analog of jemalloc's dss_prec_t ("use DSS as primary or
// secondary chunk source") from spec.md §6's `dss` option.
//
// Every Hooks method past Alloc is keyed by an address rather than by
// content, so Combined has to remember which backend actually produced a
// given range rather than guessing: Alloc records the winning backend
// against the address it returned, and every later call on that address
// (Dalloc, Commit, Decommit, Purge, Split, Merge) is routed to it.
func Combined(primary, secondary Hooks) Hooks {
	return &combinedHooks{primary: primary, secondary: secondary}
}

type combinedHooks struct {
	primary, secondary Hooks

	mu    sync.Mutex
	owner map[uintptr]Hooks
}

func (c *combinedHooks) ownerOf(addr uintptr) Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.owner[addr]; ok {
		return h
	}
	// Split/Merge can produce addresses this combinator never saw directly
	// (e.g. a trailing remainder chunk.recycleLocked carves off); default to
	// primary, matching Alloc's own try-first order.
	return c.primary
}

func (c *combinedHooks) setOwner(addr uintptr, h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == nil {
		c.owner = make(map[uintptr]Hooks)
	}
	c.owner[addr] = h
}

func (c *combinedHooks) moveOwner(oldAddr, newAddr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.owner[oldAddr]
	if !ok {
		return
	}
	if newAddr != oldAddr {
		delete(c.owner, oldAddr)
	}
	c.owner[newAddr] = h
}

func (c *combinedHooks) dropOwner(addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owner, addr)
}

func (c *combinedHooks) Alloc(newAddr uintptr, size int, alignment int) (uintptr, bool, bool, error) {
	addr, zero, commit, err := c.primary.Alloc(newAddr, size, alignment)
	if err == nil {
		c.setOwner(addr, c.primary)
		return addr, zero, commit, nil
	}
	if !errors.Is(err, ErrCannotSatisfy) {
		return 0, false, false, err
	}

	addr, zero, commit, err = c.secondary.Alloc(newAddr, size, alignment)
	if err != nil {
		return 0, false, false, err
	}
	c.setOwner(addr, c.secondary)
	return addr, zero, commit, nil
}

func (c *combinedHooks) Dalloc(addr uintptr, size int) error {
	err := c.ownerOf(addr).Dalloc(addr, size)
	if err == nil {
		c.dropOwner(addr)
	}
	return err
}

func (c *combinedHooks) Commit(addr uintptr, size int) error {
	return c.ownerOf(addr).Commit(addr, size)
}

// CanDecommit always reports true: whether a specific range can actually be
// decommitted depends on which backend owns it, which Decommit itself
// checks per-call rather than this capability query.
func (c *combinedHooks) CanDecommit() bool { return true }

func (c *combinedHooks) Decommit(addr uintptr, size int) error {
	h := c.ownerOf(addr)
	if !h.CanDecommit() {
		return ErrCannotSatisfy
	}
	return h.Decommit(addr, size)
}

func (c *combinedHooks) Purge(addr uintptr, size int) error {
	return c.ownerOf(addr).Purge(addr, size)
}

func (c *combinedHooks) Split(addr uintptr, size, sizeA, sizeB int) error {
	h := c.ownerOf(addr)
	if err := h.Split(addr, size, sizeA, sizeB); err != nil {
		return err
	}
	c.setOwner(addr, h)
	c.setOwner(addr+uintptr(sizeA), h)
	return nil
}

func (c *combinedHooks) Merge(addrA uintptr, sizeA int, addrB uintptr, sizeB int) error {
	h := c.ownerOf(addrA)
	if err := h.Merge(addrA, sizeA, addrB, sizeB); err != nil {
		return err
	}
	c.dropOwner(addrB)
	return nil
}
