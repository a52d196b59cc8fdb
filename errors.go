package jemalloc

import "fmt"

// OOMError reports that a request could not be satisfied: the requested
// size exceeds [internal/sizeclass.LargeMaxClass], or the active page
// backend could not obtain or commit the memory it needed (spec.md §7,
// error kind (a)). Callers that need to distinguish this from other
// failures can recover it with [github.com/arenakit/jemalloc/pkg/xerrors.AsA].
type OOMError struct {
	Op   string
	Size int
	Err  error // underlying cause, if any (e.g. a page backend failure).
}

func (e *OOMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jemalloc: %s: out of memory (%d bytes): %v", e.Op, e.Size, e.Err)
	}
	return fmt.Sprintf("jemalloc: %s: out of memory (%d bytes)", e.Op, e.Size)
}

func (e *OOMError) Unwrap() error { return e.Err }

// InvalidArgumentError reports a caller-supplied value that is mechanically
// wrong rather than merely unsatisfiable: a non-power-of-two alignment, an
// alignment smaller than a pointer, or a pointer this package never
// returned (spec.md §7, error kind (b)).
type InvalidArgumentError struct {
	Op     string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("jemalloc: %s: invalid argument: %s", e.Op, e.Reason)
}

// NotFoundError reports an unregistered mallctl name (spec.md §7, error
// kind (d)). Invariant violations (kind (c)) are not modeled as an error
// value at all: in debug builds they abort via internal/debug.Assert, the
// same policy spec.md §7 describes ("detected in debug builds; aborts").
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("jemalloc: mallctl: no such entry %q", e.Name)
}
