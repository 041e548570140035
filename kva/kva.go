// Package kva allocates and frees ranges of kernel virtual addresses. It
// does not map anything; it only hands out VA ranges for the live mapper
// to fill in and reclaims them (with predecessor/successor coalescing)
// when the caller is done with them.
package kva

import (
	"github.com/piforth/pisub-vm/descriptor"
	"github.com/piforth/pisub-vm/internal/rbtree"
	"github.com/piforth/pisub-vm/status"
)

// Interval is a half-open range of kernel addresses [First, Last). Two
// intervals compare equal under Cmp whenever one is entirely contained in
// the other; this is what lets Floor/Ceiling double as "does this
// allocated range sit next to a free interval" queries.
type Interval struct {
	First, Last uint32
}

// Cmp implements rbtree.Ordered. It assumes non-overlapping free
// intervals are maintained by the allocator: true overlap that is not
// containment is a bookkeeping bug in the caller, not a valid ordering,
// and is treated as equal so the caller's ASSERT-equivalent can fire.
func (a Interval) Cmp(b Interval) int {
	switch {
	case a.First >= b.First && a.Last <= b.Last:
		return 0
	case a.Last <= b.First:
		return -1
	case a.First >= b.Last:
		return 1
	default:
		return 0
	}
}

func adjacent(a, b Interval) bool {
	return a.Last == b.First
}

func numPages(i Interval) uint32 {
	return (i.Last - i.First) >> descriptor.PageBits
}

func interval(base uint32, pages uint32) Interval {
	return Interval{First: base, Last: base + pages<<descriptor.PageBits}
}

// Allocator is a first-fit allocator of kernel address ranges, backed by a
// red-black tree of free intervals ordered by address.
type Allocator struct {
	free rbtree.Tree[Interval, struct{}]
}

// New returns an allocator with no free space; callers add ranges with
// AddFree before the first Alloc.
func New() *Allocator {
	return &Allocator{}
}

// AddFree adds [first, last) to the pool of addresses available for
// allocation. Used only at initialization, to seed the regions of kernel
// address space not already claimed by the identity-mapped boot image or
// reserved for I/O and the no-man's-land guard region.
func (a *Allocator) AddFree(first, last uint32) {
	a.free.Insert(Interval{First: first, Last: last}, struct{}{})
}

// Alloc returns the base address of a run of pages pages long, taken from
// the start of the first free interval large enough to hold it. Running
// out of kernel address space is always a bug in a correctly sized
// system, but callers get a status back rather than a forced halt so
// tests can exercise the failure path.
func (a *Allocator) Alloc(pages uint32) (base uint32, st status.Code) {
	var found *rbtree.Node[Interval, struct{}]
	a.free.Walk(func(n *rbtree.Node[Interval, struct{}]) {
		if found == nil && numPages(n.Key) >= pages {
			found = n
		}
	})
	if found == nil {
		return 0, status.NoKernelSpace
	}

	base = found.Key.First
	if numPages(found.Key) == pages {
		a.free.DeleteNode(found)
	} else {
		found.Key.First += pages << descriptor.PageBits
	}
	return base, status.OK
}

// Free returns a previously-allocated range to the pool, coalescing it
// with an adjacent free interval on either side when one exists.
func (a *Allocator) Free(base uint32, pages uint32) {
	freed := interval(base, pages)

	pred := a.free.Floor(freed)
	succ := a.free.Ceiling(freed)

	switch {
	case pred != nil && adjacent(pred.Key, freed) && succ != nil && adjacent(freed, succ.Key):
		pred.Key.Last = succ.Key.Last
		a.free.DeleteNode(succ)
	case pred != nil && adjacent(pred.Key, freed):
		pred.Key.Last = freed.Last
	case succ != nil && adjacent(freed, succ.Key):
		succ.Key.First = freed.First
	default:
		a.free.Insert(freed, struct{}{})
	}
}

// FreePages returns the total size, in pages, of every interval currently
// available for allocation; used by tests and diagnostics.
func (a *Allocator) FreePages() uint32 {
	var total uint32
	a.free.Walk(func(n *rbtree.Node[Interval, struct{}]) {
		total += numPages(n.Key)
	})
	return total
}

// FreeIntervalCount returns the number of distinct free intervals
// currently tracked; used by tests to confirm coalescing actually merged
// adjacent ranges rather than leaving them fragmented.
func (a *Allocator) FreeIntervalCount() int {
	return a.free.Len()
}
