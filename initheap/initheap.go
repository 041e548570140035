// Package initheap implements the bootstrap allocator used before the
// production heap exists: a classic K&R storage allocator, adapted to the
// allocator.Allocator contract, running over one fixed arena supplied at
// boot. It does not need to be efficient; it only serves allocations made
// by initializer code and is discarded, arena and all, once that code has
// run.
package initheap

import (
	"reflect"
	"unsafe"

	"github.com/piforth/pisub-vm/allocator"
)

// header is the in-place free-block header COMROGUE's BLOCK union
// describes: a link to the next free block plus this block's size, given
// in header-sized units and including the header unit itself. Every
// header other than the sentinel lives at the front of its block, inside
// the caller-supplied arena.
type header struct {
	next *header
	size uintptr
}

const headerSize = unsafe.Sizeof(header{})

func headerAt(addr uintptr) *header { return (*header)(unsafe.Pointer(addr)) }

func addrOf(h *header) uintptr { return uintptr(unsafe.Pointer(h)) }

// advance returns the header units units past h, the same way the
// original walks BLOCK pointers with plain pointer arithmetic.
func advance(h *header, units uintptr) *header { return headerAt(addrOf(h) + units*headerSize) }

// bytesAt views n bytes starting at ptr as a slice, the same
// reflect.SliceHeader technique the DMA allocator uses to turn a raw
// address into Go-visible memory.
func bytesAt(ptr unsafe.Pointer, n uintptr) []byte {
	var mem []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&mem))
	hdr.Data = uintptr(ptr)
	hdr.Len = int(n)
	hdr.Cap = int(n)
	return mem
}

// Heap is not safe for concurrent use; callers past the init segment
// should move to the production heap instead.
type Heap struct {
	arena                []byte // kept only to root the backing storage against the garbage collector
	arenaStart, arenaEnd uintptr
	base                 header // synthetic zero-sized sentinel, outside the arena
	lastFree             *header
	allocBytes           uintptr
	allocHiWater         uintptr
}

var _ allocator.Allocator = (*Heap)(nil)

// New carves backing into a single free block spanning the whole arena.
// backing's storage must stay alive and at a fixed address for the life
// of the heap: block headers live in place, not in a side table.
func New(backing []byte) *Heap {
	h := &Heap{arena: backing}
	start := uintptr(unsafe.Pointer(&backing[0]))
	h.arenaStart = start
	h.arenaEnd = start + uintptr(len(backing))

	h.base.next = &h.base
	h.lastFree = &h.base

	first := headerAt(start)
	first.size = uintptr(len(backing)) / headerSize
	h.spliceFree(first)
	h.allocBytes, h.allocHiWater = 0, 0
	return h
}

// spliceFree threads p into the free list, coalescing with whichever
// neighbor(s) it turns out to be adjacent to. It does not touch the
// allocation byte counters: callers that free a previously-allocated
// block adjust those themselves.
func (h *Heap) spliceFree(p *header) {
	q := h.lastFree
	for !(addrOf(p) > addrOf(q) && addrOf(p) < addrOf(q.next)) {
		if addrOf(q) >= addrOf(q.next) && (addrOf(p) > addrOf(q) || addrOf(p) < addrOf(q.next)) {
			break // p belongs at one end of the list or the other
		}
		q = q.next
	}

	if advance(p, p.size) == q.next {
		// coalesce with the following free block
		p.size += q.next.size
		p.next = q.next.next
	} else {
		p.next = q.next
	}

	if advance(q, q.size) == p {
		// coalesce with the preceding free block
		q.size += p.size
		q.next = p.next
	} else {
		q.next = p
	}

	h.lastFree = q
}

// unitsFor returns the block size, in header units including the header
// itself, needed to hold size bytes of payload.
func unitsFor(size uintptr) uintptr {
	return 1 + (size+headerSize-1)/headerSize
}

// findFree runs the same roving first-fit search the original allocator
// uses: starting just past the cursor, it returns the first free block at
// least nUnits long, or nil if the whole circular list comes up short.
func (h *Heap) findFree(nUnits uintptr) (q, p *header) {
	q = h.lastFree
	p = q.next
	for {
		if p.size >= nUnits {
			return q, p
		}
		if p == h.lastFree {
			return nil, nil
		}
		q = p
		p = p.next
	}
}

// Alloc implements allocator.Allocator.
func (h *Heap) Alloc(size uintptr) unsafe.Pointer {
	nUnits := unitsFor(size)
	q, p := h.findFree(nUnits)
	if p == nil {
		return nil
	}

	if p.size == nUnits {
		q.next = p.next
	} else {
		p.size -= nUnits
		tail := advance(p, p.size)
		tail.size = nUnits
		p = tail
	}
	h.lastFree = q

	h.allocBytes += nUnits * headerSize
	if h.allocBytes > h.allocHiWater {
		h.allocHiWater = h.allocBytes
	}
	return payloadOf(p)
}

func payloadOf(h *header) unsafe.Pointer { return unsafe.Pointer(advance(h, 1)) }

func headerOf(ptr unsafe.Pointer) *header { return headerAt(uintptr(ptr) - headerSize) }

// DidAlloc implements allocator.Allocator. It answers solely from whether
// ptr falls inside the arena, exactly as the original does, so that mixed
// use of several allocators stays unambiguous.
func (h *Heap) DidAlloc(ptr unsafe.Pointer) allocator.TriState {
	if ptr == nil {
		return allocator.Unknown
	}
	addr := uintptr(ptr)
	if addr >= h.arenaStart && addr < h.arenaEnd {
		return allocator.Yes
	}
	return allocator.No
}

// Free implements allocator.Allocator.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if h.DidAlloc(ptr) != allocator.Yes {
		return
	}
	p := headerOf(ptr)
	h.allocBytes -= p.size * headerSize
	h.spliceFree(p)
}

// Size implements allocator.Allocator.
func (h *Heap) Size(ptr unsafe.Pointer) uintptr {
	if h.DidAlloc(ptr) != allocator.Yes {
		return ^uintptr(0)
	}
	return (headerOf(ptr).size - 1) * headerSize
}

// Realloc implements allocator.Allocator. It shrinks in place, grows in
// place when the following block is free and large enough, and otherwise
// falls back to allocating a fresh block and copying.
func (h *Heap) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(ptr)
		return nil
	}
	if h.DidAlloc(ptr) != allocator.Yes {
		return nil
	}

	p := headerOf(ptr)
	nUnitsNew := unitsFor(size)
	if nUnitsNew == p.size {
		return ptr
	}

	if nUnitsNew < p.size {
		tail := advance(p, nUnitsNew)
		tail.size = p.size - nUnitsNew
		p.size = nUnitsNew
		h.allocBytes -= tail.size * headerSize
		h.spliceFree(tail)
		return ptr
	}

	// try to grow in place by absorbing the following free block
	extra := nUnitsNew - p.size
	next := advance(p, p.size)
	for qp, q := h.lastFree, h.lastFree.next; ; qp, q = q, q.next {
		if q == next {
			if q.size < extra {
				break
			}
			qp.next = q.next
			h.allocBytes += q.size * headerSize
			if q.size == extra {
				h.lastFree = qp
			} else {
				remainder := advance(q, extra)
				remainder.size = q.size - extra
				h.allocBytes -= remainder.size * headerSize
				h.spliceFree(remainder)
			}
			p.size = nUnitsNew
			if h.allocBytes > h.allocHiWater {
				h.allocHiWater = h.allocBytes
			}
			return ptr
		}
		if q == h.lastFree {
			break
		}
	}

	// last resort: allocate fresh and copy
	newPtr := h.Alloc(size)
	if newPtr == nil {
		return nil
	}
	copy(bytesAt(newPtr, size), bytesAt(ptr, (p.size-1)*headerSize))
	h.Free(ptr)
	return newPtr
}

// HeapMinimize implements allocator.Allocator. The bootstrap heap has no
// lazily-released structure to give back, so this is a no-op, matching
// the original's ObjHlpDoNothingReturnVoid.
func (h *Heap) HeapMinimize() {}

// AllocBytes returns the number of bytes currently allocated.
func (h *Heap) AllocBytes() uintptr { return h.allocBytes }

// AllocHighWater returns the largest AllocBytes has ever been.
func (h *Heap) AllocHighWater() uintptr { return h.allocHiWater }
