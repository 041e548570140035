// Package heap implements the §4.G production heap: a jemalloc-shaped
// allocator layered as chunk acquisition, a base bump allocator for
// internal bookkeeping, arenas subdividing chunks into size-classed bins
// and runs, and per-thread magazines in front of the arena path. It
// implements the allocator.Allocator contract the same way the
// bootstrap initheap package does, so callers never need to know which
// one backs a given pointer.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/piforth/pisub-vm/allocator"
	"github.com/piforth/pisub-vm/trace"
)

// Mutex and MutexFactory are the injected locking capability from §6;
// DefaultMutexFactory backs them with sync.Mutex, which is what every
// pack example already reaches for when it needs a lock at all.
type Mutex interface {
	Lock()
	Unlock()
}

type MutexFactory interface {
	CreateMutex() Mutex
}

type stdMutexFactory struct{}

func (stdMutexFactory) CreateMutex() Mutex { return &sync.Mutex{} }

// DefaultMutexFactory is used wherever NewHeap is given a nil factory.
var DefaultMutexFactory MutexFactory = stdMutexFactory{}

// Flags controls heap-wide behavior, fixed at creation time. Grounded on
// §6's heap_create flag list.
type Flags uint32

const (
	FlagRedzone Flags = 1 << iota
	FlagJunkFill
	FlagZeroFill
	FlagNoTCache
	FlagProfile
)

const (
	junkByte    byte = 0x5A // written over freed memory under FlagJunkFill
	redzoneByte byte = 0xAA
)

// MallocSpy is the heap's single-slot call interception point.
type MallocSpy interface {
	PreAlloc(size uintptr)
	PostAlloc(size uintptr, ptr unsafe.Pointer)
	PreFree(ptr unsafe.Pointer)
	PostFree()
}

// oversizeMarker is the chunkManager.SetMeta payload recorded for an
// allocation that bypassed arenas entirely because it needed a whole
// chunk or more.
type oversizeMarker struct {
	size uintptr
}

// Heap is the production allocator described by §4.G.
type Heap struct {
	chunkSize uintptr
	flags     Flags

	mutexFactory MutexFactory

	chunks *chunkManager
	base   *baseAllocator

	arenas    []*arena
	nextArena uint32

	tlsFactory ThreadLocalFactory
	tlsSlot    ThreadLocal

	spyMu sync.RWMutex
	spy   MallocSpy

	debugMu sync.RWMutex
	debug   trace.Sink
}

// NewHeap is heap_create from §6, minus the raw_heap_storage/free_fn
// parameters: those exist in the original because COMROGUE heaps can be
// placed in caller-supplied static storage with a matching free
// function, a concern Go's garbage collector makes moot here (see
// DESIGN.md). chunkBits sizes the chunk (2^chunkBits bytes; 0 selects the
// default 22, for 4 MiB); numArenas picks the concurrency fan-out.
func NewHeap(chunkAlloc ChunkAllocator, mutexFactory MutexFactory, tlsFactory ThreadLocalFactory, numArenas int, chunkBits uint, flags Flags) *Heap {
	if mutexFactory == nil {
		mutexFactory = DefaultMutexFactory
	}
	if tlsFactory == nil {
		tlsFactory = NewSharedThreadLocalFactory()
	}
	if numArenas < 1 {
		numArenas = 1
	}
	if chunkBits == 0 {
		chunkBits = 22
	}

	chunkSize := uintptr(1) << chunkBits
	keyBits := 32 - int(chunkBits) // bits of a 32-bit address above the chunk shift

	h := &Heap{chunkSize: chunkSize, flags: flags, tlsFactory: tlsFactory, mutexFactory: mutexFactory}
	h.chunks = newChunkManager(chunkAlloc, chunkSize, keyBits, mutexFactory)
	h.base = newBaseAllocator(h.chunks, chunkSize, mutexFactory)
	h.chunks.setBase(h.base)

	h.arenas = make([]*arena, numArenas)
	for i := range h.arenas {
		h.arenas[i] = newArena(h)
	}

	h.tlsSlot = tlsFactory.CreateThreadLocal(tcacheNull)
	return h
}

// SetSpy installs (or clears, with nil) the malloc-spy notification hook.
func (h *Heap) SetSpy(spy MallocSpy) {
	h.spyMu.Lock()
	h.spy = spy
	h.spyMu.Unlock()
}

// SetDebugStream installs (or clears) the heap's debug diagnostics sink.
func (h *Heap) SetDebugStream(s trace.Sink) {
	h.debugMu.Lock()
	h.debug = s
	h.debugMu.Unlock()
}

// debugf writes to this heap's own debug sink (distinct from the
// package-wide trace.Sink installed via trace.SetSink), if one has been
// set via SetDebugStream.
func (h *Heap) debugf(format string, args ...interface{}) {
	h.debugMu.RLock()
	s := h.debug
	h.debugMu.RUnlock()
	if s == nil {
		return
	}
	s.Write([]byte(fmt.Sprintf(format, args...)))
}

func (h *Heap) chooseArena() *arena {
	n := atomic.AddUint32(&h.nextArena, 1)
	return h.arenas[int(n)%len(h.arenas)]
}

// currentTCache returns this "thread"'s cache, lazily creating one
// unless it has been explicitly disabled. See tcache.go and §9's Open
// Question about the single shared thread-local slot.
func (h *Heap) currentTCache(a *arena) *tcache {
	if h.flags&FlagNoTCache != 0 {
		return nil
	}
	switch v := h.tlsSlot.Get().(type) {
	case *tcache:
		return v
	case tcacheSlotState:
		if v == tcacheDisabled {
			return nil
		}
		tc := newTCache(h, a)
		h.tlsSlot.Set(tc)
		h.tlsSlot.SetCleanup(func(v interface{}) {
			if tc, ok := v.(*tcache); ok {
				tc.flushAll()
			}
		})
		return tc
	default:
		return nil
	}
}

// DisableThreadCache flushes and disables the calling thread's cache.
func (h *Heap) DisableThreadCache() {
	if tc, ok := h.tlsSlot.Get().(*tcache); ok {
		tc.flushAll()
	}
	h.tlsSlot.Set(tcacheDisabled)
}

// EnableThreadCache re-enables the calling thread's cache; one is
// created lazily on the next allocation.
func (h *Heap) EnableThreadCache() {
	h.tlsSlot.Set(tcacheNull)
}

func (h *Heap) chunkOf(ptr uintptr) (*arenaChunk, bool) {
	c, ok := h.chunks.Meta(ptr).(*arenaChunk)
	return c, ok
}

func (h *Heap) binIndexForAlloc(size uintptr) (int, bool) {
	if h.flags&FlagRedzone != 0 {
		size += redzoneBytes
	}
	return binIndex(size)
}

// Alloc implements allocator.Allocator.
func (h *Heap) Alloc(size uintptr) unsafe.Pointer {
	h.spyMu.RLock()
	spy := h.spy
	h.spyMu.RUnlock()
	if spy != nil {
		spy.PreAlloc(size)
	}

	ptr := h.allocInternal(size)

	if spy != nil {
		spy.PostAlloc(size, ptrOf(ptr))
	}
	return ptrOf(ptr)
}

func (h *Heap) allocInternal(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	if size >= h.chunkSize {
		return h.allocOversize(size)
	}
	if idx, ok := h.binIndexForAlloc(size); ok {
		return h.allocSmall(idx, size)
	}
	return h.allocLarge(size)
}

func (h *Heap) allocSmall(idx int, requested uintptr) uintptr {
	a := h.chooseArena()
	var ptr uintptr
	var ok bool
	if tc := h.currentTCache(a); tc != nil {
		ptr, ok = tc.allocSmall(idx)
	} else {
		ptr, ok = a.allocSmall(idx)
	}
	if !ok {
		return 0
	}
	h.fillFresh(ptr, regionSize(idx), requested)
	return ptr
}

func (h *Heap) allocLarge(size uintptr) uintptr {
	a := h.chooseArena()
	ptr, ok := a.allocLarge(size)
	if !ok {
		return 0
	}
	h.fillFresh(ptr, ((size+pageSize-1)/pageSize)*pageSize, size)
	return ptr
}

func (h *Heap) allocOversize(size uintptr) uintptr {
	rounded := (size + h.chunkSize - 1) &^ (h.chunkSize - 1)
	mustZero := h.flags&FlagZeroFill != 0
	addr, ok := h.chunks.Get(rounded, mustZero)
	if !ok {
		return 0
	}
	marker := &oversizeMarker{size: size}
	for base := addr; base < addr+rounded; base += h.chunkSize {
		h.chunks.SetMeta(base, marker)
	}
	// Oversize allocations skip the junk-fill pass even under
	// FlagJunkFill: they're large enough that the cost is worth
	// avoiding, matching jemalloc's own huge-allocation behavior.
	return addr
}

// fillFresh applies FlagZeroFill / FlagRedzone to a freshly handed-out
// region of the given capacity, for a caller that asked for requested
// bytes of it.
func (h *Heap) fillFresh(ptr, capacity, requested uintptr) {
	if h.flags&FlagZeroFill != 0 {
		zeroMemory(ptr, requested)
	}
	if h.flags&FlagRedzone != 0 && requested+redzoneBytes <= capacity {
		buf := bytesAt(ptr+requested, redzoneBytes)
		for i := range buf {
			buf[i] = redzoneByte
		}
	}
}

// Free implements allocator.Allocator.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	h.spyMu.RLock()
	spy := h.spy
	h.spyMu.RUnlock()
	if spy != nil {
		spy.PreFree(p)
	}

	h.freeInternal(addrOfPtr(p))

	if spy != nil {
		spy.PostFree()
	}
}

func (h *Heap) freeInternal(ptr uintptr) {
	switch m := h.chunks.Meta(ptr).(type) {
	case *oversizeMarker:
		rounded := (m.size + h.chunkSize - 1) &^ (h.chunkSize - 1)
		h.chunks.Put(ptr, rounded)
	case *arenaChunk:
		h.freeArenaPointer(m, ptr)
	default:
		h.debugf("heap: Free of untracked pointer %#x\n", ptr)
	}
}

func (h *Heap) freeArenaPointer(c *arenaChunk, ptr uintptr) {
	pageIdx := int((ptr - c.base) / pageSize)
	entry := c.pages[pageIdx]
	a := c.arena

	switch entry.kind {
	case pageSmallRun:
		if h.flags&FlagJunkFill != 0 {
			junkFill(ptr, regionSize(entry.binIndex))
		}
		if tc := h.currentTCache(a); tc != nil {
			tc.freeSmall(entry.binIndex, ptr)
			return
		}
		a.freeSmall(c, ptr)
	case pageLargeHeader:
		size := entry.size
		if h.flags&FlagJunkFill != 0 {
			junkFill(ptr, size)
		}
		if tc := h.currentTCache(a); tc != nil && tc.freeLarge(size, ptr) {
			return
		}
		a.freeLarge(c, ptr)
	default:
		h.debugf("heap: Free of interior/unallocated pointer %#x\n", ptr)
	}
}

func junkFill(addr, size uintptr) {
	buf := bytesAt(addr, size)
	for i := range buf {
		buf[i] = junkByte
	}
}

// Size implements allocator.Allocator.
func (h *Heap) Size(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	ptr := addrOfPtr(p)
	switch m := h.chunks.Meta(ptr).(type) {
	case *oversizeMarker:
		return m.size
	case *arenaChunk:
		pageIdx := int((ptr - m.base) / pageSize)
		entry := m.pages[pageIdx]
		switch entry.kind {
		case pageSmallRun:
			return regionSize(entry.binIndex)
		case pageLargeHeader:
			return entry.size
		}
	}
	return 0
}

// DidAlloc implements allocator.Allocator: yes iff ptr falls inside a
// chunk this heap currently owns, per invariant 6 of §8.
func (h *Heap) DidAlloc(p unsafe.Pointer) allocator.TriState {
	if p == nil {
		return allocator.No
	}
	if h.chunks.Owns(addrOfPtr(p)) {
		return allocator.Yes
	}
	return allocator.No
}

// Realloc implements allocator.Allocator, preserving the degenerate
// cases called out in §9: null in behaves as Alloc, zero out behaves as
// Free.
func (h *Heap) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if p == nil {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(p)
		return nil
	}

	oldSize := h.Size(p)
	if size <= oldSize {
		return p
	}

	newPtr := h.Alloc(size)
	if newPtr == nil {
		return nil
	}
	copy(bytesAt(addrOfPtr(newPtr), oldSize), bytesAt(addrOfPtr(p), oldSize))
	h.Free(p)
	return newPtr
}

// HeapMinimize implements allocator.Allocator: an advisory hint that
// flushes the calling thread's cache back to its arena, where a fully
// emptied run or chunk is already released eagerly on every free. There
// is nothing further to reclaim until more threads exist to flush.
func (h *Heap) HeapMinimize() {
	if tc, ok := h.tlsSlot.Get().(*tcache); ok {
		tc.flushAll()
	}
}
