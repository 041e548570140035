package heap

import (
	"github.com/piforth/pisub-vm/internal/rbtree"
)

// ChunkAllocator is the capability the chunk layer asks for fresh memory
// through; a real kernel wires this to the live mapper (vmm.Mapper),
// carving chunk-sized, chunk-aligned kernel virtual ranges backed by
// freshly allocated frames. zero reports whether the returned chunk
// already reads as zero, so the caller can skip re-zeroing it.
type ChunkAllocator interface {
	AllocChunk(size uintptr) (addr uintptr, zero bool, ok bool)
	PurgeChunk(addr uintptr, size uintptr) (stillZero bool)
	FreeChunk(addr uintptr, size uintptr)
}

// extent describes one free region under the chunk layer's management,
// in the size-address and address-only trees alike.
type extent struct {
	addr  uintptr
	size  uintptr
	zero  bool
}

type sizeAddrKey struct {
	size, addr uintptr
}

func (a sizeAddrKey) Cmp(b sizeAddrKey) int {
	switch {
	case a.size != b.size:
		if a.size < b.size {
			return -1
		}
		return 1
	case a.addr != b.addr:
		if a.addr < b.addr {
			return -1
		}
		return 1
	default:
		return 0
	}
}

type addrKey uintptr

func (a addrKey) Cmp(b addrKey) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// chunkManager recycles freed chunk-sized extents before asking the
// injected allocator for fresh memory, and tracks every live chunk's base
// address in a radix tree keyed by the chunk-base bits above the
// chunk-size shift, so the heap can answer DidAlloc/owner-of-pointer
// queries in O(1) without walking an ordered tree. Grounded on
// heap_chunks.c plus heap_rtree.c for the index itself.
type chunkManager struct {
	mu        Mutex // serializes bySize/byAddr; index has its own lock
	alloc     ChunkAllocator
	chunkSize uintptr
	keyBits   int

	bySize rbtree.Tree[sizeAddrKey, *extent]
	byAddr rbtree.Tree[addrKey, *extent]

	index *radixTree // chunk base (shifted) -> metadata set by the caller, or true for a live chunk without any
	base  *baseAllocator
}

func newChunkManager(alloc ChunkAllocator, chunkSize uintptr, keyBits int, mutexFactory MutexFactory) *chunkManager {
	return &chunkManager{
		mu:        mutexFactory.CreateMutex(),
		alloc:     alloc,
		chunkSize: chunkSize,
		keyBits:   keyBits,
		index:     newRadixTree(keyBits, mutexFactory),
	}
}

// setBase wires in the base allocator that will mint and reclaim this
// manager's extent-node storage from here on. It is set after
// construction because the base allocator itself needs a chunkManager to
// pull its own chunks from (see heap.go's heap_create).
func (m *chunkManager) setBase(b *baseAllocator) { m.base = b }

func (m *chunkManager) newExtent() *extent {
	if m.base != nil {
		return m.base.NodeAlloc()
	}
	return &extent{}
}

func (m *chunkManager) freeExtent(e *extent) {
	if m.base != nil {
		m.base.NodeDealloc(e)
	}
}

func (m *chunkManager) chunkBase(addr uintptr) uintptr {
	return addr &^ (m.chunkSize - 1)
}

func (m *chunkManager) shiftKey(base uintptr) uintptr {
	return base >> chunkSizeShift(m.chunkSize)
}

func chunkSizeShift(chunkSize uintptr) uint {
	var shift uint
	for (uintptr(1) << shift) < chunkSize {
		shift++
	}
	return shift
}

// Owns reports whether addr falls within a chunk this manager currently
// considers live.
func (m *chunkManager) Owns(addr uintptr) bool {
	_, ok := m.index.Get(m.shiftKey(m.chunkBase(addr)))
	return ok
}

// Meta returns whatever metadata was registered for the chunk containing
// addr via SetMeta, or nil if addr isn't inside a live chunk.
func (m *chunkManager) Meta(addr uintptr) interface{} {
	v, _ := m.index.Get(m.shiftKey(m.chunkBase(addr)))
	return v
}

// SetMeta records meta (an *arenaChunk, an oversize marker, or anything
// else the caller wants findable by address) under base's index entry.
// A live chunk with no metadata of its own holds true, as markOwned
// stores it; passing a nil meta clears the entry, after which Owns
// reports false for that chunk.
func (m *chunkManager) SetMeta(base uintptr, meta interface{}) {
	m.index.Set(m.shiftKey(base), meta)
}

// insertExtent threads e into both index trees.
func (m *chunkManager) insertExtent(e *extent) {
	m.bySize.Insert(sizeAddrKey{e.size, e.addr}, e)
	m.byAddr.Insert(addrKey(e.addr), e)
}

func (m *chunkManager) removeExtent(e *extent) {
	m.bySize.Delete(sizeAddrKey{e.size, e.addr})
	m.byAddr.Delete(addrKey(e.addr))
	m.freeExtent(e)
}

// recycle searches the size-address tree for the smallest extent at least
// size bytes long, taking its front and splitting off and re-indexing any
// trailing remainder, the way dma/alloc.go's alloc() carves a free block.
func (m *chunkManager) recycle(size uintptr) (addr uintptr, zero bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *rbtree.Node[sizeAddrKey, *extent]
	m.bySize.Walk(func(n *rbtree.Node[sizeAddrKey, *extent]) {
		if found == nil && n.Key.size >= size {
			found = n
		}
	})
	if found == nil {
		return 0, false, false
	}

	e := found.Value
	m.removeExtent(e)

	addr = e.addr
	zero = e.zero
	if e.size > size {
		rem := m.newExtent()
		rem.addr, rem.size, rem.zero = e.addr+size, e.size-size, e.zero
		m.insertExtent(rem)
	}
	return addr, zero, true
}

// Get acquires a chunk-sized, chunk-aligned region of at least size
// bytes: the recycle path first, then the injected allocator. mustZero
// requests the result read as all zero.
func (m *chunkManager) Get(size uintptr, mustZero bool) (addr uintptr, ok bool) {
	if addr, zero, ok := m.recycle(size); ok {
		if mustZero && !zero {
			zeroMemory(addr, size)
		}
		m.markOwned(addr, size)
		return addr, true
	}

	addr, zero, ok := m.alloc.AllocChunk(size)
	if !ok {
		return 0, false
	}
	if mustZero && !zero {
		zeroMemory(addr, size)
	}
	m.markOwned(addr, size)
	return addr, true
}

func (m *chunkManager) markOwned(addr, size uintptr) {
	for base := m.chunkBase(addr); base < addr+size; base += m.chunkSize {
		m.index.Set(m.shiftKey(base), true)
	}
}

func (m *chunkManager) unmarkOwned(addr, size uintptr) {
	for base := m.chunkBase(addr); base < addr+size; base += m.chunkSize {
		m.index.Clear(m.shiftKey(base))
	}
}

// Put returns a chunk to the recycle pool: purge, then coalesce forward
// (with the following free extent) and backward (with the preceding one),
// mirroring heap_chunks.c's free path.
func (m *chunkManager) Put(addr, size uintptr) {
	m.unmarkOwned(addr, size)
	zero := m.alloc.PurgeChunk(addr, size)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.newExtent()
	e.addr, e.size, e.zero = addr, size, zero

	if succ := m.byAddr.Ceiling(addrKey(addr)); succ != nil && succ.Value.addr == addr+size {
		m.removeExtent(succ.Value)
		e.size += succ.Value.size
		e.zero = e.zero && succ.Value.zero
	}
	if pred := m.byAddr.Floor(addrKey(addr - 1)); pred != nil && pred.Value.addr+pred.Value.size == addr {
		m.removeExtent(pred.Value)
		e.addr = pred.Value.addr
		e.size += pred.Value.size
		e.zero = e.zero && pred.Value.zero
	}

	m.insertExtent(e)
}

func zeroMemory(addr, size uintptr) {
	buf := bytesAt(addr, size)
	for i := range buf {
		buf[i] = 0
	}
}
