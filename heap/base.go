package heap

const cacheLineSize = 32 // ARMv6 L1 cache line

func cacheLineCeiling(sz uintptr) uintptr {
	return (sz + cacheLineSize - 1) &^ (cacheLineSize - 1)
}

// baseAllocator is a per-heap bump allocator. Grounded on heap_base.c:
// Alloc carves cache-line-aligned slices off the tail of a dedicated
// chunk, and widens into a fresh chunk from the injected allocator when
// the tail runs dry. The heap's own bookkeeping does not take its storage
// from Alloc: arenas, bin info, radix-tree nodes and fresh extent nodes
// are ordinary Go allocations. Freed extent nodes are kept on a private
// LIFO instead of going back to the chunk layer.
type baseAllocator struct {
	mu Mutex

	chunks    *chunkManager
	chunkSize uintptr

	next, past uintptr // [next, past) is the unconsumed tail of the current base chunk

	freeNodes []*extent // LIFO of recycled extent node storage
}

func newBaseAllocator(chunks *chunkManager, chunkSize uintptr, mutexFactory MutexFactory) *baseAllocator {
	return &baseAllocator{mu: mutexFactory.CreateMutex(), chunks: chunks, chunkSize: chunkSize}
}

func (b *baseAllocator) allocNewChunk(minimum uintptr) bool {
	adjusted := (minimum + b.chunkSize - 1) &^ (b.chunkSize - 1)
	addr, ok := b.chunks.Get(adjusted, false)
	if !ok {
		return false
	}
	// Mark the chunk as base-owned so the recycle logic never offers it
	// back up for reuse as an arena or oversize chunk; since base chunks
	// are never freed, it is enough that nothing ever calls Put on them.
	b.chunks.SetMeta(addr, baseChunkMarker{})
	b.next = addr
	b.past = addr + adjusted
	return true
}

// Alloc returns cacheLineSize-aligned storage of sz bytes, never freed
// individually (the whole base chunk goes away only when the heap does).
func (b *baseAllocator) Alloc(sz uintptr) uintptr {
	adjusted := cacheLineCeiling(sz)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next+adjusted > b.past {
		if !b.allocNewChunk(adjusted) {
			return 0
		}
	}
	rc := b.next
	b.next += adjusted
	return rc
}

// NodeAlloc returns a free *extent (the "extent node" of §3's data
// model), preferring the recycled LIFO. When the LIFO is empty the node is
// an ordinary Go allocation; it is not carved from a base chunk.
func (b *baseAllocator) NodeAlloc() *extent {
	b.mu.Lock()
	if n := len(b.freeNodes); n > 0 {
		node := b.freeNodes[n-1]
		b.freeNodes = b.freeNodes[:n-1]
		b.mu.Unlock()
		return node
	}
	b.mu.Unlock()
	return &extent{}
}

// NodeDealloc returns n to the free-node LIFO for reuse. Callers must be
// done reading n's fields before calling this: the node is not cleared,
// only re-threaded onto the free list, the same way _HeapBaseNodeDeAlloc
// reuses the node's own storage as its free-list link.
func (b *baseAllocator) NodeDealloc(n *extent) {
	b.mu.Lock()
	b.freeNodes = append(b.freeNodes, n)
	b.mu.Unlock()
}

// baseChunkMarker is the chunkManager.SetMeta payload for chunks owned by
// the base allocator, distinguishing them from arena chunks and oversize
// allocations at the same radix-tree lookup site.
type baseChunkMarker struct{}
