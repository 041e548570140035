package heap

// ThreadLocal is the injected thread-local-storage capability from §6:
// a single typed slot with an optional exit-time cleanup callback.
type ThreadLocal interface {
	Get() interface{}
	Set(v interface{})
	SetCleanup(fn func(interface{}))
}

// ThreadLocalFactory creates ThreadLocal slots; a real scheduler backs
// this with one slot per core or per thread.
type ThreadLocalFactory interface {
	CreateThreadLocal(initial interface{}) ThreadLocal
}

// sharedSlot is the stand-in ThreadLocalFactory used when the kernel has
// no scheduler yet (§9's Open Question): every "thread" shares the one
// instance, so the cache it holds is really just a single process-wide
// magazine rather than a true per-thread one. The ThreadLocal contract is
// unchanged, so a per-core factory is a drop-in replacement later.
type sharedSlot struct {
	val     interface{}
	cleanup func(interface{})
}

func NewSharedThreadLocalFactory() ThreadLocalFactory { return &sharedFactory{} }

type sharedFactory struct{}

func (sharedFactory) CreateThreadLocal(initial interface{}) ThreadLocal {
	return &sharedSlot{val: initial}
}

func (s *sharedSlot) Get() interface{}                    { return s.val }
func (s *sharedSlot) Set(v interface{})                   { s.val = v }
func (s *sharedSlot) SetCleanup(fn func(interface{})) { s.cleanup = fn }

// tcacheSlotState is what the thread-local slot holds before a live
// *tcache exists or after one has been torn down; grounded on
// heap_tcache.c's state machine for TLS-destructor races (a destructor
// can run, then the same thread allocates again before it exits).
type tcacheSlotState int

const (
	tcacheNull tcacheSlotState = iota
	tcacheDisabled
	tcachePurgatory
	tcacheReincarnated
)

const tcacheGCIncrement = 256 // events between GC flush sweeps

// tcacheBin is one size class's magazine: a LIFO of free regions up to a
// fixed capacity. A free into a full magazine first returns half of it to
// the arena, then caches the freed region.
type tcacheBin struct {
	avail []uintptr
	cap   int
}

func (b *tcacheBin) pop() (uintptr, bool) {
	if n := len(b.avail); n > 0 {
		p := b.avail[n-1]
		b.avail = b.avail[:n-1]
		return p, true
	}
	return 0, false
}

func (b *tcacheBin) push(p uintptr) bool {
	if len(b.avail) >= b.cap {
		return false
	}
	b.avail = append(b.avail, p)
	return true
}

// tcache is a per-thread (here: per-slot) magazine array, one tcacheBin
// per small size class plus one per large-class bucket, avoiding arena
// mutex traffic on the common alloc/free path. Grounded on
// heap_tcache.c's tcache_t / tcache_bin_t.
type tcache struct {
	heap   *Heap
	arena  *arena
	small  []tcacheBin
	large  []tcacheBin
	events int
}

const nLargeTCacheBuckets = 8 // coarse buckets above smallMaxClass worth caching

func newTCache(h *Heap, a *arena) *tcache {
	t := &tcache{heap: h, arena: a}
	t.small = make([]tcacheBin, len(binInfos))
	for i := range t.small {
		cap := int(2 * binInfos[i].regionsPerRun)
		if cap > 512 {
			cap = 512
		}
		t.small[i].cap = cap
	}
	t.large = make([]tcacheBin, nLargeTCacheBuckets)
	for i := range t.large {
		t.large[i].cap = 16
	}
	return t
}

func largeBucket(size uintptr) (int, bool) {
	if size <= smallMaxClass || size >= pageSize*nLargeTCacheBuckets {
		return 0, false
	}
	return int(size / pageSize), true
}

// allocSmall satisfies size from the small magazine if possible, falling
// through to the arena for a single region on a miss; the magazine is not
// refilled.
func (t *tcache) allocSmall(idx int) (uintptr, bool) {
	if p, ok := t.small[idx].pop(); ok {
		t.tick()
		return p, true
	}
	p, ok := t.arena.allocSmall(idx)
	if ok {
		t.tick()
	}
	return p, ok
}

func (t *tcache) freeSmall(idx int, ptr uintptr) {
	t.tick()
	if t.small[idx].push(ptr) {
		return
	}
	t.flushHalf(&t.small[idx], func(p uintptr) {
		t.returnSmall(idx, p)
	})
	t.small[idx].push(ptr)
}

func (t *tcache) returnSmall(idx int, ptr uintptr) {
	c, ok := t.heap.chunkOf(ptr)
	if ok {
		t.arena.freeSmall(c, ptr)
	}
}

func (t *tcache) freeLarge(size uintptr, ptr uintptr) bool {
	b, ok := largeBucket(size)
	if !ok {
		return false
	}
	t.tick()
	if t.large[b].push(ptr) {
		return true
	}
	t.flushHalf(&t.large[b], func(p uintptr) {
		if c, ok := t.heap.chunkOf(p); ok {
			t.arena.freeLarge(c, p)
		}
	})
	return t.large[b].push(ptr)
}

// tick bumps the event counter and triggers a GC sweep of every magazine
// at the configured increment, returning half of each back to the arena.
func (t *tcache) tick() {
	t.events++
	if t.events < tcacheGCIncrement {
		return
	}
	t.events = 0
	for i := range t.small {
		t.flushHalf(&t.small[i], func(p uintptr) { t.returnSmall(i, p) })
	}
	for i := range t.large {
		bucket := i
		t.flushHalf(&t.large[i], func(p uintptr) {
			if c, ok := t.heap.chunkOf(p); ok {
				t.arena.freeLarge(c, p)
			}
			_ = bucket
		})
	}
}

func (t *tcache) flushHalf(b *tcacheBin, ret func(uintptr)) {
	n := len(b.avail) / 2
	for i := 0; i < n; i++ {
		p := b.avail[len(b.avail)-1]
		b.avail = b.avail[:len(b.avail)-1]
		ret(p)
	}
}

// flushAll empties every magazine back to the arena; called on thread
// exit (the destructor SetCleanup installs) and when a cache is disabled.
func (t *tcache) flushAll() {
	for i := range t.small {
		for {
			p, ok := t.small[i].pop()
			if !ok {
				break
			}
			t.returnSmall(i, p)
		}
	}
	for i := range t.large {
		for {
			p, ok := t.large[i].pop()
			if !ok {
				break
			}
			if c, ok := t.heap.chunkOf(p); ok {
				t.arena.freeLarge(c, p)
			}
		}
	}
}
