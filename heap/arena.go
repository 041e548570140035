package heap

// pageKind classifies the role of one page within an arena chunk's
// per-page map, mirroring the four states §3's Data Model lists for a
// chunk's page map (unallocated-with-size, large-header,
// large-continuation, small-run-belonging-to-bin-at-offset).
type pageKind uint8

const (
	pageUnallocated pageKind = iota
	pageLargeHeader
	pageLargeContinuation
	pageSmallRun
)

// pageMapEntry is one arena chunk's bookkeeping for a single page.
// Grounded on heap_arena.c's arena_chunk_map_t bitfields
// (_HeapArenaMapBits{Unallocated,Large,Small}{Get,Set}), re-expressed as
// a plain struct instead of a packed bitfield word since nothing outside
// this package needs the packed representation.
type pageMapEntry struct {
	kind pageKind

	size uintptr // pageUnallocated (run of free pages) / pageLargeHeader: region size in bytes

	binIndex    int // pageSmallRun: which bin's size class this page's run serves
	runFirstPage int // pageSmallRun: page index of the run's first page, to find the run header

	dirty    bool
	unzeroed bool
}

// arenaChunk is one chunk-sized region owned by an arena, subdivided
// into pagesPerChunk(size) pages tracked by a per-page map. The original
// reserves the chunk's first few pages in the mapped region itself to
// hold this map; here it's an ordinary Go slice, since nothing requires
// the bookkeeping to live inside the region it describes.
type arenaChunk struct {
	arena      *arena
	base       uintptr
	pages      []pageMapEntry
	runs       map[int]*run // first page index -> run, for small allocations
	nFreePages int
}

func pagesPerChunk(chunkSize uintptr) int { return int(chunkSize / pageSize) }

func newArenaChunk(a *arena, base uintptr, n int) *arenaChunk {
	c := &arenaChunk{arena: a, base: base, pages: make([]pageMapEntry, n), runs: make(map[int]*run)}
	c.pages[0] = pageMapEntry{kind: pageUnallocated, size: uintptr(n) * pageSize}
	c.nFreePages = n
	return c
}

// findFree scans the chunk's page map for a run of at least n contiguous
// free pages, first-fit. A linear scan is adequate here: chunks carry at
// most a few thousand pages and this only runs on a bin/large-class miss,
// not on every allocation.
func (c *arenaChunk) findFree(n int) (start int, ok bool) {
	if c.nFreePages < n {
		return 0, false
	}
	for i := 0; i < len(c.pages); {
		e := c.pages[i]
		if e.kind != pageUnallocated {
			i++
			continue
		}
		run := int(e.size / pageSize)
		if run >= n {
			return i, true
		}
		i += run
	}
	return 0, false
}

// carve marks the n pages starting at start as taken by splitting the
// free run they belong to, returning any leftover free pages as a new
// unallocated entry.
func (c *arenaChunk) carve(start, n int) {
	free := c.pages[start]
	leftover := int(free.size/pageSize) - n
	if leftover > 0 {
		c.pages[start+n] = pageMapEntry{kind: pageUnallocated, size: uintptr(leftover) * pageSize}
	}
	c.nFreePages -= n
}

// release marks the n pages starting at start as a single free run and
// coalesces with adjacent free runs, undoing carve.
func (c *arenaChunk) release(start, n int) {
	size := uintptr(n) * pageSize
	if next := start + n; next < len(c.pages) && c.pages[next].kind == pageUnallocated {
		size += c.pages[next].size
		c.pages[next] = pageMapEntry{}
	}
	if start > 0 {
		if j := precedingFreeStart(c.pages, start); j >= 0 {
			size += c.pages[j].size
			start = j
		}
	}
	c.pages[start] = pageMapEntry{kind: pageUnallocated, size: size}
	c.nFreePages += n
}

// precedingFreeStart scans forward from page 0 to before, checking each
// unallocated run header until it finds the one (if any) whose run reaches
// exactly up to before.
func precedingFreeStart(pages []pageMapEntry, before int) int {
	for i := 0; i < before; i++ {
		e := pages[i]
		if e.kind == pageUnallocated && i+int(e.size/pageSize) == before {
			return i
		}
	}
	return -1
}

func (c *arenaChunk) full() bool { return c.nFreePages == 0 }
func (c *arenaChunk) empty() bool {
	return c.nFreePages == len(c.pages)
}

// run is a contiguous span of pages within an arenaChunk, carved into
// regionsPerRun equal regions of bin's size class.
type run struct {
	chunk     *arenaChunk
	pageIndex int
	bin       *bin
	bmp       *bitmap
	nFree     uint32
}

func (r *run) baseAddr() uintptr {
	return r.chunk.base + uintptr(r.pageIndex)*pageSize
}

func (r *run) regionAddr(i int) uintptr {
	return r.baseAddr() + r.bin.info.region0Offset + uintptr(i)*r.bin.info.regionSize
}

func (r *run) regionIndex(ptr uintptr) int {
	return int((ptr - r.baseAddr() - r.bin.info.region0Offset) / r.bin.info.regionSize)
}

// bin is one arena's bookkeeping for a single small size class: a
// current run serving allocations plus a pool of other non-full runs.
// Grounded on heap_arena.c's arena_bin_t (current run + non-full run
// tree, simplified here to a slice): refill takes the most recently added
// non-full run first, with no ordering by address or fullness.
type bin struct {
	mu      Mutex
	info    *binInfo
	current *run
	nonFull []*run

	nAlloc, nDAlloc uint64
}

// arena is one concurrency shard of the heap, owning a bin per size
// class, a mutex, and the chunks it has pulled from the chunk layer.
// Grounded on heap_arena.c's arena_t.
type arena struct {
	mu     Mutex
	heap   *Heap
	bins   []bin
	chunks map[uintptr]*arenaChunk

	profBytes uint64
}

func newArena(h *Heap) *arena {
	a := &arena{mu: h.mutexFactory.CreateMutex(), heap: h, chunks: make(map[uintptr]*arenaChunk)}
	a.bins = make([]bin, len(binInfos))
	for i := range a.bins {
		a.bins[i].info = &binInfos[i]
		a.bins[i].mu = h.mutexFactory.CreateMutex()
	}
	return a
}

// getChunk returns an existing resident chunk with at least n free
// pages, or pulls a fresh one from the heap's chunk layer.
func (a *arena) getChunk(n int) (*arenaChunk, int, bool) {
	for _, c := range a.chunks {
		if start, ok := c.findFree(n); ok {
			return c, start, true
		}
	}
	chunkSize := a.heap.chunkSize
	base, ok := a.heap.chunks.Get(chunkSize, false)
	if !ok {
		return nil, 0, false
	}
	c := newArenaChunk(a, base, pagesPerChunk(chunkSize))
	a.chunks[base] = c
	a.heap.chunks.SetMeta(base, c)
	start, ok := c.findFree(n)
	return c, start, ok
}

// maybeReleaseChunk returns an empty resident chunk to the chunk layer.
func (a *arena) maybeReleaseChunk(c *arenaChunk) {
	if !c.empty() {
		return
	}
	delete(a.chunks, c.base)
	a.heap.chunks.SetMeta(c.base, nil)
	a.heap.chunks.Put(c.base, a.heap.chunkSize)
}

// refill gives b a run to allocate from: a pooled non-full run if one
// exists, else a freshly carved one.
func (a *arena) refill(b *bin) bool {
	if n := len(b.nonFull); n > 0 {
		b.current = b.nonFull[n-1]
		b.nonFull = b.nonFull[:n-1]
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	nPages := int(b.info.runSize / pageSize)
	c, start, ok := a.getChunk(nPages)
	if !ok {
		return false
	}
	c.carve(start, nPages)
	for i := 0; i < nPages; i++ {
		c.pages[start+i] = pageMapEntry{kind: pageSmallRun, binIndex: b.index(a), runFirstPage: start}
	}
	r := &run{chunk: c, pageIndex: start, bin: b, bmp: newBitmap(b.info.bitmapInfo), nFree: b.info.regionsPerRun}
	c.runs[start] = r
	b.current = r
	return true
}

func (b *bin) index(a *arena) int {
	for i := range a.bins {
		if &a.bins[i] == b {
			return i
		}
	}
	return -1
}

// allocSmall allocates one region from bin idx.
func (a *arena) allocSmall(idx int) (uintptr, bool) {
	b := &a.bins[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil || b.current.nFree == 0 {
		if !a.refill(b) {
			return 0, false
		}
	}
	regionIdx, ok := b.current.bmp.SetFirstClear()
	if !ok {
		return 0, false
	}
	b.current.nFree--
	b.nAlloc++
	ptr := b.current.regionAddr(regionIdx)

	if b.current.nFree == 0 {
		b.current = nil
	}
	return ptr, true
}

// freeSmall returns the region at ptr, within chunk c, to its run.
func (a *arena) freeSmall(c *arenaChunk, ptr uintptr) {
	pageIdx := int((ptr - c.base) / pageSize)
	entry := c.pages[pageIdx]
	r, ok := c.runs[entry.runFirstPage]
	if !ok {
		return
	}
	b := r.bin
	b.mu.Lock()
	defer b.mu.Unlock()

	regionIdx := r.regionIndex(ptr)
	wasFull := r.nFree == 0
	r.bmp.Unset(regionIdx)
	r.nFree++
	b.nDAlloc++

	if wasFull && r != b.current {
		b.nonFull = append(b.nonFull, r)
	}

	if r.nFree == b.info.regionsPerRun {
		a.reclaimRun(b, r)
	}
}

// reclaimRun returns every page of an emptied run back to its chunk's
// free-page map, detaching it from whichever bookkeeping list held it.
func (a *arena) reclaimRun(b *bin, r *run) {
	if b.current == r {
		b.current = nil
	} else {
		for i, other := range b.nonFull {
			if other == r {
				b.nonFull = append(b.nonFull[:i], b.nonFull[i+1:]...)
				break
			}
		}
	}

	a.mu.Lock()
	c := r.chunk
	delete(c.runs, r.pageIndex)
	nPages := int(b.info.runSize / pageSize)
	c.release(r.pageIndex, nPages)
	a.maybeReleaseChunk(c)
	a.mu.Unlock()
}

// allocLarge carves ceil(size/pageSize) contiguous pages directly from
// an arena chunk for allocations above the small-class cap but below one
// chunk, recording the header page's size so Size/Free can recover it.
func (a *arena) allocLarge(size uintptr) (uintptr, bool) {
	nPages := int((size + pageSize - 1) / pageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	c, start, ok := a.getChunk(nPages)
	if !ok {
		return 0, false
	}
	c.carve(start, nPages)
	c.pages[start] = pageMapEntry{kind: pageLargeHeader, size: size}
	for i := 1; i < nPages; i++ {
		c.pages[start+i] = pageMapEntry{kind: pageLargeContinuation}
	}
	return c.base + uintptr(start)*pageSize, true
}

func (a *arena) largeSize(c *arenaChunk, ptr uintptr) uintptr {
	pageIdx := int((ptr - c.base) / pageSize)
	return c.pages[pageIdx].size
}

func (a *arena) freeLarge(c *arenaChunk, ptr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pageIdx := int((ptr - c.base) / pageSize)
	size := c.pages[pageIdx].size
	nPages := int((size + pageSize - 1) / pageSize)
	c.release(pageIdx, nPages)
	a.maybeReleaseChunk(c)
}
