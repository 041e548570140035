package heap

// Size classes below smallMaxClass are served by bins of fixed-size
// regions; allocations above it up to one chunk are "large" (carved as
// contiguous pages directly from an arena chunk); anything a chunk or
// larger bypasses arenas entirely. Grounded on heap_arena.c's S2B table
// generation: quantum-spaced small classes, growing to coarser spacing as
// size increases, built once at package init rather than wired up by hand
// for every bin.
const (
	quantum       = 16
	smallMaxClass = 4096
	pageSize      = 4096

	// redzoneBytes pads a small region's tail when Heap was created with
	// FlagRedzone, so a one-byte overrun lands in padding instead of the
	// next region. Applied at Alloc time by widening the requested size
	// before the bin lookup; binInfo itself doesn't vary by flag.
	redzoneBytes = 8
)

var sizeClasses []uintptr // ascending, all representable small-allocation sizes
var classLookup []int8    // index by (size-1)/quantum -> position in sizeClasses
var binInfos []binInfo    // parallel to sizeClasses

// binInfo is the per-size-class bookkeeping a bin consults on every
// allocation: how big a region is, how many fit in a run, and the
// bitmap shape tracking which regions within a run are free. Grounded on
// heap_arena.c's arena_bin_info_t.
type binInfo struct {
	regionSize     uintptr
	runSize        uintptr
	regionsPerRun  uint32
	region0Offset  uintptr
	bitmapInfo     bitmapInfo
}

func init() {
	sizeClasses = buildSizeClasses()
	classLookup = buildClassLookup(sizeClasses)
	binInfos = buildBinInfos(sizeClasses)
}

// buildSizeClasses produces quantum-spaced classes up to 256 bytes, then
// widens the spacing by doubling every four classes up to smallMaxClass,
// the same "groups of four per doubling" shape jemalloc-derived
// allocators use to bound internal fragmentation without an explosion of
// bin count.
func buildSizeClasses() []uintptr {
	var classes []uintptr
	for sz := uintptr(quantum); sz <= 256; sz += quantum {
		classes = append(classes, sz)
	}
	delta := uintptr(256) / 4
	for sz := uintptr(256) + delta; sz <= smallMaxClass; {
		classes = append(classes, sz)
		if sz&(sz-1) == 0 { // just crossed a power of two: widen the step
			delta = sz / 4
		}
		sz += delta
	}
	return classes
}

func buildClassLookup(classes []uintptr) []int8 {
	n := int(smallMaxClass / quantum)
	lut := make([]int8, n)
	ci := 0
	for i := 0; i < n; i++ {
		sz := uintptr(i+1) * quantum
		for classes[ci] < sz {
			ci++
		}
		lut[i] = int8(ci)
	}
	return lut
}

func buildBinInfos(classes []uintptr) []binInfo {
	infos := make([]binInfo, len(classes))
	for i, region := range classes {
		runSize, regionsPerRun := runSizeFor(region)
		infos[i] = binInfo{
			regionSize:    region,
			runSize:       runSize,
			regionsPerRun: regionsPerRun,
			region0Offset: 0,
			bitmapInfo:    newBitmapInfo(int(regionsPerRun)),
		}
	}
	return infos
}

// binIndex returns the index into sizeClasses of the smallest class that
// can hold size bytes, and ok=false if size is too large for any bin.
func binIndex(size uintptr) (idx int, ok bool) {
	if size == 0 {
		size = 1
	}
	if size > smallMaxClass {
		return 0, false
	}
	slot := (size - 1) / quantum
	if int(slot) >= len(classLookup) {
		return 0, false
	}
	return int(classLookup[slot]), true
}

// regionSize returns the fixed region size bin idx serves.
func regionSize(idx int) uintptr { return sizeClasses[idx] }

// runSizeFor picks a run size for a region of the given size: starts at
// one page and grows by a page at a time while the region count is below
// the per-run cap, up to a ceiling on run size. Grounded on
// RUN_MAX_OVRHD's role in heap_arena.c, simplified to a page-count/size
// cap rather than a fractional-overhead ceiling (see DESIGN.md).
func runSizeFor(region uintptr) (runSize uintptr, regionsPerRun uint32) {
	const maxRegionsPerRun = 256

	runSize = pageSize
	for {
		n := uint32(runSize / region)
		if n >= maxRegionsPerRun || runSize >= 16*pageSize {
			regionsPerRun = n
			return
		}
		runSize += pageSize
	}
}
