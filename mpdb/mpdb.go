// Package mpdb implements the Master Page Database: one 8-byte metadata
// record per physical frame in the system, threaded through a handful of
// circular singly-linked freelists, plus allocate/free with zero-fill
// support. Entries are classified once at boot and never destroyed; only
// their tag, subtag and list membership mutate afterwards.
package mpdb

import "github.com/piforth/pisub-vm/status"

// Frame tags.
const (
	TagUnknown uint8 = 0
	TagNormal  uint8 = 1
	TagSystem  uint8 = 2
)

// System subtags, meaningful only when Tag == TagSystem.
const (
	SubtagZeroPage uint8 = 0
	SubtagLibCode  uint8 = 1
	SubtagKCode    uint8 = 2
	SubtagKData    uint8 = 3
	SubtagInit     uint8 = 4
	SubtagTTB      uint8 = 5
	SubtagTTBAux   uint8 = 6
	SubtagMPDB     uint8 = 7
	SubtagPGTbl    uint8 = 8
	SubtagGPU      uint8 = 9
)

// AllocFlags controls AllocateFrame behavior.
type AllocFlags uint32

const FlagZero AllocFlags = 1 << 0

// InvalidFrame is returned by internal helpers when no frame could be
// found; it is never a valid frame index, since frame indices use only
// 20 bits.
const InvalidFrame = ^uint32(0)

// entry is one 8-byte Master Page Database record.
type entry struct {
	ptePA      uint32 // physical address of the descriptor mapping this frame
	next       uint32 // 20 bits used: next frame index in its circular list
	sectionMap bool   // ptePA points at a section descriptor, not a page entry
	tag        uint8
	subtag     uint8
}

// list is a {last, count} circular singly-linked intrusive list header.
type list struct {
	last  uint32
	count uint32
}

func (l *list) empty() bool { return l.count == 0 }

// SetPTEFunc is the signature of the PTE back-pointer update. The live
// mapper keeps each entry's ptePA/sectionMap fields current by calling
// NotifyPTEWritten whenever it writes or clears a descriptor that maps a
// tracked frame, so no table has to be scanned.
type SetPTEFunc func(frameIndex uint32, ptePA uint32, isSection bool)

// Zeroer maps a frame at a fixed scratch VA, bulk-zeroes it and demaps it
// again. It is injected so mpdb does not import the live mapper directly
// (that import would run the other way: the mapper imports mpdb to
// classify frames it allocates for page tables).
type Zeroer interface {
	ZeroFrame(framePA uint32) status.Code
}

// DB is the Master Page Database for one system. There is exactly one
// live instance, created by Init at boot.
type DB struct {
	entries []entry
	free    list
	zeroed  list
	init    list // frames to be freed once initialization completes

	setPTE SetPTEFunc
	zero   Zeroer
}

// New builds a database covering frameCount frames. The entries live in
// an ordinary Go slice; backing is not used.
func New(backing []byte, frameCount uint32, zero Zeroer) *DB {
	return &DB{
		entries: make([]entry, frameCount),
		zero:    zero,
	}
}

// SetPTEHook stores fn as the back-pointer callback (set_pte_address in
// the original allocator). The DB keeps it but does not call it;
// back-pointer updates arrive through NotifyPTEWritten.
func (db *DB) SetPTEHook(fn SetPTEFunc) {
	db.setPTE = fn
}

// NotifyPTEWritten is called by the live mapper after writing or clearing
// a descriptor that maps frameIndex, keeping the back-pointer current.
func (db *DB) NotifyPTEWritten(frameIndex uint32, ptePA uint32, isSection bool) {
	db.entries[frameIndex].ptePA = ptePA
	db.entries[frameIndex].sectionMap = isSection
}

func (db *DB) findPredecessor(frameIndex uint32) uint32 {
	i := frameIndex
	for db.entries[i].next != frameIndex {
		i = db.entries[i].next
	}
	return i
}

func (db *DB) unchain(frameIndex, startScan uint32) bool {
	i := startScan
	for {
		if db.entries[i].next == frameIndex {
			db.entries[i].next = db.entries[frameIndex].next
			return true
		}
		i = db.entries[i].next
		if i == startScan {
			return false
		}
	}
}

// removeFromList removes frameIndex from l. The scan always starts from
// l.last and relies on the list remaining circular even mid-removal: this
// is what makes it safe to use the (possibly stale) last pointer as the
// scan start rather than frameIndex itself.
func (db *DB) removeFromList(l *list, frameIndex uint32) {
	if l.last == frameIndex {
		l.last = db.findPredecessor(frameIndex)
	}
	if !db.unchain(frameIndex, l.last) {
		panic("mpdb: frame not found in its own list")
	}
	l.count--
	if l.count == 0 {
		l.last = 0
	}
}

func (db *DB) addToList(l *list, frameIndex uint32) {
	if l.count == 0 {
		db.entries[frameIndex].next = frameIndex
	} else {
		db.entries[frameIndex].next = db.entries[l.last].next
		db.entries[l.last].next = frameIndex
	}
	l.last = frameIndex
	l.count++
}

func (db *DB) allocateFrame(flags AllocFlags) uint32 {
	var l *list
	needZero := false

	if flags&FlagZero != 0 {
		switch {
		case !db.zeroed.empty():
			l = &db.zeroed
		case !db.free.empty():
			l = &db.free
			needZero = true
		}
	} else {
		switch {
		case !db.free.empty():
			l = &db.free
		case !db.zeroed.empty():
			l = &db.zeroed
		}
	}

	if l == nil {
		return InvalidFrame
	}

	frameIndex := db.entries[l.last].next
	db.removeFromList(l, frameIndex)

	if needZero {
		db.zeroFrame(frameIndex)
	}

	return frameIndex
}

func (db *DB) zeroFrame(frameIndex uint32) {
	if db.zero == nil {
		return
	}
	db.zero.ZeroFrame(frameIndex << 12)
}

// AllocateFrame allocates one frame and tags it. pa is the physical
// address of the allocated frame.
func (db *DB) AllocateFrame(flags AllocFlags, tag, subtag uint8) (pa uint32, st status.Code) {
	frameIndex := db.allocateFrame(flags)
	if frameIndex == InvalidFrame {
		return 0, status.OutOfMemory
	}
	db.entries[frameIndex].tag = tag
	db.entries[frameIndex].subtag = subtag
	return frameIndex << 12, status.OK
}

// FreeFrame returns a previously-allocated frame to the free list. The
// caller must supply the tag/subtag it expects the frame to currently
// carry; a mismatch means a double-free or type confusion and is reported
// as BadTags rather than silently accepted.
func (db *DB) FreeFrame(pa uint32, expectedTag, expectedSubtag uint8) status.Code {
	frameIndex := pa >> 12
	e := &db.entries[frameIndex]

	if e.tag != expectedTag || e.subtag != expectedSubtag {
		return status.BadTags
	}

	e.tag = TagNormal
	e.subtag = 0
	db.addToList(&db.free, frameIndex)
	return status.OK
}

// FrameInfo returns a frame's current tag/subtag/back-pointer state, for
// diagnostics and tests.
func (db *DB) FrameInfo(pa uint32) (tag, subtag uint8, ptePA uint32, sectionMap bool) {
	e := &db.entries[pa>>12]
	return e.tag, e.subtag, e.ptePA, e.sectionMap
}

// FreeCount and ZeroedCount report current list sizes; the tests check
// FreeCount against the layout and against a walk of the free list.
func (db *DB) FreeCount() uint32   { return db.free.count }
func (db *DB) ZeroedCount() uint32 { return db.zeroed.count }

// WalkFreeList calls fn once per frame index currently on the free list,
// in list order, for verifying the circular-list invariant in tests.
func (db *DB) WalkFreeList(fn func(frameIndex uint32)) {
	if db.free.empty() {
		return
	}
	start := db.entries[db.free.last].next
	i := start
	for {
		fn(i)
		i = db.entries[i].next
		if i == start {
			return
		}
	}
}

// buildChain classifies [first, first+count) as tag/subtag and, if list is
// non-nil, splices the whole run onto the end of it in one operation
// (rather than one addToList call per frame). Returns the index
// immediately following the classified run, the next start point for a
// subsequent chain. Used only during Init.
func (db *DB) buildChain(first, count uint32, tag, subtag uint8, l *list) uint32 {
	if count == 0 {
		return first
	}
	for i := uint32(0); i < count; i++ {
		db.entries[first+i].tag = tag
		db.entries[first+i].subtag = subtag
		if i < count-1 {
			db.entries[first+i].next = first + i + 1
		}
	}
	if l != nil {
		if l.count == 0 {
			db.entries[first+count-1].next = first
		} else {
			db.entries[first+count-1].next = db.entries[l.last].next
			db.entries[l.last].next = first
		}
		l.last = first + count - 1
		l.count += count
	}
	return first + count
}

// Layout describes the frame counts the early map builder classified the
// physical address space into, in the fixed order Init expects them.
type Layout struct {
	PrestartPages    uint32
	LibCodePages     uint32
	KernelCodePages  uint32
	KernelDataPages  uint32
	InitPages        uint32
	TTBGapPages      uint32
	TTBPages         uint32
	TTBAuxPages      uint32
	MPDBPages        uint32
	PageTablePages   uint32
	SystemAvailPages uint32
	SystemTotalPages uint32
}

// Init classifies every frame in the system according to layout,
// mirroring the fixed boot-time classification order: zero page,
// prestart, library code, kernel code, kernel data+bss, init, TTB gap,
// TTB, TTB aux, MPDB, page tables, remaining available, GPU reservation.
// It asserts that the classified frame count exactly equals
// layout.SystemTotalPages.
func (db *DB) Init(layout Layout) {
	i := db.buildChain(0, 1, TagSystem, SubtagZeroPage, nil)
	i = db.buildChain(i, layout.PrestartPages-1, TagNormal, 0, &db.free)
	i = db.buildChain(i, layout.LibCodePages, TagSystem, SubtagLibCode, nil)
	i = db.buildChain(i, layout.KernelCodePages, TagSystem, SubtagKCode, nil)
	i = db.buildChain(i, layout.KernelDataPages, TagSystem, SubtagKData, nil)
	i = db.buildChain(i, layout.InitPages, TagSystem, SubtagInit, &db.init)
	i = db.buildChain(i, layout.TTBGapPages, TagNormal, 0, &db.free)
	i = db.buildChain(i, layout.TTBPages, TagSystem, SubtagTTB, nil)
	i = db.buildChain(i, layout.TTBAuxPages, TagSystem, SubtagTTBAux, nil)
	i = db.buildChain(i, layout.MPDBPages, TagSystem, SubtagMPDB, nil)
	i = db.buildChain(i, layout.PageTablePages, TagSystem, SubtagPGTbl, nil)
	i = db.buildChain(i, layout.SystemAvailPages-i, TagNormal, 0, &db.free)
	i = db.buildChain(i, layout.SystemTotalPages-layout.SystemAvailPages, TagSystem, SubtagGPU, nil)

	if i != uint32(len(db.entries)) {
		panic("mpdb: classified frame count does not match total frame count")
	}
}

// ReleaseInitFrames moves every frame on the init list to the free list,
// for use once the init segment has been fully discarded.
func (db *DB) ReleaseInitFrames() {
	for !db.init.empty() {
		frameIndex := db.entries[db.init.last].next
		db.removeFromList(&db.init, frameIndex)
		db.entries[frameIndex].tag = TagNormal
		db.entries[frameIndex].subtag = 0
		db.addToList(&db.free, frameIndex)
	}
}
