// Package descriptor implements the bit-exact encode/decode of ARMv6
// two-level translation table entries: first-level (TTB) fault/page-table/
// section words, second-level (page-table) fault/small-page words, and
// the parallel software-only "aux" shadow word carried alongside each of
// them. The hardware reads these words directly, so every flag bit here
// matches the BCM2835/ARMv6 architecture reference layout exactly.
package descriptor

import "github.com/piforth/pisub-vm/bits"

// Layout constants, bit-exact and load-bearing.
const (
	PageSize       = 4096
	PageBits       = 12
	SectionSize    = 1 << 20
	SectionBits    = 20
	TTB1Size       = 16384
	TTB1Entries    = 4096
	TTBBits        = 12
	PageTableSize  = 1024
	PageTableBits  = 8
	PageTableEntries = 256
	SectionPages   = SectionSize / PageSize
)

// TTB (first-level) query bits.
const (
	ttbQueryMask  = 0x00000003
	TTBQueryFault = 0x00000000
	TTBQueryTable = 0x00000001
	TTBQuerySec   = 0x00000002
	// TTBQueryPXNSec is a section descriptor with PXN set; treated the
	// same as TTBQuerySec by callers that only care about section-vs-not.
	TTBQueryPXNSec = 0x00000003
)

// TTB section descriptor bits.
const (
	TTBSecPXN      = 0x00000001
	TTBSecAlways   = 0x00000002
	TTBSecB        = 0x00000004
	TTBSecC        = 0x00000008
	TTBSecXN       = 0x00000010
	TTBSecDomMask  = 0x000001E0
	TTBSecP        = 0x00000200
	TTBSecAP       = 0x00000C00
	TTBSecTEX      = 0x00007000
	TTBSecAPX      = 0x00008000
	TTBSecS        = 0x00010000
	TTBSecNG       = 0x00020000
	TTBSecSuper    = 0x00040000
	TTBSecNS       = 0x00080000
	TTBSecAllFlags = 0x000FFFFF
	TTBSecBase     = 0xFFF00000
)

// TTBSecSafeFlags are the flags that are safe to alter for a live section
// descriptor without rebuilding it from scratch.
const TTBSecSafeFlags = TTBSecAllFlags &^ (TTBSecAlways | TTBSecSuper)

// TTB page-table descriptor bits.
const (
	TTBTblAlways   = 0x00000001
	TTBTblPXN      = 0x00000004
	TTBTblNS       = 0x00000008
	TTBTblDomMask  = 0x000001E0
	TTBTblP        = 0x00000200
	TTBTblAllFlags = 0x000003FF
	TTBTblBase     = 0xFFFFFC00
)

const TTBTblSafeFlags = TTBTblAllFlags &^ 0x03

// TTB aux shadow bits, shared by the TTB-level and page-table-level aux
// tables.
const (
	AuxSacred      = 0x00000001
	AuxUnwriteable = 0x00000002
	AuxNotPage     = 0x00000004
	AuxAllFlags    = 0x00000007
)

const AuxSafeFlags = AuxAllFlags &^ AuxNotPage

// Page-table (second-level) query bits.
const (
	pgQueryMask  = 0x00000003
	PGQueryFault = 0x00000000
	PGQueryLarge = 0x00000001
	PGQuerySmall = 0x00000002
	PGQuerySmallXN = 0x00000003
)

// Small-page descriptor bits.
const (
	PGSmXN       = 0x00000001
	PGSmAlways   = 0x00000002
	PGSmB        = 0x00000004
	PGSmC        = 0x00000008
	PGSmAP       = 0x00000030
	PGSmTEX      = 0x000001C0
	PGSmAPX      = 0x00000200
	PGSmS        = 0x00000400
	PGSmNG       = 0x00000800
	PGSmAllFlags = 0x00000FFF
	PGSmBase     = 0xFFFFF000
)

const PGSmSafeFlags = PGSmAllFlags &^ PGSmAlways

// Common flag combinations, one per frame subtag that needs a mapping
// during early bring-up.
const (
	TTBFlagsLibCode   = TTBTblAlways
	PGFlagsLibCode    = PGSmAlways | PGSmB | PGSmC | 0x00000020 // AP10
	AuxFlagsLibCode   = AuxSacred | AuxUnwriteable

	TTBFlagsKernelCode = TTBTblAlways
	PGFlagsKernelCode  = PGSmAlways | PGSmB | PGSmC | 0x00000010 // AP01
	AuxFlagsKernelCode = AuxSacred | AuxUnwriteable

	TTBFlagsKernelData = TTBTblAlways
	PGFlagsKernelData  = PGSmXN | PGSmAlways | PGSmB | PGSmC | 0x00000010 // AP01
	AuxFlagsKernelData = AuxSacred

	TTBFlagsInitCode = TTBFlagsKernelCode
	PGFlagsInitCode  = PGFlagsKernelCode
	AuxFlagsInitCode = AuxUnwriteable

	TTBFlagsInitData = TTBFlagsKernelData
	PGFlagsInitData  = PGFlagsKernelData
	AuxFlagsInitData = 0

	TTBFlagsMMIO = TTBTblAlways
	PGFlagsMMIO  = PGSmAlways | 0x00000010 // AP01
	AuxFlagsMMIO = AuxSacred | AuxNotPage
)

// TTBQuery returns the type of a raw first-level descriptor word.
func TTBQuery(word uint32) uint32 {
	return bits.GetN(&word, 0, ttbQueryMask)
}

// PGQuery returns the type of a raw second-level descriptor word.
func PGQuery(word uint32) uint32 {
	return bits.GetN(&word, 0, pgQueryMask)
}

// MakeTTBSection builds a section descriptor from a 1 MiB-aligned base
// address and a flag word (any combination of the TTBSec* bits, minus the
// query bits, which are set here).
func MakeTTBSection(base uint32, flags uint32) uint32 {
	return (base & TTBSecBase) | (flags & TTBSecSafeFlags) | TTBSecAlways | TTBQuerySec
}

// MakeTTBTable builds a page-table pointer descriptor from the physical
// address of the (1 KiB-aligned) second-level table and a flag word.
func MakeTTBTable(base uint32, flags uint32) uint32 {
	return (base & TTBTblBase) | (flags & TTBTblSafeFlags) | TTBTblAlways
}

// TTBBaseAddress extracts the base address field appropriate to the
// descriptor's type; callers must check TTBQuery first.
func TTBBaseAddress(word uint32) uint32 {
	switch TTBQuery(word) {
	case TTBQuerySec, TTBQueryPXNSec:
		return word & TTBSecBase
	case TTBQueryTable:
		return word & TTBTblBase
	default:
		return 0
	}
}

// MakePGSmall builds a small-page descriptor from a 4 KiB-aligned base
// address and a flag word.
func MakePGSmall(base uint32, flags uint32) uint32 {
	return (base & PGSmBase) | (flags & PGSmSafeFlags) | PGSmAlways | PGQuerySmall
}

// PGBaseAddress extracts the base address of a small-page descriptor;
// callers must check PGQuery first.
func PGBaseAddress(word uint32) uint32 {
	return word & PGSmBase
}

// VMAToTTBIndex returns the first-level table index covering vma.
func VMAToTTBIndex(vma uint32) uint32 {
	return (vma >> (PageBits + PageTableBits)) & ((1 << TTBBits) - 1)
}

// VMAToPGIndex returns the second-level table index covering vma.
func VMAToPGIndex(vma uint32) uint32 {
	return (vma >> PageBits) & ((1 << PageTableBits) - 1)
}

// IndicesToVMA reassembles a virtual address from a TTB index, a
// page-table index and a byte offset within the page.
func IndicesToVMA(ttbIndex, pgIndex, offset uint32) uint32 {
	return ((ttbIndex & ((1 << TTBBits) - 1)) << (PageBits + PageTableBits)) |
		((pgIndex & ((1 << PageTableBits) - 1)) << PageBits) |
		(offset & (PageSize - 1))
}

// PromoteToSectionFlags folds the flag set used when a region is
// described by a page table (the TTB table-level flags plus the common
// page-level flags applied to every one of its 256 entries) into the
// equivalent flags for a single section descriptor covering the same
// region. Promotion is only valid when every page in the table shares an
// identical page-level flag word; the caller is responsible for that
// check before calling this function.
func PromoteToSectionFlags(tableFlags, pageFlags uint32) uint32 {
	var sec uint32

	sec = setBitIf(sec, 4, pageFlags&PGSmXN != 0) // XN
	sec = setBitIf(sec, 2, pageFlags&PGSmB != 0)  // B
	sec = setBitIf(sec, 3, pageFlags&PGSmC != 0)  // C

	// AP bits sit at the same relative position (bits 4:5 of the page
	// word, bits 10:11 of the section word).
	ap := (pageFlags & PGSmAP) >> 4
	sec |= ap << 10

	tex := (pageFlags & PGSmTEX) >> 6
	sec |= tex << 12

	sec = setBitIf(sec, 15, pageFlags&PGSmAPX != 0)
	sec = setBitIf(sec, 16, pageFlags&PGSmS != 0)
	sec = setBitIf(sec, 17, pageFlags&PGSmNG != 0)

	sec = setBitIf(sec, 0, tableFlags&TTBTblPXN != 0)
	dom := tableFlags & TTBTblDomMask
	sec |= dom
	sec = setBitIf(sec, 9, tableFlags&TTBTblP != 0)
	sec = setBitIf(sec, 19, tableFlags&TTBTblNS != 0)

	return sec & TTBSecSafeFlags
}

// PromoteToSectionAuxFlags folds a page-level aux flag word into the
// equivalent section-level aux flag word: sacred and unwriteable survive
// unchanged, notpage is cleared because it is meaningful only on
// per-page MPDB-tracked entries.
func PromoteToSectionAuxFlags(pageAux uint32) uint32 {
	return pageAux & (AuxSacred | AuxUnwriteable)
}

func setBitIf(word uint32, pos int, cond bool) uint32 {
	bits.SetTo(&word, pos, cond)
	return word
}
