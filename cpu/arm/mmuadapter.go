package arm

// defined in tlb.s, alongside cache.go's own asm-backed cache primitives
func invalidate_tlb()

// CacheMMU adapts this CPU's cache/TLB maintenance primitives to the
// vmm.MMU capability the live mapper (package vmm) needs around every
// descriptor write. It is the coarsest legal implementation available on
// this core: no per-page or per-section invalidate instruction is wired
// up, only whole-cache and whole-TLB flushes, so every call here
// invalidates more than the single mapping that changed.
type CacheMMU struct {
	CPU *CPU
}

func (m CacheMMU) FlushCacheForPage(vma uint32, writeBack bool) {
	m.flushCache(writeBack)
}

func (m CacheMMU) FlushCacheForSection(vma uint32, writeBack bool) {
	m.flushCache(writeBack)
}

func (m CacheMMU) flushCache(writeBack bool) {
	if writeBack {
		m.CPU.CacheFlushData()
	}
	m.CPU.CacheFlushInstruction()
}

func (m CacheMMU) FlushTLBForPage(vma uint32) {
	invalidate_tlb()
}

func (m CacheMMU) FlushTLBForSection(vma uint32) {
	invalidate_tlb()
}
