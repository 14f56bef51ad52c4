package vmm

import (
	"mxos/kernel"
	"mxos/kernel/hal/bootinfo"
	"mxos/kernel/kfmt"
	"mxos/kernel/mem"
	"mxos/kernel/mem/pmm"
)

// minSeededSegments is the number of heap segments that Init guarantees to
// push onto the heap segment pool before any allocation request is served.
// The heap needs the manager to carve out new segments while the manager
// needs a working allocator for its own bookkeeping; pre-seeding a handful
// of segments breaks that cycle.
const minSeededSegments = 4

var (
	// segmentSinkFn receives the pre-seeded heap segments. It is
	// registered by the heap package before Init runs and returns the
	// number of segments currently pooled.
	segmentSinkFn func(segmentAddr uintptr) int

	errKernelStartMisaligned = &kernel.Error{Module: "vmm", Message: "kernel virtual base is not aligned to a level-4 entry boundary"}
)

// SetSegmentSink registers the function that will receive the heap segments
// pre-seeded by Init.
func SetSegmentSink(sink func(segmentAddr uintptr) int) {
	segmentSinkFn = sink
}

// Init brings up the memory management stack: it bootstraps the physical
// frame allocator from the boot loader memory map, pre-seeds the heap
// segment pool and then seeds the free-range trees with every currently
// unmapped range of both address space halves. Once Init returns the global
// Map/Alloc/Free surface is valid.
func Init() *kernel.Error {
	physOffset := bootinfo.PhysOffset()
	kernelStart := bootinfo.KernelStart()
	if kernelStart&(pml4EntrySpan-1) != 0 {
		panic(errKernelStartMisaligned)
	}

	frames, err := pmm.Init(physOffset)
	if err != nil {
		return err
	}

	mgr = NewManager(pmm.Frame(activePageTableFn()>>mem.PageShift), physOffset, kernelStart, frames)

	if err = mgr.seedHeapSegments(); err != nil {
		return err
	}
	mgr.seedFreeRanges()

	kfmt.Printf("[vmm] initialized; kernel half starts at 0x%16x\n", kernelStart)
	return nil
}

// seedHeapSegments walks the kernel-half page tables materializing missing
// intermediate tables and claims pairs of adjacent free 2Mb slots, backing
// each pair with two huge frames to form a segment-aligned 4Mb virtual
// region. Each region is pushed onto the heap segment pool until the pool
// holds minSeededSegments segments.
func (m *Manager) seedHeapSegments() *kernel.Error {
	if segmentSinkFn == nil {
		return nil
	}

	kernelIndex := pteIndex(m.kernelStart, 0)
	pml4 := m.tableAt(m.pml4Frame)

	for i := kernelIndex; i < pageTableEntries; i++ {
		if err := m.materializeTable(&pml4[i]); err != nil {
			return err
		}

		pdpt := m.tableAt(pml4[i].Frame())
		for j := uintptr(0); j < pageTableEntries; j++ {
			if pdpt[j].HasFlags(FlagHugePage) {
				continue
			}
			if err := m.materializeTable(&pdpt[j]); err != nil {
				return err
			}

			pd := m.tableAt(pdpt[j].Frame())
			for k := uintptr(0); k < pageTableEntries; k += 2 {
				if pd[k].HasFlags(FlagPresent) || pd[k+1].HasFlags(FlagPresent) {
					continue
				}

				segmentAddr := canonicalAddr(i<<39 | j<<30 | k<<21)
				if err := m.mapSegmentHalf(&pd[k], segmentAddr); err != nil {
					return err
				}
				if err := m.mapSegmentHalf(&pd[k+1], segmentAddr+uintptr(mem.HugePageSize)); err != nil {
					return err
				}

				if segmentSinkFn(segmentAddr) >= minSeededSegments {
					return nil
				}
			}
		}
	}

	return nil
}

// materializeTable ensures that the given non-leaf entry points to a
// zero-initialized page table.
func (m *Manager) materializeTable(entry *pageTableEntry) *kernel.Error {
	if entry.HasFlags(FlagPresent) {
		return nil
	}

	frame, err := m.frames.AllocFrame()
	if err != nil {
		return err
	}
	mem.Memset(m.physOffset+frame.Address(), 0, mem.PageSize)

	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | FlagRW)
	return nil
}

// mapSegmentHalf backs a free 2Mb slot with a fresh huge frame.
func (m *Manager) mapSegmentHalf(entry *pageTableEntry, virtAddr uintptr) *kernel.Error {
	frame, err := m.frames.AllocHugeFrame()
	if err != nil {
		return err
	}

	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | FlagRW | FlagHugePage)
	flushTLBEntryFn(virtAddr)
	return nil
}

// seedFreeRanges walks every entry of the active level-4 table and inserts
// all currently unmapped ranges into the free-range tree of the half the
// entry belongs to.
func (m *Manager) seedFreeRanges() {
	kernelIndex := pteIndex(m.kernelStart, 0)
	pml4 := m.tableAt(m.pml4Frame)

	for i := uintptr(0); i < pageTableEntries; i++ {
		tree := &m.kernelRanges
		if i < kernelIndex {
			tree = &m.userRanges
		}

		base := canonicalAddr(i << 39)
		if !pml4[i].HasFlags(FlagPresent) {
			tree.Free(base, pml4EntrySpan)
			continue
		}
		m.seedFromTable(tree, base, pml4[i].Frame(), pml4EntrySpan>>9)
	}
}

// seedFromTable inserts the unmapped runs of a single page table into the
// tree, recursing into any present lower-level tables. Huge page entries
// terminate the recursion for their slot.
func (m *Manager) seedFromTable(tree *bestFitTree, base uintptr, frame pmm.Frame, span uintptr) {
	table := m.tableAt(frame)

	// Run lengths are tracked in entries rather than addresses; the last
	// kernel-half table ends exactly at the top of the address space and
	// an end-address computation would wrap around.
	var (
		runStart uintptr
		inRun    bool
	)
	for index := uintptr(0); index < pageTableEntries; index++ {
		if !table[index].HasFlags(FlagPresent) {
			if !inRun {
				runStart, inRun = index, true
			}
			continue
		}

		if inRun {
			tree.Free(base+runStart*span, (index-runStart)*span)
			inRun = false
		}
		if span > uintptr(mem.PageSize) && !table[index].HasFlags(FlagHugePage) {
			m.seedFromTable(tree, base+index*span, table[index].Frame(), span>>9)
		}
	}

	if inRun {
		tree.Free(base+runStart*span, (pageTableEntries-runStart)*span)
	}
}
