// Package vmm manages the virtual address space on top of the active page
// tables. It hands out virtual ranges from two best-fit trees (one per
// address space half), establishes and tears down page mappings through the
// linear physical memory view and drives the physical frame allocator when
// backing frames or page table frames are needed.
package vmm

import (
	"unsafe"

	"mxos/kernel"
	"mxos/kernel/cpu"
	"mxos/kernel/mem"
	"mxos/kernel/mem/pmm"
	kernelsync "mxos/kernel/sync"
)

var (
	// mgr is the Manager instance that serves all requests once Init
	// returns. It is protected by mgrLock which must be taken with
	// interrupts disabled so that an interrupt handler can never deadlock
	// against a half-finished mapping operation.
	mgr     Manager
	mgrLock kernelsync.Spinlock

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn     = cpu.FlushTLBEntry
	activePageTableFn   = cpu.ActivePageTable
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	// ErrInvalidMapping is returned when a lookup or unmap request refers
	// to a virtual address that is not mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errAddressSpaceExhausted = &kernel.Error{Module: "vmm", Message: "no free virtual range can satisfy the reservation request"}
	errMappingOverHugePage   = &kernel.Error{Module: "vmm", Message: "requested mapping overlaps an existing huge page"}
	errManagerBusy           = &kernel.Error{Module: "vmm", Message: "virtual memory manager lock is contended"}
)

// Manager maintains the page tables and the free-range trees for one address
// space. All physical frames (both mapped frames and the frames backing the
// page tables themselves) are accessed through the linear physical memory
// mapping established by the boot loader.
type Manager struct {
	pml4Frame   pmm.Frame
	physOffset  uintptr
	kernelStart uintptr
	frames      *pmm.BuddyAllocator

	kernelRanges bestFitTree
	userRanges   bestFitTree
}

// NewManager constructs a Manager for the level-4 table at pml4Frame using
// the supplied frame allocator. Both free-range trees start out empty; see
// Init for how they get seeded from the existing table contents.
func NewManager(pml4Frame pmm.Frame, physOffset, kernelStart uintptr, frames *pmm.BuddyAllocator) Manager {
	return Manager{
		pml4Frame:    pml4Frame,
		physOffset:   physOffset,
		kernelStart:  kernelStart,
		frames:       frames,
		kernelRanges: newBestFitTree(),
		userRanges:   newBestFitTree(),
	}
}

// ranges selects the free-range tree for the kernel or the user half.
func (m *Manager) ranges(kernelSpace bool) *bestFitTree {
	if kernelSpace {
		return &m.kernelRanges
	}
	return &m.userRanges
}

// tableAt returns a view of the page table stored in the given frame.
func (m *Manager) tableAt(frame pmm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(m.physOffset + frame.Address()))
}

// mapPage installs a single 4Kb (or, with huge set, 2Mb) mapping for
// virtAddr, allocating and zeroing any missing intermediate page tables.
func (m *Manager) mapPage(virtAddr, physAddr uintptr, flags PageTableEntryFlag, huge bool) *kernel.Error {
	tableFlags := FlagPresent | FlagRW
	if flags.containsAll(FlagUserAccessible) {
		tableFlags |= FlagUserAccessible
	}

	leafLevel := pageLevels - 1
	if huge {
		leafLevel--
		flags |= FlagHugePage
	}

	table := m.tableAt(m.pml4Frame)
	for level := 0; level < leafLevel; level++ {
		entry := &table[pteIndex(virtAddr, level)]
		if entry.HasFlags(FlagHugePage) {
			return errMappingOverHugePage
		}
		if !entry.HasFlags(FlagPresent) {
			tableFrame, err := m.frames.AllocFrame()
			if err != nil {
				return err
			}
			mem.Memset(m.physOffset+tableFrame.Address(), 0, mem.PageSize)

			*entry = 0
			entry.SetFrame(tableFrame)
			entry.SetFlags(tableFlags)
		}
		table = m.tableAt(entry.Frame())
	}

	entry := &table[pteIndex(virtAddr, leafLevel)]
	*entry = 0
	entry.SetFrame(pmm.Frame(physAddr >> mem.PageShift))
	entry.SetFlags(flags)
	flushTLBEntryFn(virtAddr)

	return nil
}

// unmapPage removes the mapping that covers virtAddr and returns the size of
// the removed leaf (4Kb or 2Mb).
func (m *Manager) unmapPage(virtAddr uintptr) (uintptr, *kernel.Error) {
	table := m.tableAt(m.pml4Frame)
	for level := 0; level < pageLevels-1; level++ {
		entry := &table[pteIndex(virtAddr, level)]
		if !entry.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}
		if entry.HasFlags(FlagHugePage) {
			entry.ClearFlags(FlagPresent)
			flushTLBEntryFn(virtAddr)
			return uintptr(mem.HugePageSize), nil
		}
		table = m.tableAt(entry.Frame())
	}

	entry := &table[pteIndex(virtAddr, pageLevels-1)]
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}
	entry.ClearFlags(FlagPresent)
	flushTLBEntryFn(virtAddr)
	return uintptr(mem.PageSize), nil
}

// containsAll reports whether flags includes every flag in want.
func (f PageTableEntryFlag) containsAll(want PageTableEntryFlag) bool {
	return f&want == want
}

// pageFlags returns the leaf entry flags for a mapping in the kernel or the
// user half.
func pageFlags(kernelSpace bool) PageTableEntryFlag {
	flags := FlagPresent | FlagRW
	if !kernelSpace {
		flags |= FlagUserAccessible
	}
	return flags
}

// Map reserves a virtual range in the requested address space half and maps
// it to the physical range that starts at physAddr, preferring 2Mb leaves
// wherever both the virtual and the physical cursor are 2Mb aligned. The
// caller must guarantee that the physical range is not mapped anywhere else.
// physAddr does not have to be page-aligned; the returned virtual address
// preserves its offset within the first page.
func (m *Manager) Map(kernelSpace bool, size mem.Size, alignOrder uint8, physAddr uintptr) (uintptr, *kernel.Error) {
	pageOffset := physAddr & (uintptr(mem.PageSize) - 1)
	physAddr -= pageOffset
	size += mem.Size(pageOffset)

	virtAddr, mapSize, ok := m.ranges(kernelSpace).Alloc(uintptr(size), alignOrder)
	if !ok {
		return 0, errAddressSpaceExhausted
	}

	flags := pageFlags(kernelSpace)
	returnAddr := virtAddr + pageOffset

	hugeMask := uintptr(mem.HugePageSize) - 1
	for mapSize > 0 {
		if virtAddr&hugeMask == 0 && physAddr&hugeMask == 0 && mapSize >= uintptr(mem.HugePageSize) {
			if err := m.mapPage(virtAddr, physAddr, flags, true); err != nil {
				return 0, err
			}
			virtAddr += uintptr(mem.HugePageSize)
			physAddr += uintptr(mem.HugePageSize)
			mapSize -= uintptr(mem.HugePageSize)
			continue
		}

		if err := m.mapPage(virtAddr, physAddr, flags, false); err != nil {
			return 0, err
		}
		virtAddr += uintptr(mem.PageSize)
		physAddr += uintptr(mem.PageSize)
		mapSize -= uintptr(mem.PageSize)
	}

	return returnAddr, nil
}

// Alloc reserves a virtual range in the requested address space half and
// backs every page of it with freshly allocated physical frames, using 2Mb
// frames wherever the virtual cursor is 2Mb aligned and at least 2Mb remain.
func (m *Manager) Alloc(kernelSpace bool, size mem.Size, alignOrder uint8) (uintptr, *kernel.Error) {
	virtAddr, allocSize, ok := m.ranges(kernelSpace).Alloc(uintptr(size), alignOrder)
	if !ok {
		return 0, errAddressSpaceExhausted
	}

	flags := pageFlags(kernelSpace)
	returnAddr := virtAddr

	hugeMask := uintptr(mem.HugePageSize) - 1
	for allocSize > 0 {
		if virtAddr&hugeMask == 0 && allocSize >= uintptr(mem.HugePageSize) {
			frame, err := m.frames.AllocHugeFrame()
			if err != nil {
				return 0, err
			}
			if err = m.mapPage(virtAddr, frame.Address(), flags, true); err != nil {
				return 0, err
			}
			virtAddr += uintptr(mem.HugePageSize)
			allocSize -= uintptr(mem.HugePageSize)
			continue
		}

		frame, err := m.frames.AllocFrame()
		if err != nil {
			return 0, err
		}
		if err = m.mapPage(virtAddr, frame.Address(), flags, false); err != nil {
			return 0, err
		}
		virtAddr += uintptr(mem.PageSize)
		allocSize -= uintptr(mem.PageSize)
	}

	return returnAddr, nil
}

// Free releases the virtual range [virtAddr, virtAddr+size) back to the
// free-range tree of the half it belongs to and unmaps every page of it. A
// range that straddles the kernel/user boundary is split and each part is
// released to its own tree. Freeing a range that is not fully mapped is a
// programmer error and panics.
func (m *Manager) Free(virtAddr uintptr, size mem.Size) {
	pageMask := uintptr(mem.PageSize) - 1
	freeSize := (uintptr(size) + (virtAddr & pageMask) + pageMask) &^ pageMask
	virtAddr &^= pageMask

	kernelSpace := virtAddr >= m.kernelStart
	if !kernelSpace && virtAddr+freeSize > m.kernelStart {
		m.Free(m.kernelStart, mem.Size(virtAddr+freeSize-m.kernelStart))
		freeSize = m.kernelStart - virtAddr
	}

	m.ranges(kernelSpace).Free(virtAddr, freeSize)

	for freeSize > 0 {
		unmapped, err := m.unmapPage(virtAddr)
		if err != nil {
			panic(err)
		}
		virtAddr += unmapped
		freeSize -= unmapped
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address is unmapped.
func (m *Manager) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	table := m.tableAt(m.pml4Frame)
	for level := 0; level < pageLevels-1; level++ {
		entry := table[pteIndex(virtAddr, level)]
		if !entry.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}
		if entry.HasFlags(FlagHugePage) {
			hugeMask := uintptr(mem.HugePageSize) - 1
			return entry.Frame().Address() + (virtAddr & hugeMask), nil
		}
		table = m.tableAt(entry.Frame())
	}

	entry := table[pteIndex(virtAddr, pageLevels-1)]
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}
	return entry.Frame().Address() + (virtAddr & (uintptr(mem.PageSize) - 1)), nil
}

// acquire takes the manager lock with interrupts disabled.
func acquire() {
	disableInterruptsFn()
	mgrLock.Acquire()
}

// release drops the manager lock and re-enables interrupts.
func release() {
	mgrLock.Release()
	enableInterruptsFn()
}

// Map reserves a virtual range through the global manager; see Manager.Map.
func Map(kernelSpace bool, size mem.Size, alignOrder uint8, physAddr uintptr) (uintptr, *kernel.Error) {
	acquire()
	addr, err := mgr.Map(kernelSpace, size, alignOrder, physAddr)
	release()
	return addr, err
}

// Alloc reserves and backs a virtual range through the global manager; see
// Manager.Alloc.
func Alloc(kernelSpace bool, size mem.Size, alignOrder uint8) (uintptr, *kernel.Error) {
	acquire()
	addr, err := mgr.Alloc(kernelSpace, size, alignOrder)
	release()
	return addr, err
}

// Free releases a virtual range through the global manager; see Manager.Free.
func Free(virtAddr uintptr, size mem.Size) {
	acquire()
	mgr.Free(virtAddr, size)
	release()
}

// Translate resolves a virtual address through the global manager; see
// Manager.Translate.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	acquire()
	physAddr, err := mgr.Translate(virtAddr)
	release()
	return physAddr, err
}

// TryAlloc behaves like Alloc but refuses to block on the manager lock. It
// exists for the benefit of the heap allocator slow path which must fail an
// allocation rather than spin on a lock that may already be held by the
// current task.
func TryAlloc(kernelSpace bool, size mem.Size, alignOrder uint8) (uintptr, *kernel.Error) {
	disableInterruptsFn()
	if !mgrLock.TryToAcquire() {
		enableInterruptsFn()
		return 0, errManagerBusy
	}
	addr, err := mgr.Alloc(kernelSpace, size, alignOrder)
	release()
	return addr, err
}

// TryFree behaves like Free but refuses to block on the manager lock,
// reporting whether the range was released.
func TryFree(virtAddr uintptr, size mem.Size) bool {
	disableInterruptsFn()
	if !mgrLock.TryToAcquire() {
		enableInterruptsFn()
		return false
	}
	mgr.Free(virtAddr, size)
	release()
	return true
}
