package pmm

import (
	"unsafe"

	"mxos/kernel"
	"mxos/kernel/hal/bootinfo"
	"mxos/kernel/kfmt"
	"mxos/kernel/mem"
)

// lowMemCutoff marks the end of the legacy low memory area. Usable regions
// that start below it are ignored by the frame allocator.
const lowMemCutoff = 0x100000

var (
	errNoSpaceForBuddyMap = &kernel.Error{Module: "pmm", Message: "no usable memory region can host the buddy map"}

	// allocator is the BuddyAllocator instance that serves all frame
	// allocations once Init returns.
	allocator *BuddyAllocator
)

// Init sets up the physical memory allocation sub-system using the memory
// map reported by the boot loader. The boot loader does not hand us a block
// to store allocator metadata in, so Init has to solve a chicken-and-egg
// problem: it scans the (sorted) memory map for a usable region large enough
// to hold the buddy bitmaps, overlays the bitmaps onto that region through
// the linear physical mapping and then releases every other usable byte
// above the low memory cutoff into the allocator it just constructed.
func Init(physOffset uintptr) (*BuddyAllocator, *kernel.Error) {
	memorySize := bootinfo.UsableMemorySize()
	mapLen := BuddyMapLen(memorySize)
	mapBytes := (uintptr(mapLen)<<mem.PointerShift + (uintptr(mem.PageSize) - 1)) &^ (uintptr(mem.PageSize) - 1)

	printMemoryMap(memorySize)

	// Pass 1: locate a run of usable memory that can host the buddy map.
	var (
		runStart, runEnd uintptr
		mapStart         uintptr
		found            bool
	)
	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		if region.Kind != bootinfo.RegionUsable || region.Start < lowMemCutoff {
			return true
		}
		if runEnd < uintptr(region.Start) {
			runStart = (uintptr(region.Start) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		}
		runEnd = uintptr(region.End)

		if mapBytes <= (runEnd&^(uintptr(mem.PageSize)-1))-runStart {
			mapStart = runStart
			found = true
			return false
		}
		return true
	})
	if !found {
		return nil, errNoSpaceForBuddyMap
	}

	buddyMap := unsafe.Slice((*uint64)(unsafe.Pointer(physOffset+mapStart)), mapLen)
	allocator = NewBuddyAllocator(memorySize, physOffset, buddyMap)

	// Pass 2: release all usable memory above the cutoff, skipping the
	// prefix of the run that now holds the buddy map.
	runStart, runEnd = 0, 0
	freeRun := func() {
		if runStart == mapStart {
			runStart = (runStart + mapBytes + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		}
		if end := runEnd &^ (uintptr(mem.PageSize) - 1); runStart < end {
			allocator.FreeRegion(runStart, end)
		}
	}
	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		if region.Kind != bootinfo.RegionUsable || region.Start < lowMemCutoff {
			return true
		}
		if runEnd < uintptr(region.Start) {
			if runEnd != 0 {
				freeRun()
			}
			runStart = (uintptr(region.Start) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		}
		runEnd = uintptr(region.End)
		return true
	})
	if runEnd != 0 {
		freeRun()
	}

	kfmt.Printf("[pmm] buddy map: 0x%x - 0x%x (%d Kb)\n", mapStart, mapStart+mapBytes, uint64(mapBytes/1024))

	return allocator, nil
}

// printMemoryMap logs the memory region information provided by the boot
// loader together with the total amount of usable memory.
func printMemoryMap(memorySize uint64) {
	kfmt.Printf("[pmm] system memory map:\n")

	var totalFree mem.Size
	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Start, region.End, region.End-region.Start, region.Kind.String())
		if region.Kind == bootinfo.RegionUsable {
			totalFree += mem.Size(region.End - region.Start)
		}
		return true
	})

	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mem.Kb))
	kfmt.Printf("[pmm] tracked address space: 0x%x\n", memorySize)
}
