// Package bootinfo provides access to the information structure that the
// boot loader hands to the kernel. The structure describes the system memory
// map, the virtual offset where all of physical memory has been mapped and
// the virtual address where the kernel half of the address space begins.
package bootinfo

import "unsafe"

// MemoryRegionKind defines the kind of a MemoryRegion.
type MemoryRegionKind uint32

const (
	// RegionUsable indicates that the region is available for use.
	RegionUsable MemoryRegionKind = iota

	// RegionReserved indicates a region reserved by the firmware or by a
	// device and must never be touched by the kernel.
	RegionReserved

	// RegionBootloader indicates a region in use by the boot loader. Its
	// contents (including the info structure itself) must remain intact
	// until the kernel no longer needs them.
	RegionBootloader

	// RegionKernel indicates the region where the kernel image is loaded.
	RegionKernel
)

// String implements fmt.Stringer for the MemoryRegionKind type.
func (k MemoryRegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionBootloader:
		return "bootloader"
	case RegionKernel:
		return "kernel"
	}

	return "unknown"
}

// MemoryRegion describes a contiguous physical memory region reported by the
// boot loader. End is exclusive. Regions are not guaranteed to arrive sorted
// or page-aligned.
type MemoryRegion struct {
	Start uint64
	End   uint64
	Kind  MemoryRegionKind

	// reserved for future use by the boot protocol.
	_ uint32
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region. Returning false stops the
// iteration.
type MemRegionVisitor func(region *MemoryRegion) bool

// info mirrors the header of the structure the boot loader places in memory.
// The memory region entries immediately follow the header.
type info struct {
	physOffset  uint64
	kernelStart uint64
	regionCount uint64
}

var infoPtr uintptr

// SetInfoPtr records the physical location of the boot information structure.
// It must be invoked before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoPtr = ptr
}

// PhysOffset returns the virtual address where the boot loader established a
// linear mapping of the entire physical address space. A physical address P
// can be accessed through the virtual address PhysOffset() + P.
func PhysOffset() uintptr {
	return uintptr((*info)(unsafe.Pointer(infoPtr)).physOffset)
}

// KernelStart returns the virtual address where the kernel half of the
// address space begins. The boot protocol guarantees that this address is
// aligned to a level-4 page table entry boundary (512Gb).
func KernelStart() uintptr {
	return uintptr((*info)(unsafe.Pointer(infoPtr)).kernelStart)
}

// MemRegions returns the boot loader memory map as a slice overlaying the
// region entries inside the info structure.
func MemRegions() []MemoryRegion {
	hdr := (*info)(unsafe.Pointer(infoPtr))
	first := (*MemoryRegion)(unsafe.Pointer(infoPtr + unsafe.Sizeof(info{})))
	return unsafe.Slice(first, hdr.regionCount)
}

// SortMemRegions sorts the memory map in place by ascending start address.
// The map is small and nearly sorted already so an insertion sort suffices;
// it also keeps this path allocation-free.
func SortMemRegions() {
	regions := MemRegions()
	for i := 1; i < len(regions); i++ {
		for j := i; j > 0 && regions[j].Start < regions[j-1].Start; j-- {
			regions[j], regions[j-1] = regions[j-1], regions[j]
		}
	}
}

// VisitMemRegions invokes the supplied visitor for each entry in the memory
// map in the order the entries currently appear.
func VisitMemRegions(visitor MemRegionVisitor) {
	regions := MemRegions()
	for i := 0; i < len(regions); i++ {
		if !visitor(&regions[i]) {
			return
		}
	}
}

// UsableMemorySize returns the highest end address of any usable memory
// region, which bounds the physical address space the frame allocator must
// track.
func UsableMemorySize() uint64 {
	var size uint64
	VisitMemRegions(func(region *MemoryRegion) bool {
		if region.Kind == RegionUsable && size < region.End {
			size = region.End
		}
		return true
	})

	return size
}
