package bootinfo

import (
	"testing"
	"unsafe"
)

// testInfo replicates the in-memory layout of the boot info structure: the
// header immediately followed by the region entries.
type testInfo struct {
	hdr     info
	regions [4]MemoryRegion
}

func setTestInfo(t *testing.T, regions [4]MemoryRegion) *testInfo {
	t.Helper()

	ti := &testInfo{
		hdr: info{
			physOffset:  0xffff900000000000,
			kernelStart: 0xffff800000000000,
			regionCount: uint64(len(regions)),
		},
		regions: regions,
	}
	SetInfoPtr(uintptr(unsafe.Pointer(ti)))
	return ti
}

func TestAccessors(t *testing.T) {
	setTestInfo(t, [4]MemoryRegion{
		{Start: 0x100000, End: 0x8000000, Kind: RegionUsable},
		{Start: 0x0, End: 0x9f000, Kind: RegionUsable},
		{Start: 0x9f000, End: 0x100000, Kind: RegionReserved},
		{Start: 0x8000000, End: 0x8100000, Kind: RegionBootloader},
	})

	if got := PhysOffset(); got != 0xffff900000000000 {
		t.Errorf("expected PhysOffset to return 0xffff900000000000; got 0x%x", got)
	}
	if got := KernelStart(); got != 0xffff800000000000 {
		t.Errorf("expected KernelStart to return 0xffff800000000000; got 0x%x", got)
	}
	if got := len(MemRegions()); got != 4 {
		t.Errorf("expected MemRegions to return 4 entries; got %d", got)
	}
	if got := UsableMemorySize(); got != 0x8000000 {
		t.Errorf("expected UsableMemorySize to return 0x8000000; got 0x%x", got)
	}
}

func TestSortMemRegions(t *testing.T) {
	setTestInfo(t, [4]MemoryRegion{
		{Start: 0x100000, End: 0x8000000, Kind: RegionUsable},
		{Start: 0x0, End: 0x9f000, Kind: RegionUsable},
		{Start: 0x9f000, End: 0x100000, Kind: RegionReserved},
		{Start: 0x8000000, End: 0x8100000, Kind: RegionBootloader},
	})

	SortMemRegions()

	regions := MemRegions()
	for i := 1; i < len(regions); i++ {
		if regions[i].Start < regions[i-1].Start {
			t.Fatalf("expected regions to be sorted by start address; region %d starts at 0x%x after 0x%x", i, regions[i].Start, regions[i-1].Start)
		}
	}
}

func TestVisitMemRegionsEarlyStop(t *testing.T) {
	setTestInfo(t, [4]MemoryRegion{
		{Start: 0x0, End: 0x9f000, Kind: RegionUsable},
		{Start: 0x9f000, End: 0x100000, Kind: RegionReserved},
		{Start: 0x100000, End: 0x8000000, Kind: RegionUsable},
		{Start: 0x8000000, End: 0x8100000, Kind: RegionBootloader},
	})

	var visited int
	VisitMemRegions(func(region *MemoryRegion) bool {
		visited++
		return visited < 2
	})

	if visited != 2 {
		t.Fatalf("expected visitor to be invoked 2 times; got %d", visited)
	}
}

func TestMemoryRegionKindString(t *testing.T) {
	specs := []struct {
		kind MemoryRegionKind
		exp  string
	}{
		{RegionUsable, "usable"},
		{RegionReserved, "reserved"},
		{RegionBootloader, "bootloader"},
		{RegionKernel, "kernel"},
		{MemoryRegionKind(0xff), "unknown"},
	}

	for _, spec := range specs {
		if got := spec.kind.String(); got != spec.exp {
			t.Errorf("expected kind %d to format as %q; got %q", spec.kind, spec.exp, got)
		}
	}
}
