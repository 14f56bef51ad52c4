package vmm

import (
	"testing"
	"unsafe"

	"mxos/kernel/mem"
	"mxos/kernel/mem/pmm"
)

const testKernelStart = uintptr(0xffff800000000000)

// testEnv wires a Manager to a block of fake physical memory backed by a Go
// slice. The level-4 table is placed in the low memory area that the frame
// allocator never touches.
type testEnv struct {
	ram        []uint64
	physOffset uintptr
	mgr        Manager
}

func newTestEnv(t *testing.T, ramSize uint64) *testEnv {
	t.Helper()

	env := &testEnv{ram: make([]uint64, ramSize>>mem.PointerShift)}
	env.physOffset = uintptr(unsafe.Pointer(&env.ram[0]))

	buddyMap := make([]uint64, pmm.BuddyMapLen(ramSize))
	frames := pmm.NewBuddyAllocator(ramSize, env.physOffset, buddyMap)
	frames.FreeRegion(0x100000, uintptr(ramSize))

	// The PML4 occupies the (zeroed) frame at 0x1000.
	env.mgr = NewManager(pmm.Frame(1), env.physOffset, testKernelStart, frames)
	return env
}

// seedFullHalves marks both address space halves as completely free.
func (env *testEnv) seedFullHalves() {
	env.mgr.userRanges.Free(0, 1<<47)
	env.mgr.kernelRanges.Free(testKernelStart, 1<<47)
}

func mockTLBFlush(t *testing.T) {
	t.Helper()
	orig := flushTLBEntryFn
	flushTLBEntryFn = func(uintptr) {}
	t.Cleanup(func() { flushTLBEntryFn = orig })
}

func TestManagerMapAndTranslate(t *testing.T) {
	mockTLBFlush(t)
	env := newTestEnv(t, 32<<20)
	env.seedFullHalves()

	// Map an unaligned physical address; the page offset must be
	// preserved by the returned virtual address.
	virtAddr, err := env.mgr.Map(true, 0x3000, 0, 0x234567)
	if err != nil {
		t.Fatalf("expected Map to succeed; got %v", err)
	}
	if virtAddr < testKernelStart {
		t.Fatalf("expected a kernel half address; got 0x%x", virtAddr)
	}
	if virtAddr&(uintptr(mem.PageSize)-1) != 0x567 {
		t.Fatalf("expected the page offset 0x567 to be preserved; got 0x%x", virtAddr)
	}

	specs := []struct {
		virt, expPhys uintptr
	}{
		{virtAddr, 0x234567},
		{virtAddr + 0x1000, 0x235567},
		{virtAddr &^ (uintptr(mem.PageSize) - 1), 0x234000},
	}
	for specIndex, spec := range specs {
		physAddr, err := env.mgr.Translate(spec.virt)
		if err != nil {
			t.Fatalf("[spec %d] expected Translate to succeed; got %v", specIndex, err)
		}
		if physAddr != spec.expPhys {
			t.Fatalf("[spec %d] expected Translate(0x%x) to return 0x%x; got 0x%x", specIndex, spec.virt, spec.expPhys, physAddr)
		}
	}

	if _, err := env.mgr.Translate(virtAddr + 0x100000); err != ErrInvalidMapping {
		t.Fatalf("expected Translate on an unmapped address to return ErrInvalidMapping; got %v", err)
	}
}

func TestManagerMapUsesHugePages(t *testing.T) {
	mockTLBFlush(t)
	env := newTestEnv(t, 32<<20)
	env.seedFullHalves()

	virtAddr, err := env.mgr.Map(true, mem.Size(4<<20), mem.HugePageShift, 0x400000)
	if err != nil {
		t.Fatalf("expected Map to succeed; got %v", err)
	}
	if virtAddr&(uintptr(mem.HugePageSize)-1) != 0 {
		t.Fatalf("expected a 2Mb aligned virtual address; got 0x%x", virtAddr)
	}

	// Walk down to the page directory and verify both slots are huge
	// leaves.
	pml4 := env.mgr.tableAt(env.mgr.pml4Frame)
	pdpt := env.mgr.tableAt(pml4[pteIndex(virtAddr, 0)].Frame())
	pd := env.mgr.tableAt(pdpt[pteIndex(virtAddr, 1)].Frame())
	for slot := uintptr(0); slot < 2; slot++ {
		entry := pd[pteIndex(virtAddr+slot*uintptr(mem.HugePageSize), 2)]
		if !entry.HasFlags(FlagPresent | FlagHugePage) {
			t.Fatalf("expected PD slot %d to be a present huge leaf", slot)
		}
	}

	if physAddr, _ := env.mgr.Translate(virtAddr + 0x212345); physAddr != 0x612345 {
		t.Fatalf("expected huge page translation to return 0x612345; got 0x%x", physAddr)
	}
}

func TestManagerAllocFreeRoundTrip(t *testing.T) {
	mockTLBFlush(t)
	env := newTestEnv(t, 32<<20)
	env.seedFullHalves()

	virtAddr, err := env.mgr.Alloc(false, 0x3000, 0)
	if err != nil {
		t.Fatalf("expected Alloc to succeed; got %v", err)
	}
	if virtAddr >= testKernelStart {
		t.Fatalf("expected a user half address; got 0x%x", virtAddr)
	}

	// Each page must be backed by a distinct frame and user-accessible.
	seen := make(map[uintptr]bool)
	for page := uintptr(0); page < 3; page++ {
		physAddr, err := env.mgr.Translate(virtAddr + page*uintptr(mem.PageSize))
		if err != nil {
			t.Fatalf("expected page %d to be mapped; got %v", page, err)
		}
		if seen[physAddr] {
			t.Fatalf("expected page %d to be backed by a distinct frame", page)
		}
		seen[physAddr] = true
	}
	pml4 := env.mgr.tableAt(env.mgr.pml4Frame)
	if !pml4[pteIndex(virtAddr, 0)].HasFlags(FlagUserAccessible) {
		t.Fatal("expected user mapping tables to carry the user-accessible flag")
	}

	env.mgr.Free(virtAddr, 0x3000)
	if _, err := env.mgr.Translate(virtAddr); err != ErrInvalidMapping {
		t.Fatalf("expected freed address to be unmapped; got %v", err)
	}

	// The freed range coalesces back so the next allocation reuses it.
	again, err := env.mgr.Alloc(false, 0x3000, 0)
	if err != nil {
		t.Fatalf("expected re-allocation to succeed; got %v", err)
	}
	if again != virtAddr {
		t.Fatalf("expected re-allocation at 0x%x; got 0x%x", virtAddr, again)
	}
}

func TestManagerAllocUsesHugeFrames(t *testing.T) {
	mockTLBFlush(t)
	env := newTestEnv(t, 32<<20)
	env.seedFullHalves()

	virtAddr, err := env.mgr.Alloc(true, mem.Size(2<<20), mem.HugePageShift)
	if err != nil {
		t.Fatalf("expected Alloc to succeed; got %v", err)
	}

	physAddr, err := env.mgr.Translate(virtAddr)
	if err != nil {
		t.Fatalf("expected huge allocation to be mapped; got %v", err)
	}
	if physAddr&(uintptr(mem.HugePageSize)-1) != 0 {
		t.Fatalf("expected a 2Mb aligned backing frame; got 0x%x", physAddr)
	}
}

func TestManagerFreeSplitsOnKernelBoundary(t *testing.T) {
	mockTLBFlush(t)
	env := newTestEnv(t, 32<<20)

	// Hand-install two pages right below and two pages right above the
	// kernel boundary, then free them as one range.
	flags := FlagPresent | FlagRW
	for i := uintptr(0); i < 2; i++ {
		if err := env.mgr.mapPage(testKernelStart-(i+1)*uintptr(mem.PageSize), 0x400000+i*0x1000, flags, false); err != nil {
			t.Fatalf("expected mapPage below the boundary to succeed; got %v", err)
		}
		if err := env.mgr.mapPage(testKernelStart+i*uintptr(mem.PageSize), 0x500000+i*0x1000, flags, false); err != nil {
			t.Fatalf("expected mapPage above the boundary to succeed; got %v", err)
		}
	}

	env.mgr.Free(testKernelStart-2*uintptr(mem.PageSize), 0x4000)

	if n := env.mgr.userRanges.byAddr.find(testKernelStart - 2*uintptr(mem.PageSize)); n == nil || n.size != 0x2000 {
		t.Fatal("expected the sub-boundary part to be released to the user tree")
	}
	if n := env.mgr.kernelRanges.byAddr.find(testKernelStart); n == nil || n.size != 0x2000 {
		t.Fatal("expected the super-boundary part to be released to the kernel tree")
	}
}

func TestManagerFreeUnmappedPanics(t *testing.T) {
	mockTLBFlush(t)
	env := newTestEnv(t, 32<<20)
	env.seedFullHalves()

	defer func() {
		if recover() == nil {
			t.Fatal("expected Free on an unmapped range to panic")
		}
	}()
	env.mgr.Free(testKernelStart, 0x1000)
}

func TestMapPageOverHugePage(t *testing.T) {
	mockTLBFlush(t)
	env := newTestEnv(t, 32<<20)

	if err := env.mgr.mapPage(testKernelStart, 0x400000, FlagPresent|FlagRW, true); err != nil {
		t.Fatalf("expected huge mapPage to succeed; got %v", err)
	}
	if err := env.mgr.mapPage(testKernelStart+0x1000, 0x800000, FlagPresent|FlagRW, false); err != errMappingOverHugePage {
		t.Fatalf("expected mapPage over a huge page to fail; got %v", err)
	}
}

func TestTryAllocContention(t *testing.T) {
	mockTLBFlush(t)
	origDisable, origEnable := disableInterruptsFn, enableInterruptsFn
	disableInterruptsFn = func() {}
	enableInterruptsFn = func() {}
	origMgr := mgr
	t.Cleanup(func() {
		disableInterruptsFn, enableInterruptsFn = origDisable, origEnable
		mgr = origMgr
	})

	env := newTestEnv(t, 32<<20)
	env.seedFullHalves()
	mgr = env.mgr

	mgrLock.Acquire()
	if _, err := TryAlloc(true, 0x1000, 0); err != errManagerBusy {
		mgrLock.Release()
		t.Fatalf("expected TryAlloc on a contended lock to fail with errManagerBusy; got %v", err)
	}
	if TryFree(testKernelStart, 0x1000) {
		mgrLock.Release()
		t.Fatal("expected TryFree on a contended lock to fail")
	}
	mgrLock.Release()

	addr, err := TryAlloc(true, 0x1000, 0)
	if err != nil {
		t.Fatalf("expected TryAlloc on a free lock to succeed; got %v", err)
	}
	if !TryFree(addr, 0x1000) {
		t.Fatal("expected TryFree on a free lock to succeed")
	}
}
