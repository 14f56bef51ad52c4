// Package heap implements the kernel's general purpose allocator: a
// size-classed, thread-local block allocator in the style of mimalloc. The
// heap carves segment-sized virtual regions out of the VMM, subdivides them
// into pages of a single size class each and serves blocks from per-thread
// page lists without taking any lock. Frees from foreign threads travel
// through a lock-free per-page transfer list with a three-state protocol;
// blocks larger than the largest class bypass the heap and go straight to
// the VMM.
package heap

import (
	"sync/atomic"
	"unsafe"

	"mxos/kernel/mem"
	"mxos/kernel/mem/vmm"
)

// segmentPoolLowWater is the pool length at or below which the allocation
// path asks the VMM for another segment.
const segmentPoolLowWater = 3

var (
	// alloc is the Allocator instance behind the package-level Alloc and
	// Free surface.
	alloc Allocator

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler. The VMM accessors use the try-lock
	// variants: the heap must fail an allocation rather than spin on the
	// manager lock, which may already be held by the task that is
	// currently allocating.
	vmmAllocFn = vmm.TryAlloc
	vmmFreeFn  = vmm.TryFree

	// currentThreadIDFn returns the allocation domain of the running
	// task. The kernel bring-up runs a single domain.
	currentThreadIDFn = func() uint32 { return 0 }
)

// Allocator ties together the process-wide segment pool and the per-thread
// allocation state.
type Allocator struct {
	freeSegments segmentPool
	threadAllocs [1]threadAllocator
}

// Init registers the heap as the consumer of the segments that vmm.Init
// pre-seeds. It must run before vmm.Init.
func Init() {
	vmm.SetSegmentSink(alloc.freeSegments.Push)
}

// SegmentPoolLen returns the number of segments currently pooled.
func SegmentPoolLen() int {
	return alloc.freeSegments.Len()
}

// Alloc returns a pointer to a block of at least size bytes aligned to
// align, or nil if the request cannot be satisfied. Zero-sized requests are
// promoted to the smallest block size. align must be a power of two.
func Alloc(size, align uintptr) unsafe.Pointer {
	return alloc.Alloc(size, align)
}

// Free releases a block previously returned by Alloc. The size and align
// arguments must match the corresponding Alloc call.
func Free(ptr unsafe.Pointer, size, align uintptr) {
	alloc.Free(ptr, size, align)
}

// Alloc serves an allocation request for the calling thread.
func (h *Allocator) Alloc(size, align uintptr) unsafe.Pointer {
	padded := paddedSize(size, align)
	if padded > maxLargeSize {
		addr, err := vmmAllocFn(true, mem.Size(size), alignOrder(align))
		if err != nil {
			return nil
		}
		return unsafe.Pointer(addr)
	}

	tla := &h.threadAllocs[currentThreadIDFn()]
	class := sizeClass(padded)

	if blk := tla.fastAlloc(class); blk != nil {
		return blk
	}

	h.refillSegmentPool()
	return tla.alloc(&h.freeSegments, class)
}

// refillSegmentPool tops up the segment pool through the VMM when it runs
// low. At most one VMM call is made per allocation so a burst of requests
// cannot amplify into a burst of VMM traffic; a contended VMM lock simply
// leaves the pool as is.
func (h *Allocator) refillSegmentPool() {
	if h.freeSegments.Len() > segmentPoolLowWater {
		return
	}

	addr, err := vmmAllocFn(true, mem.Size(SegmentSize), SegmentShift)
	if err != nil {
		return
	}
	h.freeSegments.Push(addr)
}

// Free releases a block. Same-thread frees take the local path; frees of
// blocks whose segment is owned by another thread go through the lock-free
// thread-free protocol.
func (h *Allocator) Free(ptr unsafe.Pointer, size, align uintptr) {
	if ptr == nil {
		return
	}

	padded := paddedSize(size, align)
	if padded > maxLargeSize {
		vmmFreeFn(uintptr(ptr), mem.Size(size))
		return
	}

	blk := (*block)(ptr)
	seg := segmentFor(uintptr(ptr))
	page := seg.pageForBlock(uintptr(ptr))

	if threadID := currentThreadIDFn(); threadID == seg.threadID {
		h.threadAllocs[threadID].localFree(sizeClass(padded), page, blk)
	} else {
		h.remoteFree(&h.threadAllocs[seg.threadID], page, blk)
	}
}

// remoteFree hands a block back to its owning thread without touching any
// owner-exclusive state. In the normal case the block is pushed onto the
// page's thread free list. When the owner has parked the page in the
// delayed state (because it is full or being retired) the block instead
// goes onto the owner's delayed-free stack; the transient delaying state
// makes that handoff atomic with respect to other foreign frees. A bounded
// number of delaying observations is retried before the state is treated as
// delayed, which avoids livelock against a stalled peer.
func (h *Allocator) remoteFree(owner *threadAllocator, page *pageMeta, blk *block) {
	var delayingRetries int

	word := atomic.LoadUint64(&page.threadFree)
	for {
		switch state := word & threadFreeStateBits; {
		case state == threadFreeNormal:
			blk.next = threadFreeHead(word)
			if atomic.CompareAndSwapUint64(&page.threadFree, word, uint64(uintptr(unsafe.Pointer(blk)))) {
				// The counter update trails the push: the owner
				// retires the page only once the counter catches
				// up, at which point the push is visible.
				atomic.AddUint32(&page.threadFreed, 1)
				return
			}
			word = atomic.LoadUint64(&page.threadFree)

		case state == threadFreeDelaying && delayingRetries < 4:
			delayingRetries++
			word = atomic.LoadUint64(&page.threadFree)

		default: // delayed, or a delaying transition that never completed
			if atomic.CompareAndSwapUint64(&page.threadFree, word, threadFreeDelaying) {
				for {
					head := atomic.LoadUintptr(&owner.delayedFree)
					blk.next = (*block)(unsafe.Pointer(head))
					if atomic.CompareAndSwapUintptr(&owner.delayedFree, head, uintptr(unsafe.Pointer(blk))) {
						break
					}
				}
				atomic.StoreUint64(&page.threadFree, threadFreeNormal)
				return
			}
			word = atomic.LoadUint64(&page.threadFree)
		}
	}
}
