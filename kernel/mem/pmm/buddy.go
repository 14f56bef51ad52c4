package pmm

import (
	"unsafe"

	"mxos/kernel"
	"mxos/kernel/mem"
)

const (
	// OrderMin is the smallest chunk order managed by the buddy allocator.
	// Chunks of this order have the size of a regular page.
	OrderMin = mem.PageShift

	// OrderMax is the largest chunk order managed by the buddy allocator.
	// Chunks of this order have the size of a huge page.
	OrderMax = mem.HugePageShift

	orderCount = OrderMax - OrderMin + 1
)

var (
	// ErrOutOfMemory is returned by allocation requests that cannot be
	// satisfied by any chunk order.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errMisalignedAddress = &kernel.Error{Module: "pmm", Message: "address is not aligned to the chunk order"}
	errInvalidOrder      = &kernel.Error{Module: "pmm", Message: "chunk order out of range"}
	errCorruptedFreeList = &kernel.Error{Module: "pmm", Message: "buddy chunk missing from its order free list"}
	errBuddyMapTooSmall  = &kernel.Error{Module: "pmm", Message: "buddy map slice too small for memory size"}
)

// buddy tracks the chunks of a single order. Each pairMap bit covers a pair
// of adjacent chunks and stores the XOR of their allocated states: the bit is
// set iff exactly one chunk of the pair is free. freeList is the virtual
// address of the first free chunk; the next links of the intrusive list are
// embedded at the start of each free chunk and also hold virtual addresses.
type buddy struct {
	freeList uintptr
	pairMap  bitmap
}

// BuddyAllocator implements a physical frame allocator that hands out
// power-of-two sized chunks between 1<<OrderMin and 1<<OrderMax bytes. It
// accesses the physical chunks through the linear mapping of physical memory
// established by the boot loader.
type BuddyAllocator struct {
	buddies    [orderCount]buddy
	physOffset uintptr
}

// orderMapSize returns the number of bitmap words required to track the
// chunk pairs of a particular order.
func orderMapSize(memorySize uint64, order uint8) int {
	return int(((memorySize >> (order + 1)) + wordBits - 1) / wordBits)
}

// BuddyMapLen returns the total bitmap word count required by an allocator
// that manages memorySize bytes, summed across all chunk orders.
func BuddyMapLen(memorySize uint64) int {
	var sum int
	for order := uint8(OrderMin); order <= OrderMax; order++ {
		sum += orderMapSize(memorySize, order)
	}
	return sum
}

// NewBuddyAllocator initializes a buddy allocator whose bitmaps are backed by
// the supplied word slice. The slice must be at least BuddyMapLen(memorySize)
// words long; its contents are zeroed so no chunks are tracked until regions
// are released via FreeRegion.
func NewBuddyAllocator(memorySize uint64, physOffset uintptr, buddyMap []uint64) *BuddyAllocator {
	if len(buddyMap) < BuddyMapLen(memorySize) {
		panic(errBuddyMapTooSmall)
	}

	for i := range buddyMap {
		buddyMap[i] = 0
	}

	alloc := &BuddyAllocator{physOffset: physOffset}
	for order := uint8(OrderMin); order <= OrderMax; order++ {
		var words []uint64
		words, buddyMap = buddyMap[:orderMapSize(memorySize, order)], buddyMap[orderMapSize(memorySize, order):]
		alloc.buddies[order-OrderMin].pairMap = bitmap(words)
	}

	return alloc
}

// pairBit returns the pairMap bit index that covers addr at the given order.
func pairBit(addr uintptr, order uint8) uintptr {
	return addr >> (order + 1)
}

// push links the chunk at the given physical address onto the order's free
// list. The next pointer is written through the linear physical mapping.
func (a *BuddyAllocator) push(order uint8, addr uintptr) {
	node := (*uintptr)(unsafe.Pointer(a.physOffset + addr))
	*node = a.buddies[order-OrderMin].freeList
	a.buddies[order-OrderMin].freeList = a.physOffset + addr
}

// pop unlinks and returns the physical address of the first chunk on the
// order's free list.
func (a *BuddyAllocator) pop(order uint8) (uintptr, bool) {
	head := a.buddies[order-OrderMin].freeList
	if head == 0 {
		return 0, false
	}

	a.buddies[order-OrderMin].freeList = *(*uintptr)(unsafe.Pointer(head))
	return head - a.physOffset, true
}

// unlink removes the chunk at the given physical address from the order's
// free list. The chunk is expected to be present; a miss indicates that the
// pair bitmap and the free lists disagree.
func (a *BuddyAllocator) unlink(order uint8, addr uintptr) {
	virt := a.physOffset + addr
	for link := &a.buddies[order-OrderMin].freeList; *link != 0; link = (*uintptr)(unsafe.Pointer(*link)) {
		if *link == virt {
			*link = *(*uintptr)(unsafe.Pointer(virt))
			return
		}
	}

	panic(errCorruptedFreeList)
}

// Alloc reserves and returns the physical address of a free chunk of the
// requested order. If the order's free list is empty, the next larger chunk
// gets recursively split into buddy pairs until a chunk of the requested
// order becomes available. Alloc returns ErrOutOfMemory when no order at or
// above the requested one has a free chunk.
func (a *BuddyAllocator) Alloc(order uint8) (uintptr, *kernel.Error) {
	if order < OrderMin || order > OrderMax {
		panic(errInvalidOrder)
	}

	for chunkOrder := order; chunkOrder <= OrderMax; chunkOrder++ {
		addr, ok := a.pop(chunkOrder)
		if !ok {
			continue
		}
		a.buddies[chunkOrder-OrderMin].pairMap.toggle(pairBit(addr, chunkOrder))

		// Split the chunk back down to the requested order pushing the
		// upper buddy halves onto their order free lists.
		for splitOrder := chunkOrder; splitOrder > order; splitOrder-- {
			buddyAddr := addr + 1<<(splitOrder-1)
			a.push(splitOrder-1, buddyAddr)
			a.buddies[splitOrder-1-OrderMin].pairMap.toggle(pairBit(addr, splitOrder-1))
		}

		return addr, nil
	}

	return 0, ErrOutOfMemory
}

// Free releases the chunk of the given order at the given physical address.
// If the chunk's buddy is also free the pair is coalesced and re-freed at the
// next order up, repeating until the buddy is allocated or the maximum order
// is reached.
func (a *BuddyAllocator) Free(order uint8, addr uintptr) {
	if order < OrderMin || order > OrderMax {
		panic(errInvalidOrder)
	}
	if addr&(1<<order-1) != 0 {
		panic(errMisalignedAddress)
	}

	for ; order < OrderMax; order++ {
		pairMap := a.buddies[order-OrderMin].pairMap
		pairMap.toggle(pairBit(addr, order))
		if pairMap.get(pairBit(addr, order)) {
			// The buddy is still allocated.
			a.push(order, addr)
			return
		}

		// Both chunks of the pair are now free; absorb the buddy and
		// coalesce into the next order.
		a.unlink(order, addr^(1<<order))
		addr &^= 1 << order
	}

	a.buddies[OrderMax-OrderMin].pairMap.toggle(pairBit(addr, OrderMax))
	a.push(OrderMax, addr)
}

// FreeRegion releases a contiguous physical address range into the buddy
// allocator. Both range endpoints must be aligned to 1<<OrderMin bytes. The
// range is decomposed bottom-up: any odd chunk at each order is peeled off
// and freed so that the bulk of the range is released at the maximum order.
func (a *BuddyAllocator) FreeRegion(start, end uintptr) {
	if start&(1<<OrderMin-1) != 0 || end&(1<<OrderMin-1) != 0 {
		panic(errMisalignedAddress)
	}

	startChunk := start >> OrderMin
	endChunk := end >> OrderMin
	for order := uint8(OrderMin); ; order++ {
		if endChunk <= startChunk || order == OrderMax {
			for ; startChunk < endChunk; startChunk++ {
				a.Free(order, startChunk<<order)
			}
			return
		}

		if startChunk&1 != 0 {
			a.Free(order, startChunk<<order)
			startChunk++
		}
		if endChunk&1 != 0 {
			endChunk--
			a.Free(order, endChunk<<order)
		}

		startChunk /= 2
		endChunk /= 2
	}
}

// AllocFrame reserves a regular page sized frame.
func (a *BuddyAllocator) AllocFrame() (Frame, *kernel.Error) {
	addr, err := a.Alloc(OrderMin)
	if err != nil {
		return InvalidFrame, err
	}
	return Frame(addr >> mem.PageShift), nil
}

// FreeFrame releases a regular page sized frame.
func (a *BuddyAllocator) FreeFrame(frame Frame) {
	a.Free(OrderMin, frame.Address())
}

// AllocHugeFrame reserves a huge (2Mb) page sized frame.
func (a *BuddyAllocator) AllocHugeFrame() (Frame, *kernel.Error) {
	addr, err := a.Alloc(OrderMax)
	if err != nil {
		return InvalidFrame, err
	}
	return Frame(addr >> mem.PageShift), nil
}

// FreeHugeFrame releases a huge (2Mb) page sized frame.
func (a *BuddyAllocator) FreeHugeFrame(frame Frame) {
	a.Free(OrderMax, frame.Address())
}
