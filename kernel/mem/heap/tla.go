package heap

import (
	"sync/atomic"
	"unsafe"
)

// threadAllocator is the per-thread allocation state. Exactly one thread
// owns each instance and has exclusive mutation rights on the page lists;
// foreign threads only ever touch the delayedFree stack (and the atomic
// fields of individual pages).
type threadAllocator struct {
	threadID uint32

	// pages holds one list head per size class.
	pages [numClasses]*pageMeta

	// freeSmallPages collects retired small pages whose segments still
	// host live pages; they are recycled before a new segment is claimed.
	freeSmallPages *pageMeta

	// fullPages holds pages whose block sources were exhausted. A local
	// free moves a full page back onto its class list.
	fullPages *pageMeta

	// delayedFree is the head of a lock-free stack of blocks freed by
	// foreign threads while the owning page's threadFree word was not in
	// its normal state. The owner drains it at the top of every slow
	// path allocation.
	delayedFree uintptr
}

// fastAlloc pops a block from the head page of the class list. It is the
// only work a well-behaved allocation performs.
func (t *threadAllocator) fastAlloc(class int) unsafe.Pointer {
	page := t.pages[class]
	if page == nil {
		return nil
	}
	blk := page.free
	if blk == nil {
		return nil
	}

	page.free = blk.next
	page.used++
	return unsafe.Pointer(blk)
}

// localFree records a same-thread free. The block goes onto the page's
// local free list; a full page moves back to its class list first.
func (t *threadAllocator) localFree(class int, page *pageMeta, blk *block) {
	if page.isFull {
		page.isFull = false
		removePage(page)
		pushPage(&t.pages[class], page)
	}

	blk.next = page.localFree
	page.localFree = blk
	page.used--
}

// drainDelayedFree folds every block parked on the delayed-free stack back
// into its page as a local free.
func (t *threadAllocator) drainDelayedFree() {
	blk := (*block)(unsafe.Pointer(atomic.SwapUintptr(&t.delayedFree, 0)))
	for blk != nil {
		next := blk.next

		seg := segmentFor(uintptr(unsafe.Pointer(blk)))
		page := seg.pageForBlock(uintptr(unsafe.Pointer(blk)))
		t.localFree(int(page.class), page, blk)

		blk = next
	}
}

// freeSmallPage retires a small page. The owning segment's used count drops;
// once it reaches zero the whole segment returns to the pool, unlinking any
// sibling pages still parked on the free-small-pages list.
func (t *threadAllocator) freeSmallPage(pool *segmentPool, page *pageMeta) {
	seg := segmentFor(uintptr(unsafe.Pointer(page)))
	seg.used--
	if seg.used != 0 {
		pushPage(&t.freeSmallPages, page)
		return
	}

	for sibling := t.freeSmallPages; sibling != nil; {
		next := sibling.next
		if segmentFor(uintptr(unsafe.Pointer(sibling))) == seg {
			removePage(sibling)
		}
		sibling = next
	}
	pool.Push(seg.base())
}

// findPage returns a page of the given class that may still hold blocks,
// retiring any fully-free page it walks past (as long as a successor
// exists, so the hottest page is never bounced). Retired pages keep their
// threadFree word in the delayed state so that a straggling foreign free
// diverts to the delayed-free stack instead of a recycled page.
func (t *threadAllocator) findPage(pool *segmentPool, class int) *pageMeta {
	for {
		page := t.pages[class]
		if page == nil {
			return nil
		}
		if page.used != atomic.LoadUint32(&page.threadFreed) || page.next == nil {
			return page
		}

		removePage(page)
		atomic.StoreUint64(&page.threadFree, threadFreeDelayed)
		if class < numSmallClasses {
			t.freeSmallPage(pool, page)
		} else {
			pool.Push(segmentFor(uintptr(unsafe.Pointer(page))).base())
		}
	}
}

// allocSmallPage claims a small page (recycling a retired one if possible,
// otherwise breaking a fresh segment into pages) and initializes its free
// list for the given class by striding across the page body.
func (t *threadAllocator) allocSmallPage(pool *segmentPool, class int) *pageMeta {
	page := t.freeSmallPages
	if page != nil {
		segmentFor(uintptr(unsafe.Pointer(page))).used++
	} else {
		segmentAddr, ok := pool.Pop()
		if !ok {
			return nil
		}

		seg := (*segmentMeta)(unsafe.Pointer(segmentAddr))
		*seg = segmentMeta{threadID: t.threadID, kind: segmentSmall, used: 1}
		for i := 0; i < smallPagesPerSegment; i++ {
			pageSlot := seg.pageAt(i)
			*pageSlot = pageMeta{}
			pushPage(&t.freeSmallPages, pageSlot)
		}
		page = t.freeSmallPages
	}

	removePage(page)
	pushPage(&t.pages[class], page)

	page.class = uint8(class)
	page.used = 0
	page.isFull = false
	page.free = nil
	page.localFree = nil
	atomic.StoreUint32(&page.threadFreed, 0)
	atomic.StoreUint64(&page.threadFree, threadFreeNormal)

	size := classSize(class)
	start := smallPageStart(page)
	for offset := uintptr(0); offset+size <= smallPageSize; offset += size {
		blk := (*block)(unsafe.Pointer(start + offset))
		blk.next = page.free
		page.free = blk
	}

	return page
}

// allocLargePage claims a whole segment for a single large class page. The
// first block starts at the class page-start offset which reserves room for
// the metadata and preserves the class alignment.
func (t *threadAllocator) allocLargePage(pool *segmentPool, class int) *pageMeta {
	segmentAddr, ok := pool.Pop()
	if !ok {
		return nil
	}

	seg := (*segmentMeta)(unsafe.Pointer(segmentAddr))
	*seg = segmentMeta{threadID: t.threadID, kind: segmentLarge, used: 1}

	page := seg.pageAt(0)
	*page = pageMeta{class: uint8(class)}

	largeClass := class - numSmallClasses
	size := largeClassSizes[largeClass]
	for offset := largeClassPageStart[largeClass]; offset+size <= SegmentSize; offset += size {
		blk := (*block)(unsafe.Pointer(segmentAddr + offset))
		blk.next = page.free
		page.free = blk
	}

	pushPage(&t.pages[class], page)
	return page
}

// alloc is the slow path: it drains the delayed-free stack and then hunts
// for a block, trying each page's block sources in order and pushing
// exhausted pages onto the full list until a block or an out-of-memory
// verdict emerges.
func (t *threadAllocator) alloc(pool *segmentPool, class int) unsafe.Pointer {
	t.drainDelayedFree()

	for {
		page := t.findPage(pool, class)
		if page == nil {
			if class < numSmallClasses {
				page = t.allocSmallPage(pool, class)
			} else {
				page = t.allocLargePage(pool, class)
			}
			if page == nil {
				return nil
			}
		}

		blk := page.free

		if blk == nil {
			if localFree := page.localFree; localFree != nil {
				page.localFree = nil
				page.free = localFree
				blk = localFree
			}
		}

		if blk == nil {
			// Try to park the (empty) thread free list in the
			// delayed state. A failed exchange means foreign frees
			// are waiting: swap them out and fold them in.
			if !atomic.CompareAndSwapUint64(&page.threadFree, threadFreeNormal, threadFreeDelayed) {
				word := atomic.SwapUint64(&page.threadFree, threadFreeNormal)
				if head := threadFreeHead(word); head != nil {
					var collected uint32
					for b := head; b != nil; b = b.next {
						collected++
					}
					page.used -= collected
					atomic.AddUint32(&page.threadFreed, ^(collected - 1))

					page.free = head
					blk = head
				}
			}
		}

		if blk == nil {
			removePage(page)
			page.isFull = true
			pushPage(&t.fullPages, page)
			continue
		}

		page.free = blk.next
		page.used++
		return unsafe.Pointer(blk)
	}
}
