package heap

import "unsafe"

// block overlays the first word of a free heap block. Free blocks of every
// list (page free lists, thread free lists, the segment pool and the
// TLA delayed-free stack) are linked through this word.
type block struct {
	next *block
}

// Encoding of the pageMeta threadFree word: the low 3 bits hold the transfer
// state, the remaining bits hold the head of the intrusive list of blocks
// freed by foreign threads. Block addresses are at least 8 byte aligned so
// the two encodings never collide.
const (
	threadFreeNormal    = uint64(0)
	threadFreeDelaying  = uint64(1)
	threadFreeDelayed   = uint64(3)
	threadFreeStateBits = uint64(7)
)

// threadFreeHead extracts the list head from a threadFree word.
func threadFreeHead(word uint64) *block {
	return (*block)(unsafe.Pointer(uintptr(word &^ threadFreeStateBits)))
}

// pageMeta is the per-page metadata record. A page is owned by the thread
// that owns its segment; every field except threadFree and threadFreed is
// exclusively mutated by that owner. Foreign threads interact with the page
// only through the two atomic fields.
//
// The page lists (per-class lists, the full list and the free-small-pages
// list) are doubly linked through next and prevNext, where prevNext points
// at the next slot of the previous node or at the list head variable itself.
// This permits O(1) unlinking without access to the list head.
type pageMeta struct {
	next     *pageMeta
	prevNext **pageMeta

	// free holds blocks immediately available to the owning thread.
	// localFree collects same-thread frees until the allocation slow path
	// folds them back into free.
	free      *block
	localFree *block

	// threadFree is the tagged word described above; accessed atomically.
	threadFree uint64

	// used counts the blocks handed out that have not come back through
	// a local free or a collected threadFree list; blocks still sitting
	// on the threadFree list are included. Owner-only.
	used uint32

	// threadFreed counts blocks sitting on the threadFree list; foreign
	// threads increment it after a successful push, the owner subtracts
	// whatever it collects. The page holds no outstanding blocks exactly
	// when used == threadFreed.
	threadFreed uint32

	isFull bool
	class  uint8
}

// segmentKind discriminates segments subdivided into small pages from
// segments that form a single large page.
type segmentKind uint8

const (
	segmentSmall segmentKind = iota
	segmentLarge
)

// segmentMeta sits at the base of every segment. used counts the pages of
// the segment currently claimed by a size class; when it drops to zero the
// segment returns to the segment pool.
type segmentMeta struct {
	threadID uint32
	kind     segmentKind
	used     uint8
}

const (
	// pageMetaOffset is the offset of the pageMeta array from the segment
	// base, keeping the metadata 8 byte aligned.
	pageMetaOffset = (unsafe.Sizeof(segmentMeta{}) + 7) &^ 7

	pageMetaSize = unsafe.Sizeof(pageMeta{})
)

// segmentFor returns the metadata of the segment containing the given
// address.
func segmentFor(addr uintptr) *segmentMeta {
	return (*segmentMeta)(unsafe.Pointer(addr &^ (SegmentSize - 1)))
}

// base returns the segment start address.
func (s *segmentMeta) base() uintptr {
	return uintptr(unsafe.Pointer(s))
}

// pageAt returns the index-th pageMeta of the segment.
func (s *segmentMeta) pageAt(index int) *pageMeta {
	return (*pageMeta)(unsafe.Pointer(s.base() + pageMetaOffset + uintptr(index)*pageMetaSize))
}

// pageForBlock returns the pageMeta that owns a block address inside the
// segment.
func (s *segmentMeta) pageForBlock(addr uintptr) *pageMeta {
	if s.kind == segmentLarge {
		return s.pageAt(0)
	}
	return s.pageAt(int((addr&(SegmentSize-1))>>smallPageShift) - 1)
}

// smallPageIndex returns the index of a small pageMeta within its segment.
func smallPageIndex(page *pageMeta) int {
	return int((uintptr(unsafe.Pointer(page))&(SegmentSize-1) - pageMetaOffset) / pageMetaSize)
}

// smallPageStart returns the address of the page body that a small pageMeta
// describes. Page bodies start one smallPageSize into the segment; the first
// 64Kb hold the segment and page metadata.
func smallPageStart(page *pageMeta) uintptr {
	base := uintptr(unsafe.Pointer(page)) &^ (SegmentSize - 1)
	return base + smallPageSize*uintptr(1+smallPageIndex(page))
}
