package heap

import "math/bits"

const (
	// smallPageShift is equal to log2(smallPageSize).
	smallPageShift = 16

	// smallPageSize is the size of the pages that small segments are
	// subdivided into. Each small page serves blocks of a single size
	// class.
	smallPageSize = uintptr(1) << smallPageShift

	// SegmentShift is equal to log2(SegmentSize).
	SegmentShift = 22

	// SegmentSize is the size (and alignment) of the virtual memory
	// segments that the heap carves out of the VMM. Segments are the unit
	// of bulk allocation between the heap and the VMM.
	SegmentSize = uintptr(1) << SegmentShift

	// smallPagesPerSegment is the number of usable small pages in a small
	// segment; the first page slot is occupied by the segment metadata.
	smallPagesPerSegment = int(SegmentSize/smallPageSize) - 1

	numSmallClasses = 33
	numLargeClasses = 24
	numClasses      = numSmallClasses + numLargeClasses

	// maxSmallSize is the largest block size served from small pages.
	maxSmallSize = uintptr(0x2000)

	// maxLargeSize is the largest block size served by the heap at all.
	// Anything bigger goes straight to the VMM.
	maxLargeSize = uintptr(0x80000)

	// minBlockSize is the minimum block size and alignment; every
	// requested layout is padded to at least this.
	minBlockSize = uintptr(8)
)

// Block sizes of the small classes (up to maxSmallSize) and the large
// classes (up to maxLargeSize). Above 64 bytes there are four classes per
// power of two, so consecutive classes differ by at most 25% and the unused
// tail of a block stays below a quarter of its size.
var smallClassSizes = [numSmallClasses]uintptr{
	0x8, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0xa0, 0xc0, 0xe0,
	0x100, 0x140, 0x180, 0x1c0, 0x200, 0x280, 0x300, 0x380, 0x400, 0x500,
	0x600, 0x700, 0x800, 0xa00, 0xc00, 0xe00, 0x1000, 0x1400, 0x1800,
	0x1c00, 0x2000,
}

var largeClassSizes = [numLargeClasses]uintptr{
	0x2800, 0x3000, 0x3800, 0x4000, 0x5000, 0x6000, 0x7000, 0x8000,
	0xa000, 0xc000, 0xe000, 0x10000, 0x14000, 0x18000, 0x1c000, 0x20000,
	0x28000, 0x30000, 0x38000, 0x40000, 0x50000, 0x60000, 0x70000, 0x80000,
}

// largeClassPageStart holds the offset of the first block inside a large
// segment for each large class. The offset is chosen so that the last block
// ends exactly at the segment end, which both reserves room for the segment
// metadata at the base and keeps every block aligned to the class alignment.
var largeClassPageStart [numLargeClasses]uintptr

func init() {
	for i, size := range largeClassSizes {
		start := SegmentSize % size
		if start == 0 {
			start = size
		}
		largeClassPageStart[i] = start
	}
}

// tinyClasses maps (size+7)/8 to a class index for sizes up to 64 bytes.
var tinyClasses = [9]uint8{0, 0, 1, 2, 2, 3, 3, 4, 4}

// sizeClass returns the index of the smallest class whose block size can
// hold size bytes. The caller must ensure size <= maxLargeSize.
func sizeClass(size uintptr) int {
	if size <= 64 {
		return int(tinyClasses[(size+7)>>3])
	}

	b := bits.Len(uint(size))
	return 4*b + int((size-1)>>(b-3)) - 27
}

// classSize returns the block size of the given class.
func classSize(class int) uintptr {
	if class < numSmallClasses {
		return smallClassSizes[class]
	}
	return largeClassSizes[class-numSmallClasses]
}

// paddedSize normalizes a requested layout the way the allocation surface
// does before the class lookup: the alignment is raised to minBlockSize and
// the size is padded up to a multiple of it.
func paddedSize(size, align uintptr) uintptr {
	if align < minBlockSize {
		align = minBlockSize
	}
	return (size + align - 1) &^ (align - 1)
}

// alignOrder returns log2 of the given power-of-two alignment.
func alignOrder(align uintptr) uint8 {
	if align <= 1 {
		return 0
	}
	return uint8(bits.TrailingZeros(uint(align)))
}
