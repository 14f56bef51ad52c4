package heap

import "testing"

func TestSizeClassLookup(t *testing.T) {
	specs := []struct {
		size     uintptr
		expClass int
	}{
		{0, 0},
		{1, 0},
		{8, 0},
		{9, 1},
		{16, 1},
		{17, 2},
		{64, 4},
		{65, 5},
		{80, 5},
		{81, 6},
		{0x2000, 32},
		{0x2001, 33},
		{0x2800, 33},
		{0x80000, numClasses - 1},
	}

	for specIndex, spec := range specs {
		if got := sizeClass(spec.size); got != spec.expClass {
			t.Errorf("[spec %d] expected sizeClass(%d) to return %d; got %d", specIndex, spec.size, spec.expClass, got)
		}
	}
}

func TestSizeClassProperties(t *testing.T) {
	for size := uintptr(1); size <= maxLargeSize; size++ {
		class := sizeClass(size)
		if class < 0 || class >= numClasses {
			t.Fatalf("sizeClass(%d) returned out of range class %d", size, class)
		}

		blockSize := classSize(class)
		if blockSize < size {
			t.Fatalf("class %d block size %d cannot hold %d bytes", class, blockSize, size)
		}

		// Above the tiny sizes, four classes per power of two bound
		// the per-block overhead to a quarter of the block size.
		if size > 64 && blockSize-size >= blockSize/4 {
			t.Fatalf("class %d block size %d wastes too much for a %d byte request", class, blockSize, size)
		}

		// A size exactly at a class boundary must use that class, one
		// byte more must use the next.
		if size == blockSize && class+1 < numClasses && sizeClass(size+1) != class+1 {
			t.Fatalf("expected sizeClass(%d) to move to class %d; got %d", size+1, class+1, sizeClass(size+1))
		}
	}

	// Class sizes are strictly monotonic.
	for class := 1; class < numClasses; class++ {
		if classSize(class) <= classSize(class-1) {
			t.Fatalf("class sizes are not monotonic at class %d", class)
		}
	}
}

func TestLargeClassPageStart(t *testing.T) {
	for i, size := range largeClassSizes {
		start := largeClassPageStart[i]
		if start == 0 || start < pageMetaOffset+pageMetaSize {
			t.Fatalf("class %d first block offset 0x%x overlaps the segment metadata", i, start)
		}

		// The blocks must tile the rest of the segment exactly.
		if (SegmentSize-start)%size != 0 {
			t.Fatalf("class %d blocks starting at 0x%x do not tile the segment", i, start)
		}

		// Power-of-two classes must produce naturally aligned blocks.
		if size&(size-1) == 0 && start%size != 0 {
			t.Fatalf("class %d first block offset 0x%x breaks natural alignment", i, start)
		}
	}
}

func TestPaddedSize(t *testing.T) {
	specs := []struct {
		size, align, exp uintptr
	}{
		{0, 1, 0},
		{1, 1, 8},
		{8, 1, 8},
		{9, 1, 16},
		{100, 64, 128},
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x2000},
	}

	for specIndex, spec := range specs {
		if got := paddedSize(spec.size, spec.align); got != spec.exp {
			t.Errorf("[spec %d] expected paddedSize(%d, %d) to return %d; got %d", specIndex, spec.size, spec.align, spec.exp, got)
		}
	}
}
