//go:build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// HugePageShift is equal to log2(HugePageSize). Huge pages are mapped
	// by leaf entries one paging level above regular pages.
	HugePageShift = 21

	// HugePageSize defines the system's huge (2Mb) page size in bytes.
	HugePageSize = Size(1 << HugePageShift)
)
