package mem

import "unsafe"

// Memset sets size bytes at the given address to the supplied value.
func Memset(addr uintptr, value byte, size Size) {
	target := (*(*[1 << 40]byte)(unsafe.Pointer(addr)))[:size]
	for index := Size(0); index < size; index++ {
		target[index] = value
	}
}

// Memcopy copies size bytes from src to dst. The two regions must not
// overlap.
func Memcopy(src, dst uintptr, size Size) {
	srcSlice := (*(*[1 << 40]byte)(unsafe.Pointer(src)))[:size]
	dstSlice := (*(*[1 << 40]byte)(unsafe.Pointer(dst)))[:size]
	copy(dstSlice, srcSlice)
}
