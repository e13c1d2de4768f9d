package alloc

import "unsafe"

// unsafePointer returns the address of data's backing array. data must be
// non-empty; callers only ever pass just-mmap'd slices.
func unsafePointer(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}

// unsafeBytes views n bytes starting at an arbitrary process address as a
// []byte, for memcpy-style copies and munmap calls against a raw uintptr.
func unsafeBytes(ptr uintptr, n uint64) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(n))
}
