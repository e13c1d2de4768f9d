package hooks

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

func goRuntimeCallers(skip int, pcs []uintptr) int {
	return runtime.Callers(skip, pcs)
}

// unsafeBytes views n bytes starting at ptr as a []byte, mirroring
// internal/alloc's helper of the same shape.
func unsafeBytes(ptr uintptr, n uint64) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(n))
}

func ptrAt(ptr uintptr) unsafe.Pointer { return unsafe.Pointer(ptr) }

// rawAlloc performs an uninstrumented allocation for use while hooks are
// disabled (spec.md §5: hooks must "pass through untouched" during
// post_exec/fault handling). It maps anonymous memory directly rather than
// handing out a Go-heap pointer as a bare uintptr, so the returned address
// stays valid once the only remaining reference is the integer itself.
func rawAlloc(size uint64) uintptr {
	if size == 0 {
		size = 1
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

func rawStrlen(ptr uintptr) uint64 {
	var n uint64
	for *(*byte)(ptrAt(ptr + uintptr(n))) != 0 {
		n++
	}
	return n
}
