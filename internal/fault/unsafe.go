package fault

import "unsafe"

// unsafeRead views n bytes starting at the raw address pc as a Go slice,
// mirroring internal/alloc.unsafeBytes's pattern for turning a captured
// address into an addressable view within this process.
func unsafeRead(pc uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(pc)), n)
}
