package interceptor

import "unsafe"

type rawSliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

// rawBytesAt views size bytes of arbitrary process memory starting at
// addr as a []byte, the same unsafe technique
// internal/codeseg/existing_unix.go's rawBytesAt uses — duplicated
// rather than exported across a package boundary that otherwise has no
// reason to share an internal helper type.
func rawBytesAt(addr uintptr, size int) []byte {
	var b []byte
	sh := (*rawSliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b
}

// readTargetCode copies n bytes starting at addr into a fresh Go slice —
// trampoline.Build's TargetCode input must be a real copy, not a view
// straight into possibly-about-to-be-patched executable memory, since
// reloc.Relocate keeps reading it after the redirect is written during a
// later transaction commit on the same target.
func readTargetCode(addr uintptr, n int) []byte {
	out := make([]byte, n)
	copy(out, rawBytesAt(addr, n))
	return out
}
