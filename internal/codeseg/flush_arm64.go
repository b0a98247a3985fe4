//go:build arm64

package codeseg

// armClearCache is implemented in cache_arm64.s: a DC CVAU / IC IVAU walk
// over [start, end) bracketed by dsb/isb, the sequence spec.md §5
// requires after publishing a trampoline on aarch64.
func armClearCache(start, end uintptr)

func flushICache(addr uintptr, size int) {
	armClearCache(addr, addr+uintptr(size))
}
