package codeseg

// flushICache is a no-op on amd64: x86/x64 guarantees instruction-cache
// coherency with the data cache for self-modifying code, provided a
// serializing instruction (implicit in any subsequent CALL/JMP into the
// patched region) executes afterwards — spec.md §5's "memory fence" for
// the atomic patch rule already supplies that on this architecture.
func flushICache(addr uintptr, size int) {}
