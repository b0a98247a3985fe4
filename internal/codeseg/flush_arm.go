//go:build arm

package codeseg

import "golang.org/x/sys/unix"

// armCacheFlushSyscall is Linux's dedicated ARM32 cache-maintenance
// syscall (__ARM_NR_cacheflush, 0x0f0002), the kernel's own answer to the
// lack of a userspace-callable cache-clean instruction on this
// architecture. mmap-go and golang.org/x/sys/unix don't wrap it, so this
// is a direct syscall — the 32-bit-ARM analogue of cache_arm64.s's
// DC/IC sequence.
const armCacheFlushSyscall = 0x0f0002

func flushICache(addr uintptr, size int) {
	unix.Syscall(armCacheFlushSyscall, addr, addr+uintptr(size), 0)
}
