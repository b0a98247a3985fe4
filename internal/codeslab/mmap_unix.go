//go:build unix

package codeslab

import (
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// mmapHint carries the near-target search constraints down to the OS
// reservation call. On Linux there is no "mmap near this address or fail"
// primitive exposed by mmap-go, so we probe candidate addresses on either
// side of target ourselves (MAP_FIXED_NOREPLACE semantics emulated via a
// plain mmap + compare, since mmap-go doesn't expose MAP_FIXED_NOREPLACE).
type mmapHint struct {
	maxDistance int64
}

// mmapNear reserves size bytes of RW anonymous memory.
//
// When hint.maxDistance is negative (no short-branch constraint — x86-64's
// redirector can reach any 64-bit address via its RIP-relative indirect
// jump form) this is the simple case mmap-go is built for: one
// mmap.MapRegion call, no address targeting required.
//
// Otherwise (32-bit ARM, aarch64) the OS must place the mapping within
// maxDistance of target. mmap-go has no address-hint or MAP_FIXED support,
// so this path drops to golang.org/x/sys/unix directly and probes
// candidate addresses on either side of target, in page-sized steps,
// until the kernel honours one within range.
func mmapNear(target uintptr, size int, hint mmapHint) (mmap.MMap, uintptr, error) {
	if hint.maxDistance < 0 {
		m, err := mmap.MapRegion(nil, size, mmap.RDWR, 0, 0)
		if err != nil {
			return nil, 0, err
		}
		return m, addrOf(m), nil
	}

	pageSize := int64(unix.Getpagesize())
	pageBase := target &^ uintptr(pageSize-1)
	const attempts = 64
	for i := 0; i < attempts; i++ {
		offset := int64(i) * pageSize
		for _, candidate := range []uintptr{pageBase + uintptr(offset), pageBase - uintptr(offset)} {
			if int64(candidate) <= 0 {
				continue
			}
			b, err := mmapFixedNoreplace(candidate, size)
			if err != nil {
				continue
			}
			addr := uintptr(unsafe.Pointer(&b[0]))
			var d int64
			if addr >= target {
				d = int64(addr - target)
			} else {
				d = int64(target - addr)
			}
			if d <= hint.maxDistance {
				return mmap.MMap(b), addr, nil
			}
			unix.Munmap(b)
		}
	}
	return nil, 0, fmt.Errorf("codeslab: no slab found within %d bytes of %#x after %d attempts",
		hint.maxDistance, target, attempts)
}

// mmapFixedNoreplace asks the kernel to place the mapping exactly at addr,
// failing rather than silently relocating it if that range is already in
// use (MAP_FIXED_NOREPLACE, Linux 4.17+). unix.Mmap's portable wrapper has
// no address parameter, so this goes through the raw syscall directly —
// the one place in the allocator that isn't mmap-go or the unix package's
// convenience API.
func mmapFixedNoreplace(addr uintptr, size int) ([]byte, error) {
	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_FIXED_NOREPLACE
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errno
	}
	if ret != addr {
		unix.RawSyscall(unix.SYS_MUNMAP, ret, uintptr(size), 0)
		return nil, fmt.Errorf("codeslab: kernel placed mapping at %#x, wanted %#x", ret, addr)
	}
	var b []byte
	sh := (*sliceHeader)(unsafe.Pointer(&b))
	sh.Data = ret
	sh.Len = size
	sh.Cap = size
	return b, nil
}

type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

func addrOf(m mmap.MMap) uintptr {
	return uintptr(unsafe.Pointer(&m[0]))
}

// protectExecOnly restores read+execute-only protection on a slab once a
// transaction commits, consistent with spec.md §4.1's commit() contract
// on W^X-enforcing platforms. mmap-go offers no re-protect primitive, so
// this always goes through unix.Mprotect directly.
func protectExecOnly(m mmap.MMap) error {
	if len(m) == 0 {
		return nil
	}
	return unix.Mprotect([]byte(m), unix.PROT_READ|unix.PROT_EXEC)
}
