//go:build unix

package codeseg

import (
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

func addrOf(m mmap.MMap) uintptr {
	if len(m) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m[0]))
}
