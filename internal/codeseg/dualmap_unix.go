//go:build unix

package codeseg

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// dualMapSegment backs a region with an anonymous memfd and maps it twice:
// a writable view the Code Writer emits into, and an executable view that
// is what the patched target actually branches to. Publishing (Realize)
// is an icache flush over the executable view. The writable view is not
// unmapped when Realize runs; both views stay mapped until Free.
type dualMapSegment struct {
	fd       int
	size     int
	writable []byte
	execView []byte
}

func newDualMapSegment(size int) (Segment, error) {
	fd, err := unix.MemfdCreate("kestrel-trampoline", 0)
	if err != nil {
		return nil, fmt.Errorf("codeseg: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("codeseg: ftruncate: %w", err)
	}

	w, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("codeseg: mmap writable view: %w", err)
	}
	x, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(w)
		unix.Close(fd)
		return nil, fmt.Errorf("codeseg: mmap executable view: %w", err)
	}

	log.WithField("size", size).Debug("dual-mapped trampoline segment created")
	return &dualMapSegment{fd: fd, size: size, writable: w, execView: x}, nil
}

func (s *dualMapSegment) WritableBase() uintptr {
	return uintptr(unsafe.Pointer(&s.writable[0]))
}

func (s *dualMapSegment) ExecBase() uintptr {
	return uintptr(unsafe.Pointer(&s.execView[0]))
}

func (s *dualMapSegment) Map(srcOffset, length int, dstAddr uintptr) error {
	// Both views share the same backing pages, so writes through
	// s.writable are already visible at the corresponding executable
	// offset; dstAddr is only used to assert the caller computed the
	// matching executable-view address correctly.
	want := s.ExecBase() + uintptr(srcOffset)
	if dstAddr != want {
		return fmt.Errorf("codeseg: dstAddr %#x does not match executable view offset %#x", dstAddr, want)
	}
	return nil
}

func (s *dualMapSegment) Realize() error {
	// A shared mapping over the same pages is already coherent at the
	// page-cache level; the only remaining step is the architecture's
	// instruction-cache maintenance so a core that already fetched stale
	// bytes from the executable view re-fetches them.
	flushICache(s.ExecBase(), s.size)
	return nil
}

func (s *dualMapSegment) Free() error {
	err1 := unix.Munmap(s.writable)
	err2 := unix.Munmap(s.execView)
	err3 := unix.Close(s.fd)
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}
