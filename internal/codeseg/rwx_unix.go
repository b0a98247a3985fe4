//go:build unix

package codeseg

import (
	"github.com/edsrzf/mmap-go"
)

// rwxSegment is the simple case: one mmap.MapRegion call with RDWR|EXEC,
// the same flag combination exec/internal/compile's (teacher) native
// backend relies on via mmap-go before the icache flush. No address
// targeting is needed here — placement near a target is the allocator's
// job (internal/codeslab), not the segment's.
type rwxSegment struct {
	mem mmap.MMap
}

func newRWXSegment(size int) (Segment, error) {
	mem, err := mmap.MapRegion(nil, size, mmap.RDWR|mmap.EXEC, 0, 0)
	if err != nil {
		return nil, err
	}
	return &rwxSegment{mem: mem}, nil
}

func (s *rwxSegment) WritableBase() uintptr { return addrOf(s.mem) }
func (s *rwxSegment) ExecBase() uintptr     { return addrOf(s.mem) }

func (s *rwxSegment) Map(srcOffset, length int, dstAddr uintptr) error {
	// dstAddr is always WritableBase()+srcOffset for the RWX strategy;
	// the bytes are already in place by construction (writers emit
	// straight into s.mem[srcOffset:]). Nothing to copy.
	return nil
}

func (s *rwxSegment) Realize() error {
	flushICache(addrOf(s.mem), len(s.mem))
	return nil
}

func (s *rwxSegment) Free() error {
	log.WithField("addr", s.ExecBase()).Debug("releasing rwx segment")
	return s.mem.Unmap()
}
