// Package codeslab implements the code allocator of spec.md §4.1: it hands
// out small, fixed-size executable slices whose address lies within branch
// range of an arbitrary target, backed by mmap'd slabs the way
// exec/internal/compile's (teacher) MMapAllocator backs wagon's native
// code buffers with github.com/edsrzf/mmap-go.
package codeslab

import (
	"fmt"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "codeslab")

// ErrOutOfNearCodeSpace is returned by AllocateNear when no slab within
// maxDistance of target can be obtained, either from an existing slab or
// by reserving a fresh one. The interceptor surfaces this to callers as
// ATTACH_WRONG_SIGNATURE / REPLACE_WRONG_SIGNATURE per spec.md §4.1.
var ErrOutOfNearCodeSpace = fmt.Errorf("codeslab: out of near code space")

// slicesPerSlab is how many fixed-size slices a freshly reserved slab
// holds. Doubling this up front amortizes the mmap/mprotect syscalls that
// would otherwise happen once per attach.
const slicesPerSlab = 32

// slab is one mmap'd, page-aligned region subdivided into sliceSize chunks.
type slab struct {
	mem      mmap.MMap
	base     uintptr
	sliceSize uint32
	free     []uint32 // offsets, in units of sliceSize, of unused slices
	writable bool
}

func newSlab(base uintptr, sliceSize uint32, hint mmapHint) (*slab, error) {
	size := int(sliceSize) * slicesPerSlab
	mem, addr, err := mmapNear(base, size, hint)
	if err != nil {
		return nil, err
	}
	s := &slab{mem: mem, base: addr, sliceSize: sliceSize, writable: true}
	s.free = make([]uint32, slicesPerSlab)
	for i := range s.free {
		s.free[i] = uint32(slicesPerSlab-1-i) * sliceSize
	}
	return s, nil
}

func (s *slab) contains(addr uintptr) bool {
	return addr >= s.base && addr < s.base+uintptr(len(s.mem))
}

func (s *slab) reachableFrom(target uintptr, maxDistance int64) bool {
	var d int64
	if s.base >= target {
		d = int64(s.base - target)
	} else {
		d = int64(target - s.base)
	}
	return d <= maxDistance
}

func (s *slab) allocate() (uint32, bool) {
	if len(s.free) == 0 {
		return 0, false
	}
	off := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return off, true
}

func (s *slab) release(offset uint32) {
	s.free = append(s.free, offset)
}

// Slice is an aligned, executable byte range owned by an Allocator. It is
// handed out by reference; ownership rules (who may free it, and when)
// live in the caller — spec.md §3's "code slice" invariant I2
// (trampoline_in_use > 0 forbids destruction) is enforced by the
// interceptor package, not here.
type Slice struct {
	owner  *Allocator
	s      *slab
	offset uint32
	size   uint32
}

// Addr returns the slice's executable address.
func (sl *Slice) Addr() uintptr { return sl.s.base + uintptr(sl.offset) }

// Bytes returns a writable view of the slice. Valid only while the owning
// slab is in its writable state (i.e. within a transaction, before
// Allocator.Commit publishes it read-execute); see internal/codeseg for
// the platforms where writable and executable are different mappings
// entirely.
func (sl *Slice) Bytes() []byte {
	return sl.s.mem[sl.offset : sl.offset+sl.size]
}

// Size returns the slice's capacity in bytes.
func (sl *Slice) Size() uint32 { return sl.size }

// Free returns the slice to its slab's freelist. O(1). The caller must
// already have verified the slice's trampoline_in_use counter is zero.
func (sl *Slice) Free() {
	sl.owner.mu.Lock()
	defer sl.owner.mu.Unlock()
	sl.s.release(sl.offset)
	log.WithField("addr", fmt.Sprintf("%#x", sl.Addr())).Debug("slice freed")
}

// Allocator hands out fixed-size executable slices from slabs placed
// within branch range of target addresses (spec.md §4.1).
type Allocator struct {
	mu        sync.Mutex
	sliceSize uint32
	slabs     []*slab
}

// NewAllocator returns an Allocator handing out slices of exactly
// sliceSize bytes, rounded up to the architecture's code alignment.
func NewAllocator(sliceSize uint32) *Allocator {
	return &Allocator{sliceSize: align(sliceSize)}
}

func align(n uint32) uint32 {
	const a = 16
	return (n + a - 1) &^ (a - 1)
}

// AllocateNear returns a slice whose address is within maxDistance bytes
// of target (in either direction), as spec.md §4.1 requires for
// short-branch-limited architectures. maxDistance of -1 disables the
// distance check (e.g. x86-64 with a 64-bit absolute trampoline form that
// needs no short branch).
func (a *Allocator) AllocateNear(target uintptr, maxDistance int64) (*Slice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.slabs {
		if maxDistance >= 0 && !s.reachableFrom(target, maxDistance) {
			continue
		}
		if off, ok := s.allocate(); ok {
			return &Slice{owner: a, s: s, offset: off, size: a.sliceSize}, nil
		}
	}

	s, err := newSlab(target, a.sliceSize, mmapHint{maxDistance: maxDistance})
	if err != nil {
		log.WithError(err).WithField("target", fmt.Sprintf("%#x", target)).
			Warn("failed to reserve a slab near target")
		return nil, ErrOutOfNearCodeSpace
	}
	a.slabs = append(a.slabs, s)
	off, ok := s.allocate()
	if !ok {
		// unreachable: a fresh slab always has slicesPerSlab free slots.
		return nil, ErrOutOfNearCodeSpace
	}
	return &Slice{owner: a, s: s, offset: off, size: a.sliceSize}, nil
}

// Commit restores read-execute protection on every slab marked writable.
// Every slab is created writable and the mark is never cleared, so each
// Commit re-protects all slabs; no slab is skipped.
func (a *Allocator) Commit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slabs {
		if !s.writable {
			continue
		}
		if err := protectExecOnly(s.mem); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps every slab. Callers must ensure no trampoline residing in
// any slab is reachable first.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for _, s := range a.slabs {
		if err := s.mem.Unmap(); err != nil && first == nil {
			first = err
		}
	}
	a.slabs = nil
	return first
}
