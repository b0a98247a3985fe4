// Package codeseg implements the code segment abstraction of spec.md §4.4:
// making a trampoline region executable, either directly (RWX path) or via
// a dual-mapping trick on platforms that forbid simultaneously-writable-
// and-executable memory. Both strategies publish through a memory barrier
// and an instruction-cache flush, matching spec.md §5's atomic patching
// rule for ARM/aarch64 and the dual-mapping substitute it names for
// RWX-forbidden platforms.
package codeseg

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "codeseg")

// Strategy selects how a Segment publishes writes made through its
// writable view. RWX is the default on Linux, which permits it; DualMap
// is used when the platform denies W^X-violating mappings (e.g. hardened
// Linux configurations with PaX/grsecurity-style MPROTECT, or iOS).
type Strategy int

const (
	// StrategyRWX allocates pages with read-write-execute permission;
	// writes are immediate, followed by an icache flush.
	StrategyRWX Strategy = iota
	// StrategyDualMap backs the region with an anonymous memfd and
	// creates two mappings onto it — one writable, one executable —
	// sharing the same pages.
	StrategyDualMap
)

// Segment is the minimal surface spec.md §4.4 names: new/writable_base/
// realize/map/free. Transactions always go through exactly one of the two
// strategies, never mixing them within a single segment's lifetime.
type Segment interface {
	// WritableBase returns the address through which Realize/Map expect
	// writes to land. For StrategyRWX this is the same address the
	// target will execute from; for StrategyDualMap it is the other
	// mapping.
	WritableBase() uintptr
	// Realize publishes pending writes: an instruction-cache flush over
	// the executable range. For StrategyDualMap the writable view is not
	// discarded here; it stays mapped until Free.
	Realize() error
	// Map copies len bytes starting at src_offset within the segment's
	// writable view so that they become executable at dstAddr (which,
	// for StrategyRWX, equals WritableBase()+srcOffset; for
	// StrategyDualMap, is the address of the matching executable-view
	// byte).
	Map(srcOffset, length int, dstAddr uintptr) error
	// ExecBase returns the address code placed in this segment will run
	// from once Realize has published it.
	ExecBase() uintptr
	// Free releases the segment's backing memory. The caller must have
	// already verified nothing can still be executing inside it.
	Free() error
}

// New allocates a size-byte segment using the given strategy.
func New(size int, strategy Strategy) (Segment, error) {
	switch strategy {
	case StrategyRWX:
		return newRWXSegment(size)
	case StrategyDualMap:
		return newDualMapSegment(size)
	default:
		return nil, fmt.Errorf("codeseg: unknown strategy %d", strategy)
	}
}
