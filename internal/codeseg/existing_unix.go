//go:build unix

package codeseg

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// existingPageSegment toggles W^X protection on an already-mapped page
// range in place. It backs the other half of spec.md §4.4 that
// rwxSegment/dualMapSegment don't cover: those two build a *fresh*
// trampoline region, but the interceptor's transaction commit (§4.6)
// also has to patch the redirector directly over a target function's
// existing prologue bytes, wherever the loader happened to place them —
// there is no "allocate near" step for memory the process doesn't own
// the placement of. WritableBase and ExecBase are the same address:
// there's one mapping, and its protection bits flip around the write
// instead of maintaining two separate views the way dualMapSegment does
// (a genuine dual mapping would need the target page's backing file
// descriptor, which the process patching someone else's function has no
// portable way to obtain).
type existingPageSegment struct {
	base uintptr // page-aligned
	size int     // rounded up to a whole number of pages
}

// OpenExisting begins a protect/write/restore cycle over the size bytes
// starting at addr, which must already be mapped as executable code (a
// hooked function's displaced prologue). The spanning pages are made
// read-write-execute immediately; Realize drops back to read-execute and
// flushes the instruction cache. The RWX window this opens is exactly
// the same trade-off rwxSegment makes for trampoline memory, scoped here
// to the few bytes a redirector overwrites and held only as long as one
// transaction commit takes.
func OpenExisting(addr uintptr, size int) (Segment, error) {
	pageSize := uintptr(unix.Getpagesize())
	base := addr &^ (pageSize - 1)
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)
	spanned := int(end - base)

	if err := unix.Mprotect(rawBytesAt(base, spanned), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return nil, err
	}
	return &existingPageSegment{base: base, size: spanned}, nil
}

func (s *existingPageSegment) WritableBase() uintptr { return s.base }
func (s *existingPageSegment) ExecBase() uintptr     { return s.base }

func (s *existingPageSegment) Map(srcOffset, length int, dstAddr uintptr) error {
	// Single mapping, so the bytes a writer puts at WritableBase+srcOffset
	// are already the bytes that will execute — nothing to copy, the
	// same degenerate case rwxSegment.Map documents.
	return nil
}

func (s *existingPageSegment) Realize() error {
	err := unix.Mprotect(rawBytesAt(s.base, s.size), unix.PROT_READ|unix.PROT_EXEC)
	flushICache(s.base, s.size)
	return err
}

func (s *existingPageSegment) Free() error {
	// Nothing owned: this segment never allocated memory, it only
	// borrowed protection bits on a page the host binary's loader mapped.
	return nil
}

type existingSliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

func rawBytesAt(addr uintptr, size int) []byte {
	var b []byte
	sh := (*existingSliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b
}
