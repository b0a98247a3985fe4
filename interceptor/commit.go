package interceptor

import (
	"sync/atomic"
	"unsafe"

	"github.com/kestrel-dbi/kestrel/internal/codeseg"
	"github.com/kestrel-dbi/kestrel/internal/codewriter"
)

// commit implements spec.md §4.6's "transaction commit": every pending
// redirect write is applied, the trampoline allocator's slabs are
// dropped back to execute-only, and every generation queued for
// destruction is handed to its own goroutine, which waits for that
// generation's in-use counter to drain and then releases it. Caller
// holds ic.mu.
//
// Writes are applied one target at a time rather than grouped by
// containing page first — internal/codeseg.OpenExisting already does
// its own page-rounding and mprotect per call, so two targets sharing a
// page simply cost two mprotect cycles instead of one. Coalescing those
// cycles would trade code for a constant-factor syscall count and was
// left out.
func (ic *Interceptor) commit() error {
	writes := ic.pendingWrite
	ic.pendingWrite = nil

	for _, fc := range writes {
		var code []byte
		if fc.deactivated {
			code = fc.original
		} else {
			redirect, err := redirectBytes(ic.arch, fc.gen.tramp.EntryAddr)
			if err != nil {
				return err
			}
			code = redirect
		}
		if err := patchTarget(ic.arch, fc.target, code); err != nil {
			return err
		}
	}

	if err := ic.alloc.Commit(); err != nil {
		return err
	}

	pending := ic.pendingDestroy
	ic.pendingDestroy = nil
	for _, rg := range pending {
		rg := rg
		go func() {
			spinUntilDrained(rg.gen)
			rg.gen.tramp.Release(ic.disp)
		}()
	}
	return nil
}

// redirectBytes encodes the absolute-jump redirector written over a
// hooked function's prologue.
func redirectBytes(arch string, entry uintptr) ([]byte, error) {
	w, err := codewriter.New(arch)
	if err != nil {
		return nil, err
	}
	w.JmpAbs(entry)
	return w.Flush()
}

// patchTarget applies spec.md §5's atomic patching rule while writing
// code over already-executing memory: on x86 a single trap byte goes
// down first (any thread landing exactly on it while the rest of the
// patch is in flight takes the fault path rather than executing a
// half-written instruction), the remaining bytes are written, and the
// leading opcode is rewritten last so the instruction only ever reads as
// either the old or the new encoding, never a mix. Both the trap byte
// and the final opcode are published with a real atomic store on dst
// itself rather than a plain write: the Go memory model only orders an
// atomic operation against other atomic operations on the *same*
// location, so nothing stops the compiler or CPU from reordering a
// plain dst[0] write across the plain copy that follows or precedes it.
// Folding each publish into the leading 32-bit word of dst (armTrap,
// armOpcode) gives both steps a location another core's instruction
// fetch actually reads, so the ordering is real. ARM/arm64 write their
// single 32-bit-aligned instruction word in one store, which the ISA
// already guarantees is atomic, so the trap step is skipped.
//
// This only orders the writes this process issues; it does not install
// a SIGTRAP handler to resume a thread that actually faults mid-patch
// (gum's Linux backend does, by single-stepping the original
// instruction out of line). A concurrent call landing in the handful of
// nanoseconds between the trap byte and the final opcode rewrite would
// therefore crash instead of transparently retrying — accepted here as
// a documented gap rather than built out, since it requires installing
// a process-wide SIGTRAP handler this package has no other reason to
// own.
func patchTarget(arch string, target uintptr, code []byte) error {
	seg, err := codeseg.OpenExisting(target, len(code))
	if err != nil {
		return err
	}
	dst := rawBytesAt(seg.WritableBase(), len(code))

	// The trap-step redirect widths internal/codewriter emits (amd64's
	// MovRegImm+JmpAbs reg is at least 12 bytes, 386's at least 7) are
	// always well past 4 bytes, and a revert restores exactly as many
	// original bytes as were captured at attach time — so the short-code
	// fallback below is defensive, not a path expected to run.
	if usesTrapStep(arch) && len(code) >= 4 {
		armTrap(dst)
		copy(dst[1:], code[1:])
		armOpcode(dst, code[0])
	} else {
		copy(dst, code)
	}

	if err := seg.Map(0, len(code), seg.ExecBase()); err != nil {
		return err
	}
	return seg.Realize()
}

// armTrap installs the INT3 trap byte via a genuine atomic store on
// dst's leading word, preserving whatever currently occupies the other
// three bytes (they're overwritten again by the plain copy in
// patchTarget immediately after). Because the store lands on dst
// itself, the hardware ordering it provides actually covers the copy
// that follows, unlike a store to unrelated throwaway memory.
func armTrap(dst []byte) {
	word := (*uint32)(unsafe.Pointer(&dst[0]))
	cur := atomic.LoadUint32(word)
	atomic.StoreUint32(word, (cur&^0xff)|uint32(trapOpcode))
}

// armOpcode re-arms the instruction's real leading byte once the rest of
// it has already been written, publishing the whole leading word in one
// atomic store rather than a lone byte write — dst[1:4] already hold
// their final values from the copy in patchTarget, so folding them back
// in alongside lead is a no-op — so a concurrent instruction fetch on
// another core observes either the fully-trapped or the fully-armed
// encoding, never a mix.
func armOpcode(dst []byte, lead byte) {
	word := (*uint32)(unsafe.Pointer(&dst[0]))
	newWord := uint32(lead) | uint32(dst[1])<<8 | uint32(dst[2])<<16 | uint32(dst[3])<<24
	atomic.StoreUint32(word, newWord)
}

// trapOpcode is x86's INT3, a single byte that always faults regardless
// of what instruction follows it.
const trapOpcode = 0xCC

// usesTrapStep reports whether arch benefits from the one-byte-trap
// ordering: x86's variable-length encoding means the bytes after the
// first can form a valid (wrong) instruction mid-write, something
// ARM/arm64's fixed 32-bit instruction width can't do — their single
// aligned store is already atomic per spec.md §5.
func usesTrapStep(arch string) bool {
	return arch == "amd64" || arch == "386"
}
