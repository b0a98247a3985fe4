// Package reloc implements the Relocator of spec.md §4.3: it copies the
// instructions a hook is about to overwrite into a trampoline, rewriting
// any instruction whose encoding depends on its address so the copy
// still does the same thing from its new location.
//
// The entry points mirror gum_arm_relocator_can_relocate/_relocate from
// original_source/gum/arch-arm/gumarmrelocator.h (no .c implementation
// was retrieved, only the header, so the read_one/write_one/eob/eoi
// naming and the can_relocate/relocate split are carried over but the
// internals below are new).
package reloc

import (
	"errors"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
)

// ErrUnrelocatable is returned when an instruction inside the window
// being relocated cannot be rewritten into a position-independent form
// (spec.md §4.3's can_relocate contract).
var ErrUnrelocatable = errors.New("reloc: instruction cannot be relocated")

// ErrShortInput is returned when the input slice ends mid-instruction
// before min_bytes worth of whole instructions could be read.
var ErrShortInput = errors.New("reloc: input too short to decode min_bytes of whole instructions")

// ErrUnreachable is declared but no code path returns it: every backend
// rewrites a branch whose target lies outside the relocated window as an
// absolute transfer, which has no range limit, so relocation never
// fails on branch range and never emits a truncated branch.
var ErrUnreachable = errors.New("reloc: branch target unreachable from relocated position")

// CanRelocate reports the number of leading bytes of code, rounded up to
// an instruction boundary, that must be moved for at least minBytes to
// be overwritten with a hook's redirect branch — the same
// over-allocation gum_arm_relocator_can_relocate performs so a redirect
// never lands mid-instruction.
func CanRelocate(arch string, code []byte, minBytes int) (int, error) {
	switch arch {
	case "amd64", "386":
		return canRelocateX86(code, minBytes, arch == "386")
	case "arm64":
		return canRelocateARM64(code, minBytes)
	case "arm":
		return canRelocateARM(code, minBytes)
	default:
		return 0, errors.New("reloc: unsupported architecture " + arch)
	}
}

// Relocate decodes and rewrites the leading instructions of code (which
// live at codeAddr) into w, stopping once at least minBytes of input has
// been consumed and the instruction stream is at a safe boundary. It
// returns the number of input bytes consumed, matching
// gum_arm_relocator_relocate's return value.
func Relocate(arch string, code []byte, codeAddr uintptr, minBytes int, w codewriter.Writer) (int, error) {
	switch arch {
	case "amd64", "386":
		return relocateX86(code, codeAddr, minBytes, w, arch == "386")
	case "arm64":
		return relocateARM64(code, codeAddr, minBytes, w)
	case "arm":
		return relocateARM(code, codeAddr, minBytes, w)
	default:
		return 0, errors.New("reloc: unsupported architecture " + arch)
	}
}
