package reloc

import (
	"github.com/kestrel-dbi/kestrel/internal/codewriter"
)

// aarch64 instructions are always 4 bytes, which makes classifying the
// handful of PC-relative forms a matter of matching fixed bit fields
// from the ARM Architecture Reference Manual rather than needing a full
// operand decode. No package in this module imports
// golang.org/x/arch/arm64/arm64asm; the relocator works directly
// against the instruction word, the same level the aarch64 Writer
// already operates at.
type arm64Inst struct {
	offset int
	word   uint32
}

func decodeARM64Window(code []byte, minBytes int) ([]arm64Inst, int, error) {
	if len(code)%4 != 0 && len(code) < minBytes {
		return nil, 0, ErrShortInput
	}
	var insts []arm64Inst
	consumed := 0
	for consumed < minBytes {
		if consumed+4 > len(code) {
			return nil, 0, ErrShortInput
		}
		word := uint32(code[consumed]) | uint32(code[consumed+1])<<8 | uint32(code[consumed+2])<<16 | uint32(code[consumed+3])<<24
		insts = append(insts, arm64Inst{offset: consumed, word: word})
		consumed += 4
		if isARM64Return(word) && consumed < minBytes {
			return nil, 0, ErrUnrelocatable
		}
		if isARM64UnconditionalTransfer(word) {
			break
		}
	}
	return insts, consumed, nil
}

func canRelocateARM64(code []byte, minBytes int) (int, error) {
	_, consumed, err := decodeARM64Window(code, minBytes)
	return consumed, err
}

func relocateARM64(code []byte, codeAddr uintptr, minBytes int, w codewriter.Writer) (int, error) {
	insts, consumed, err := decodeARM64Window(code, minBytes)
	if err != nil {
		return 0, err
	}

	labels := map[int]codewriter.Label{}
	for _, ri := range insts {
		target, ok := arm64BranchTarget(ri)
		if !ok {
			continue
		}
		if target >= 0 && target < consumed {
			if _, exists := labels[target]; !exists {
				labels[target] = w.NewLabel()
			}
		}
	}

	for _, ri := range insts {
		if l, ok := labels[ri.offset]; ok {
			w.Bind(l)
		}
		if err := writeARM64Inst(w, ri, codeAddr, labels); err != nil {
			return 0, err
		}
	}
	return consumed, nil
}

// isARM64Return matches RET (bits[31:10] = 1101011001011111000000, Rn in
// [9:5], [4:0]=0), the only common no-operand terminator a function
// prologue would contain.
func isARM64Return(w uint32) bool {
	return w&0xfffffc1f == 0xd65f0000
}

func isARM64UnconditionalTransfer(w uint32) bool {
	if w&0xfc000000 == 0x14000000 { // B
		return true
	}
	return isARM64Return(w)
}

// arm64BranchTarget returns the byte offset, relative to the window
// start, that a PC-relative branch targets. Handles B, BL, B.cond, CBZ,
// CBNZ, TBZ, TBNZ — every form spec.md's aarch64 relocation rules name.
func arm64BranchTarget(ri arm64Inst) (int, bool) {
	w := ri.word
	switch {
	case w&0xfc000000 == 0x14000000: // B
		return ri.offset + int(signExtend(int32(w&0x3ffffff), 26)*4), true
	case w&0xfc000000 == 0x94000000: // BL
		return ri.offset + int(signExtend(int32(w&0x3ffffff), 26)*4), true
	case w&0xff000010 == 0x54000000: // B.cond
		imm19 := int32(w>>5) & 0x7ffff
		return ri.offset + int(signExtend(imm19, 19)*4), true
	case w&0x7e000000 == 0x34000000: // CBZ/CBNZ
		imm19 := int32(w>>5) & 0x7ffff
		return ri.offset + int(signExtend(imm19, 19)*4), true
	case w&0x7e000000 == 0x36000000: // TBZ/TBNZ
		imm14 := int32(w>>5) & 0x3fff
		return ri.offset + int(signExtend(imm14, 14)*4), true
	default:
		return 0, false
	}
}

func signExtend(v int32, bits uint) int32 {
	shift := 32 - bits
	return (v << shift) >> shift
}

func arm64CondFromWord(w uint32) codewriter.Cond {
	switch (w >> 0) & 0xf {
	case 0x0:
		return codewriter.CondEqual
	case 0x1:
		return codewriter.CondNotEqual
	case 0x2:
		return codewriter.CondNoCarry
	case 0x3:
		return codewriter.CondCarry
	case 0x4:
		return codewriter.CondSign
	case 0x5:
		return codewriter.CondNoSign
	case 0x6:
		return codewriter.CondOverflow
	case 0x7:
		return codewriter.CondNoOverflow
	case 0x8:
		return codewriter.CondAbove
	case 0x9:
		return codewriter.CondBelowEqual
	case 0xa:
		return codewriter.CondGreaterEqual
	case 0xb:
		return codewriter.CondLess
	case 0xc:
		return codewriter.CondGreater
	case 0xd:
		return codewriter.CondLessEqual
	default:
		return codewriter.CondNotEqual
	}
}

func writeARM64Inst(w codewriter.Writer, ri arm64Inst, codeAddr uintptr, labels map[int]codewriter.Label) error {
	word := ri.word

	// ADR/ADRP materialize a PC-relative address into a GPR; rewrite to
	// an absolute load of the same target since the instruction is
	// moving and its own +/-1MiB (ADR) or +/-4GiB page (ADRP) range no
	// longer has the same meaning from the trampoline's address.
	if word&0x9f000000 == 0x10000000 || word&0x9f000000 == 0x90000000 {
		isADRP := word&0x80000000 != 0
		immlo := int64((word >> 29) & 0x3)
		immhi := int64(signExtend(int32(word>>5)&0x7ffff, 19))
		imm := (immhi << 2) | immlo
		rd := codewriter.Reg(codewriter.X0) + codewriter.Reg(word&0x1f)
		var target int64
		if isADRP {
			pageBase := (int64(codeAddr) + int64(ri.offset)) &^ 0xfff
			target = pageBase + imm*4096
		} else {
			target = int64(codeAddr) + int64(ri.offset) + imm
		}
		w.MovRegImm(rd, target)
		return nil
	}

	// LDR literal (integer W/X forms): opc[31:30] 011 V[26]=0 00 imm19 Rt
	if word&0x3b000000 == 0x18000000 {
		imm19 := int64(signExtend(int32(word>>5)&0x7ffff, 19))
		target := int64(codeAddr) + int64(ri.offset) + imm19*4
		rt := codewriter.Reg(codewriter.X0) + codewriter.Reg(word&0x1f)
		w.MovRegImm(rt, target)
		w.MovRegMem(rt, codewriter.Mem{Base: rt})
		return nil
	}

	if word&0xff000010 == 0x54000000 { // B.cond
		target, _ := arm64BranchTarget(ri)
		cond := arm64CondFromWord(word)
		return writeARM64ConditionalBranch(w, cond, target, codeAddr, labels)
	}

	if word&0x7e000000 == 0x34000000 { // CBZ/CBNZ
		// Widened the same way as B.cond: the zero-test itself can't be
		// re-encoded with an arbitrary-range target, so invert it to skip
		// over an absolute jump.
		nz := word&0x01000000 != 0
		rt := codewriter.Reg(codewriter.X0) + codewriter.Reg(word&0x1f)
		target, _ := arm64BranchTarget(ri)
		return writeARM64TestBranch(w, rt, nz, target, codeAddr, labels, cbzEncoder)
	}

	if word&0x7e000000 == 0x36000000 { // TBZ/TBNZ
		nz := word&0x01000000 != 0
		rt := codewriter.Reg(codewriter.X0) + codewriter.Reg(word&0x1f)
		bitNo := ((word >> 31) << 5) | ((word >> 19) & 0x1f)
		target, _ := arm64BranchTarget(ri)
		return writeARM64TestBranch(w, rt, nz, target, codeAddr, labels, tbzEncoder(bitNo))
	}

	if word&0xfc000000 == 0x94000000 { // BL
		target, _ := arm64BranchTarget(ri)
		w.CallAbs(uintptr(int64(codeAddr) + int64(target)))
		return nil
	}

	if word&0xfc000000 == 0x14000000 { // B
		target, _ := arm64BranchTarget(ri)
		if l, ok := labels[target]; ok {
			w.Jmp(l)
			return nil
		}
		w.JmpAbs(uintptr(int64(codeAddr) + int64(target)))
		return nil
	}

	// Anything else — ALU ops, loads/stores with register or
	// zero/sign-extended-register addressing, NOP, RET/BR/BLR (register
	// indirect, already position independent) — carries no PC-relative
	// meaning and moves verbatim.
	w.EmitBytes([]byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)})
	return nil
}

func writeARM64ConditionalBranch(w codewriter.Writer, cond codewriter.Cond, target int, codeAddr uintptr, labels map[int]codewriter.Label) error {
	if l, ok := labels[target]; ok {
		w.JmpCond(cond, l)
		return nil
	}
	skip := w.NewLabel()
	w.JmpCond(codewriter.Invert(cond), skip)
	w.JmpAbs(uintptr(int64(codeAddr) + int64(target)))
	w.Bind(skip)
	return nil
}

// cbzEncoder/tbzEncoder aren't real Writer primitives — CBZ/TBZ test a
// register directly rather than condition flags, which codewriter.Cond
// can't express, so the widened form is emitted as a raw word here
// instead of through the Writer's generic Jmp/JmpCond. skipWords is the
// instruction count (including this one) to the label placed after the
// transfer block it guards, computed by the caller since a raw-encoded
// branch's immediate — unlike Writer.Jmp/JmpCond — isn't resolved
// through the fixup table and must be correct at emission time.
type testBranchEncoder func(rt codewriter.Reg, nz bool, skipWords uint32) []byte

func cbzEncoder(rt codewriter.Reg, nz bool, skipWords uint32) []byte {
	op := uint32(0)
	if nz {
		op = 1
	}
	word := uint32(0xb4000000) | op<<24 | (skipWords << 5) | uint32(rt)&0x1f
	return []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
}

func tbzEncoder(bitNo uint32) testBranchEncoder {
	return func(rt codewriter.Reg, nz bool, skipWords uint32) []byte {
		op := uint32(0)
		if nz {
			op = 1
		}
		b5 := (bitNo >> 5) & 1
		b40 := bitNo & 0x1f
		word := uint32(0x36000000) | b5<<31 | op<<24 | b40<<19 | (skipWords << 5) | uint32(rt)&0x1f
		return []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
	}
}

// arm64JmpAbsWords mirrors arm64Writer.loadImm64's chunk-counting
// exactly (1 MOVZ, plus one MOVK per nonzero 16-bit chunk above bit 16)
// plus the trailing BR/BL, so a hand-encoded CBZ/TBZ immediate can skip
// precisely over a JmpAbs/CallAbs block without the two packages
// depending on a shared constant.
func arm64JmpAbsWords(target uint64) uint32 {
	words := uint32(2) // MOVZ + BR
	for shift := 16; shift < 64; shift += 16 {
		if (target>>shift)&0xffff != 0 {
			words++
		}
	}
	return words
}

// writeARM64TestBranch widens a CBZ/CBNZ/TBZ/TBNZ into "test the
// opposite condition, skip over an unconditional transfer to the real
// target" — the only way to give a register test an arbitrary-range
// target, since it carries no flags-based Cond the Writer interface can
// re-encode directly. The skipped-over transfer is w.Jmp(label) for a
// target inside the relocated window (always 1 word), or w.JmpAbs(abs)
// otherwise (word count from arm64JmpAbsWords).
func writeARM64TestBranch(w codewriter.Writer, rt codewriter.Reg, nz bool, target int, codeAddr uintptr, labels map[int]codewriter.Label, enc testBranchEncoder) error {
	if l, ok := labels[target]; ok {
		w.EmitBytes(enc(rt, !nz, 2))
		w.Jmp(l)
		return nil
	}
	abs := uint64(int64(codeAddr) + int64(target))
	w.EmitBytes(enc(rt, !nz, arm64JmpAbsWords(abs)+1))
	w.JmpAbs(uintptr(abs))
	return nil
}
