package codewriter

import (
	"encoding/binary"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm"
)

// A32 general-purpose registers, aliased from golang-asm's obj/arm
// constants.
const (
	R0  Reg = Reg(arm.REG_R0)
	R1  Reg = Reg(arm.REG_R0 + 1)
	R12 Reg = Reg(arm.REG_R0 + 12) // IP — AAPCS scratch, clobbered by BL veneers
	R13 Reg = Reg(arm.REGSP)
	R14 Reg = Reg(arm.REG_R0 + 14) // LR
	R15 Reg = Reg(arm.REG_R0 + 15) // PC
)

var armSavedRegs = func() []Reg {
	regs := make([]Reg, 0, 15)
	for i := 0; i <= 12; i++ {
		regs = append(regs, Reg(arm.REG_R0+i))
	}
	return append(regs, R14)
}()

var armMinimalRegs = []Reg{R0, R1, Reg(arm.REG_R0 + 2), Reg(arm.REG_R0 + 3), R12, R14}

type armFixup struct {
	wordOffset int
	label      Label
}

// armWriter covers the ARM A32 subset spec.md §4.3 names for the
// relocator's rewriting rules (b/bl/blx, pc-relative literal loads); it
// does not implement Thumb (T32) encoding, which would need its own
// 16/32-bit mixed-width emitter. internal/reloc decodes every target as
// A32 words; it does not detect Thumb code or reject Thumb targets.
type armWriter struct {
	words     []uint32
	labelPos  map[Label]int
	fixups    []armFixup
	nextLabel Label
}

func newARMWriter() *armWriter {
	return &armWriter{labelPos: map[Label]int{}}
}

func (w *armWriter) Len() int { return len(w.words) * 4 }

func (w *armWriter) NewLabel() Label {
	w.nextLabel++
	return w.nextLabel
}

func (w *armWriter) Bind(l Label) { w.labelPos[l] = len(w.words) }

func (w *armWriter) emitWord(v uint32) { w.words = append(w.words, v) }

func (w *armWriter) asmOne(fn func(p *obj.Prog)) uint32 {
	b, err := asm.NewBuilder("arm", 4)
	if err != nil {
		panic(err)
	}
	p := b.NewProg()
	fn(p)
	b.AddInstruction(p)
	out := b.Assemble()
	return binary.LittleEndian.Uint32(out)
}

func (w *armWriter) MovRegReg(dst, src Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(src)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *armWriter) MovRegMem(dst Reg, mem Mem) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_MEM, Reg: int16(mem.Base), Offset: int64(mem.Disp)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *armWriter) MovMemReg(mem Mem, src Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(src)}
		p.To = obj.Addr{Type: obj.TYPE_MEM, Reg: int16(mem.Base), Offset: int64(mem.Disp)}
	}))
}

func (w *armWriter) MovRegImm(dst Reg, imm int64) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: imm}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *armWriter) Push(r Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
		p.To = obj.Addr{Type: obj.TYPE_MEM, Reg: int16(R13), Offset: -4}
	}))
	w.Sub(R13, 4)
}

func (w *armWriter) Pop(r Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_MEM, Reg: int16(R13)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
	}))
	w.Add(R13, 4)
}

// PushFlags/PopFlags round-trip CPSR through R12 via MRS/MSR, the A32
// equivalent of the aarch64 writer's NZCV dance.
func (w *armWriter) PushFlags() {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_SPECIAL, Offset: arm.REG_CPSR}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(R12)}
	}))
	w.Push(R12)
}

func (w *armWriter) PopFlags() {
	w.Pop(R12)
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(R12)}
		p.To = obj.Addr{Type: obj.TYPE_SPECIAL, Offset: arm.REG_CPSR}
	}))
}

func (w *armWriter) Add(dst Reg, imm int32) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AADD
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(imm)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *armWriter) Sub(dst Reg, imm int32) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.ASUB
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(imm)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *armWriter) Cmp(a, b Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.ACMP
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(a)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(b)}
	}))
}

func (w *armWriter) Jmp(l Label) {
	w.fixups = append(w.fixups, armFixup{wordOffset: len(w.words), label: l})
	w.emitWord(0xea000000) // B, imm24 patched in Flush
}

func (w *armWriter) JmpCond(cond Cond, l Label) {
	w.fixups = append(w.fixups, armFixup{wordOffset: len(w.words), label: l})
	w.emitWord(uint32(armCondField(cond))<<28 | 0x0a000000) // Bcc, imm24 patched in Flush
}

// armCondField mirrors arm64.go's armCondCode — A32 uses the same 4-bit
// condition encoding as aarch64, including the inverted-carry sense
// relative to x86 (see armCondCode's comment).
func armCondField(c Cond) int {
	switch c {
	case CondEqual, CondZero:
		return 0x0
	case CondNotEqual, CondNotZero:
		return 0x1
	case CondSign:
		return 0x4
	case CondNoSign:
		return 0x5
	case CondOverflow:
		return 0x6
	case CondNoOverflow:
		return 0x7
	case CondAbove:
		return 0x8
	case CondBelowEqual:
		return 0x9
	case CondGreaterEqual:
		return 0xa
	case CondLess:
		return 0xb
	case CondGreater:
		return 0xc
	case CondLessEqual:
		return 0xd
	case CondNoCarry:
		return 0x2
	case CondCarry:
		return 0x3
	default:
		return 0xe // AL
	}
}

// loadImm32 materializes a 32-bit constant via MOVW/MOVT (ARMv7+); older
// ARMv6 cores without MOVT are out of scope, consistent with spec.md's
// AAPCS-only ABI surface.
func (w *armWriter) loadImm32(dst Reg, v uint32) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.AMOVW
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(v & 0xffff)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
	if v>>16 != 0 {
		w.emitWord(w.asmOne(func(p *obj.Prog) {
			p.As = arm.AMOVT
			p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(v >> 16)}
			p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
		}))
	}
}

func (w *armWriter) JmpAbs(target uintptr) {
	w.loadImm32(R12, uint32(target))
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.ABX
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(R12)}
	}))
}

func (w *armWriter) CallAbs(target uintptr) {
	w.loadImm32(R12, uint32(target))
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.ABL
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(R12)}
	}))
}

// JmpReg transfers to the address held in r.
func (w *armWriter) JmpReg(r Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.ABX
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
	}))
}

func (w *armWriter) Ret() {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm.ABX
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(R14)}
	}))
}

func (w *armWriter) Fence() {
	w.emitWord(0xf57ff04f) // dsb sy
	w.emitWord(0xf57ff06f) // isb sy
}

func (w *armWriter) SavePrologue(p Prologue) int {
	w.PushFlags()
	regs := armMinimalRegs
	if p == PrologueFull {
		regs = armSavedRegs
	}
	for _, r := range regs {
		w.Push(r)
	}
	return w.Len()
}

func (w *armWriter) RestoreEpilogue(p Prologue) {
	regs := armMinimalRegs
	if p == PrologueFull {
		regs = armSavedRegs
	}
	for i := len(regs) - 1; i >= 0; i-- {
		w.Pop(regs[i])
	}
	w.PopFlags()
}

func (w *armWriter) DataQuad(v uint64) int {
	off := w.Len()
	w.emitWord(uint32(v))
	w.emitWord(uint32(v >> 32))
	return off
}

// EmitBytes appends pre-encoded words verbatim; every A32 instruction is
// one word, so b must be a multiple of 4 bytes. internal/reloc uses this
// to copy through instructions that need no relocation.
func (w *armWriter) EmitBytes(b []byte) int {
	off := w.Len()
	for i := 0; i+4 <= len(b); i += 4 {
		w.emitWord(binary.LittleEndian.Uint32(b[i:]))
	}
	return off
}

func (w *armWriter) Flush() ([]byte, error) {
	for _, f := range w.fixups {
		pos, ok := w.labelPos[f.label]
		if !ok {
			return nil, ErrUnresolvedLabel
		}
		// ARM B/Bcc immediate is a word count relative to PC, which reads
		// as the branch instruction's own address + 8 (two-instruction
		// pipeline offset) on A32; golang-asm's own encoder compensates
		// for the same offset when assembling BL, so we mirror it here.
		wordDelta := pos - f.wordOffset - 2
		if wordDelta < -(1<<23) || wordDelta >= (1<<23) {
			return nil, ErrBranchOutOfRange
		}
		imm24 := uint32(wordDelta) & 0xffffff
		w.words[f.wordOffset] = (w.words[f.wordOffset] &^ 0xffffff) | imm24
	}
	out := make([]byte, len(w.words)*4)
	for i, word := range w.words {
		binary.LittleEndian.PutUint32(out[i*4:], word)
	}
	return out, nil
}

// SavedRegs returns the A32 registers SavePrologue(p) pushes, in push
// order.
func (w *armWriter) SavedRegs(p Prologue) []Reg {
	if p == PrologueFull {
		return armSavedRegs
	}
	return armMinimalRegs
}

// PushStride is 4 bytes: Push stores one 32-bit word and decrements R13
// (SP) by 4.
func (w *armWriter) PushStride() int { return 4 }
