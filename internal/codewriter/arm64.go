package codewriter

import (
	"encoding/binary"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
)

// aarch64 general-purpose registers, aliased from golang-asm's obj/arm64
// constants.
const (
	X0  Reg = Reg(arm64.REG_R0)
	X1  Reg = Reg(arm64.REG_R0 + 1)
	X16 Reg = Reg(arm64.REG_R0 + 16) // IP0 — AAPCS64 intra-procedure-call scratch
	X17 Reg = Reg(arm64.REG_R0 + 17) // IP1
	X29 Reg = Reg(arm64.REG_R0 + 29) // frame pointer
	X30 Reg = Reg(arm64.REG_R0 + 30) // link register
	XSP Reg = Reg(arm64.REGSP)
)

// arm64SavedRegs is every general-purpose register X0-X28 plus the frame
// pointer and link register, the full-prologue save set. FPU/SIMD state
// is not saved by either prologue; the Writer interface only models
// integer-register width operations.
var arm64SavedRegs = func() []Reg {
	regs := make([]Reg, 0, 31)
	for i := 0; i <= 28; i++ {
		regs = append(regs, Reg(arm64.REG_R0+i))
	}
	return append(regs, X29, X30)
}()

var arm64MinimalRegs = []Reg{X0, X1, Reg(arm64.REG_R0 + 8), Reg(arm64.REG_R0 + 9), X30}

// arm64Fixup records a not-yet-resolved branch so Flush can compute its
// 26-bit (unconditional) or 19-bit (conditional) signed word-offset once
// the label binds.
type arm64Fixup struct {
	wordOffset int // index into the instruction stream, in 4-byte words
	label      Label
	cond       bool
}

type arm64Writer struct {
	words     []uint32
	labelPos  map[Label]int // word index
	fixups    []arm64Fixup
	nextLabel Label
}

func newARM64Writer() *arm64Writer {
	return &arm64Writer{labelPos: map[Label]int{}}
}

func (w *arm64Writer) Len() int { return len(w.words) * 4 }

func (w *arm64Writer) NewLabel() Label {
	w.nextLabel++
	return w.nextLabel
}

func (w *arm64Writer) Bind(l Label) {
	w.labelPos[l] = len(w.words)
}

func (w *arm64Writer) emitWord(v uint32) { w.words = append(w.words, v) }

func (w *arm64Writer) asmOne(fn func(p *obj.Prog)) uint32 {
	b, err := asm.NewBuilder("arm64", 4)
	if err != nil {
		panic(err)
	}
	p := b.NewProg()
	fn(p)
	b.AddInstruction(p)
	out := b.Assemble()
	return binary.LittleEndian.Uint32(out)
}

func (w *arm64Writer) MovRegReg(dst, src Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMOVD
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(src)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *arm64Writer) MovRegMem(dst Reg, mem Mem) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMOVD
		p.From = obj.Addr{Type: obj.TYPE_MEM, Reg: int16(mem.Base), Offset: int64(mem.Disp)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *arm64Writer) MovMemReg(mem Mem, src Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMOVD
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(src)}
		p.To = obj.Addr{Type: obj.TYPE_MEM, Reg: int16(mem.Base), Offset: int64(mem.Disp)}
	}))
}

func (w *arm64Writer) MovRegImm(dst Reg, imm int64) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMOVD
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: imm}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

// Push/Pop model aarch64's usual "STP reg, lr, [sp, #-16]!" pairing as a
// single-register store/load for simplicity; each Push and each Pop
// moves SP by a full 16 bytes, so SP stays 16-byte aligned after every
// one, which AAPCS64 requires at any call boundary.
func (w *arm64Writer) Push(r Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMOVD
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
		p.To = obj.Addr{Type: obj.TYPE_MEM, Reg: int16(XSP), Offset: -16}
		p.Scond = arm64.C_XPRE // pre-indexed writeback
	}))
}

func (w *arm64Writer) Pop(r Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMOVD
		p.From = obj.Addr{Type: obj.TYPE_MEM, Reg: int16(XSP)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
		p.Scond = arm64.C_XPOST
	}))
	w.Add(XSP, 16)
}

// PushFlags/PopFlags: aarch64 has no single-instruction flags push.
// NZCV is read into X16 (MRS) and saved like any other GPR; PopFlags
// restores it with the matching MSR.
func (w *arm64Writer) PushFlags() {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMRS
		p.From = obj.Addr{Type: obj.TYPE_SPECIAL, Offset: arm64.REG_NZCV}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(X16)}
	}))
	w.Push(X16)
}

func (w *arm64Writer) PopFlags() {
	w.Pop(X16)
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMSR
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(X16)}
		p.To = obj.Addr{Type: obj.TYPE_SPECIAL, Offset: arm64.REG_NZCV}
	}))
}

func (w *arm64Writer) Add(dst Reg, imm int32) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AADD
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(imm)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *arm64Writer) Sub(dst Reg, imm int32) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.ASUB
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(imm)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *arm64Writer) Cmp(a, b Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.ACMP
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(a)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(b)}
	}))
}

func (w *arm64Writer) Jmp(l Label) {
	w.fixups = append(w.fixups, arm64Fixup{wordOffset: len(w.words), label: l})
	w.emitWord(0) // patched in Flush: unconditional B, 26-bit imm
}

func (w *arm64Writer) JmpCond(cond Cond, l Label) {
	w.fixups = append(w.fixups, arm64Fixup{wordOffset: len(w.words), label: l, cond: true})
	w.emitWord(uint32(armCondCode(cond)) << 0) // patched in Flush: B.cond, 19-bit imm
}

// armCondCode maps the architecture-neutral Cond (defined by its
// unsigned/signed comparison meaning, matching x86's condition-code
// semantics) to aarch64's native 4-bit condition field. aarch64's carry
// flag is set on a non-borrowing subtraction — the opposite sense of
// x86's CF — so CondCarry ("unsigned less-than") maps to CC/LO, not
// CS/HS. CondParityEven/Odd have no aarch64 equivalent (no parity flag)
// and only ever arise when relocating x86 JP/JNP, which never happens
// here since the Relocator always targets code of the Writer's own
// architecture; they fall back to AL defensively.
func armCondCode(c Cond) int {
	switch c {
	case CondEqual, CondZero:
		return 0x0 // EQ
	case CondNotEqual, CondNotZero:
		return 0x1 // NE
	case CondSign:
		return 0x4 // MI
	case CondNoSign:
		return 0x5 // PL
	case CondOverflow:
		return 0x6 // VS
	case CondNoOverflow:
		return 0x7 // VC
	case CondAbove:
		return 0x8 // HI
	case CondBelowEqual:
		return 0x9 // LS
	case CondGreaterEqual:
		return 0xa // GE
	case CondLess:
		return 0xb // LT
	case CondGreater:
		return 0xc // GT
	case CondLessEqual:
		return 0xd // LE
	case CondNoCarry:
		return 0x2 // CS/HS
	case CondCarry:
		return 0x3 // CC/LO
	default:
		return 0xe // AL
	}
}

// JmpAbs and CallAbs load an absolute 64-bit target into X17 (AAPCS64's
// second intra-procedure-call scratch register, conventionally clobbered
// across any call/branch) via one MOVZ for the low 16 bits plus one MOVK
// for each nonzero higher 16-bit chunk (1 to 4 instructions), then branch.
func (w *arm64Writer) loadImm64(dst Reg, v uint64) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.AMOVZ
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(v & 0xffff)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
	for shift := 16; shift < 64; shift += 16 {
		chunk := (v >> shift) & 0xffff
		if chunk == 0 {
			continue
		}
		w.emitWord(w.asmOne(func(p *obj.Prog) {
			p.As = arm64.AMOVK
			p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(chunk)}
			p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
		}))
	}
}

func (w *arm64Writer) JmpAbs(target uintptr) {
	w.loadImm64(X17, uint64(target))
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.ABR
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(X17)}
	}))
}

func (w *arm64Writer) CallAbs(target uintptr) {
	w.loadImm64(X17, uint64(target))
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.ABL
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(X17)}
	}))
}

// JmpReg transfers to the address held in r.
func (w *arm64Writer) JmpReg(r Reg) {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.ABR
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
	}))
}

func (w *arm64Writer) Ret() {
	w.emitWord(w.asmOne(func(p *obj.Prog) {
		p.As = arm64.ARET
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(X30)}
	}))
}

// Fence emits the dsb ish + isb pair spec.md §5 requires after publishing
// new aarch64 code; the actual data/instruction-cache maintenance lives
// in internal/codeseg's flushICache (it needs to run over the final
// executable address, which this package never sees).
func (w *arm64Writer) Fence() {
	w.emitWord(0xd5033bbf) // dsb ish
	w.emitWord(0xd5033fdf) // isb
}

func (w *arm64Writer) SavePrologue(p Prologue) int {
	w.PushFlags()
	regs := arm64MinimalRegs
	if p == PrologueFull {
		regs = arm64SavedRegs
	}
	for _, r := range regs {
		w.Push(r)
	}
	return w.Len()
}

func (w *arm64Writer) RestoreEpilogue(p Prologue) {
	regs := arm64MinimalRegs
	if p == PrologueFull {
		regs = arm64SavedRegs
	}
	for i := len(regs) - 1; i >= 0; i-- {
		w.Pop(regs[i])
	}
	w.PopFlags()
}

func (w *arm64Writer) DataQuad(v uint64) int {
	off := w.Len()
	w.emitWord(uint32(v))
	w.emitWord(uint32(v >> 32))
	return off
}

// EmitBytes appends pre-encoded words verbatim, used by internal/reloc to
// copy through aarch64 instructions that need no PC-relative rewriting.
// Every aarch64 instruction is exactly one word, so b must be a multiple
// of 4 bytes.
func (w *arm64Writer) EmitBytes(b []byte) int {
	off := w.Len()
	for i := 0; i+4 <= len(b); i += 4 {
		w.emitWord(binary.LittleEndian.Uint32(b[i:]))
	}
	return off
}

func (w *arm64Writer) Flush() ([]byte, error) {
	for _, f := range w.fixups {
		pos, ok := w.labelPos[f.label]
		if !ok {
			return nil, ErrUnresolvedLabel
		}
		wordDelta := pos - f.wordOffset
		if f.cond {
			if wordDelta < -(1<<18) || wordDelta >= (1<<18) {
				return nil, ErrBranchOutOfRange
			}
			imm19 := uint32(wordDelta) & 0x7ffff
			w.words[f.wordOffset] = 0x54000000 | (imm19 << 5) | uint32(w.words[f.wordOffset]&0x1f)
		} else {
			if wordDelta < -(1<<25) || wordDelta >= (1<<25) {
				return nil, ErrBranchOutOfRange
			}
			imm26 := uint32(wordDelta) & 0x3ffffff
			w.words[f.wordOffset] = 0x14000000 | imm26
		}
	}
	out := make([]byte, len(w.words)*4)
	for i, word := range w.words {
		binary.LittleEndian.PutUint32(out[i*4:], word)
	}
	return out, nil
}

// SavedRegs returns the aarch64 registers SavePrologue(p) pushes, in
// push order.
func (w *arm64Writer) SavedRegs(p Prologue) []Reg {
	if p == PrologueFull {
		return arm64SavedRegs
	}
	return arm64MinimalRegs
}

// PushStride is 16 bytes: Push's pre-indexed STR writeback keeps SP
// 16-byte aligned per AAPCS64, even though each push only stores one
// 8-byte register.
func (w *arm64Writer) PushStride() int { return 16 }
