package codewriter

import (
	"bytes"
	"encoding/binary"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// amd64 general-purpose registers, aliased from golang-asm's obj/x86
// constants the same way exec/internal/compile/backend_amd64.go
// references x86.REG_AX/x86.REG_R12/etc directly, so callers of this
// package never need to import golang-asm themselves.
const (
	RAX Reg = Reg(x86.REG_AX)
	RCX Reg = Reg(x86.REG_CX)
	RDX Reg = Reg(x86.REG_DX)
	RBX Reg = Reg(x86.REG_BX)
	RSP Reg = Reg(x86.REG_SP)
	RBP Reg = Reg(x86.REG_BP)
	RSI Reg = Reg(x86.REG_SI)
	RDI Reg = Reg(x86.REG_DI)
	R8  Reg = Reg(x86.REG_R8)
	R9  Reg = Reg(x86.REG_R9)
	R10 Reg = Reg(x86.REG_R10)
	R11 Reg = Reg(x86.REG_R11)
	R12 Reg = Reg(x86.REG_R12)
	R13 Reg = Reg(x86.REG_R13)
	R14 Reg = Reg(x86.REG_R14)
	R15 Reg = Reg(x86.REG_R15)
)

// amd64SavedRegs is the full-prologue integer register save set, in the
// order they're pushed (and popped in reverse). RSP is reconstructed from
// the frame, not saved directly; RBP is included since listeners may be
// inspecting frame-pointer-based unwinders.
var amd64SavedRegs = []Reg{RAX, RCX, RDX, RBX, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15}

// amd64MinimalRegs is the caller-save subset PrologueMinimal preserves —
// enough for on_enter to run ordinary SysV-ABI Go/C code without
// disturbing the callee-save registers the original function is
// depending on.
var amd64MinimalRegs = []Reg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11}

type fixup struct {
	offset int   // offset of the 4-byte rel32 field to patch
	label  Label // target label
}

// amd64Writer implements Writer by assembling one instruction at a time
// through a throwaway golang-asm builder (the same obj.Prog shape
// backend_amd64.go uses) and appending the resulting bytes to a flat
// buffer, patching branch displacements by hand once their label is
// bound — control flow here is simple rel32 jumps, which a generic
// multi-instruction builder buys us nothing over, whereas data-movement
// and prologue/epilogue instructions benefit from golang-asm's encoder.
type amd64Writer struct {
	buf       bytes.Buffer
	labelPos  map[Label]int
	fixups    []fixup
	nextLabel Label
}

func newAMD64Writer() *amd64Writer {
	return &amd64Writer{labelPos: map[Label]int{}}
}

func newX86Writer() *amd64Writer {
	// The 32-bit backend reuses the 64-bit writer's structure; only the
	// Relocator's call/jmp rewriting differs for 386 (push imm32; ret
	// instead of jmp [rip+0]), which lives in internal/reloc, not here.
	return newAMD64Writer()
}

func (w *amd64Writer) asmOne(fn func(p *obj.Prog)) []byte {
	b, err := asm.NewBuilder("amd64", 4)
	if err != nil {
		// Builder construction only fails on a malformed arch string,
		// which is a programming error in this package, not a runtime
		// condition callers can recover from.
		panic(err)
	}
	p := b.NewProg()
	fn(p)
	b.AddInstruction(p)
	return b.Assemble()
}

func (w *amd64Writer) emit(b []byte) { w.buf.Write(b) }

func (w *amd64Writer) Len() int { return w.buf.Len() }

func (w *amd64Writer) NewLabel() Label {
	w.nextLabel++
	return w.nextLabel
}

func (w *amd64Writer) Bind(l Label) {
	w.labelPos[l] = w.buf.Len()
}

func memOperand(m Mem) obj.Addr {
	a := obj.Addr{Type: obj.TYPE_MEM, Reg: int16(m.Base), Offset: int64(m.Disp)}
	if m.HasIdx {
		a.Index = int16(m.Index)
		a.Scale = m.Scale
	}
	return a
}

func (w *amd64Writer) MovRegReg(dst, src Reg) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.AMOVQ
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(src)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *amd64Writer) MovRegMem(dst Reg, mem Mem) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.AMOVQ
		p.From = memOperand(mem)
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *amd64Writer) MovMemReg(mem Mem, src Reg) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.AMOVQ
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(src)}
		p.To = memOperand(mem)
	}))
}

func (w *amd64Writer) MovRegImm(dst Reg, imm int64) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.AMOVQ
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: imm}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *amd64Writer) Push(r Reg) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.APUSHQ
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
	}))
}

func (w *amd64Writer) Pop(r Reg) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.APOPQ
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
	}))
}

func (w *amd64Writer) PushFlags() {
	w.emit(w.asmOne(func(p *obj.Prog) { p.As = x86.APUSHFQ }))
}

func (w *amd64Writer) PopFlags() {
	w.emit(w.asmOne(func(p *obj.Prog) { p.As = x86.APOPFQ }))
}

func (w *amd64Writer) Add(dst Reg, imm int32) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.AADDQ
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(imm)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *amd64Writer) Sub(dst Reg, imm int32) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.ASUBQ
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: int64(imm)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(dst)}
	}))
}

func (w *amd64Writer) Cmp(a, b Reg) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = x86.ACMPQ
		p.From = obj.Addr{Type: obj.TYPE_REG, Reg: int16(a)}
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(b)}
	}))
}

// Jmp and JmpCond hand-encode a near rel32 branch: the opcode/condition
// byte(s) are known at emission time but the displacement isn't (the
// label may not be bound yet), so the 4-byte field is recorded as a
// fixup and patched once Bind (or Flush) resolves it.
func (w *amd64Writer) Jmp(l Label) {
	w.buf.WriteByte(0xe9)
	w.recordFixup(l)
	w.buf.Write([]byte{0, 0, 0, 0})
}

func (w *amd64Writer) JmpCond(cond Cond, l Label) {
	w.buf.Write([]byte{0x0f, condOpcode(cond)})
	w.recordFixup(l)
	w.buf.Write([]byte{0, 0, 0, 0})
}

// condOpcode maps a Cond to the second byte of a 0x0F 0x8x near Jcc —
// the same condition-code nibble used by Jcc rel8 (0x70+cc) and SETcc,
// which internal/reloc relies on to recover a Cond from a decoded
// instruction's opcode byte when widening branches.
func condOpcode(c Cond) byte {
	return 0x80 | condCode(c)
}

func condCode(c Cond) byte {
	switch c {
	case CondOverflow:
		return 0x0
	case CondNoOverflow:
		return 0x1
	case CondCarry:
		return 0x2
	case CondNoCarry:
		return 0x3
	case CondEqual, CondZero:
		return 0x4
	case CondNotEqual, CondNotZero:
		return 0x5
	case CondBelowEqual:
		return 0x6
	case CondAbove:
		return 0x7
	case CondSign:
		return 0x8
	case CondNoSign:
		return 0x9
	case CondParityEven:
		return 0xa
	case CondParityOdd:
		return 0xb
	case CondLess:
		return 0xc
	case CondGreaterEqual:
		return 0xd
	case CondLessEqual:
		return 0xe
	case CondGreater:
		return 0xf
	default:
		return 0x5
	}
}

// CondFromCode recovers a Cond from an x86 condition-code nibble (the
// low 4 bits of a Jcc/SETcc opcode), used by internal/reloc to classify
// decoded branch instructions without duplicating this table.
func CondFromCode(code byte) Cond {
	switch code & 0xf {
	case 0x0:
		return CondOverflow
	case 0x1:
		return CondNoOverflow
	case 0x2:
		return CondCarry
	case 0x3:
		return CondNoCarry
	case 0x4:
		return CondEqual
	case 0x5:
		return CondNotEqual
	case 0x6:
		return CondBelowEqual
	case 0x7:
		return CondAbove
	case 0x8:
		return CondSign
	case 0x9:
		return CondNoSign
	case 0xa:
		return CondParityEven
	case 0xb:
		return CondParityOdd
	case 0xc:
		return CondLess
	case 0xd:
		return CondGreaterEqual
	case 0xe:
		return CondLessEqual
	case 0xf:
		return CondGreater
	default:
		return CondNotEqual
	}
}

func (w *amd64Writer) recordFixup(l Label) {
	w.fixups = append(w.fixups, fixup{offset: w.buf.Len(), label: l})
}

// JmpAbs and CallAbs materialize an absolute 64-bit address into a
// scratch register and transfer to it. Unlike the Relocator's rewritten
// call/jmp forms, these are only ever used to build trampolines this
// package itself owns the register discipline for, so clobbering R11
// (SysV/Win64 caller-save, unused for argument passing) is safe.
func (w *amd64Writer) JmpAbs(target uintptr) {
	w.MovRegImm(R11, int64(target))
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = obj.AJMP
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(R11)}
	}))
}

func (w *amd64Writer) CallAbs(target uintptr) {
	w.MovRegImm(R11, int64(target))
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = obj.ACALL
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(R11)}
	}))
}

// JmpReg transfers to the address held in r.
func (w *amd64Writer) JmpReg(r Reg) {
	w.emit(w.asmOne(func(p *obj.Prog) {
		p.As = obj.AJMP
		p.To = obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
	}))
}

func (w *amd64Writer) Ret() {
	w.emit(w.asmOne(func(p *obj.Prog) { p.As = x86.ARET }))
}

// Fence is a no-op on amd64: the architecture's strong memory model plus
// the serializing effect of the CALL/JMP that reaches freshly patched
// code (see internal/codeseg's amd64 flushICache comment) is sufficient.
func (w *amd64Writer) Fence() {}

func (w *amd64Writer) SavePrologue(p Prologue) int {
	w.PushFlags()
	regs := amd64MinimalRegs
	if p == PrologueFull {
		regs = amd64SavedRegs
	}
	for _, r := range regs {
		w.Push(r)
	}
	// The saved words now lie from RSP upward (last push lowest), the
	// order RestoreEpilogue pops; trampoline's loadCPU/storeCPU copy them
	// field by field. The return value is the code offset past the pushes.
	return w.buf.Len()
}

func (w *amd64Writer) RestoreEpilogue(p Prologue) {
	regs := amd64MinimalRegs
	if p == PrologueFull {
		regs = amd64SavedRegs
	}
	for i := len(regs) - 1; i >= 0; i-- {
		w.Pop(regs[i])
	}
	w.PopFlags()
}

// DataQuad embeds a raw little-endian 8-byte constant at the current
// position. internal/reloc's amd64 backend does not call it: rewritten
// call/jmp rel32 instructions go through CallAbs/JmpAbs, which use
// "mov r11, imm64" plus an indirect call/jmp through R11, not the
// "jmp [rip+0]; .quad target" form.
func (w *amd64Writer) DataQuad(v uint64) int {
	off := w.buf.Len()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
	return off
}

func (w *amd64Writer) EmitBytes(b []byte) int {
	off := w.buf.Len()
	w.buf.Write(b)
	return off
}

func (w *amd64Writer) Flush() ([]byte, error) {
	code := w.buf.Bytes()
	for _, f := range w.fixups {
		pos, ok := w.labelPos[f.label]
		if !ok {
			return nil, ErrUnresolvedLabel
		}
		disp := int32(pos - (f.offset + 4))
		binary.LittleEndian.PutUint32(code[f.offset:], uint32(disp))
	}
	return code, nil
}

// SavedRegs returns the amd64 integer registers SavePrologue(p) pushes,
// in push order.
func (w *amd64Writer) SavedRegs(p Prologue) []Reg {
	if p == PrologueFull {
		return amd64SavedRegs
	}
	return amd64MinimalRegs
}

// PushStride is 8 bytes: PUSHQ moves RSP by one machine word.
func (w *amd64Writer) PushStride() int { return 8 }
