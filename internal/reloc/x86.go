package reloc

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
)

// x86Inst pairs a decoded instruction with where it starts in the input,
// the same bookkeeping gum's relocator keeps per read_one call.
type x86Inst struct {
	offset int
	inst   x86asm.Inst
	raw    []byte
}

func decodeX86Window(code []byte, minBytes int, mode int) ([]x86Inst, int, error) {
	var insts []x86Inst
	consumed := 0
	for consumed < minBytes {
		if consumed >= len(code) {
			return nil, 0, ErrShortInput
		}
		inst, err := x86asm.Decode(code[consumed:], mode)
		if err != nil {
			return nil, 0, ErrUnrelocatable
		}
		if inst.Len == 0 {
			return nil, 0, ErrUnrelocatable
		}
		insts = append(insts, x86Inst{offset: consumed, inst: inst, raw: code[consumed : consumed+inst.Len]})
		consumed += inst.Len
		if isReturn(inst.Op) && consumed < minBytes {
			// The function is shorter than the bytes the hook needs to
			// overwrite — there's nothing left to relocate into.
			return nil, 0, ErrUnrelocatable
		}
		if isUnconditionalTransfer(inst.Op) {
			break
		}
	}
	return insts, consumed, nil
}

func canRelocateX86(code []byte, minBytes int, is32 bool) (int, error) {
	mode := 64
	if is32 {
		mode = 32
	}
	_, consumed, err := decodeX86Window(code, minBytes, mode)
	return consumed, err
}

func relocateX86(code []byte, codeAddr uintptr, minBytes int, w codewriter.Writer, is32 bool) (int, error) {
	mode := 64
	if is32 {
		mode = 32
	}
	insts, consumed, err := decodeX86Window(code, minBytes, mode)
	if err != nil {
		return 0, err
	}

	// Pre-allocate a label for every offset inside the window that some
	// branch targets, so forward references can bind before they're
	// written — the same two-pass shape gum's relocator achieves by
	// buffering instructions ahead of write_one.
	labels := map[int]codewriter.Label{}
	for _, ri := range insts {
		target, ok := relTarget(ri)
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
		if err := writeX86Inst(w, ri, codeAddr, consumed, labels); err != nil {
			return 0, err
		}
	}
	return consumed, nil
}

// relTarget returns the byte offset within the window (relative to the
// window's start) that a branch instruction targets, if it has a
// Rel-typed argument.
func relTarget(ri x86Inst) (int, bool) {
	for _, a := range ri.inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return ri.offset + ri.inst.Len + int(rel), true
		}
	}
	return 0, false
}

func isReturn(op x86asm.Op) bool { return op == x86asm.RET }

func isUnconditionalTransfer(op x86asm.Op) bool {
	return op == x86asm.JMP || op == x86asm.RET
}

var x86JccToCond = map[x86asm.Op]codewriter.Cond{
	x86asm.JA:  codewriter.CondAbove,
	x86asm.JAE: codewriter.CondNoCarry,
	x86asm.JB:  codewriter.CondCarry,
	x86asm.JBE: codewriter.CondBelowEqual,
	x86asm.JE:  codewriter.CondEqual,
	x86asm.JG:  codewriter.CondGreater,
	x86asm.JGE: codewriter.CondGreaterEqual,
	x86asm.JL:  codewriter.CondLess,
	x86asm.JLE: codewriter.CondLessEqual,
	x86asm.JNE: codewriter.CondNotEqual,
	x86asm.JNO: codewriter.CondNoOverflow,
	x86asm.JNP: codewriter.CondParityOdd,
	x86asm.JNS: codewriter.CondNoSign,
	x86asm.JO:  codewriter.CondOverflow,
	x86asm.JP:  codewriter.CondParityEven,
	x86asm.JS:  codewriter.CondSign,
}

func writeX86Inst(w codewriter.Writer, ri x86Inst, codeAddr uintptr, windowLen int, labels map[int]codewriter.Label) error {
	inst := ri.inst

	if cond, ok := x86JccToCond[inst.Op]; ok {
		target, _ := relTarget(ri)
		if l, ok := labels[target]; ok {
			w.JmpCond(cond, l)
			return nil
		}
		abs := uint64(int64(codeAddr) + int64(target))
		skip := w.NewLabel()
		w.JmpCond(codewriter.Invert(cond), skip)
		w.JmpAbs(uintptr(abs))
		w.Bind(skip)
		return nil
	}

	if inst.Op == x86asm.JMP {
		target, ok := relTarget(ri)
		if !ok {
			return ErrUnrelocatable // indirect jmp through reg/mem: can't statically retarget
		}
		if l, isLocal := labels[target]; isLocal {
			w.Jmp(l)
			return nil
		}
		abs := uint64(int64(codeAddr) + int64(target))
		w.JmpAbs(uintptr(abs))
		return nil
	}

	if inst.Op == x86asm.CALL {
		target, ok := relTarget(ri)
		if !ok {
			return ErrUnrelocatable
		}
		abs := uint64(int64(codeAddr) + int64(target))
		w.CallAbs(uintptr(abs))
		return nil
	}

	if mem, reg, isLoad, found := ripOperand(inst); found {
		nextAddr := int64(codeAddr) + int64(ri.offset) + int64(ri.inst.Len)
		abs := uint64(nextAddr + int64(mem.Disp))
		dst, ok := x86asmRegToWriterReg(reg)
		if !ok {
			return ErrUnrelocatable
		}
		if inst.Op == x86asm.LEA {
			w.MovRegImm(dst, int64(abs))
			return nil
		}
		if isLoad {
			w.MovRegImm(dst, int64(abs))
			w.MovRegMem(dst, codewriter.Mem{Base: dst})
			return nil
		}
		// Store form ("mov [rip+x], reg"): stage the absolute address
		// through the amd64 writer's reserved scratch register, the same
		// one JmpAbs/CallAbs use.
		scratch := codewriter.R11
		w.MovRegImm(scratch, int64(abs))
		w.MovMemReg(codewriter.Mem{Base: scratch}, dst)
		return nil
	}

	w.EmitBytes(ri.raw)
	return nil
}

// ripOperand reports the Mem operand and its paired register operand for
// a two-operand MOV or LEA whose memory operand is RIP-relative. isLoad
// is true when the register receives the value (the common case this
// relocator supports); false for the narrower "store through materialized
// address" form.
func ripOperand(inst x86asm.Inst) (mem x86asm.Mem, reg x86asm.Reg, isLoad bool, found bool) {
	if inst.Op != x86asm.MOV && inst.Op != x86asm.LEA {
		return
	}
	var m x86asm.Mem
	var haveMem bool
	var memIsArg0 bool
	var r x86asm.Reg
	var haveReg bool
	for i, a := range inst.Args {
		if a == nil {
			break
		}
		if mm, ok := a.(x86asm.Mem); ok && mm.Base == x86asm.RIP {
			m = mm
			haveMem = true
			memIsArg0 = i == 0
		}
		if rr, ok := a.(x86asm.Reg); ok {
			r = rr
			haveReg = true
		}
	}
	if !haveMem || !haveReg {
		return
	}
	return m, r, !memIsArg0, true
}

func x86asmRegToWriterReg(r x86asm.Reg) (codewriter.Reg, bool) {
	switch r {
	case x86asm.RAX, x86asm.EAX:
		return codewriter.RAX, true
	case x86asm.RCX, x86asm.ECX:
		return codewriter.RCX, true
	case x86asm.RDX, x86asm.EDX:
		return codewriter.RDX, true
	case x86asm.RBX, x86asm.EBX:
		return codewriter.RBX, true
	case x86asm.RSP, x86asm.ESP:
		return codewriter.RSP, true
	case x86asm.RBP, x86asm.EBP:
		return codewriter.RBP, true
	case x86asm.RSI, x86asm.ESI:
		return codewriter.RSI, true
	case x86asm.RDI, x86asm.EDI:
		return codewriter.RDI, true
	case x86asm.R8, x86asm.R8L:
		return codewriter.R8, true
	case x86asm.R9, x86asm.R9L:
		return codewriter.R9, true
	case x86asm.R10, x86asm.R10L:
		return codewriter.R10, true
	case x86asm.R11, x86asm.R11L:
		return codewriter.R11, true
	case x86asm.R12, x86asm.R12L:
		return codewriter.R12, true
	case x86asm.R13, x86asm.R13L:
		return codewriter.R13, true
	case x86asm.R14, x86asm.R14L:
		return codewriter.R14, true
	case x86asm.R15, x86asm.R15L:
		return codewriter.R15, true
	default:
		return 0, false
	}
}
