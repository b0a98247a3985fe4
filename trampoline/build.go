package trampoline

import (
	"errors"
	"fmt"

	"github.com/kestrel-dbi/kestrel/internal/codeslab"
	"github.com/kestrel-dbi/kestrel/internal/codewriter"
	"github.com/kestrel-dbi/kestrel/internal/reloc"
)

// ErrTargetTooShort is returned when the target function's leading
// instructions can't be relocated into at least as much space as the
// redirect branch needs — the failure spec.md §4.1 surfaces to
// Interceptor.Attach/Replace as ATTACH_WRONG_SIGNATURE/
// REPLACE_WRONG_SIGNATURE.
var ErrTargetTooShort = errors.New("trampoline: target prologue too short to relocate")

// archInfo collects what Build needs to know about an architecture's
// calling convention that codewriter.Writer doesn't already expose.
type archInfo struct {
	spReg codewriter.Reg

	// scratch and scratch2 are registers safe to clobber around
	// SavePrologue/RestoreEpilogue: scratch before SavePrologue runs
	// (so it must not be an argument-carrying register), both freely
	// after SavePrologue has captured the real values and again after
	// RestoreEpilogue has restored them (every ABI here treats these as
	// not guaranteed to survive a call).
	scratch, scratch2 codewriter.Reg

	// linkReg is set on architectures whose call instruction leaves the
	// return address in a register rather than pushing it to the stack
	// (arm, arm64); entry captures/rewrites linkReg directly instead of
	// a stack slot.
	linkReg     codewriter.Reg
	usesLinkReg bool

	// retSlotAdjust is how many bytes higher a leave stub's raw SP is
	// than the matching entry stub's: one machine word on amd64/386
	// (the callee's ret pops the hardware-pushed return-address slot),
	// zero on arm/arm64 (the return address never touched the stack).
	retSlotAdjust int32
}

func archInfoFor(arch string) (archInfo, error) {
	switch arch {
	case "amd64", "386":
		return archInfo{
			spReg:         codewriter.RSP,
			scratch:       codewriter.R11,
			scratch2:      codewriter.R10,
			retSlotAdjust: 8,
		}, nil
	case "arm64":
		return archInfo{
			spReg:         codewriter.XSP,
			scratch:       codewriter.X17,
			scratch2:      codewriter.X16,
			linkReg:       codewriter.X30,
			usesLinkReg:   true,
			retSlotAdjust: 0,
		}, nil
	case "arm":
		return archInfo{
			spReg:         codewriter.R13,
			scratch:       codewriter.R12,
			scratch2:      codewriter.R0,
			linkReg:       codewriter.R14,
			usesLinkReg:   true,
			retSlotAdjust: 0,
		}, nil
	default:
		return archInfo{}, fmt.Errorf("trampoline: unsupported architecture %q", arch)
	}
}

// BuildParams is everything Build needs to assemble one hooked
// function's entry/leave stubs and relocated prologue.
type BuildParams struct {
	Arch       string
	Prologue   codewriter.Prologue
	Allocator  *codeslab.Allocator
	Dispatcher *Dispatcher

	// Registration is wired to the dispatcher; Build fills in its
	// Arch/Prologue/Writer fields to match this call before registering
	// it, so the caller need only set ABI and Dispatch.
	Registration Registration

	// TargetAddr is the address of the function being hooked.
	TargetAddr uintptr
	// TargetCode holds at least a handful of instructions' worth of
	// bytes read from TargetAddr, enough for reloc.CanRelocate to find
	// a safe relocation boundary.
	TargetCode []byte
	// MaxBranch bounds how far AllocateNear may place the trampoline
	// from TargetAddr; -1 for architectures whose absolute-jump forms
	// have no range limit.
	MaxBranch int64
	// Replacement is the address Interceptor.Replace installed, or 0 if
	// this hook only attaches listeners. A Dispatch callback must never
	// return ActionCallReplacement when this is 0.
	Replacement uintptr
}

// Trampoline is a built hook: the generated code slice, the address a
// redirect branch written over the target must jump to, and how many
// bytes of the target's original prologue it displaces.
type Trampoline struct {
	Slice         *codeslab.Slice
	EntryAddr     uintptr
	RelocatedAddr uintptr
	Displaced     int
	FuncID        uintptr
	SlotAddr      uintptr
}

// Release frees the trampoline's code slice and unregisters its
// dispatch. The caller must already have restored the hooked function's
// original bytes and know no thread can still be executing this
// trampoline's code.
func (t *Trampoline) Release(d *Dispatcher) {
	d.Unregister(t.FuncID)
	t.Slice.Free()
}

// Build assembles one hooked function's trampoline: a relocated copy of
// the displaced prologue (falling through into the rest of the original
// function), an entry stub that publishes a mailbox and waits for
// on_enter dispatch before resuming either the relocated original or an
// installed replacement, and a leave stub — reached via the return path
// entry rewrote — that publishes a second mailbox for on_leave dispatch
// before resuming the function's real caller. See doc.go for the bridge
// this implements.
func Build(p BuildParams) (*Trampoline, error) {
	info, err := archInfoFor(p.Arch)
	if err != nil {
		return nil, err
	}

	w, err := codewriter.New(p.Arch)
	if err != nil {
		return nil, err
	}

	// Size the redirect branch by actually emitting it once against a
	// placeholder target: every backend's JmpAbs encoding is a fixed
	// width regardless of the immediate's value, so this measures the
	// real byte count the caller's redirector needs without duplicating
	// per-arch instruction-length knowledge here.
	sizer, err := codewriter.New(p.Arch)
	if err != nil {
		return nil, err
	}
	sizer.JmpAbs(0)
	redirectCode, err := sizer.Flush()
	if err != nil {
		return nil, err
	}
	redirectSize := len(redirectCode)

	displaced, err := reloc.CanRelocate(p.Arch, p.TargetCode, redirectSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetTooShort, err)
	}

	slice, err := p.Allocator.AllocateNear(p.TargetAddr, p.MaxBranch)
	if err != nil {
		return nil, err
	}

	p.Registration.Arch = p.Arch
	p.Registration.Prologue = p.Prologue
	p.Registration.Writer = w
	funcID, slotAddr := p.Dispatcher.Register(p.Registration)

	base := slice.Addr()

	relocOff := w.Len()
	consumed, err := reloc.Relocate(p.Arch, p.TargetCode, p.TargetAddr, redirectSize, w)
	if err != nil {
		slice.Free()
		p.Dispatcher.Unregister(funcID)
		return nil, err
	}
	if consumed != displaced {
		// CanRelocate and Relocate must agree on the relocation
		// boundary; a mismatch means the two backends' instruction
		// decoders disagree, which Relocate would otherwise mask as a
		// subtly wrong resume address.
		slice.Free()
		p.Dispatcher.Unregister(funcID)
		return nil, fmt.Errorf("trampoline: relocator consumed %d bytes, expected %d", consumed, displaced)
	}
	relocatedAddr := base + uintptr(relocOff)
	w.JmpAbs(p.TargetAddr + uintptr(displaced))

	leaveOff := w.Len()
	leaveAddr := base + uintptr(leaveOff)
	emitLeaveStub(w, info, p.Prologue, slotAddr)

	entryOff := w.Len()
	emitEntryStub(w, info, p.Prologue, funcID, slotAddr, leaveAddr, relocatedAddr, p.Replacement)

	code, err := w.Flush()
	if err != nil {
		slice.Free()
		p.Dispatcher.Unregister(funcID)
		return nil, err
	}
	if len(code) > int(slice.Size()) {
		slice.Free()
		p.Dispatcher.Unregister(funcID)
		return nil, fmt.Errorf("trampoline: generated code (%d bytes) exceeds slice size (%d)", len(code), slice.Size())
	}
	copy(slice.Bytes(), code)

	return &Trampoline{
		Slice:         slice,
		EntryAddr:     base + uintptr(entryOff),
		RelocatedAddr: relocatedAddr,
		Displaced:     displaced,
		FuncID:        funcID,
		SlotAddr:      slotAddr,
	}, nil
}

func memAt(base codewriter.Reg, disp int32) codewriter.Mem {
	return codewriter.Mem{Base: base, Disp: disp}
}

// emitEntryStub is reached by a direct branch from the redirect written
// over the hooked function's original prologue. It carves a mailbox out
// of its own stack, captures the real return path (a stack slot on
// amd64/386, the link register on arm/arm64) and overwrites it with
// leaveAddr, publishes phaseEnter, and spins until a dispatcher goroutine
// marks the mailbox done — then resumes relocatedAddr or replacementAddr
// per the action it reads back.
func emitEntryStub(w codewriter.Writer, info archInfo, prologue codewriter.Prologue, funcID, slotAddr uintptr, leaveAddr, relocatedAddr, replacementAddr uintptr) {
	sp, sc := info.spReg, info.scratch

	w.Sub(sp, mailboxSize)

	if info.usesLinkReg {
		// The real return address lives in the link register, not on
		// the stack; save it to the mailbox then overwrite the
		// register so the callee's own return lands in the leave
		// stub. Because this runs before SavePrologue, a PrologueFull
		// listener sees the rewritten leave-stub address rather than
		// the true caller in the LR/X30 field of its CPUContext — the
		// true value remains available via Context.ReturnAddress.
		w.MovMemReg(memAt(sp, mailboxOffsets.returnAddr), info.linkReg)
		w.MovRegImm(sc, int64(leaveAddr))
		w.MovRegReg(info.linkReg, sc)
	} else {
		// amd64/386: the hardware pushed the real return address at
		// [SP+mailboxSize] when the caller executed call; overwrite it
		// with the leave stub's address so the callee's own ret lands
		// there instead.
		retSlot := memAt(sp, mailboxSize)
		w.MovRegMem(sc, retSlot)
		w.MovMemReg(memAt(sp, mailboxOffsets.returnAddr), sc)
		w.MovRegImm(sc, int64(leaveAddr))
		w.MovMemReg(retSlot, sc)
	}

	w.MovRegImm(sc, int64(funcID))
	w.MovMemReg(memAt(sp, mailboxOffsets.funcID), sc)
	w.MovRegImm(sc, int64(phaseEnter))
	w.MovMemReg(memAt(sp, mailboxOffsets.phase), sc)

	// done/action/depth are freshly carved stack bytes, not zeroed
	// memory — spinUntilDone below would read whatever garbage was
	// already sitting there if this stub didn't init them itself.
	// depth is always 0 here; the interceptor overwrites it with the
	// real nesting level via invocation.Context.SetDepth once dispatch
	// has looked up the caller's thread context, the same reason
	// SetDepth exists on Context in the first place.
	w.MovRegImm(sc, 0)
	w.MovMemReg(memAt(sp, mailboxOffsets.done), sc)
	w.MovMemReg(memAt(sp, mailboxOffsets.action), sc)
	w.MovMemReg(memAt(sp, mailboxOffsets.depth), sc)

	// stackArgsBase: the first stack-passed argument, if any, begins
	// one word past the original return-address slot on amd64/386, or
	// right at the pre-call SP on arm/arm64 (which never pushed one) —
	// either way that is SP + mailboxSize + retSlotAdjust from here.
	w.MovRegReg(sc, sp)
	w.Add(sc, mailboxSize+info.retSlotAdjust)
	w.MovMemReg(memAt(sp, mailboxOffsets.stackArgsBase), sc)

	_, _, prologueBytes := prologueShapeFromWriter(w, prologue)
	w.SavePrologue(prologue)

	// cpuPtr points at the base SavePrologue returned — the lowest
	// address of the just-saved register file, which loadCPU/storeCPU
	// walk upward from using SavedRegs/PushStride.
	w.MovMemReg(memAt(sp, prologueBytes+mailboxOffsets.cpuPtr), sp)

	publish(w, sc, sp, prologueBytes, slotAddr)
	spinUntilDone(w, info, sp, prologueBytes)

	// action: branch to the replacement if one was requested, otherwise
	// fall through to the relocated original. Both arms restore and
	// release the mailbox independently since the resume address is
	// build-time constant either way and JmpAbs needs no register.
	w.MovRegMem(sc, memAt(sp, prologueBytes+mailboxOffsets.action))
	w.MovRegImm(info.scratch2, int64(actionCallReplacement))
	w.Cmp(sc, info.scratch2)
	replaceLabel := w.NewLabel()
	w.JmpCond(codewriter.CondEqual, replaceLabel)

	w.RestoreEpilogue(prologue)
	w.Add(sp, mailboxSize)
	w.JmpAbs(relocatedAddr)

	w.Bind(replaceLabel)
	w.RestoreEpilogue(prologue)
	w.Add(sp, mailboxSize)
	w.JmpAbs(replacementAddr)
}

// emitLeaveStub is reached when the hooked function returns: via the
// rewritten return-address stack slot on amd64/386, or via the
// rewritten link register on arm/arm64 (in both cases the callee's own
// epilogue delivered control here exactly as it would to a real
// caller). Its raw SP sits retSlotAdjust bytes above the mailbox entry
// carved — on amd64/386 the callee's ret already popped the
// return-address word; on arm/arm64 nothing was ever pushed.
func emitLeaveStub(w codewriter.Writer, info archInfo, prologue codewriter.Prologue, slotAddr uintptr) {
	sp, sc := info.spReg, info.scratch

	w.Sub(sp, mailboxSize+info.retSlotAdjust)

	w.MovRegImm(sc, int64(phaseLeave))
	w.MovMemReg(memAt(sp, mailboxOffsets.phase), sc)
	w.MovRegImm(sc, 0)
	w.MovMemReg(memAt(sp, mailboxOffsets.done), sc)

	_, _, prologueBytes := prologueShapeFromWriter(w, prologue)
	w.SavePrologue(prologue)
	w.MovMemReg(memAt(sp, prologueBytes+mailboxOffsets.cpuPtr), sp)

	// funcID, threadID etc. are still whatever entry wrote — nothing
	// between entry and here touched this memory, since the callee's
	// own frame lived entirely below it. The discovery slot itself was
	// cleared once entry's dispatch finished (dispatcher.go's
	// Dispatcher.dispatch), so it must be republished here exactly like
	// entry did, pointing at this same mailbox.
	publish(w, sc, sp, prologueBytes, slotAddr)
	spinUntilDone(w, info, sp, prologueBytes)

	w.RestoreEpilogue(prologue)
	w.MovRegMem(sc, memAt(sp, mailboxOffsets.returnAddr))
	w.Add(sp, mailboxSize+info.retSlotAdjust)
	w.JmpReg(sc)
}

// publish stores the mailbox's own address (sp) through the function's
// discovery slot at slotAddr, then sets ready and fences so the
// dispatcher never observes ready without every field written above it.
func publish(w codewriter.Writer, sc, sp codewriter.Reg, prologueBytes int32, slotAddr uintptr) {
	w.MovRegImm(sc, int64(slotAddr))
	w.MovMemReg(memAt(sc, 0), sp)
	w.MovRegImm(sc, int64(mailboxReady))
	w.MovMemReg(memAt(sp, prologueBytes+mailboxOffsets.ready), sc)
	w.Fence()
}

// spinUntilDone busy-waits on the mailbox's done flag, per doc.go's
// documented latency/simplicity tradeoff.
func spinUntilDone(w codewriter.Writer, info archInfo, sp codewriter.Reg, prologueBytes int32) {
	sc, zero := info.scratch, info.scratch2
	w.MovRegImm(zero, 0)
	loop := w.NewLabel()
	w.Bind(loop)
	w.MovRegMem(sc, memAt(sp, prologueBytes+mailboxOffsets.done))
	w.Cmp(sc, zero)
	w.JmpCond(codewriter.CondEqual, loop)
}

func prologueShapeFromWriter(w codewriter.Writer, p codewriter.Prologue) (count int, stride, totalBytes int32) {
	regs := w.SavedRegs(p)
	stride = int32(w.PushStride())
	count = len(regs)
	totalBytes = int32(count+1) * stride
	return
}
