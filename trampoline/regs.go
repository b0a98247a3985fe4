package trampoline

import (
	"unsafe"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
	"github.com/kestrel-dbi/kestrel/invocation"
)

// savedWord returns the address SavePrologue stored regs[i]'s value at,
// given the base address (current SP right after SavePrologue ran) and
// the push stride this architecture's Writer uses. The last register in
// the list was pushed last and so landed at the lowest address — base
// itself — with earlier pushes at progressively higher addresses;
// PushFlags always runs once before the loop, so it sits one stride
// above the first register's slot.
func savedWord(base uintptr, stride uintptr, count, i int) uintptr {
	return base + uintptr(count-1-i)*stride
}

func flagsWord(base, stride uintptr, count int) uintptr {
	return base + uintptr(count)*stride
}

func readWord(addr uintptr) uintptr  { return *(*uintptr)(unsafe.Pointer(addr)) }
func writeWord(addr uintptr, v uintptr) { *(*uintptr)(unsafe.Pointer(addr)) = v }

// loadCPU reconstructs an architecture-concrete CPUContext value from
// the raw words a trampoline's SavePrologue left on the target thread's
// stack at base. This, and its inverse storeCPU, are the only places
// outside internal/codewriter that need to know SavePrologue's stack
// layout: invocation.Context itself just holds whatever value it's
// handed.
func loadCPU(arch string, w codewriter.Writer, p codewriter.Prologue, base uintptr) interface{} {
	regs := w.SavedRegs(p)
	stride := uintptr(w.PushStride())
	flags := readWord(flagsWord(base, stride, len(regs)))

	switch arch {
	case "amd64":
		cpu := &invocation.AMD64CPUContext{RFlags: uint64(flags)}
		for i, r := range regs {
			setAMD64(cpu, r, uint64(readWord(savedWord(base, stride, len(regs), i))))
		}
		return cpu
	case "386":
		cpu := &invocation.X86CPUContext{EFlags: uint32(flags)}
		for i, r := range regs {
			setX86(cpu, r, uint32(readWord(savedWord(base, stride, len(regs), i))))
		}
		return cpu
	case "arm64":
		cpu := &invocation.ARM64CPUContext{NZCV: uint64(flags)}
		for i, r := range regs {
			setARM64(cpu, r, uint64(readWord(savedWord(base, stride, len(regs), i))))
		}
		return cpu
	case "arm":
		cpu := &invocation.ARMCPUContext{CPSR: uint32(flags)}
		for i, r := range regs {
			setARM(cpu, r, uint32(readWord(savedWord(base, stride, len(regs), i))))
		}
		return cpu
	default:
		return nil
	}
}

// storeCPU writes a (possibly listener-mutated) CPUContext value back
// into the same raw stack words loadCPU read it from, so RestoreEpilogue
// pops the listener's changes rather than the original snapshot.
func storeCPU(arch string, w codewriter.Writer, p codewriter.Prologue, base uintptr, cpu interface{}) {
	regs := w.SavedRegs(p)
	stride := uintptr(w.PushStride())

	switch arch {
	case "amd64":
		c := cpu.(*invocation.AMD64CPUContext)
		for i, r := range regs {
			writeWord(savedWord(base, stride, len(regs), i), uintptr(getAMD64(c, r)))
		}
		writeWord(flagsWord(base, stride, len(regs)), uintptr(c.RFlags))
	case "386":
		c := cpu.(*invocation.X86CPUContext)
		for i, r := range regs {
			writeWord(savedWord(base, stride, len(regs), i), uintptr(getX86(c, r)))
		}
		writeWord(flagsWord(base, stride, len(regs)), uintptr(c.EFlags))
	case "arm64":
		c := cpu.(*invocation.ARM64CPUContext)
		for i, r := range regs {
			writeWord(savedWord(base, stride, len(regs), i), uintptr(getARM64(c, r)))
		}
		writeWord(flagsWord(base, stride, len(regs)), uintptr(c.NZCV))
	case "arm":
		c := cpu.(*invocation.ARMCPUContext)
		for i, r := range regs {
			writeWord(savedWord(base, stride, len(regs), i), uintptr(getARM(c, r)))
		}
		writeWord(flagsWord(base, stride, len(regs)), uintptr(c.CPSR))
	}
}

func setAMD64(c *invocation.AMD64CPUContext, r codewriter.Reg, v uint64) {
	switch r {
	case codewriter.RAX:
		c.RAX = v
	case codewriter.RCX:
		c.RCX = v
	case codewriter.RDX:
		c.RDX = v
	case codewriter.RBX:
		c.RBX = v
	case codewriter.RBP:
		c.RBP = v
	case codewriter.RSI:
		c.RSI = v
	case codewriter.RDI:
		c.RDI = v
	case codewriter.R8:
		c.R8 = v
	case codewriter.R9:
		c.R9 = v
	case codewriter.R10:
		c.R10 = v
	case codewriter.R11:
		c.R11 = v
	case codewriter.R12:
		c.R12 = v
	case codewriter.R13:
		c.R13 = v
	case codewriter.R14:
		c.R14 = v
	case codewriter.R15:
		c.R15 = v
	}
}

func getAMD64(c *invocation.AMD64CPUContext, r codewriter.Reg) uint64 {
	switch r {
	case codewriter.RAX:
		return c.RAX
	case codewriter.RCX:
		return c.RCX
	case codewriter.RDX:
		return c.RDX
	case codewriter.RBX:
		return c.RBX
	case codewriter.RBP:
		return c.RBP
	case codewriter.RSI:
		return c.RSI
	case codewriter.RDI:
		return c.RDI
	case codewriter.R8:
		return c.R8
	case codewriter.R9:
		return c.R9
	case codewriter.R10:
		return c.R10
	case codewriter.R11:
		return c.R11
	case codewriter.R12:
		return c.R12
	case codewriter.R13:
		return c.R13
	case codewriter.R14:
		return c.R14
	case codewriter.R15:
		return c.R15
	default:
		return 0
	}
}

// x86 reuses amd64's Reg constants (newX86Writer wraps amd64Writer
// directly, see internal/codewriter/amd64.go), so the same RAX/RCX/...
// identifiers name the 32-bit registers here too.
func setX86(c *invocation.X86CPUContext, r codewriter.Reg, v uint32) {
	switch r {
	case codewriter.RAX:
		c.EAX = v
	case codewriter.RCX:
		c.ECX = v
	case codewriter.RDX:
		c.EDX = v
	case codewriter.RBX:
		c.EBX = v
	case codewriter.RBP:
		c.EBP = v
	case codewriter.RSI:
		c.ESI = v
	case codewriter.RDI:
		c.EDI = v
	}
}

func getX86(c *invocation.X86CPUContext, r codewriter.Reg) uint32 {
	switch r {
	case codewriter.RAX:
		return c.EAX
	case codewriter.RCX:
		return c.ECX
	case codewriter.RDX:
		return c.EDX
	case codewriter.RBX:
		return c.EBX
	case codewriter.RBP:
		return c.EBP
	case codewriter.RSI:
		return c.ESI
	case codewriter.RDI:
		return c.EDI
	default:
		return 0
	}
}

// arm64's Reg constants for X0-X30 are consecutive integers
// (internal/codewriter/arm64.go builds arm64SavedRegs as X0+i), so the
// index into ARM64CPUContext.X is just the register's distance from X0.
func setARM64(c *invocation.ARM64CPUContext, r codewriter.Reg, v uint64) {
	if i := int(r - codewriter.X0); i >= 0 && i < len(c.X) {
		c.X[i] = v
	}
}

func getARM64(c *invocation.ARM64CPUContext, r codewriter.Reg) uint64 {
	if i := int(r - codewriter.X0); i >= 0 && i < len(c.X) {
		return c.X[i]
	}
	return 0
}

// A32's Reg constants for R0-R15 are likewise consecutive from R0;
// indices 13-15 (SP, LR, PC) land outside ARMCPUContext.R (which only
// holds R0-R12) in their own named fields.
func setARM(c *invocation.ARMCPUContext, r codewriter.Reg, v uint32) {
	i := int(r - codewriter.R0)
	switch {
	case i >= 0 && i <= 12:
		c.R[i] = v
	case i == 13:
		c.SP = v
	case i == 14:
		c.LR = v
	case i == 15:
		c.PC = v
	}
}

func getARM(c *invocation.ARMCPUContext, r codewriter.Reg) uint32 {
	i := int(r - codewriter.R0)
	switch {
	case i >= 0 && i <= 12:
		return c.R[i]
	case i == 13:
		return c.SP
	case i == 14:
		return c.LR
	case i == 15:
		return c.PC
	default:
		return 0
	}
}
