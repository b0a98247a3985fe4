package invocation

// AMD64CPUContext is the x86-64 integer register file, populated by the
// trampoline's entry stub from the snapshot codewriter's amd64 backend
// pushes in SavePrologue (internal/codewriter/amd64.go's amd64SavedRegs/
// amd64MinimalRegs) — RFlags corresponds to PushFlags/PopFlags's
// round-trip through the FLAGS register.
type AMD64CPUContext struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RSP, RIP, RFlags uint64
}

func amd64ABI(convention string) (ABI, error) {
	switch convention {
	case "", "sysv":
		return abiSysV{}, nil
	case "win64":
		return abiWin64{}, nil
	default:
		return nil, ErrUnknownConvention
	}
}

// abiSysV is the x86-64 System V ABI: the first six integer/pointer
// arguments are RDI, RSI, RDX, RCX, R8, R9; the rest are on the stack;
// the return value is in RAX.
type abiSysV struct{}

func (abiSysV) Name() string { return "sysv" }

func (abiSysV) Argument(cpuIface interface{}, stackArgsBase uintptr, n int) uintptr {
	cpu := cpuIface.(*AMD64CPUContext)
	switch n {
	case 0:
		return uintptr(cpu.RDI)
	case 1:
		return uintptr(cpu.RSI)
	case 2:
		return uintptr(cpu.RDX)
	case 3:
		return uintptr(cpu.RCX)
	case 4:
		return uintptr(cpu.R8)
	case 5:
		return uintptr(cpu.R9)
	default:
		return stackWord(stackArgsBase, n-6)
	}
}

func (abiSysV) SetArgument(cpuIface interface{}, stackArgsBase uintptr, n int, v uintptr) {
	cpu := cpuIface.(*AMD64CPUContext)
	switch n {
	case 0:
		cpu.RDI = uint64(v)
	case 1:
		cpu.RSI = uint64(v)
	case 2:
		cpu.RDX = uint64(v)
	case 3:
		cpu.RCX = uint64(v)
	case 4:
		cpu.R8 = uint64(v)
	case 5:
		cpu.R9 = uint64(v)
	default:
		setStackWord(stackArgsBase, n-6, v)
	}
}

func (abiSysV) ReturnValue(cpuIface interface{}) uintptr {
	return uintptr(cpuIface.(*AMD64CPUContext).RAX)
}

func (abiSysV) SetReturnValue(cpuIface interface{}, v uintptr) {
	cpuIface.(*AMD64CPUContext).RAX = uint64(v)
}

// abiWin64 is the Microsoft x64 ABI: the first four arguments are RCX,
// RDX, R8, R9 (with 32 bytes of caller-allocated shadow space for them
// even when passed in registers); the rest are on the stack just past
// the shadow space. trampoline.Build computes stackArgsBase the same
// way for every amd64 ABI — one word past the return-address slot,
// exactly what abiSysV's stack arguments sit at directly, since the
// entry stub that derives it has no ABI-specific knowledge of Win64's
// shadow space. abiWin64 itself accounts for that 32 bytes below,
// rather than expecting the trampoline to special-case it.
type abiWin64 struct{}

// win64ShadowSpace is the caller-reserved scratch area beneath a Win64
// call's first four register arguments; the fifth argument and beyond
// sit this far past stackArgsBase.
const win64ShadowSpace = 32

func (abiWin64) Name() string { return "win64" }

func (abiWin64) Argument(cpuIface interface{}, stackArgsBase uintptr, n int) uintptr {
	cpu := cpuIface.(*AMD64CPUContext)
	switch n {
	case 0:
		return uintptr(cpu.RCX)
	case 1:
		return uintptr(cpu.RDX)
	case 2:
		return uintptr(cpu.R8)
	case 3:
		return uintptr(cpu.R9)
	default:
		return stackWord(stackArgsBase+win64ShadowSpace, n-4)
	}
}

func (abiWin64) SetArgument(cpuIface interface{}, stackArgsBase uintptr, n int, v uintptr) {
	cpu := cpuIface.(*AMD64CPUContext)
	switch n {
	case 0:
		cpu.RCX = uint64(v)
	case 1:
		cpu.RDX = uint64(v)
	case 2:
		cpu.R8 = uint64(v)
	case 3:
		cpu.R9 = uint64(v)
	default:
		setStackWord(stackArgsBase+win64ShadowSpace, n-4, v)
	}
}

func (abiWin64) ReturnValue(cpuIface interface{}) uintptr {
	return uintptr(cpuIface.(*AMD64CPUContext).RAX)
}

func (abiWin64) SetReturnValue(cpuIface interface{}, v uintptr) {
	cpuIface.(*AMD64CPUContext).RAX = uint64(v)
}
