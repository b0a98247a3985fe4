package invocation

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAMD64SysVArgumentsRegistersThenStack(t *testing.T) {
	abi, err := ABIFor("amd64", "")
	require.NoError(t, err)
	require.Equal(t, "sysv", abi.Name())

	cpu := &AMD64CPUContext{RDI: 1, RSI: 2, RDX: 3, RCX: 4, R8: 5, R9: 6}
	stack := []uintptr{7, 8}
	base := uintptr(unsafe.Pointer(&stack[0]))

	for i := 0; i < 6; i++ {
		require.Equal(t, uintptr(i+1), abi.Argument(cpu, base, i))
	}
	require.Equal(t, uintptr(7), abi.Argument(cpu, base, 6))
	require.Equal(t, uintptr(8), abi.Argument(cpu, base, 7))
}

func TestAMD64SysVSetArgumentRoundTrips(t *testing.T) {
	abi, err := ABIFor("amd64", "")
	require.NoError(t, err)

	cpu := &AMD64CPUContext{}
	stack := []uintptr{0}
	base := uintptr(unsafe.Pointer(&stack[0]))

	abi.SetArgument(cpu, base, 0, 0x42)
	require.Equal(t, uint64(0x42), cpu.RDI)

	abi.SetArgument(cpu, base, 6, 0x99)
	require.Equal(t, uintptr(0x99), stack[0])
}

func TestAMD64Win64FirstFourArgumentsAreRegisters(t *testing.T) {
	abi, err := ABIFor("amd64", "win64")
	require.NoError(t, err)
	require.Equal(t, "win64", abi.Name())

	cpu := &AMD64CPUContext{RCX: 10, RDX: 20, R8: 30, R9: 40}
	require.Equal(t, uintptr(10), abi.Argument(cpu, 0, 0))
	require.Equal(t, uintptr(40), abi.Argument(cpu, 0, 3))
}

func TestX86ThiscallFirstArgumentIsECX(t *testing.T) {
	abi, err := ABIFor("386", "thiscall")
	require.NoError(t, err)

	cpu := &X86CPUContext{ECX: 0xcafe}
	stack := []uintptr{0x1, 0x2}
	base := uintptr(unsafe.Pointer(&stack[0]))

	require.Equal(t, uintptr(0xcafe), abi.Argument(cpu, base, 0))
	require.Equal(t, uintptr(0x1), abi.Argument(cpu, base, 1))
}

func TestX86FastcallFirstTwoArgumentsAreRegisters(t *testing.T) {
	abi, err := ABIFor("386", "fastcall")
	require.NoError(t, err)

	cpu := &X86CPUContext{ECX: 1, EDX: 2}
	stack := []uintptr{3}
	base := uintptr(unsafe.Pointer(&stack[0]))

	require.Equal(t, uintptr(1), abi.Argument(cpu, base, 0))
	require.Equal(t, uintptr(2), abi.Argument(cpu, base, 1))
	require.Equal(t, uintptr(3), abi.Argument(cpu, base, 2))
}

func TestARM64AAPCSArgumentsEightRegistersThenStack(t *testing.T) {
	abi, err := ABIFor("arm64", "")
	require.NoError(t, err)

	cpu := &ARM64CPUContext{}
	for i := 0; i < 8; i++ {
		cpu.X[i] = uint64(i + 1)
	}
	stack := []uintptr{100}
	base := uintptr(unsafe.Pointer(&stack[0]))

	require.Equal(t, uintptr(1), abi.Argument(cpu, base, 0))
	require.Equal(t, uintptr(8), abi.Argument(cpu, base, 7))
	require.Equal(t, uintptr(100), abi.Argument(cpu, base, 8))
}

func TestARMAAPCSArgumentsFourRegistersThenStack(t *testing.T) {
	abi, err := ABIFor("arm", "")
	require.NoError(t, err)

	cpu := &ARMCPUContext{R: [13]uint32{1, 2, 3, 4}}
	stack := []uintptr{55}
	base := uintptr(unsafe.Pointer(&stack[0]))

	require.Equal(t, uintptr(4), abi.Argument(cpu, base, 3))
	require.Equal(t, uintptr(55), abi.Argument(cpu, base, 4))
}

func TestABIForUnknownConventionErrors(t *testing.T) {
	_, err := ABIFor("amd64", "stdcall")
	require.ErrorIs(t, err, ErrUnknownConvention)
}

func TestABIForUnsupportedArchErrors(t *testing.T) {
	_, err := ABIFor("mips", "")
	require.Error(t, err)
}

func TestContextReplaceNthArgumentOverridesReadBack(t *testing.T) {
	abi, err := ABIFor("amd64", "")
	require.NoError(t, err)
	cpu := &AMD64CPUContext{RDI: 1}
	ctx := NewContext(abi, "amd64", cpu, PrologueFull, 0, 0x1000, 7, 0)

	require.Equal(t, uintptr(1), ctx.NthArgument(0))
	ctx.ReplaceNthArgument(0, 42)
	require.Equal(t, uintptr(42), ctx.NthArgument(0))
	require.Equal(t, uint64(42), cpu.RDI)
}

func TestContextReplaceReturnValueOverridesReadBack(t *testing.T) {
	abi, err := ABIFor("amd64", "")
	require.NoError(t, err)
	cpu := &AMD64CPUContext{RAX: 1}
	ctx := NewContext(abi, "amd64", cpu, PrologueFull, 0, 0x1000, 7, 0)

	require.Equal(t, uintptr(1), ctx.ReturnValue())
	ctx.ReplaceReturnValue(99)
	require.Equal(t, uintptr(99), ctx.ReturnValue())
	require.Equal(t, uint64(99), cpu.RAX)
}

func TestContextCPUContextNilUnderMinimalPrologue(t *testing.T) {
	abi, err := ABIFor("amd64", "")
	require.NoError(t, err)
	cpu := &AMD64CPUContext{}
	ctx := NewContext(abi, "amd64", cpu, PrologueMinimal, 0, 0, 0, 0)
	require.Nil(t, ctx.CPUContext())

	full := NewContext(abi, "amd64", cpu, PrologueFull, 0, 0, 0, 0)
	require.NotNil(t, full.CPUContext())
}

func TestContextListenerDataSlotsLazyAndSticky(t *testing.T) {
	abi, err := ABIFor("amd64", "")
	require.NoError(t, err)
	ctx := NewContext(abi, "amd64", &AMD64CPUContext{}, PrologueMinimal, 0, 0, 0, 0)

	buf := ctx.ListenerInvocationData(16)
	require.Len(t, buf, 16)
	buf[0] = 0xaa
	require.Equal(t, byte(0xaa), ctx.ListenerInvocationData(32)[0])

	ctx.SetListenerFunctionData("hello")
	require.Equal(t, "hello", ctx.ListenerFunctionData())
}

func TestListenerFuncsCallsOnlyNonNilField(t *testing.T) {
	var entered, left bool
	lf := ListenerFuncs{OnEnter: func(ctx *Context) { entered = true }}
	lf.OnEnter(nil)
	require.True(t, entered)
	require.Nil(t, lf.OnLeave)
	require.False(t, left)
}
