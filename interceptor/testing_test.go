package interceptor

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestInterceptor returns an amd64 Interceptor with a small, fast
// dispatcher pool, torn down automatically at test end.
func newTestInterceptor(t *testing.T) *Interceptor {
	t.Helper()
	ic, err := New(Config{Arch: "amd64", Workers: 2, PollIdle: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ic.Close() })
	return ic
}

// amd64FuncProlog is a small, genuinely relocatable instruction sequence
// — push rbp; mov rbp, rsp; sub rsp, 0x20 — the same bytes
// internal/reloc's own x86 tests use, padded with NOPs so CanRelocate
// always finds enough whole instructions regardless of how wide a
// redirect branch this package's codewriter backend emits.
func amd64FuncProlog() []byte {
	prolog := []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x20}
	out := make([]byte, 64)
	copy(out, prolog)
	for i := len(prolog); i < len(out); i++ {
		out[i] = 0x90
	}
	return out
}

// mmapTarget backs a fake hooked function with a real anonymous RWX
// page, so commit()'s internal/codeseg.OpenExisting can legitimately
// mprotect and patch it — unlike trampoline's dispatcher_test.go (which
// only ever reads/writes plain Go-heap mailbox bytes, never mprotects
// them), attaching to a target genuinely requires executable memory the
// test owns outright, never a slice sharing a page with live Go
// objects.
func mmapTarget(t *testing.T, code []byte) uintptr {
	t.Helper()
	size := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	copy(mem, code)
	for i := len(code); i < len(mem); i++ {
		mem[i] = 0x90
	}
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	return uintptr(unsafe.Pointer(&mem[0]))
}
