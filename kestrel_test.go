package kestrel_test

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kestrel-dbi/kestrel"
)

func mmapTarget(t *testing.T) uintptr {
	t.Helper()
	size := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	prolog := []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x20}
	copy(mem, prolog)
	for i := len(prolog); i < len(mem); i++ {
		mem[i] = 0x90
	}
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	return uintptr(unsafe.Pointer(&mem[0]))
}

func newTestKestrel(t *testing.T, opts ...kestrel.Option) *kestrel.Kestrel {
	t.Helper()
	opts = append([]kestrel.Option{
		kestrel.WithArch("amd64"),
		kestrel.WithWorkers(2),
		kestrel.WithPollIdleInterval(time.Millisecond),
	}, opts...)
	k, err := kestrel.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestNew_DefaultsToHostArch(t *testing.T) {
	k, err := kestrel.New(kestrel.WithWorkers(1), kestrel.WithPollIdleInterval(time.Millisecond))
	require.NoError(t, err)
	defer k.Close()
}

// TestAttachDetach_RoundTripsThroughTheShim checks that kestrel.Kestrel
// actually forwards to the interceptor core rather than exercising
// listener dispatch itself — that belongs to
// interceptor/dispatch_test.go, which drives dispatchEnter/dispatchLeave
// directly instead of running generated machine code.
func TestAttachDetach_RoundTripsThroughTheShim(t *testing.T) {
	k := newTestKestrel(t)
	target := mmapTarget(t)

	l := &kestrel.ListenerFuncs{
		OnEnter: func(ctx *kestrel.Context) {},
		OnLeave: func(ctx *kestrel.Context) {},
	}

	code, err := k.Attach(target, l, nil)
	require.NoError(t, err)
	require.Equal(t, kestrel.AttachOK, code)

	k.Detach(l)
}

func TestAttach_DoubleAttachSameListenerFails(t *testing.T) {
	k := newTestKestrel(t)
	target := mmapTarget(t)
	l := &kestrel.ListenerFuncs{}

	_, err := k.Attach(target, l, nil)
	require.NoError(t, err)

	code, err := k.Attach(target, l, nil)
	require.Error(t, err)
	require.Equal(t, kestrel.AttachAlreadyAttached, code)

	var se *kestrel.StatusError
	require.ErrorAs(t, err, &se)
}

func TestReplaceRevert_RoundTripsThroughTheShim(t *testing.T) {
	k := newTestKestrel(t)
	target := mmapTarget(t)
	replacement := mmapTarget(t)

	code, err := k.Replace(target, replacement, nil)
	require.NoError(t, err)
	require.Equal(t, kestrel.ReplaceOK, code)

	k.Revert(target)
}

func TestIgnoreCurrentThread_ViaShim(t *testing.T) {
	k := newTestKestrel(t)
	require.Nil(t, k.CurrentInvocation())

	k.IgnoreCurrentThread()
	k.UnignoreCurrentThread()
}

func TestBind_ReturnsStableExecContext(t *testing.T) {
	k := newTestKestrel(t)
	ec := k.Bind()
	require.NotNil(t, ec)

	k.IgnoreCurrentThread(ec)
	k.UnignoreCurrentThread(ec)
}

func TestWithCallingConvention_Win64OnAMD64(t *testing.T) {
	k := newTestKestrel(t, kestrel.WithCallingConvention("win64"))
	target := mmapTarget(t)
	_, err := k.Attach(target, &kestrel.ListenerFuncs{}, nil)
	require.NoError(t, err)
}

func TestWithCallingConvention_UnknownRejected(t *testing.T) {
	_, err := kestrel.New(kestrel.WithArch("amd64"), kestrel.WithCallingConvention("bogus"))
	require.Error(t, err)
}
