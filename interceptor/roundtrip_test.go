package interceptor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-dbi/kestrel/invocation"
)

// rawPageBytes views n bytes starting at addr as a []byte, for comparing
// a target's patched-then-restored memory image against its original
// snapshot — the same unsafe technique rawmem.go's readTargetCode uses.
func rawPageBytes(addr uintptr, n int) []byte {
	return readTargetCode(addr, n)
}

// TestRoundtrip_AttachDetachRestoresOriginalBytes covers spec.md §8's
// first round-trip property: attach(T, L); detach(L) restores the
// process memory image at T and leaves no record of T reachable from
// the function-record map.
func TestRoundtrip_AttachDetachRestoresOriginalBytes(t *testing.T) {
	ic := newTestInterceptor(t)
	original := amd64FuncProlog()
	target := mmapTarget(t, original)
	before := rawPageBytes(target, len(original))
	require.Equal(t, original, before)

	l := &invocation.ListenerFuncs{}
	_, err := ic.Attach(target, l, nil)
	require.NoError(t, err)

	patched := rawPageBytes(target, len(original))
	require.NotEqual(t, original, patched, "attach must actually redirect the target")

	ic.Detach(l)
	require.NotContains(t, ic.funcs, target)

	after := rawPageBytes(target, len(original))
	require.Equal(t, original, after, "detach must restore the exact pre-attach bytes")
}

// TestRoundtrip_ReplaceRevertRestoresOriginalBytes covers the second
// round-trip property for a replace-only hook (no listeners ever
// attached).
func TestRoundtrip_ReplaceRevertRestoresOriginalBytes(t *testing.T) {
	ic := newTestInterceptor(t)
	original := amd64FuncProlog()
	target := mmapTarget(t, original)
	replacement := mmapTarget(t, amd64FuncProlog())

	_, err := ic.Replace(target, replacement, nil)
	require.NoError(t, err)

	patched := rawPageBytes(target, len(original))
	require.NotEqual(t, original, patched)

	ic.Revert(target)
	require.NotContains(t, ic.funcs, target)

	after := rawPageBytes(target, len(original))
	require.Equal(t, original, after)
}

// TestRoundtrip_NestedTransactionCommitsOnce covers spec.md §8's third
// round-trip property by checking the target's bytes across a nested
// begin/end pair: still the original prologue after the inner End, and
// redirected only once the outermost End has run.
func TestRoundtrip_NestedTransactionCommitsOnce(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())
	l := &invocation.ListenerFuncs{}

	ic.BeginTransaction()
	ic.BeginTransaction()
	_, err := ic.Attach(target, l, nil)
	require.NoError(t, err)
	ic.EndTransaction()
	before := rawPageBytes(target, 8)
	stillOriginal := []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x20}
	require.Equal(t, stillOriginal, before, "inner End must not commit")

	ic.EndTransaction()
	after := rawPageBytes(target, 8)
	require.NotEqual(t, stillOriginal, after, "outermost End commits exactly once")
}

// TestRoundtrip_GenerationDrainsBeforeRelease exercises the in-use
// counter Interceptor.rebuild and scheduleDestroy both rely on: Detach
// must not deadlock or panic even though the retired generation's
// release happens asynchronously (commit.go's commit spawns one
// goroutine per retired generation that spins until its own inUse
// counter reaches zero before releasing its code slice).
func TestRoundtrip_GenerationDrainsBeforeRelease(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())
	l := &invocation.ListenerFuncs{}

	_, err := ic.Attach(target, l, nil)
	require.NoError(t, err)
	ic.Detach(l)

	// The retired generation's inUse counter was never incremented (no
	// call ever dispatched through it in this test), so its background
	// drain-and-release goroutine completes promptly; give it a moment
	// rather than asserting on internal timing directly.
	time.Sleep(5 * time.Millisecond)
	require.NotContains(t, ic.funcs, target)
}
