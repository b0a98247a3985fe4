package interceptor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-dbi/kestrel/invocation"
)

func TestAttach_FreshTargetCreatesFunctionContext(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())

	l := &invocation.ListenerFuncs{}
	code, err := ic.Attach(target, l, nil)
	require.NoError(t, err)
	require.Equal(t, AttachOK, code)

	fc, ok := ic.funcs[target]
	require.True(t, ok)
	require.Len(t, fc.listeners, 1)
	require.NotNil(t, fc.gen)
	require.NotNil(t, fc.gen.tramp)
}

func TestAttach_SameListenerTwiceFails(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())

	l := &invocation.ListenerFuncs{}
	_, err := ic.Attach(target, l, nil)
	require.NoError(t, err)

	code, err := ic.Attach(target, l, nil)
	require.Error(t, err)
	require.Equal(t, AttachAlreadyAttached, code)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, AttachAlreadyAttached, se.Code)
}

func TestAttach_TwoDistinctListenersOnSameTarget(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())

	l1 := &invocation.ListenerFuncs{}
	l2 := &invocation.ListenerFuncs{}
	_, err := ic.Attach(target, l1, nil)
	require.NoError(t, err)
	_, err = ic.Attach(target, l2, nil)
	require.NoError(t, err)

	fc := ic.funcs[target]
	require.Len(t, fc.listeners, 2)
	require.NotEqual(t, fc.listeners[0].slot, fc.listeners[1].slot)
}

func TestAttach_ForeignRedirectIsRefused(t *testing.T) {
	ic := newTestInterceptor(t)
	tmpl, err := redirectTemplate("amd64")
	require.NoError(t, err)
	target := mmapTarget(t, tmpl)

	code, err := ic.Attach(target, &invocation.ListenerFuncs{}, nil)
	require.Error(t, err)
	require.Equal(t, AttachPolicyViolation, code)
}

func TestDetach_RemovesListenerAndDestroysFunctionContextWhenEmpty(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())

	l := &invocation.ListenerFuncs{}
	_, err := ic.Attach(target, l, nil)
	require.NoError(t, err)
	require.Contains(t, ic.funcs, target)

	ic.Detach(l)
	require.NotContains(t, ic.funcs, target)
}

func TestDetach_LeavesFunctionContextWhenOtherListenersRemain(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())

	l1 := &invocation.ListenerFuncs{}
	l2 := &invocation.ListenerFuncs{}
	_, err := ic.Attach(target, l1, nil)
	require.NoError(t, err)
	_, err = ic.Attach(target, l2, nil)
	require.NoError(t, err)

	ic.Detach(l1)
	fc, ok := ic.funcs[target]
	require.True(t, ok)
	require.Len(t, fc.listeners, 1)
}

func TestDetach_AcrossMultipleTargets(t *testing.T) {
	ic := newTestInterceptor(t)
	t1 := mmapTarget(t, amd64FuncProlog())
	t2 := mmapTarget(t, amd64FuncProlog())

	l := &invocation.ListenerFuncs{}
	_, err := ic.Attach(t1, l, nil)
	require.NoError(t, err)
	_, err = ic.Attach(t2, l, nil)
	require.NoError(t, err)

	ic.Detach(l)
	require.NotContains(t, ic.funcs, t1)
	require.NotContains(t, ic.funcs, t2)
}

func TestReplace_FirstCallRebuildsGenerationWithBakedReplacement(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())
	replacement := mmapTarget(t, amd64FuncProlog())

	code, err := ic.Replace(target, replacement, nil)
	require.NoError(t, err)
	require.Equal(t, ReplaceOK, code)

	fc := ic.funcs[target]
	require.Equal(t, replacement, fc.replacement)
	require.Equal(t, replacement, fc.bakedReplacement)
}

func TestReplace_SameAddressTwiceIsIdempotent(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())
	replacement := mmapTarget(t, amd64FuncProlog())

	_, err := ic.Replace(target, replacement, nil)
	require.NoError(t, err)
	gen := ic.funcs[target].gen

	code, err := ic.Replace(target, replacement, nil)
	require.NoError(t, err)
	require.Equal(t, ReplaceOK, code)
	require.Same(t, gen, ic.funcs[target].gen, "repeating the same replacement must not rebuild")
}

func TestReplace_DifferentAddressWhileAlreadyReplacedFails(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())
	r1 := mmapTarget(t, amd64FuncProlog())
	r2 := mmapTarget(t, amd64FuncProlog())

	_, err := ic.Replace(target, r1, nil)
	require.NoError(t, err)

	code, err := ic.Replace(target, r2, nil)
	require.Error(t, err)
	require.Equal(t, ReplaceAlreadyReplaced, code)
}

func TestRevert_WithNoOtherListenersDestroysFunctionContext(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())
	replacement := mmapTarget(t, amd64FuncProlog())

	_, err := ic.Replace(target, replacement, nil)
	require.NoError(t, err)

	ic.Revert(target)
	require.NotContains(t, ic.funcs, target, "a replace-only hook has no work left once reverted")
}

func TestRevert_KeepsFunctionContextWhenListenersRemain(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())
	replacement := mmapTarget(t, amd64FuncProlog())
	l := &invocation.ListenerFuncs{}

	_, err := ic.Attach(target, l, nil)
	require.NoError(t, err)
	_, err = ic.Replace(target, replacement, nil)
	require.NoError(t, err)
	bakedBefore := ic.funcs[target].bakedReplacement

	ic.Revert(target)
	fc, ok := ic.funcs[target]
	require.True(t, ok)
	require.Zero(t, fc.replacement)
	require.Equal(t, bakedBefore, fc.bakedReplacement, "revert never rebuilds, so the stale baked address is left in place")
}

func TestBeginEndTransaction_DefersWritesUntilOutermostEnd(t *testing.T) {
	ic := newTestInterceptor(t)
	target := mmapTarget(t, amd64FuncProlog())

	ic.BeginTransaction()
	ic.BeginTransaction()
	_, err := ic.Attach(target, &invocation.ListenerFuncs{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, ic.pendingWrite, "write queues but must not commit while nested")

	ic.EndTransaction()
	require.NotEmpty(t, ic.pendingWrite, "still nested one level")

	ic.EndTransaction()
	require.Empty(t, ic.pendingWrite, "outermost End must commit")
}

func TestIgnoreCurrentThread_NestsAndClampsAtZero(t *testing.T) {
	ic := newTestInterceptor(t)
	ic.UnignoreCurrentThread() // must not go negative
	tc := ic.threads.get(ic.threads.currentKey())
	require.False(t, tc.ignored())

	ic.IgnoreCurrentThread()
	require.True(t, tc.ignored())
	ic.IgnoreCurrentThread()
	ic.UnignoreCurrentThread()
	require.True(t, tc.ignored())
	ic.UnignoreCurrentThread()
	require.False(t, tc.ignored())
}

func TestCurrentInvocation_NilWhenNoActiveCall(t *testing.T) {
	ic := newTestInterceptor(t)
	require.Nil(t, ic.CurrentInvocation())
}
