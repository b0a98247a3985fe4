package interceptor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-dbi/kestrel/invocation"
	"github.com/kestrel-dbi/kestrel/trampoline"
)

// newTestContext builds a synthetic enter/leave Context directly,
// bypassing trampoline/mailbox machinery entirely — the same testing
// strategy trampoline/dispatcher_test.go uses for its mailboxes, applied
// here to invocation.Context since dispatchEnter/dispatchLeave never
// themselves execute generated machine code.
func newTestContext(t *testing.T, threadID uint64) *invocation.Context {
	t.Helper()
	abi, err := invocation.ABIFor("amd64", "")
	require.NoError(t, err)
	cpu := &invocation.AMD64CPUContext{RDI: 1, RSI: 2, RDX: 3}
	return invocation.NewContext(abi, "amd64", cpu, invocation.PrologueFull, 0, 0x1000, threadID, 0)
}

func newTestFunctionContext() *functionContext {
	return &functionContext{target: 0x4000}
}

func TestDispatchEnterLeave_ListenerOrdering(t *testing.T) {
	ic := newTestInterceptor(t)
	fc := newTestFunctionContext()

	var order []string
	l1 := &invocation.ListenerFuncs{
		OnEnter: func(ctx *invocation.Context) { order = append(order, "enter1") },
		OnLeave: func(ctx *invocation.Context) { order = append(order, "leave1") },
	}
	l2 := &invocation.ListenerFuncs{
		OnEnter: func(ctx *invocation.Context) { order = append(order, "enter2") },
		OnLeave: func(ctx *invocation.Context) { order = append(order, "leave2") },
	}
	fc.listeners = append(fc.listeners, newListenerEntry(l1, nil, fc.allocListenerSlot()))
	fc.listeners = append(fc.listeners, newListenerEntry(l2, nil, fc.allocListenerSlot()))

	tc := ic.threads.get(1)
	enterCtx := newTestContext(t, 1)
	action := ic.dispatchEnter(fc, tc, enterCtx)
	require.Equal(t, trampoline.ActionResumeOriginal, action)

	leaveCtx := newTestContext(t, 1)
	ic.dispatchLeave(fc, tc, leaveCtx)

	require.Equal(t, []string{"enter1", "enter2", "leave2", "leave1"}, order)
}

func TestDispatchEnter_ReplacementSelection(t *testing.T) {
	ic := newTestInterceptor(t)
	fc := newTestFunctionContext()
	fc.replacement = 0x9999

	tc := ic.threads.get(2)
	ctx := newTestContext(t, 2)
	action := ic.dispatchEnter(fc, tc, ctx)
	require.Equal(t, trampoline.ActionCallReplacement, action)
}

func TestDispatchEnter_IgnoredThreadSkipsListenersAndReplacement(t *testing.T) {
	ic := newTestInterceptor(t)
	fc := newTestFunctionContext()
	fc.replacement = 0x9999

	called := false
	l := &invocation.ListenerFuncs{OnEnter: func(ctx *invocation.Context) { called = true }}
	fc.listeners = append(fc.listeners, newListenerEntry(l, nil, fc.allocListenerSlot()))

	tc := ic.threads.get(3)
	tc.bump(1) // simulate IgnoreCurrentThread's effect on this synthetic thread key directly

	ctx := newTestContext(t, 3)
	action := ic.dispatchEnter(fc, tc, ctx)
	require.Equal(t, trampoline.ActionResumeOriginal, action)
	require.False(t, called)

	leaveCtx := newTestContext(t, 3)
	ic.dispatchLeave(fc, tc, leaveCtx) // must not panic popping the sentinel frame
}

func TestDispatchEnterLeave_ReentrancyGuardSkipsNestedListeners(t *testing.T) {
	ic := newTestInterceptor(t)
	outer := newTestFunctionContext()
	inner := &functionContext{target: 0x5000}

	var innerCalled bool
	innerListener := &invocation.ListenerFuncs{OnEnter: func(ctx *invocation.Context) { innerCalled = true }}
	inner.listeners = append(inner.listeners, newListenerEntry(innerListener, nil, inner.allocListenerSlot()))

	tc := ic.threads.get(4)

	var reenterAction trampoline.Action
	outerListener := &invocation.ListenerFuncs{
		OnEnter: func(ctx *invocation.Context) {
			innerCtx := newTestContext(t, 4)
			reenterAction = ic.dispatchEnter(inner, tc, innerCtx)
			ic.dispatchLeave(inner, tc, newTestContext(t, 4))
		},
	}
	outer.listeners = append(outer.listeners, newListenerEntry(outerListener, nil, outer.allocListenerSlot()))

	ctx := newTestContext(t, 4)
	action := ic.dispatchEnter(outer, tc, ctx)
	require.Equal(t, trampoline.ActionResumeOriginal, action)
	require.Equal(t, trampoline.ActionResumeOriginal, reenterAction)
	require.False(t, innerCalled, "a listener's own reentrant call must not run the nested function's listeners")

	ic.dispatchLeave(outer, tc, newTestContext(t, 4))
}

func TestDispatch_PerThreadScratchDataPersistsAcrossCalls(t *testing.T) {
	ic := newTestInterceptor(t)
	fc := newTestFunctionContext()

	var seen []byte
	l := &invocation.ListenerFuncs{
		OnEnter: func(ctx *invocation.Context) {
			buf := ctx.ListenerThreadData(4)
			seen = append(seen, buf[0])
			buf[0]++
		},
	}
	fc.listeners = append(fc.listeners, newListenerEntry(l, nil, fc.allocListenerSlot()))

	tc := ic.threads.get(5)
	for i := 0; i < 3; i++ {
		ctx := newTestContext(t, 5)
		ic.dispatchEnter(fc, tc, ctx)
		ic.dispatchLeave(fc, tc, newTestContext(t, 5))
	}

	require.Equal(t, []byte{0, 1, 2}, seen)
}

func TestDispatch_PerListenerScratchDoesNotCollideAcrossListeners(t *testing.T) {
	ic := newTestInterceptor(t)
	fc := newTestFunctionContext()

	var l1Seen, l2Seen byte
	l1 := &invocation.ListenerFuncs{OnEnter: func(ctx *invocation.Context) {
		buf := ctx.ListenerThreadData(1)
		l1Seen = buf[0]
		buf[0] = 0xAA
	}}
	l2 := &invocation.ListenerFuncs{OnEnter: func(ctx *invocation.Context) {
		buf := ctx.ListenerThreadData(1)
		l2Seen = buf[0]
		buf[0] = 0xBB
	}}
	fc.listeners = append(fc.listeners, newListenerEntry(l1, nil, fc.allocListenerSlot()))
	fc.listeners = append(fc.listeners, newListenerEntry(l2, nil, fc.allocListenerSlot()))

	tc := ic.threads.get(6)
	ctx := newTestContext(t, 6)
	ic.dispatchEnter(fc, tc, ctx)
	ic.dispatchLeave(fc, tc, newTestContext(t, 6))

	require.Zero(t, l1Seen)
	require.Zero(t, l2Seen)

	ctx2 := newTestContext(t, 6)
	ic.dispatchEnter(fc, tc, ctx2)
	ic.dispatchLeave(fc, tc, newTestContext(t, 6))

	require.Equal(t, byte(0xAA), l1Seen)
	require.Equal(t, byte(0xBB), l2Seen)
}

func TestDispatch_PerInvocationScratchCarriesAcrossEnterLeaveBoundary(t *testing.T) {
	ic := newTestInterceptor(t)
	fc := newTestFunctionContext()

	var leaveSaw uintptr
	l := &invocation.ListenerFuncs{
		OnEnter: func(ctx *invocation.Context) {
			buf := ctx.ListenerInvocationData(8)
			buf[0] = 0x42
		},
		OnLeave: func(ctx *invocation.Context) {
			buf := ctx.ListenerInvocationData(8)
			leaveSaw = uintptr(buf[0])
		},
	}
	fc.listeners = append(fc.listeners, newListenerEntry(l, nil, fc.allocListenerSlot()))

	tc := ic.threads.get(7)
	enterCtx := newTestContext(t, 7)
	ic.dispatchEnter(fc, tc, enterCtx)
	leaveCtx := newTestContext(t, 7)
	ic.dispatchLeave(fc, tc, leaveCtx)

	require.EqualValues(t, 0x42, leaveSaw)
}

// TestDispatch_DepthReflectsNesting exercises the depth a hooked
// function genuinely called from another hooked function's own body
// sees — as opposed to a nested dispatch triggered from within a
// listener's OnEnter/OnLeave, which the reentrancy guard suppresses
// entirely (see TestDispatchEnterLeave_ReentrancyGuardSkipsNestedListeners).
// It drives dispatchEnter/dispatchLeave directly in the call order the
// outer function's own resumed body would produce: enter outer, enter
// inner (outer's body calling inner), leave inner, leave outer.
func TestDispatch_DepthReflectsNesting(t *testing.T) {
	ic := newTestInterceptor(t)
	outer := newTestFunctionContext()
	inner := &functionContext{target: 0x6000}

	var innerDepth, outerDepth int
	innerListener := &invocation.ListenerFuncs{OnEnter: func(ctx *invocation.Context) { innerDepth = ctx.Depth() }}
	inner.listeners = append(inner.listeners, newListenerEntry(innerListener, nil, inner.allocListenerSlot()))
	outerListener := &invocation.ListenerFuncs{OnEnter: func(ctx *invocation.Context) { outerDepth = ctx.Depth() }}
	outer.listeners = append(outer.listeners, newListenerEntry(outerListener, nil, outer.allocListenerSlot()))

	tc := ic.threads.get(8)
	ic.dispatchEnter(outer, tc, newTestContext(t, 8))
	ic.dispatchEnter(inner, tc, newTestContext(t, 8))
	ic.dispatchLeave(inner, tc, newTestContext(t, 8))
	ic.dispatchLeave(outer, tc, newTestContext(t, 8))

	require.Equal(t, 0, outerDepth)
	require.Equal(t, 1, innerDepth)
}
