package interceptor

import (
	"sync/atomic"

	"github.com/kestrel-dbi/kestrel/invocation"
	"github.com/kestrel-dbi/kestrel/trampoline"
)

// makeDispatch builds the trampoline.Registration.Dispatch closure for
// one functionContext/trampGeneration pair — the point where raw
// register-snapshot bridging (trampoline, invocation) meets listener
// ordering, the reentrancy guard, and replacement selection (spec.md
// §4.6/§4.7). It runs on a dispatcher goroutine, never on the hooked
// thread itself; see trampoline/doc.go.
func (ic *Interceptor) makeDispatch(fc *functionContext, gen *trampGeneration) func(trampoline.Phase, *invocation.Context) trampoline.Action {
	return func(phase trampoline.Phase, ctx *invocation.Context) trampoline.Action {
		atomic.AddInt32(&gen.inUse, 1)
		defer atomic.AddInt32(&gen.inUse, -1)

		tc := ic.threads.get(ctx.ThreadID())
		pop := ic.threads.pushShadow(ctx.ThreadID())
		defer pop()

		if phase == trampoline.PhaseEnter {
			return ic.dispatchEnter(fc, tc, ctx)
		}
		ic.dispatchLeave(fc, tc, ctx)
		return trampoline.ActionResumeOriginal
	}
}

func (ic *Interceptor) dispatchEnter(fc *functionContext, tc *threadContext, ctx *invocation.Context) trampoline.Action {
	ignored := tc.ignored()
	if ignored {
		tc.pushFrame(fc, nil, nil)
		return trampoline.ActionResumeOriginal
	}

	// listeners is snapshotted once, here, and carried to the matching
	// on_leave through the pushed frame rather than re-read from
	// fc.listeners at leave time — an Attach/Detach racing with this
	// in-flight call must not change which listeners this call sees
	// partway through it (spec.md §8 scenario 6).
	listeners := fc.listeners
	depth := tc.pushFrame(fc, ctx, listeners)
	ctx.SetDepth(depth)

	tc.enterGuard()
	for _, le := range listeners {
		if le.enter == nil {
			continue
		}
		ctx.SetListenerFunctionData(le.data)
		ctx.SetListenerThreadData(tc.loadThreadData(fc, le.slot))
		le.enter.OnEnter(ctx)
		if buf := ctx.ListenerThreadDataRaw(); buf != nil {
			tc.storeThreadData(fc, le.slot, buf)
		}
	}
	tc.leaveGuard()

	if fc.replacement != 0 {
		return trampoline.ActionCallReplacement
	}
	return trampoline.ActionResumeOriginal
}

func (ic *Interceptor) dispatchLeave(fc *functionContext, tc *threadContext, ctx *invocation.Context) {
	frame := tc.popFrame()
	if frame.ctx == nil {
		// Either genuinely ignored throughout, or dispatchEnter decided
		// so at the time — see pushFrame's doc comment on why this
		// placeholder, not a live ignored() re-check, is authoritative.
		return
	}
	if buf := frame.ctx.ListenerInvocationDataRaw(); buf != nil {
		ctx.SetListenerInvocationData(buf)
	}

	tc.enterGuard()
	for i := len(frame.listeners) - 1; i >= 0; i-- {
		le := frame.listeners[i]
		if le.leave == nil {
			continue
		}
		ctx.SetListenerFunctionData(le.data)
		ctx.SetListenerThreadData(tc.loadThreadData(fc, le.slot))
		le.leave.OnLeave(ctx)
		if buf := ctx.ListenerThreadDataRaw(); buf != nil {
			tc.storeThreadData(fc, le.slot, buf)
		}
	}
	tc.leaveGuard()
}
