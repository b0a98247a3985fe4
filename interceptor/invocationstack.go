package interceptor

import "github.com/kestrel-dbi/kestrel/invocation"

// maxInvocationDepth bounds how deep one thread's hooked-call nesting
// may grow before Interceptor treats it as runaway recursion rather than
// legitimate reentry — spec.md §9's decided Open Question #2 (DESIGN.md):
// grow a Go slice instead of a fixed C array, but still cap it, since an
// unbounded invocation stack is itself a resource leak a misbehaving
// listener could trigger.
const maxInvocationDepth = 100000

// invocationFrame is one active hooked call on a thread's stack: the
// function it entered, the Context a listener is (or was) handed for it
// (kept around so a nested on_leave can still find its own OnEnter's
// Context if a listener wants to correlate through
// ListenerInvocationData rather than this frame directly), and the
// listener set dispatchEnter actually iterated. listeners is a snapshot,
// not a live reference to functionContext.listeners: an Attach racing
// with an in-flight call must not let on_leave see a listener on_enter
// never ran for that same call, so on_leave iterates this frame's
// listeners rather than re-reading the function's current set.
type invocationFrame struct {
	fc        *functionContext
	ctx       *invocation.Context
	listeners []*listenerEntry
}

// invocationStack is the per-thread stack of currently active hooked
// calls spec.md §3 names, realized as a growable slice per Open Question
// #2 rather than a fixed-size array.
type invocationStack struct {
	frames []invocationFrame

	// maxDepth overrides maxInvocationDepth when non-zero — set from
	// Config.MaxInvocationDepth (kestrel.WithInvocationStackCap) so a
	// caller that expects deeper legitimate recursion than the default
	// can raise the cap without touching this package.
	maxDepth int
}

func (s *invocationStack) push(fc *functionContext, ctx *invocation.Context, listeners []*listenerEntry) {
	limit := maxInvocationDepth
	if s.maxDepth > 0 {
		limit = s.maxDepth
	}
	if len(s.frames) >= limit {
		panic(ErrInvocationStackOverflow)
	}
	s.frames = append(s.frames, invocationFrame{fc: fc, ctx: ctx, listeners: listeners})
}

func (s *invocationStack) pop() {
	if len(s.frames) == 0 {
		return
	}
	s.frames = s.frames[:len(s.frames)-1]
}

func (s *invocationStack) depth() int { return len(s.frames) }

func (s *invocationStack) top() *invocation.Context {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1].ctx
}

// topFrame returns the full top frame, including the zero value if the
// stack is empty — used by popFrame, which needs to know whether the
// frame it is removing was a real dispatch or an ignored-thread
// placeholder (ctx == nil; see dispatchEnter).
func (s *invocationStack) topFrame() invocationFrame {
	if len(s.frames) == 0 {
		return invocationFrame{}
	}
	return s.frames[len(s.frames)-1]
}
