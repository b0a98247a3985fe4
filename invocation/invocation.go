// Package invocation implements the Invocation Context of spec.md §4.7:
// the per-call handle a listener's on_enter/on_leave receives, giving it
// ABI-aware access to arguments, the return value, and the raw register
// snapshot the Trampoline Backend captured.
//
// Context itself is architecture-neutral; the register snapshot it wraps
// (CPUContext) and the lookup rules for turning a logical argument index
// into a register or stack slot (ABI) are both supplied by the caller —
// trampoline knows, for the hook it just built, which concrete arch and
// calling convention apply, the same way internal/reloc and
// internal/codewriter are handed an arch string rather than picking one
// via a build tag.
package invocation

import "unsafe"

// PrologueKind records whether the trampoline captured the full register
// file (every GPR, so a listener may rewrite any of them) or only the
// argument-carrying subset (faster, but CPUContext access to callee-saved
// registers is meaningless and CPUContext returns nil).
type PrologueKind int

const (
	PrologueMinimal PrologueKind = iota
	PrologueFull
)

// Context is the handle passed to EnterListener.OnEnter and
// LeaveListener.OnLeave. It is not safe for use after the listener call
// that received it returns — the backing CPUContext lives on the target
// thread's trampoline stack frame and is gone once that frame unwinds.
type Context struct {
	abi      ABI
	arch     string
	cpu      interface{}
	prologue PrologueKind

	stackArgsBase uintptr
	returnAddr    uintptr
	threadID      uint64
	depth         int
	sysErr        int

	argOverride map[int]uintptr
	retReplaced bool
	retOverride uintptr

	fnData     interface{}
	invData    []byte
	threadData []byte
}

// NewContext is called by the interceptor package once per invocation,
// with the register snapshot and stack-argument base the trampoline's
// entry stub captured for this call.
func NewContext(abi ABI, arch string, cpu interface{}, prologue PrologueKind, stackArgsBase, returnAddr uintptr, threadID uint64, depth int) *Context {
	return &Context{
		abi:           abi,
		arch:          arch,
		cpu:           cpu,
		prologue:      prologue,
		stackArgsBase: stackArgsBase,
		returnAddr:    returnAddr,
		threadID:      threadID,
		depth:         depth,
	}
}

// Arch reports the architecture of the hooked function, one of the
// strings internal/codewriter.New and internal/reloc.Relocate accept.
func (c *Context) Arch() string { return c.arch }

// CPUContext returns the raw register snapshot, or nil if the hook was
// attached with a minimal prologue. Callers must type-assert to the
// concrete struct matching Arch() (*AMD64CPUContext, *X86CPUContext,
// *ARM64CPUContext, or *ARMCPUContext).
func (c *Context) CPUContext() interface{} {
	if c.prologue != PrologueFull {
		return nil
	}
	return c.cpu
}

// Prologue reports which register set the trampoline preserved.
func (c *Context) Prologue() PrologueKind { return c.prologue }

// NthArgument returns the value of the function's nth argument (0-based),
// valid only during OnEnter — by OnLeave the callee may have clobbered
// the argument registers. Overrides made via ReplaceNthArgument are
// reflected immediately.
func (c *Context) NthArgument(n int) uintptr {
	if v, ok := c.argOverride[n]; ok {
		return v
	}
	return c.abi.Argument(c.cpu, c.stackArgsBase, n)
}

// ReplaceNthArgument rewrites the function's nth argument in place, so
// the callee observes the new value. Valid only during OnEnter.
func (c *Context) ReplaceNthArgument(n int, v uintptr) {
	c.abi.SetArgument(c.cpu, c.stackArgsBase, n, v)
	if c.argOverride == nil {
		c.argOverride = make(map[int]uintptr, 1)
	}
	c.argOverride[n] = v
}

// ReturnValue returns the function's return value, valid only during
// OnLeave (or after ReplaceReturnValue, which this reflects immediately).
func (c *Context) ReturnValue() uintptr {
	if c.retReplaced {
		return c.retOverride
	}
	return c.abi.ReturnValue(c.cpu)
}

// ReplaceReturnValue rewrites the return value the caller of the hooked
// function will observe. Valid only during OnLeave.
func (c *Context) ReplaceReturnValue(v uintptr) {
	c.abi.SetReturnValue(c.cpu, v)
	c.retReplaced = true
	c.retOverride = v
}

// ReturnAddress is the address execution resumes at in the hooked
// function's caller.
func (c *Context) ReturnAddress() uintptr { return c.returnAddr }

// ThreadID identifies the thread the call occurred on — see
// interceptor's threadContext for how this is derived, since Go has no
// public OS-thread-id API.
func (c *Context) ThreadID() uint64 { return c.threadID }

// Depth is the nesting level of this invocation among all currently
// active hooked calls on the same thread (0 for a non-reentrant call).
func (c *Context) Depth() int { return c.depth }

// SetDepth is called by the interceptor once it has looked up this
// call's real nesting level in its per-thread invocation stack —
// trampoline's bridge has no thread-local bookkeeping of its own and
// always constructs a Context with depth 0, the same way
// SetSystemErrorSnapshot exists because the bridge, not the listener,
// owns that assignment. Not meant for listener use.
func (c *Context) SetDepth(d int) { c.depth = d }

// SystemError returns the last platform error code (errno/GetLastError)
// as observed at the point the hook intercepted the call.
func (c *Context) SystemError() int { return c.sysErr }

// SetSystemError overrides the platform error code the caller will
// observe once the hooked function returns.
func (c *Context) SetSystemError(errno int) { c.sysErr = errno }

// SetSystemErrorSnapshot is called by the interceptor/trampoline layer to
// record the errno the trampoline captured on entry, before any listener
// runs; it is not meant for listener use.
func (c *Context) SetSystemErrorSnapshot(errno int) { c.sysErr = errno }

// ListenerFunctionData returns the per-listener, per-hooked-function data
// slot a listener reserved via interceptor's attach options — shared by
// every invocation of this function through this listener, and the place
// to keep state that must survive across separate calls (a call counter,
// a cached decision). Returns nil if the listener reserved no such slot.
func (c *Context) ListenerFunctionData() interface{} { return c.fnData }

// SetListenerFunctionData is called by the interceptor to wire a
// listener's function-scoped slot into this Context before invoking it.
func (c *Context) SetListenerFunctionData(v interface{}) { c.fnData = v }

// ListenerInvocationData returns a byte buffer private to this single
// on_enter/on_leave pair, lazily sized on first use — the place to stash
// state computed in OnEnter that OnLeave needs (e.g. an argument that's
// about to be clobbered). The size given on the first call in a given
// invocation wins; later calls with a different size still get the
// original buffer.
func (c *Context) ListenerInvocationData(size int) []byte {
	if c.invData == nil {
		c.invData = make([]byte, size)
	}
	return c.invData
}

// ListenerInvocationDataRaw returns the current scratch buffer without
// lazily allocating one — nil until OnEnter has called
// ListenerInvocationData at least once.
func (c *Context) ListenerInvocationDataRaw() []byte { return c.invData }

// SetListenerInvocationData is called by the interceptor to carry an
// invocation's scratch buffer across the on_enter/on_leave boundary: the
// trampoline bridge builds a distinct Context per phase (its captured
// CPU snapshot differs between entry and leave), so without this,
// on_leave could never see what on_enter stashed via
// ListenerInvocationData. Not meant for listener use.
func (c *Context) SetListenerInvocationData(buf []byte) { c.invData = buf }

// ListenerThreadData returns a byte buffer scoped to the calling thread,
// shared across every invocation this listener sees on that thread —
// lazily sized the same way ListenerInvocationData is. The interceptor
// supplies the actual backing slice (keyed by thread in threadContext);
// this setter wires it in before a listener call.
func (c *Context) SetListenerThreadData(buf []byte) { c.threadData = buf }

func (c *Context) ListenerThreadData(size int) []byte {
	if c.threadData == nil {
		c.threadData = make([]byte, size)
	}
	return c.threadData
}

// ListenerThreadDataRaw returns the current thread-scoped buffer without
// lazily allocating one, or nil — the interceptor uses this after a
// listener call to learn whether a buffer now exists that should be
// remembered for that listener's next invocation on this thread.
func (c *Context) ListenerThreadDataRaw() []byte { return c.threadData }

// stackWord reads a pointer-sized value at byte offset off from base —
// the mechanism every ABI implementation uses to reach stack-passed
// arguments, which by construction live outside any Go-tracked allocation
// (they're on the hooked function's own native stack frame). The word
// size is the host's native uintptr width, which is correct because
// kestrel only ever hooks functions in its own process: the "386"/"arm"
// ABIs below are exercised from a 386/arm build, never cross-arch, same
// as the rest of the interceptor. internal/codewriter and internal/reloc
// accept an explicit arch string instead of reading runtime.GOARCH
// purely so their per-arch backends stay unit-testable from any host;
// invocation's unsafe stack access can't offer that same luxury.

func stackWord(base uintptr, off int) uintptr {
	return *(*uintptr)(unsafe.Pointer(base + uintptr(off)*unsafe.Sizeof(uintptr(0))))
}

func setStackWord(base uintptr, off int, v uintptr) {
	*(*uintptr)(unsafe.Pointer(base + uintptr(off)*unsafe.Sizeof(uintptr(0)))) = v
}

// EnterListener is implemented by listeners that want to observe or
// modify a hooked function's arguments before it runs.
type EnterListener interface {
	OnEnter(ctx *Context)
}

// LeaveListener is implemented by listeners that want to observe or
// modify a hooked function's return value after it runs.
type LeaveListener interface {
	OnLeave(ctx *Context)
}

// ListenerFuncs adapts a pair of plain closures into a listener without
// requiring a named type — the interceptor recognizes *ListenerFuncs
// specially (it deliberately doesn't implement EnterListener/LeaveListener
// itself, since a method and a field can't share a name) and calls
// whichever of OnEnter/OnLeave is non-nil.
type ListenerFuncs struct {
	OnEnter func(ctx *Context)
	OnLeave func(ctx *Context)
}
