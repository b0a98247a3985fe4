// Package kestrel is the External Interface Shim of spec.md §4.8: the
// stable surface client code imports, wiring together the Interceptor
// Core, Trampoline Backend, and Invocation Context packages behind the
// same attach/detach/replace/revert contract spec.md §4.6 and §6 name.
//
// A typical client never touches the interceptor, trampoline, or
// invocation packages directly:
//
//	k, err := kestrel.New()
//	if err != nil { ... }
//	defer k.Close()
//
//	code, err := k.Attach(target, &invocation.ListenerFuncs{
//		OnEnter: func(ctx *invocation.Context) { ... },
//	}, nil)
package kestrel

import (
	"github.com/kestrel-dbi/kestrel/interceptor"
	"github.com/kestrel-dbi/kestrel/invocation"
)

// StatusCode is spec.md §6's four-way attach/replace result, re-exported
// so callers never need to import interceptor directly.
type StatusCode = interceptor.StatusCode

const (
	AttachOK              = interceptor.AttachOK
	AttachWrongSignature  = interceptor.AttachWrongSignature
	AttachAlreadyAttached = interceptor.AttachAlreadyAttached
	AttachPolicyViolation = interceptor.AttachPolicyViolation

	ReplaceOK              = interceptor.ReplaceOK
	ReplaceWrongSignature  = interceptor.ReplaceWrongSignature
	ReplaceAlreadyReplaced = interceptor.ReplaceAlreadyReplaced
)

// StatusError is re-exported for callers using errors.As against a
// kestrel call's returned error.
type StatusError = interceptor.StatusError

var (
	ErrUnrelocatableTarget     = interceptor.ErrUnrelocatableTarget
	ErrAlreadyReplaced         = interceptor.ErrAlreadyReplaced
	ErrInvocationStackOverflow = interceptor.ErrInvocationStackOverflow
)

// Context, EnterListener, LeaveListener, ListenerFuncs, ABI, and the
// PrologueKind/CPUContext types are used directly from invocation by
// client code; kestrel re-exports only the type aliases a listener
// signature needs so a caller can write `func(ctx *kestrel.Context)`
// without an extra import.
type (
	Context       = invocation.Context
	EnterListener = invocation.EnterListener
	LeaveListener = invocation.LeaveListener
	ListenerFuncs = invocation.ListenerFuncs
	ABI           = invocation.ABI
)

// Kestrel is one instrumentation session: one architecture, one ABI, one
// Interceptor Core instance. Nothing about it is global — a process may
// run more than one, each with its own code allocator and dispatcher
// pool, though hooking the same target address from two instances is
// refused by AttachPolicyViolation (interceptor.resolveTarget).
type Kestrel struct {
	ic *interceptor.Interceptor
}

// New constructs a Kestrel for the host architecture (or whatever
// WithArch overrides it to) with the given options applied. Per spec.md
// §6's "Persisted state: None", every tunable here is a functional
// option passed at construction time rather than a config file.
func New(opts ...Option) (*Kestrel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	// interceptor.New already resolves the platform-default ABI for
	// whatever architecture it ends up with once Config.withDefaults
	// applies; only a non-default calling convention needs resolving
	// here, since it depends on the architecture this package must
	// already know to interpret it (e.g. "stdcall" only makes sense
	// paired with "386").
	var abi invocation.ABI
	if o.convention != "" {
		var err error
		abi, err = invocation.ABIFor(o.archOrHost(), o.convention)
		if err != nil {
			return nil, err
		}
	}

	ic, err := interceptor.New(interceptor.Config{
		Arch:               o.arch,
		ABI:                abi,
		Prologue:           o.prologue,
		MaxBranch:          o.maxBranch,
		SliceSize:          o.slabSize,
		Workers:            o.workers,
		PollIdle:           o.pollIdle,
		MaxInvocationDepth: o.maxInvocationDepth,
	})
	if err != nil {
		return nil, err
	}
	return &Kestrel{ic: ic}, nil
}

// Close stops the dispatcher pool and releases all allocator slabs. The
// caller must have already reverted every hook it installed.
func (k *Kestrel) Close() error { return k.ic.Close() }

// Attach implements spec.md §4.6's attach(target, listener, data):
// listener must implement EnterListener, LeaveListener, or be a
// *ListenerFuncs wrapping either/both as plain closures.
func (k *Kestrel) Attach(target uintptr, listener interface{}, data interface{}) (StatusCode, error) {
	return k.ic.Attach(target, listener, data)
}

// Detach implements spec.md §4.6's detach(listener): it undoes every
// Attach of listener across every target this Kestrel instance knows
// about.
func (k *Kestrel) Detach(listener interface{}) { k.ic.Detach(listener) }

// Replace implements spec.md §4.6's replace(target, replacement, data).
func (k *Kestrel) Replace(target, replacement uintptr, data interface{}) (StatusCode, error) {
	return k.ic.Replace(target, replacement, data)
}

// Revert implements spec.md §4.6's revert(target).
func (k *Kestrel) Revert(target uintptr) { k.ic.Revert(target) }

// BeginTransaction/EndTransaction implement spec.md §4.6's nesting
// counter: structural changes made between a Begin and its matching End
// are batched into a single commit (one set of redirect writes, one
// allocator slab reprotect cycle) rather than one per call.
func (k *Kestrel) BeginTransaction() { k.ic.BeginTransaction() }
func (k *Kestrel) EndTransaction()   { k.ic.EndTransaction() }

// IgnoreCurrentThread/UnignoreCurrentThread implement spec.md §5's
// ignore-thread semantics, scoped to the calling goroutine unless an
// ExecContext obtained from Bind is supplied.
func (k *Kestrel) IgnoreCurrentThread(execCtx ...*ExecContext) {
	k.ic.IgnoreCurrentThread(execCtx...)
}

func (k *Kestrel) UnignoreCurrentThread(execCtx ...*ExecContext) {
	k.ic.UnignoreCurrentThread(execCtx...)
}

// CurrentInvocation implements spec.md §4.6's current_invocation().
func (k *Kestrel) CurrentInvocation(execCtx ...*ExecContext) *Context {
	return k.ic.CurrentInvocation(execCtx...)
}

// ExecContext is the token returned by Bind, to be threaded explicitly
// through goroutine hops that must keep a stable thread identity — see
// DESIGN.md's Open Question #1.
type ExecContext = interceptor.ExecContext

// Bind returns a token instrumentation code can carry across goroutine
// boundaries (e.g. into a worker pool) so IgnoreCurrentThread/
// CurrentInvocation resolve the same way wherever it travels. Not
// needed for ordinary bare calls, which already resolve correctly off
// the calling goroutine's identity.
func (k *Kestrel) Bind() *ExecContext { return k.ic.Bind() }
