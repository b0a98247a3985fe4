package interceptor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrel-dbi/kestrel/internal/codeslab"
	"github.com/kestrel-dbi/kestrel/internal/codewriter"
	"github.com/kestrel-dbi/kestrel/invocation"
	"github.com/kestrel-dbi/kestrel/trampoline"
)

var log = logrus.WithField("component", "interceptor")

// probeCodeLen bounds how many bytes Attach/Replace read from a target
// before handing them to trampoline.Build — generous enough that
// reloc.CanRelocate always finds a relocation boundary for any
// redirect-branch width this module emits.
const probeCodeLen = 64

// Config collects the tunables spec.md §6's "Persisted state: None"
// turns into functional-option-style construction parameters instead of
// compile-time constants (SPEC_FULL.md §4.9) — kestrel.Option values
// translate into one of these before calling New.
type Config struct {
	Arch      string
	ABI       invocation.ABI
	Prologue  codewriter.Prologue
	MaxBranch int64
	SliceSize uint32
	Workers   int
	PollIdle  time.Duration

	// MaxInvocationDepth overrides maxInvocationDepth (invocationstack.go)
	// when non-zero.
	MaxInvocationDepth int
}

func (c Config) withDefaults() Config {
	if c.Arch == "" {
		c.Arch = runtime.GOARCH
	}
	if c.SliceSize == 0 {
		c.SliceSize = 256
	}
	if c.Workers == 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.PollIdle == 0 {
		c.PollIdle = 200 * time.Microsecond
	}
	if c.MaxBranch == 0 {
		c.MaxBranch = -1
	}
	return c
}

// trampGeneration is one built trampoline for a functionContext, paired
// with the in-use counter scoped to exactly that build — spec.md §3's
// invariant I2 ("trampoline_in_use > 0 forbids destruction") applied per
// generation rather than per function, so rebuilding a trampoline (a
// first Replace on a function already attached, see Replace and rebuild)
// can retire the old generation independently of calls still in flight
// through it when the swap happens.
type trampGeneration struct {
	tramp  *trampoline.Trampoline
	inUse  int32
}

// Interceptor is the Interceptor Core of spec.md §4.6: the structural
// map of hooked functions, the transaction nesting counter and its
// deferred-write/deferred-destroy queues, and the per-thread registry
// backing spec.md §5's ignore-thread and reentrancy semantics.
type Interceptor struct {
	mu sync.Mutex

	cfg  Config
	arch string
	abi  invocation.ABI

	alloc   *codeslab.Allocator
	disp    *trampoline.Dispatcher
	threads *threadRegistry

	funcs map[uintptr]*functionContext

	txnLevel       int32
	pendingWrite   []*functionContext
	pendingDestroy []*retiredGeneration
}

type retiredGeneration struct {
	fc  *functionContext
	gen *trampGeneration
}

// New constructs an Interceptor for one architecture/ABI, starting its
// dispatcher pool immediately — spec.md §5: "the core itself does not
// spawn threads [beyond] whichever thread hits a hooked function", which
// here means the dispatcher pool's goroutines, not native threads.
func New(cfg Config) (*Interceptor, error) {
	cfg = cfg.withDefaults()
	abi := cfg.ABI
	if abi == nil {
		var err error
		abi, err = invocation.ABIFor(cfg.Arch, "")
		if err != nil {
			return nil, err
		}
	}
	ic := &Interceptor{
		cfg:     cfg,
		arch:    cfg.Arch,
		abi:     abi,
		alloc:   codeslab.NewAllocator(cfg.SliceSize),
		disp:    trampoline.NewDispatcher(cfg.Workers, cfg.PollIdle),
		threads: newThreadRegistry(cfg.MaxInvocationDepth),
		funcs:   make(map[uintptr]*functionContext),
	}
	return ic, nil
}

// Close stops the dispatcher pool and releases all allocator slabs. The
// caller must have already reverted every hook — Close does not do that
// for them, and once the dispatcher has stopped no newly published
// mailbox is served.
func (ic *Interceptor) Close() error {
	ic.disp.Close()
	return ic.alloc.Close()
}

// Bind returns a token instrumentation code can thread explicitly
// through goroutine hops so IgnoreCurrentThread/CurrentInvocation still
// resolve to the same per-thread state — see ExecContext and Open
// Question #1 (DESIGN.md). Everyday call sites never need this: bare
// IgnoreCurrentThread()/CurrentInvocation() calls already resolve
// correctly via the calling goroutine's id.
func (ic *Interceptor) Bind() *ExecContext {
	return &ExecContext{key: goroutineID()}
}

// Attach implements spec.md §4.6's attach(target, listener, data).
func (ic *Interceptor) Attach(target uintptr, listener interface{}, data interface{}) (StatusCode, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	fc, code, err := ic.ensureFunctionContext(target)
	if err != nil {
		return code, err
	}
	for _, le := range fc.listeners {
		if le.listener == listener {
			return newStatusError(AttachAlreadyAttached, fmt.Errorf("listener already attached to %#x", target))
		}
	}

	slot := fc.allocListenerSlot()
	fc.listeners = append(fc.listeners, newListenerEntry(listener, data, slot))
	ic.scheduleWrite(fc)
	return AttachOK, nil
}

// Detach implements spec.md §4.6's detach(listener): it removes every
// listener entry equal to listener across every hooked function, since
// the original's capability-object model lets one listener attach to
// many targets and a single detach call must undo all of them.
func (ic *Interceptor) Detach(listener interface{}) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	for target, fc := range ic.funcs {
		kept := fc.listeners[:0]
		for _, le := range fc.listeners {
			if le.listener == listener {
				fc.freeListenerSlot(le.slot)
				continue
			}
			kept = append(kept, le)
		}
		fc.listeners = kept
		if !fc.hasWork() {
			ic.scheduleDestroy(target, fc)
		}
	}
	ic.maybeCommit()
}

// Replace implements spec.md §4.6's replace(target, replacement, data).
func (ic *Interceptor) Replace(target, replacement uintptr, data interface{}) (StatusCode, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	fc, code, err := ic.ensureFunctionContext(target)
	if err != nil {
		if code == AttachWrongSignature {
			code = ReplaceWrongSignature
		}
		return code, err
	}
	if fc.replacement != 0 && fc.replacement != replacement {
		return newStatusError(ReplaceAlreadyReplaced, ErrAlreadyReplaced)
	}
	if fc.replacement == replacement && replacement != 0 {
		return ReplaceOK, nil
	}

	// If target had no prior Attach/Replace, ensureFunctionContext just
	// built a throwaway generation with no replacement baked in — rebuild
	// unconditionally replaces it with one that does, at the cost of one
	// discarded codeslab.Slice the next commit reclaims. Simpler than
	// special-casing "first caller is Replace" in ensureFunctionContext.
	if replacement != fc.bakedReplacement {
		if err := ic.rebuild(fc, replacement); err != nil {
			return newStatusError(ReplaceWrongSignature, fmt.Errorf("%w: %v", ErrUnrelocatableTarget, err))
		}
	}
	fc.replacement = replacement
	fc.replaceData = data
	ic.scheduleWrite(fc)
	return ReplaceOK, nil
}

// Revert implements spec.md §4.6's revert(target): clears any installed
// replacement. It never rebuilds the trampoline — the baked replacement
// address is simply never selected again until a future Replace reuses
// or changes it (see Replace/rebuild's trampGeneration reuse
// rationale).
func (ic *Interceptor) Revert(target uintptr) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	fc, ok := ic.funcs[target]
	if !ok || fc.replacement == 0 {
		return
	}
	fc.replacement = 0
	fc.replaceData = nil
	if !fc.hasWork() {
		ic.scheduleDestroy(target, fc)
	}
	ic.maybeCommit()
}

// BeginTransaction/EndTransaction implement spec.md §4.6's nesting
// counter: commit happens only once the outermost End runs.
func (ic *Interceptor) BeginTransaction() {
	ic.mu.Lock()
	ic.txnLevel++
	ic.mu.Unlock()
}

func (ic *Interceptor) EndTransaction() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.txnLevel > 0 {
		ic.txnLevel--
	}
	ic.maybeCommit()
}

// IgnoreCurrentThread/UnignoreCurrentThread implement spec.md §5's
// ignore-thread semantics for the calling goroutine (or, if execCtx is
// supplied, the thread identity it was bound to).
func (ic *Interceptor) IgnoreCurrentThread(execCtx ...*ExecContext) {
	ic.threadFor(execCtx).bump(1)
}

func (ic *Interceptor) UnignoreCurrentThread(execCtx ...*ExecContext) {
	ic.threadFor(execCtx).bump(-1)
}

func (tc *threadContext) bump(delta int32) {
	tc.mu.Lock()
	tc.ignoreDepth += delta
	if tc.ignoreDepth < 0 {
		tc.ignoreDepth = 0
	}
	tc.mu.Unlock()
}

// CurrentInvocation implements spec.md §4.6's current_invocation(): the
// topmost active Context on the calling thread, or nil.
func (ic *Interceptor) CurrentInvocation(execCtx ...*ExecContext) *invocation.Context {
	tc := ic.threadFor(execCtx)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.stack.top()
}

func (ic *Interceptor) threadFor(execCtx []*ExecContext) *threadContext {
	if len(execCtx) > 0 && execCtx[0] != nil {
		return ic.threads.get(execCtx[0].key)
	}
	return ic.threads.get(ic.threads.currentKey())
}

// ensureFunctionContext resolves target to its functionContext, building
// one (and its first trampoline generation) if none exists yet. Caller
// holds ic.mu.
func (ic *Interceptor) ensureFunctionContext(target uintptr) (*functionContext, StatusCode, error) {
	existing, foreign := ic.resolveTarget(target)
	if foreign {
		code, err := newStatusError(AttachPolicyViolation, fmt.Errorf("%#x already carries a foreign redirect", target))
		return nil, code, err
	}
	if existing != nil {
		return existing, AttachOK, nil
	}

	fc := &functionContext{target: target}
	gen, err := ic.buildGeneration(fc, 0)
	if err != nil {
		code, err := newStatusError(AttachWrongSignature, fmt.Errorf("%w: %v", ErrUnrelocatableTarget, err))
		return nil, code, err
	}
	fc.gen = gen
	fc.bakedReplacement = 0
	fc.original = readTargetCode(target, gen.tramp.Displaced)
	ic.funcs[target] = fc
	return fc, AttachOK, nil
}

// buildGeneration runs trampoline.Build for fc with the given baked
// replacement address, wiring a dispatch closure scoped to the
// generation it returns (see trampGeneration's doc comment for why).
func (ic *Interceptor) buildGeneration(fc *functionContext, replacement uintptr) (*trampGeneration, error) {
	gen := &trampGeneration{}
	code := readTargetCode(fc.target, probeCodeLen)
	tramp, err := trampoline.Build(trampoline.BuildParams{
		Arch:      ic.arch,
		Prologue:  ic.cfg.Prologue,
		Allocator: ic.alloc,
		Dispatcher: ic.disp,
		Registration: trampoline.Registration{
			ABI:      ic.abi,
			Dispatch: ic.makeDispatch(fc, gen),
		},
		TargetAddr:  fc.target,
		TargetCode:  code,
		MaxBranch:   ic.cfg.MaxBranch,
		Replacement: replacement,
	})
	if err != nil {
		return nil, err
	}
	gen.tramp = tramp
	return gen, nil
}

// rebuild swaps fc onto a freshly built generation carrying the given
// baked replacement address, retiring the old generation for
// destruction once its in-use counter drains. Caller holds ic.mu.
func (ic *Interceptor) rebuild(fc *functionContext, replacement uintptr) error {
	newGen, err := ic.buildGeneration(fc, replacement)
	if err != nil {
		return err
	}
	old := fc.gen
	fc.gen = newGen
	fc.bakedReplacement = replacement
	ic.pendingDestroy = append(ic.pendingDestroy, &retiredGeneration{fc: fc, gen: old})
	return nil
}

func (ic *Interceptor) scheduleWrite(fc *functionContext) {
	ic.pendingWrite = append(ic.pendingWrite, fc)
	ic.maybeCommit()
}

func (ic *Interceptor) scheduleDestroy(target uintptr, fc *functionContext) {
	delete(ic.funcs, target)
	ic.pendingWrite = append(ic.pendingWrite, fc) // restore original bytes
	ic.pendingDestroy = append(ic.pendingDestroy, &retiredGeneration{fc: fc, gen: fc.gen})
	fc.deactivated = true
}

func (ic *Interceptor) maybeCommit() {
	if ic.txnLevel > 0 {
		return
	}
	if err := ic.commit(); err != nil {
		log.WithError(err).Error("transaction commit failed")
	}
}

func inUse(gen *trampGeneration) bool { return atomic.LoadInt32(&gen.inUse) > 0 }

func spinUntilDrained(gen *trampGeneration) {
	for inUse(gen) {
		runtime.Gosched()
	}
}
