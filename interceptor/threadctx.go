package interceptor

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/kestrel-dbi/kestrel/invocation"
)

// ExecContext is the caller-held token Open Question #1 (DESIGN.md)
// resolves Go's missing thread-local storage with: instrumentation code
// that wants a dependable identity across goroutine hops (e.g. work
// handed to a pooled worker) obtains one with Interceptor.Bind and
// threads it through explicitly to IgnoreCurrentThread/CurrentInvocation
// instead of relying on the goroutine-keyed fallback every other call
// site uses implicitly.
type ExecContext struct {
	key uint64
}

// goroutineID recovers the running goroutine's id by parsing the header
// line runtime.Stack always produces ("goroutine 123 [running]:..."), a
// well-known substitute for the thread-local id Go deliberately does not
// expose. It is only ever used as threadRegistry's fallback key, never
// for anything load-bearing outside this package.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// threadContext is the per-thread state spec.md §5 calls "thread-local
// and lock-free": an ignore-thread depth, the invocation stack, and the
// reentrancy guard depth. It has its own mutex rather than relying on
// single-goroutine ownership because a token obtained from Bind may
// legitimately be shared across goroutines; the common case (bare
// goroutine-keyed lookup) pays for a lock it rarely contends.
type threadContext struct {
	mu          sync.Mutex
	ignoreDepth int32
	guardDepth  int32
	stack       invocationStack

	// slots is keyed by (functionContext, listener slot): a bare
	// *functionContext key would let two listeners attached to the same
	// function clobber each other's per-thread scratch block, since
	// allocListenerSlot's indices are only unique within one function.
	slots map[slotKey][]byte
}

func newThreadContext(maxDepth int) *threadContext {
	return &threadContext{slots: make(map[slotKey][]byte), stack: invocationStack{maxDepth: maxDepth}}
}

// ignored reports whether listener dispatch should be skipped on this
// thread right now — either because the caller explicitly called
// IgnoreCurrentThread, or because a listener's own on_enter/on_leave is,
// right now, itself calling back into a hooked function (spec.md §4.7's
// reentrancy guard).
func (tc *threadContext) ignored() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.ignoreDepth > 0 || tc.guardDepth > 0
}

func (tc *threadContext) enterGuard() {
	tc.mu.Lock()
	tc.guardDepth++
	tc.mu.Unlock()
}

func (tc *threadContext) leaveGuard() {
	tc.mu.Lock()
	tc.guardDepth--
	tc.mu.Unlock()
}

// loadThreadData returns the buffer previously stored for one listener's
// per-thread scratch block, or nil if none has been recorded yet.
func (tc *threadContext) loadThreadData(fc *functionContext, slot int) []byte {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.slots[slotKey{fc: fc, slot: slot}]
}

// storeThreadData remembers buf as a listener's per-thread scratch
// block, called once after a listener call leaves a non-nil buffer
// behind via invocation.Context.ListenerThreadDataRaw — first caller
// wins both the buffer and its size, matching
// invocation.Context.ListenerThreadData's documented contract.
func (tc *threadContext) storeThreadData(fc *functionContext, slot int, buf []byte) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if _, ok := tc.slots[slotKey{fc: fc, slot: slot}]; ok {
		return
	}
	tc.slots[slotKey{fc: fc, slot: slot}] = buf
}

// pushFrame records a new active invocation on this thread and returns
// the nesting depth it occupies (0 for the outermost call). ctx is nil
// for a call dispatchEnter decided to ignore — popFrame uses that to
// know the matching leave dispatch must skip its listener loop too,
// even if the thread's ignore state changed in between. listeners is
// the exact listener set dispatchEnter is about to iterate; popFrame
// hands it back unchanged so dispatchLeave never observes a listener
// attached or detached after this call's on_enter ran.
func (tc *threadContext) pushFrame(fc *functionContext, ctx *invocation.Context, listeners []*listenerEntry) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	depth := tc.stack.depth()
	tc.stack.push(fc, ctx, listeners)
	return depth
}

// popFrame removes and returns the most recently pushed frame.
func (tc *threadContext) popFrame() invocationFrame {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	f := tc.stack.topFrame()
	tc.stack.pop()
	return f
}

// threadRegistry maps a thread key to its threadContext, creating one on
// first use. A plain mutex-guarded map is enough: structural churn here
// is bounded by the number of distinct threads/tokens ever seen, not by
// call volume, unlike the hot invocation path it backs.
type threadRegistry struct {
	mu   sync.Mutex
	byID map[uint64]*threadContext

	// maxDepth is handed to every threadContext this registry creates —
	// see invocationStack.maxDepth.
	maxDepth int

	// active shadows goroutineID() with the mailbox-derived key a
	// dispatch is currently running under, for the duration of that
	// dispatch only — see threadRegistry.currentKey. This is what
	// lets a listener body call IgnoreCurrentThread/CurrentInvocation,
	// from the dispatcher goroutine actually running it, and land on
	// the very same threadContext dispatch itself is using, even though
	// the two have no OS thread id in common to agree on directly.
	active sync.Map // goroutineID() uint64 -> shadow key uint64
}

func newThreadRegistry(maxDepth int) *threadRegistry {
	return &threadRegistry{byID: make(map[uint64]*threadContext), maxDepth: maxDepth}
}

func (r *threadRegistry) get(key uint64) *threadContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.byID[key]
	if !ok {
		tc = newThreadContext(r.maxDepth)
		r.byID[key] = tc
	}
	return tc
}

// currentKey resolves the thread key in effect for whichever goroutine
// is calling right now: the shadow key pushed by pushShadow if one is
// active, else the bare goroutine id.
func (r *threadRegistry) currentKey() uint64 {
	gid := goroutineID()
	if v, ok := r.active.Load(gid); ok {
		return v.(uint64)
	}
	return gid
}

// pushShadow records that the calling goroutine is, for the duration of
// the returned pop function, acting as shadowKey — called once around
// each dispatch so nested Go-level calls into IgnoreCurrentThread/
// CurrentInvocation resolve consistently with the dispatch path.
func (r *threadRegistry) pushShadow(shadowKey uint64) (pop func()) {
	gid := goroutineID()
	r.active.Store(gid, shadowKey)
	return func() { r.active.Delete(gid) }
}
