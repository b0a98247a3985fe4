package trampoline

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
	"github.com/kestrel-dbi/kestrel/invocation"
)

// Phase says whether a dispatch is for a function's entry or its leave,
// mirroring spec.md §4.5's on_enter/on_leave split.
type Phase int

const (
	PhaseEnter Phase = iota
	PhaseLeave
)

// Action is what an entry stub should do once its on_enter dispatch
// completes. Leave-phase dispatches ignore the returned Action — the
// leave stub always resumes the real return address.
type Action int

const (
	ActionResumeOriginal Action = iota
	ActionCallReplacement
)

// Registration is how the interceptor plugs a hooked function's
// listener dispatch into the bridge described in doc.go: trampoline only
// ever moves raw register/stack bytes in and out of an
// invocation.Context and decides which label a stub resumes at, never
// which listeners run or in what order — that's the interceptor's job.
type Registration struct {
	Arch     string
	ABI      invocation.ABI
	Prologue codewriter.Prologue
	Writer   codewriter.Writer

	// Dispatch runs synchronously on a dispatcher goroutine for every
	// intercepted call. It must not block or panic: it holds up the
	// target thread, which is spinning in generated code until Dispatch
	// returns.
	Dispatch func(phase Phase, ctx *invocation.Context) Action
}

// Dispatcher is the pool of ordinary goroutines that notice mailboxes
// published by entry/leave stubs and run listener dispatch on the
// target thread's behalf — the Go side of the callback bridge. No
// generated code ever calls into the Go runtime directly; it only
// writes words to memory and spins, which this type's pollers watch for.
type Dispatcher struct {
	mu    sync.RWMutex
	funcs map[uintptr]*boundFunc

	nextID uint64
	stop   chan struct{}
	wg     sync.WaitGroup
	idle   time.Duration
}

type boundFunc struct {
	reg Registration
	// slot is written by a stub with the address of its freshly carved
	// mailbox and cleared by the dispatcher once that call's dispatch
	// finishes, forming the one discovery point pollers watch. Two
	// genuinely simultaneous entries into the *same* hooked function
	// from different cores can race on this plain (non-atomic, from the
	// stub's side) publish and lose one call's notification — a known
	// limitation of not having a hand-encoded atomic exchange available
	// to generated code; see doc.go and DESIGN.md.
	slot uintptr
}

// NewDispatcher starts workers poller goroutines, each scanning every
// registered function's discovery slot in a loop and sleeping idle
// between passes that found nothing ready.
func NewDispatcher(workers int, idle time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if idle <= 0 {
		idle = 200 * time.Microsecond
	}
	d := &Dispatcher{
		funcs: make(map[uintptr]*boundFunc),
		stop:  make(chan struct{}),
		idle:  idle,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.pollLoop()
	}
	return d
}

// Register wires reg in and returns the funcID a trampoline's generated
// stubs bake in as an immediate, plus the address of this function's
// discovery slot to bake in alongside it.
func (d *Dispatcher) Register(reg Registration) (funcID uintptr, slotAddr uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	bf := &boundFunc{reg: reg}
	id := uintptr(d.nextID)
	d.funcs[id] = bf
	return id, uintptr(unsafe.Pointer(&bf.slot))
}

// Unregister stops a function's dispatch from being polled, once the
// interceptor has reverted its hook and no call can still be spinning
// on it.
func (d *Dispatcher) Unregister(funcID uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.funcs, funcID)
}

// Close stops every poller goroutine and returns once they have all
// exited, so a dispatch a poller has already claimed runs to completion
// first; a mailbox published but not yet claimed is never served.
// Registered functions must already be unregistered (or their target
// reverted).
func (d *Dispatcher) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) pollLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		if !d.pollOnce() {
			time.Sleep(d.idle)
		}
	}
}

func (d *Dispatcher) pollOnce() bool {
	d.mu.RLock()
	snapshot := make([]*boundFunc, 0, len(d.funcs))
	for _, bf := range d.funcs {
		snapshot = append(snapshot, bf)
	}
	d.mu.RUnlock()

	found := false
	for _, bf := range snapshot {
		addr := atomic.LoadUintptr(&bf.slot)
		if addr == 0 {
			continue
		}
		mb := mailboxView(addr)
		if !atomic.CompareAndSwapUintptr(&mb.ready, mailboxReady, mailboxClaimed) {
			continue
		}
		found = true
		d.dispatch(bf, mb)
	}
	return found
}

const mailboxClaimed uintptr = 2

func (d *Dispatcher) dispatch(bf *boundFunc, mb *mailbox) {
	phase := Phase(mb.phase)
	cpu := loadCPU(bf.reg.Arch, bf.reg.Writer, bf.reg.Prologue, mb.cpuPtr)
	ctx := invocation.NewContext(bf.reg.ABI, bf.reg.Arch, cpu, invocation.PrologueKind(bf.reg.Prologue),
		mb.stackArgsBase, mb.returnAddr, callingThreadKey(mb), int(mb.depth))

	action := bf.reg.Dispatch(phase, ctx)

	storeCPU(bf.reg.Arch, bf.reg.Writer, bf.reg.Prologue, mb.cpuPtr, cpu)
	atomic.StoreUintptr(&mb.action, uintptr(action))
	// Free the discovery slot before signalling done: the stub itself
	// never reads through the slot (it already knows its own mailbox's
	// address), so clearing it early just lets a recursive call on the
	// same thread publish its own mailbox as soon as possible.
	atomic.StoreUintptr(&bf.slot, 0)
	atomic.StoreUintptr(&mb.done, mailboxDone)
}

// threadStackGranularity approximates the default pthread/OS-thread
// stack reservation (8MiB, the common Linux default). Generated code has
// no way to learn its own OS thread id without an inlined syscall this
// package never grew the encoding for (see mailbox.go's threadID field
// comment), so callingThreadKey substitutes a cheap proxy: a mailbox's
// address, masked down to this granularity, is stable across every
// recursive call the same native thread makes (its stack never moves and
// never spans a second thread's reservation), which is all
// invocation.Context.ThreadID's documented contract — "the same thread
// occurred on" — actually requires.
const threadStackGranularity = 8 << 20

func callingThreadKey(mb *mailbox) uint64 {
	return uint64(uintptr(unsafe.Pointer(mb)) &^ (threadStackGranularity - 1))
}
