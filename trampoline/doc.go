// Package trampoline implements the Trampoline Backend of spec.md §4.5:
// the entry/leave stubs that redirect a hooked function through kestrel's
// listener dispatch and back.
//
// # The callback bridge
//
// A trampoline's entry/leave stubs are raw machine code running on
// whatever thread called the hooked function — a thread the Go runtime
// has never seen, with no g and no m. They cannot call compiled Go code
// directly: Go's calling convention expects a live goroutine, and a
// foreign OS thread invoking a Go function is exactly the situation
// runtime.cgocallback exists to paper over for cgo, which isn't
// available to code this package hand-assembles.
//
// Instead, an entry stub publishes a mailbox (mailbox.go) and polls for a
// reply, and a small fixed pool of ordinary, already-running goroutines
// (dispatcher.go) scan for published mailboxes and perform the actual
// listener dispatch in normal Go. No raw-generated instruction ever calls
// into the Go runtime; all it does is store words to memory, fence, and
// spin on a flag — work expressible entirely with internal/codewriter's
// existing primitives.
//
// The mailbox itself is carved out of the calling thread's own stack (a
// Sub on the stack pointer, not a separate allocation), which sidesteps
// needing any cross-thread slot-assignment scheme: two different threads
// necessarily have disjoint stacks, and a thread recursing into the same
// hooked function pushes a fresh mailbox deeper on its own stack each
// time, giving nested calls independent slots for free. The entry and
// leave stubs for one call agree on where that mailbox lives because a
// callee's own prologue/epilogue is stack-pointer neutral: the stack
// pointer value the entry stub observes right before SavePrologue is bit
// for bit the same value the matching leave stub observes right before
// its own SavePrologue, since nothing the callee did in between can have
// left the stack unbalanced. The leave stub's address is what entry
// writes over the hooked function's real return address, so the
// function's own ret instruction delivers control there instead of to
// its real caller; the real return address rides along inside the
// mailbox for the leave stub to resume to once listener dispatch is
// done.
//
// A known limitation: the dispatcher pool polls every live mailbox in a
// tight loop with a short backoff, trading dispatch latency for not
// needing any OS-level wakeup primitive reachable from hand-assembled
// code. A production system would want the entry stub to have some way
// to wake a parked poller (a futex/semaphore syscall emitted inline), a
// refinement this implementation does not make — see DESIGN.md.
package trampoline
