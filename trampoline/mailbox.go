package trampoline

import "unsafe"

// phase and action are the small integer vocabulary the generated stub
// and the dispatcher goroutine agree on through the mailbox, in place of
// a richer message type neither side can marshal without a Go call.
const (
	phaseEnter uintptr = 0
	phaseLeave uintptr = 1
)

const (
	// actionResumeOriginal tells the entry stub to fall through to the
	// relocated original prologue (no listener replaced the call).
	actionResumeOriginal uintptr = 0
	// actionCallReplacement tells the entry stub to jump to the
	// replacement function installed via Interceptor.Replace instead.
	actionCallReplacement uintptr = 1
)

const (
	mailboxUnready uintptr = 0
	mailboxReady   uintptr = 1
	mailboxDone    uintptr = 1
)

// mailbox is the handoff record an entry/leave stub carves out of its
// own thread's stack (see doc.go). Every field is a single uintptr —
// one native machine word — because internal/codewriter's MovMemReg
// always stores a full register's width (8 bytes on amd64/arm64, 4 on
// A32) and uintptr is exactly that width on each of those builds too;
// using a narrower Go type here would let a store clobber a neighboring
// field on amd64/arm64 or leave garbage in one on a 32-bit build. The
// Go-side layout exists only so Build can compute field byte offsets
// with unsafe.Offsetof instead of hand-maintaining a second copy of
// this struct's shape; no generated code ever sees this type, only the
// offsets and the raw bytes at them.
type mailbox struct {
	ready         uintptr
	done          uintptr
	phase         uintptr
	action        uintptr
	funcID        uintptr
	cpuPtr        uintptr
	stackArgsBase uintptr
	returnAddr    uintptr
	// threadID is reserved but never written by generated code: no stub
	// emits the syscall a real OS thread id would require, so
	// dispatcher.go derives invocation.Context's thread key from the
	// mailbox's own stack address instead (see callingThreadKey). Kept
	// here, offset computed like every other field, so a future syscall-
	// based stub has a slot to write into without reshaping this struct.
	threadID uintptr
	depth    uintptr
}

// mailboxOffsets names the byte offset of every field the generated
// stub reads or writes, computed once from the Go struct definition
// above so the two never drift apart.
var mailboxOffsets = struct {
	ready, done, phase, action    int32
	funcID, cpuPtr, stackArgsBase int32
	returnAddr, threadID, depth   int32
}{
	ready:         int32(unsafe.Offsetof(mailbox{}.ready)),
	done:          int32(unsafe.Offsetof(mailbox{}.done)),
	phase:         int32(unsafe.Offsetof(mailbox{}.phase)),
	action:        int32(unsafe.Offsetof(mailbox{}.action)),
	funcID:        int32(unsafe.Offsetof(mailbox{}.funcID)),
	cpuPtr:        int32(unsafe.Offsetof(mailbox{}.cpuPtr)),
	stackArgsBase: int32(unsafe.Offsetof(mailbox{}.stackArgsBase)),
	returnAddr:    int32(unsafe.Offsetof(mailbox{}.returnAddr)),
	threadID:      int32(unsafe.Offsetof(mailbox{}.threadID)),
	depth:         int32(unsafe.Offsetof(mailbox{}.depth)),
}

// mailboxSize is the stack space an entry/leave stub reserves for its
// mailbox, rounded up to 16 bytes so carving it out of the stack never
// violates AAPCS64's 16-byte stack alignment requirement at a public
// interface boundary.
var mailboxSize = int32((unsafe.Sizeof(mailbox{}) + 15) &^ 15)

// mailboxView overlays a *mailbox onto the raw stack memory a stub
// carved out at addr, for the dispatcher goroutine's own bookkeeping
// (funcID/phase/returnAddr lookups, and flipping ready/done). It must
// never be retained past the call that produced it: the memory is live
// only while the target thread is spinning in the stub.
func mailboxView(addr uintptr) *mailbox {
	return (*mailbox)(unsafe.Pointer(addr))
}
