package trampoline

import (
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
	"github.com/kestrel-dbi/kestrel/invocation"
)

func newTestDispatch(t *testing.T) (*Dispatcher, uintptr, uintptr, *int32) {
	t.Helper()
	d := NewDispatcher(2, time.Millisecond)
	t.Cleanup(d.Close)

	abi, err := invocation.ABIFor("amd64", "")
	require.NoError(t, err)
	w, err := codewriter.New("amd64")
	require.NoError(t, err)

	var seenPhase int32 = -1
	funcID, slotAddr := d.Register(Registration{
		Arch:     "amd64",
		ABI:      abi,
		Prologue: codewriter.PrologueMinimal,
		Writer:   w,
		Dispatch: func(phase Phase, ctx *invocation.Context) Action {
			atomic.StoreInt32(&seenPhase, int32(phase))
			return ActionResumeOriginal
		},
	})
	return d, funcID, slotAddr, &seenPhase
}

// fakeCPUBuf allocates a buffer shaped like what SavePrologue(PrologueMinimal)
// would leave on amd64: 9 saved registers plus one flags word.
func fakeCPUBuf() []byte {
	return make([]byte, 10*8)
}

func publishFakeMailbox(slotAddr uintptr, phase uintptr) *mailbox {
	cpu := fakeCPUBuf()
	mbBuf := make([]byte, mailboxSize)
	mb := mailboxView(uintptr(unsafe.Pointer(&mbBuf[0])))
	mb.phase = phase
	mb.cpuPtr = uintptr(unsafe.Pointer(&cpu[0]))
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(slotAddr)), uintptr(unsafe.Pointer(mb)))
	atomic.StoreUintptr(&mb.ready, mailboxReady)
	return mb
}

func TestRegisterUnregister(t *testing.T) {
	d, funcID, slotAddr, _ := newTestDispatch(t)
	require.NotZero(t, funcID)
	require.NotZero(t, slotAddr)

	d.mu.RLock()
	_, ok := d.funcs[funcID]
	d.mu.RUnlock()
	require.True(t, ok)

	d.Unregister(funcID)
	d.mu.RLock()
	_, ok = d.funcs[funcID]
	d.mu.RUnlock()
	require.False(t, ok)
}

// The background poller goroutines started by NewDispatcher run
// concurrently with these tests, so assertions wait for eventual
// dispatch rather than asserting on a single synchronous poll.
func TestDispatchRunsAndClearsSlot(t *testing.T) {
	d, _, slotAddr, seenPhase := newTestDispatch(t)
	mb := publishFakeMailbox(slotAddr, phaseEnter)

	require.Eventually(t, func() bool {
		return atomic.LoadUintptr(&mb.done) == mailboxDone
	}, time.Second, time.Millisecond)

	require.Equal(t, int32(PhaseEnter), atomic.LoadInt32(seenPhase))
	require.Zero(t, atomic.LoadUintptr((*uintptr)(unsafe.Pointer(slotAddr))),
		"slot must be cleared once dispatch finishes")
}

func TestUnreadyMailboxIsNeverClaimed(t *testing.T) {
	d, _, slotAddr, _ := newTestDispatch(t)

	cpu := fakeCPUBuf()
	mbBuf := make([]byte, mailboxSize)
	mb := mailboxView(uintptr(unsafe.Pointer(&mbBuf[0])))
	mb.cpuPtr = uintptr(unsafe.Pointer(&cpu[0]))
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(slotAddr)), uintptr(unsafe.Pointer(mb)))

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, atomic.LoadUintptr(&mb.done))
}

func TestClaimIsNotDoubled(t *testing.T) {
	d, _, slotAddr, _ := newTestDispatch(t)
	mb := publishFakeMailbox(slotAddr, phaseLeave)

	require.Eventually(t, func() bool {
		return atomic.LoadUintptr(&mb.done) == mailboxDone
	}, time.Second, time.Millisecond)

	// Republishing ready without a fresh slot write must not be
	// rediscovered: the discovery slot, not the mailbox's own ready
	// flag, is what a poller scans.
	atomic.StoreUintptr(&mb.ready, mailboxReady)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, atomic.LoadUintptr((*uintptr)(unsafe.Pointer(slotAddr))))
}
