package trampoline

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMailboxSizeAligned(t *testing.T) {
	require.Zero(t, mailboxSize%16, "mailboxSize must stay 16-byte aligned for AAPCS64")
	require.GreaterOrEqual(t, mailboxSize, int32(unsafe.Sizeof(mailbox{})))
}

func TestMailboxOffsetsDistinctAndInBounds(t *testing.T) {
	offsets := []int32{
		mailboxOffsets.ready, mailboxOffsets.done, mailboxOffsets.phase,
		mailboxOffsets.action, mailboxOffsets.funcID, mailboxOffsets.cpuPtr,
		mailboxOffsets.stackArgsBase, mailboxOffsets.returnAddr,
		mailboxOffsets.threadID, mailboxOffsets.depth,
	}
	seen := map[int32]bool{}
	for _, off := range offsets {
		require.False(t, seen[off], "offset %d reused by more than one field", off)
		seen[off] = true
		require.GreaterOrEqual(t, off, int32(0))
		require.LessOrEqual(t, off+8, mailboxSize)
	}
}

func TestMailboxViewRoundTrips(t *testing.T) {
	buf := make([]byte, mailboxSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	mb := mailboxView(addr)
	mb.ready = mailboxReady
	mb.phase = phaseLeave
	mb.funcID = 0xdead

	mb2 := mailboxView(addr)
	require.Equal(t, mailboxReady, mb2.ready)
	require.Equal(t, phaseLeave, mb2.phase)
	require.EqualValues(t, 0xdead, mb2.funcID)
}
