package reloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
)

func encodeARMWord(w uint32) []byte {
	return []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}
}

func TestRelocateARMCopiesPlainInstructionVerbatim(t *testing.T) {
	// push {r4, lr}: cond=AL(1110) 100 P=1 U=0 S=0 W=1 L=1 Rn=1101(sp) reglist
	code := encodeARMWord(0xe92d4010)
	w, err := codewriter.New("arm")
	require.NoError(t, err)

	n, err := Relocate("arm", code, 0x8000, 4, w)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	out, err := w.Flush()
	require.NoError(t, err)
	require.Equal(t, code, out)
}

func TestRelocateARMRewritesLiteralLoad(t *testing.T) {
	// ldr r0, [pc, #0]: cond=AL 010 P=1 U=1 0 W=0 1 Rn=1111 Rt=0000 imm12=0
	code := encodeARMWord(0xe59f0000)
	w, err := codewriter.New("arm")
	require.NoError(t, err)

	n, err := Relocate("arm", code, 0x8000, 4, w)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	out, err := w.Flush()
	require.NoError(t, err)
	require.NotEqual(t, code, out)
}

func TestRelocateARMWidensUnconditionalB(t *testing.T) {
	// b #0x100 (cond=AL 101 L=0 imm24), at 0x8000: target = 0x8000+8+0x100.
	code := encodeARMWord(0xea000040)
	w, err := codewriter.New("arm")
	require.NoError(t, err)

	n, err := Relocate("arm", code, 0x8000, 4, w)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	out, err := w.Flush()
	require.NoError(t, err)
	require.Greater(t, len(out), len(code), "widened absolute branch must be longer than the original B")
}
