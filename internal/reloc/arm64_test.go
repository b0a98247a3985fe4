package reloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
)

func encodeARM64Word(t *testing.T, w uint32) []byte {
	t.Helper()
	return []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}
}

func TestRelocateARM64CopiesPlainInstructionVerbatim(t *testing.T) {
	// sub sp, sp, #0x20
	code := encodeARM64Word(t, 0xd10083ff)
	w, err := codewriter.New("arm64")
	require.NoError(t, err)

	n, err := Relocate("arm64", code, 0x400000, 4, w)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	out, err := w.Flush()
	require.NoError(t, err)
	require.Equal(t, code, out)
}

func TestRelocateARM64RewritesADRP(t *testing.T) {
	// adrp x0, #0 (immhi=0, immlo=0, Rd=0) — a degenerate but validly
	// encoded ADRP whose target is simply its own page base.
	code := encodeARM64Word(t, 0x90000000)
	w, err := codewriter.New("arm64")
	require.NoError(t, err)

	n, err := Relocate("arm64", code, 0x400000, 4, w)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	out, err := w.Flush()
	require.NoError(t, err)
	require.NotEqual(t, code, out, "adrp must be rewritten into an absolute materialization")
}

func TestRelocateARM64RejectsShortFunctionEndingInRet(t *testing.T) {
	// ret (x30), then padding — asked to relocate more than the function has.
	code := encodeARM64Word(t, 0xd65f03c0)
	code = append(code, encodeARM64Word(t, 0xd503201f)...) // nop
	w, err := codewriter.New("arm64")
	require.NoError(t, err)

	_, err = Relocate("arm64", code, 0x400000, 8, w)
	require.ErrorIs(t, err, ErrUnrelocatable)
}
