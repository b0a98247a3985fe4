package main

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInspect_SelfDemoFunctionIsHookable(t *testing.T) {
	addr, err := resolveAddr("", true)
	require.NoError(t, err)
	require.NotZero(t, addr)

	var out bytes.Buffer
	err = inspect(&out, addr, runtime.GOARCH, 64)
	require.NoError(t, err)
	require.Contains(t, out.String(), "hookable:       yes")
}

func TestInspect_RejectsNonPositiveByteCount(t *testing.T) {
	var out bytes.Buffer
	err := inspect(&out, 0x1000, "amd64", 0)
	require.Error(t, err)
}

func TestResolveAddr_RequiresAddrOrSelf(t *testing.T) {
	_, err := resolveAddr("", false)
	require.Error(t, err)
}

func TestResolveAddr_ParsesHexWithOrWithoutPrefix(t *testing.T) {
	a, err := resolveAddr("0x2a", false)
	require.NoError(t, err)
	require.EqualValues(t, 0x2a, a)

	b, err := resolveAddr("2a", false)
	require.NoError(t, err)
	require.EqualValues(t, 0x2a, b)
}

func TestRedirectBranchSize_KnownArches(t *testing.T) {
	for _, arch := range []string{"amd64", "386", "arm64", "arm"} {
		n, err := redirectBranchSize(arch)
		require.NoError(t, err, arch)
		require.Greater(t, n, 0, arch)
	}
}
