package codeslab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateNearNoDistanceConstraint(t *testing.T) {
	a := NewAllocator(64)
	defer a.Close()

	sl, err := a.AllocateNear(0x1000, -1)
	require.NoError(t, err)
	require.NotZero(t, sl.Addr())
	require.EqualValues(t, align(64), sl.Size())

	copy(sl.Bytes(), []byte{1, 2, 3, 4})
	require.Equal(t, byte(3), sl.Bytes()[2])
}

func TestAllocateNearReusesSlab(t *testing.T) {
	a := NewAllocator(32)
	defer a.Close()

	first, err := a.AllocateNear(0x1000, -1)
	require.NoError(t, err)

	second, err := a.AllocateNear(0x1000, -1)
	require.NoError(t, err)

	require.Equal(t, 1, len(a.slabs), "second allocation should reuse the first slab")
	require.NotEqual(t, first.Addr(), second.Addr())
}

func TestFreeReturnsSliceToFreelist(t *testing.T) {
	a := NewAllocator(32)
	defer a.Close()

	sl, err := a.AllocateNear(0x1000, -1)
	require.NoError(t, err)
	before := len(a.slabs[0].free)

	sl.Free()
	require.Equal(t, before+1, len(a.slabs[0].free))
}

func TestAllocateNearGrowsBeyondOneSlab(t *testing.T) {
	a := NewAllocator(16)
	defer a.Close()

	for i := 0; i < slicesPerSlab+1; i++ {
		_, err := a.AllocateNear(0x1000, -1)
		require.NoError(t, err)
	}
	require.Equal(t, 2, len(a.slabs))
}
