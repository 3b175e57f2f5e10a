package blockalloc

import (
	"testing"

	"github.com/deploymenttheory/razorfs/internal/razorerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockZeroNeverAllocated(t *testing.T) {
	a, err := New(16, DefaultBlockSize)
	require.NoError(t, err)

	allocated, err := a.IsAllocated(0)
	require.NoError(t, err)
	assert.True(t, allocated, "block 0 must be reserved")
}

func TestAllocFreeRestoresCount(t *testing.T) {
	a, err := New(64, DefaultBlockSize)
	require.NoError(t, err)

	_, _, usedBefore := a.Stats()

	start, err := a.Alloc(4)
	require.NoError(t, err)

	require.NoError(t, a.Free(start, 4))

	_, _, usedAfter := a.Stats()
	assert.Equal(t, usedBefore, usedAfter)
}

func TestAllocContiguous(t *testing.T) {
	a, err := New(32, DefaultBlockSize)
	require.NoError(t, err)

	start, err := a.Alloc(5)
	require.NoError(t, err)

	for i := uint32(0); i < 5; i++ {
		ok, err := a.IsAllocated(start + i)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAllocFailsWithoutSpace(t *testing.T) {
	a, err := New(4, DefaultBlockSize) // 3 usable blocks after reserving 0
	require.NoError(t, err)

	_, err = a.Alloc(10)
	assert.ErrorIs(t, err, razorerr.ErrNoSpace)
}

func TestFreeRejectsDoubleFree(t *testing.T) {
	a, err := New(16, DefaultBlockSize)
	require.NoError(t, err)

	start, err := a.Alloc(2)
	require.NoError(t, err)
	require.NoError(t, a.Free(start, 2))

	err = a.Free(start, 2)
	assert.ErrorIs(t, err, razorerr.ErrInvalidArgument)
}

func TestFreeNeverCorruptsBitmapOnViolation(t *testing.T) {
	a, err := New(16, DefaultBlockSize)
	require.NoError(t, err)

	start, err := a.Alloc(3)
	require.NoError(t, err)

	// Attempt to free a range straddling an unallocated block.
	err = a.Free(start, 10)
	assert.ErrorIs(t, err, razorerr.ErrInvalidArgument)

	for i := uint32(0); i < 3; i++ {
		ok, err := a.IsAllocated(start + i)
		require.NoError(t, err)
		assert.True(t, ok, "allocated blocks must remain allocated after a failed free")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	a, err := New(4, DefaultBlockSize)
	require.NoError(t, err)

	start, err := a.Alloc(1)
	require.NoError(t, err)

	payload := []byte("hello, block")
	n, err := a.Write(start, payload, 10)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = a.Read(start, buf, 10)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestFragmentationSingleRunIsZero(t *testing.T) {
	a, err := New(64, DefaultBlockSize)
	require.NoError(t, err)

	_, err = a.Alloc(4)
	require.NoError(t, err)

	assert.Equal(t, float64(0), a.Fragmentation())
}

func TestFragmentationIncreasesWithScatteredFrees(t *testing.T) {
	a, err := New(64, DefaultBlockSize)
	require.NoError(t, err)

	start, err := a.Alloc(10)
	require.NoError(t, err)

	// Free every other block to scatter the free space into many runs.
	for i := uint32(0); i < 10; i += 2 {
		require.NoError(t, a.Free(start+i, 1))
	}

	assert.Greater(t, a.Fragmentation(), float64(0))
}

func TestStatsInvariant(t *testing.T) {
	a, err := New(100, DefaultBlockSize)
	require.NoError(t, err)

	_, err = a.Alloc(10)
	require.NoError(t, err)

	total, free, used := a.Stats()
	assert.Equal(t, total, free+used)
}

func TestBitmapUsedCountMatchesStats(t *testing.T) {
	a, err := New(200, DefaultBlockSize)
	require.NoError(t, err)

	start, err := a.Alloc(37)
	require.NoError(t, err)
	require.NoError(t, a.Free(start+10, 5))

	_, _, used := a.Stats()
	assert.Equal(t, used, a.BitmapUsedCount())
}
