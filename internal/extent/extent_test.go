package extent

import (
	"bytes"
	"testing"

	"github.com/deploymenttheory/razorfs/internal/blockalloc"
	"github.com/deploymenttheory/razorfs/internal/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T, totalBlocks uint32) (*Mapper, *inode.Inode) {
	t.Helper()
	alloc, err := blockalloc.New(totalBlocks, blockalloc.DefaultBlockSize)
	require.NoError(t, err)
	m := New(alloc)
	return m, &inode.Inode{InodeNum: 42, Mode: inode.ModeRegular}
}

func TestWriteReadRoundTripSmall(t *testing.T) {
	m, in := newFixture(t, 16)

	data := []byte("hello, razorfs")
	n, err := m.Write(in, data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = m.Read(in, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)
}

func TestWriteReadRoundTripLarge(t *testing.T) {
	m, in := newFixture(t, 64)

	data := bytes.Repeat([]byte("0123456789abcdef"), 1024) // 16KiB
	n, err := m.Write(in, data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = m.Read(in, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.True(t, bytes.Equal(data, buf))
}

func TestSparseFileReadsZero(t *testing.T) {
	m, in := newFixture(t, 1024)

	_, err := m.Write(in, []byte("END"), 1_000_000)
	require.NoError(t, err)

	assert.EqualValues(t, 1_000_003, in.Size)

	buf := make([]byte, 10)
	n, err := m.Read(in, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, make([]byte, 10), buf)

	tail := make([]byte, 3)
	n, err = m.Read(in, tail, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("END"), tail)
}

func TestReadClippedAtSize(t *testing.T) {
	m, in := newFixture(t, 16)
	data := []byte("abcdef")
	_, err := m.Write(in, data, 0)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := m.Read(in, buf, 2)
	require.NoError(t, err)
	assert.Equal(t, len(data)-2, n)
}

func TestExtentMergingAdjacent(t *testing.T) {
	m, in := newFixture(t, 64)
	bs := blockalloc.DefaultBlockSize

	full := bytes.Repeat([]byte{0xAB}, int(bs))

	_, err := m.Write(in, full, 0)
	require.NoError(t, err)
	_, err = m.Write(in, full, uint64(bs))
	require.NoError(t, err)

	count, err := m.Count(in)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "adjacent logical+physical extents must merge")

	_, err = m.Write(in, full, uint64(4*bs))
	require.NoError(t, err)
	count, err = m.Count(in)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = m.Write(in, full, uint64(2*bs))
	require.NoError(t, err)
	count, err = m.Count(in)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "filling the gap between two extents should merge them back to one")
}

func TestFreeAllReleasesBlocks(t *testing.T) {
	alloc, err := blockalloc.New(16, blockalloc.DefaultBlockSize)
	require.NoError(t, err)
	m := New(alloc)
	in := &inode.Inode{InodeNum: 7, Mode: inode.ModeRegular}

	data := bytes.Repeat([]byte{1}, int(blockalloc.DefaultBlockSize)*2)
	_, err = m.Write(in, data, 0)
	require.NoError(t, err)

	_, _, usedBefore := alloc.Stats()
	require.NoError(t, m.FreeAll(in))
	_, _, usedAfter := alloc.Stats()

	assert.Less(t, usedAfter, usedBefore)
}

func TestTruncateShrinkFreesBlocks(t *testing.T) {
	alloc, err := blockalloc.New(16, blockalloc.DefaultBlockSize)
	require.NoError(t, err)
	m := New(alloc)
	in := &inode.Inode{InodeNum: 7, Mode: inode.ModeRegular}

	data := bytes.Repeat([]byte{1}, int(blockalloc.DefaultBlockSize)*3)
	_, err = m.Write(in, data, 0)
	require.NoError(t, err)

	_, _, usedBefore := alloc.Stats()
	require.NoError(t, m.Truncate(in, blockalloc.DefaultBlockSize))
	_, _, usedAfter := alloc.Stats()

	assert.Less(t, usedAfter, usedBefore)
	assert.EqualValues(t, blockalloc.DefaultBlockSize, in.Size)
}

func TestTruncateGrowCreatesHole(t *testing.T) {
	m, in := newFixture(t, 16)
	_, err := m.Write(in, []byte("hi"), 0)
	require.NoError(t, err)

	require.NoError(t, m.Truncate(in, 100))
	assert.EqualValues(t, 100, in.Size)

	buf := make([]byte, 98)
	n, err := m.Read(in, buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 98, n)
	assert.Equal(t, make([]byte, 98), buf)
}

func TestPunchHoleZeroesRange(t *testing.T) {
	alloc, err := blockalloc.New(16, blockalloc.DefaultBlockSize)
	require.NoError(t, err)
	m := New(alloc)
	in := &inode.Inode{InodeNum: 9, Mode: inode.ModeRegular}

	data := bytes.Repeat([]byte{0xFF}, int(blockalloc.DefaultBlockSize)*2)
	_, err = m.Write(in, data, 0)
	require.NoError(t, err)

	require.NoError(t, m.PunchHole(in, 0, blockalloc.DefaultBlockSize))

	buf := make([]byte, blockalloc.DefaultBlockSize)
	_, err = m.Read(in, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, blockalloc.DefaultBlockSize), buf)
}
