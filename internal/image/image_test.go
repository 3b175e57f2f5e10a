package image

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	id := uuid.New()
	h := Header{
		Magic:             Magic,
		VersionMajor:      VersionMajor,
		VersionMinor:      VersionMinor,
		Timestamp:         123456,
		NextInode:         7,
		StringTableOffset: HeaderSize,
		StringTableSize:   10,
		InodeTableOffset:  HeaderSize + 10,
		InodeTableSize:    InodeEntrySize,
		DataSectionOffset: HeaderSize + 10 + InodeEntrySize,
		DataSectionSize:   5,
	}
	h.SetInstanceUUID(id)

	buf := EncodeHeader(h)
	require.Len(t, buf, HeaderSize)

	h.HeaderCRC = ComputeHeaderCRC(buf)
	buf = EncodeHeader(h)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.Magic, got.Magic)
	assert.Equal(t, h.NextInode, got.NextInode)
	assert.Equal(t, h.StringTableSize, got.StringTableSize)
	assert.Equal(t, id, got.InstanceUUID())
	assert.Equal(t, h.HeaderCRC, ComputeHeaderCRC(buf), "recomputed header CRC must match stored value")
}

func TestHeaderCRCExcludesBothCRCFields(t *testing.T) {
	h := Header{Magic: Magic, VersionMajor: 1}
	buf1 := EncodeHeader(h)
	crc := ComputeHeaderCRC(buf1)

	h.HeaderCRC = crc
	h.FileCRC = 0xDEADBEEF
	buf2 := EncodeHeader(h)

	assert.Equal(t, crc, ComputeHeaderCRC(buf2), "changing FileCRC must not change the computed HeaderCRC")
}

func TestInodeEntryEncodeDecodeRoundTrip(t *testing.T) {
	e := InodeEntry{
		InodeNumber: 5,
		ParentInode: 1,
		NameOffset:  3,
		Mode:        0x8000 | 0644,
		Size:        42,
		Timestamp:   999,
		DataOffset:  0,
		DataSize:    42,
	}
	buf := EncodeInodeEntry(e)
	require.Len(t, buf, InodeEntrySize)

	got, valid, err := DecodeInodeEntry(buf)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, e.InodeNumber, got.InodeNumber)
	assert.Equal(t, e.Size, got.Size)
}

func TestInodeEntryDetectsCorruption(t *testing.T) {
	e := InodeEntry{InodeNumber: 5, Size: 42}
	buf := EncodeInodeEntry(e)
	buf[0] ^= 0xFF // corrupt a data byte, leaving the stored CRC stale

	_, valid, err := DecodeInodeEntry(buf)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, 10))
	require.Error(t, err)
}
