package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.journal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(CreateFile, 5, []byte("name.txt\x00hello")))
	require.NoError(t, j.Append(WriteData, 5, []byte("goodbye")))
	require.NoError(t, j.Close())

	var got []Entry
	err = Replay(path, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, CreateFile, got[0].Type)
	assert.EqualValues(t, 5, got[0].Inode)
	assert.Equal(t, "name.txt\x00hello", string(got[0].Payload))
	assert.Equal(t, WriteData, got[1].Type)
	assert.Equal(t, "goodbye", string(got[1].Payload))
}

func TestReplayMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.journal")
	err := Replay(path, func(Entry) error { return nil })
	assert.NoError(t, err)
}

func TestReplayStopsAtTruncatedTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.journal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(WriteData, 1, []byte("first")))
	require.NoError(t, j.Append(WriteData, 2, []byte("second")))
	require.NoError(t, j.Close())

	// Simulate a crash mid-write: chop off the last few bytes.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))

	var got []Entry
	err = Replay(path, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1, "the truncated trailing record must be discarded, not just the first")
	assert.EqualValues(t, 1, got[0].Inode)
}

func TestReplayStopsAtCorruptedCRC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.journal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(WriteData, 1, []byte("first")))
	require.NoError(t, j.Append(WriteData, 2, []byte("second")))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[HeaderSize+2] ^= 0xFF // corrupt a payload byte of the first record
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var got []Entry
	err = Replay(path, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 0, "a CRC failure on the first record must abort replay entirely")
}

func TestCheckpointThenTruncateEmptiesJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.journal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(WriteData, 1, []byte("x")))
	require.NoError(t, j.Checkpoint())
	require.NoError(t, j.Truncate())
	require.NoError(t, j.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
