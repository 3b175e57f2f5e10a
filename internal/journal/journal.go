// Package journal implements the write-ahead log of mutating operations
// used to recover filesystem state after a crash: append-then-flush
// records, each protected by its own CRC-32, replayed in order until the
// first invalid or short record.
package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/deploymenttheory/razorfs/internal/checksum"
	"github.com/deploymenttheory/razorfs/internal/image"
	"github.com/deploymenttheory/razorfs/internal/razorerr"
	"golang.org/x/sys/unix"
)

// EntryType tags a journal record's payload shape, mirroring
// razorfs_persistence.hpp's JournalEntryType.
type EntryType uint8

const (
	CreateFile EntryType = 1
	DeleteFile EntryType = 2
	WriteData  EntryType = 3
	CreateDir  EntryType = 4
	DeleteDir  EntryType = 5
	Rename     EntryType = 6
	Checkpoint EntryType = 7
)

// HeaderSize is the fixed size of one record's header, preceding its
// variable-length payload.
const HeaderSize = 32

// Entry is one decoded journal record.
type Entry struct {
	Type      EntryType
	Timestamp uint64
	Inode     uint64
	Payload   []byte
}

// Journal is an append-only log opened against a single file.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens path in append mode, creating it if absent.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, razorerr.ErrIO)
	}
	return &Journal{path: path, f: f}, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

func encodeHeader(entryType EntryType, timestamp, inode uint64, payloadLen uint32, crc uint32) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], image.Magic)
	buf[4] = byte(entryType)
	// buf[5:8] reserved, left zero
	binary.LittleEndian.PutUint64(buf[8:], timestamp)
	binary.LittleEndian.PutUint64(buf[16:], inode)
	binary.LittleEndian.PutUint32(buf[24:], payloadLen)
	binary.LittleEndian.PutUint32(buf[28:], crc)
	return buf
}

// Append writes one record: header (with CRC-32 over header-minus-CRC
// concatenated with payload) followed by payload, then flushes to disk.
func (j *Journal) Append(entryType EntryType, inode uint64, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	header := encodeHeader(entryType, image.NowMillis(), inode, uint32(len(payload)), 0)
	crc := checksum.ChecksumParts(header[:HeaderSize-4], payload)
	binary.LittleEndian.PutUint32(header[HeaderSize-4:], crc)

	if _, err := j.f.Write(header); err != nil {
		return fmt.Errorf("journal: write header: %w", razorerr.ErrIO)
	}
	if len(payload) > 0 {
		if _, err := j.f.Write(payload); err != nil {
			return fmt.Errorf("journal: write payload: %w", razorerr.ErrIO)
		}
	}
	if err := unix.Fdatasync(int(j.f.Fd())); err != nil {
		return fmt.Errorf("journal: flush: %w", razorerr.ErrIO)
	}
	return nil
}

// Checkpoint appends a sentinel record marking the on-disk image as
// reflecting every prior entry.
func (j *Journal) Checkpoint() error {
	return j.Append(Checkpoint, 0, nil)
}

// Truncate closes, removes, and reopens the journal empty.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.f.Close(); err != nil {
		return fmt.Errorf("journal: close for truncate: %w", razorerr.ErrIO)
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: remove: %w", razorerr.ErrIO)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("journal: reopen: %w", razorerr.ErrIO)
	}
	j.f = f
	return nil
}

// Replay reads every record from the start of the file, delivering each
// valid one to apply in order. It stops — without error — at the first
// wrong magic, short read, or CRC mismatch, since a crash can only ever
// leave a truncated trailing record.
func Replay(path string, apply func(Entry) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: read %s: %w", path, razorerr.ErrIO)
	}

	pos := 0
	for pos+HeaderSize <= len(data) {
		header := data[pos : pos+HeaderSize]
		magic := binary.LittleEndian.Uint32(header[0:])
		if magic != image.Magic {
			break
		}
		entryType := EntryType(header[4])
		timestamp := binary.LittleEndian.Uint64(header[8:])
		inode := binary.LittleEndian.Uint64(header[16:])
		payloadLen := binary.LittleEndian.Uint32(header[24:])
		crc := binary.LittleEndian.Uint32(header[28:])

		payloadStart := pos + HeaderSize
		payloadEnd := payloadStart + int(payloadLen)
		if payloadEnd > len(data) {
			break // trailing record truncated by a crash mid-write
		}
		payload := data[payloadStart:payloadEnd]

		if checksum.ChecksumParts(header[:HeaderSize-4], payload) != crc {
			break
		}

		entry := Entry{Type: entryType, Timestamp: timestamp, Inode: inode, Payload: payload}
		if err := apply(entry); err != nil {
			return fmt.Errorf("journal: apply record at offset %d: %w", pos, err)
		}

		pos = payloadEnd
	}

	return nil
}
