// Package image implements the binary layout of a razorfs image file: a
// fixed header, a string table, an inode-entry table, and a concatenated
// data section, each protected by CRC-32.
package image

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/deploymenttheory/razorfs/internal/checksum"
	"github.com/deploymenttheory/razorfs/internal/razorerr"
	"github.com/google/uuid"
)

// Magic identifies a razorfs image file ("razr" read as a big-endian
// uint32; encoded little-endian, the bytes on disk are "rzar").
const Magic = 0x72617A72

// VersionMajor and VersionMinor are the only image format version this
// engine writes and the only major version it accepts on load.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// HeaderSize is the fixed size of Header's on-disk encoding.
const HeaderSize = 96

// InodeEntrySize is the fixed size of one InodeEntry's on-disk encoding.
const InodeEntrySize = 52

// Header mirrors razorfs_persistence.hpp's FileHeader. Reserved carries a
// instance UUID's 16 raw bytes, in their natural order, in its first 16 bytes (see
// SPEC_FULL.md's domain-stack wiring of google/uuid); the remaining 16
// bytes are zero.
type Header struct {
	Magic             uint32
	VersionMajor      uint16
	VersionMinor      uint16
	HeaderCRC         uint32
	Timestamp         uint64
	NextInode         uint64
	StringTableOffset uint32
	StringTableSize   uint32
	InodeTableOffset  uint32
	InodeTableSize    uint32
	DataSectionOffset uint32
	DataSectionSize   uint32
	JournalOffset     uint32
	JournalSize       uint32
	FileCRC           uint32
	Reserved          [32]byte
}

// InstanceUUID decodes the UUID stored in Reserved, or the nil UUID if
// none was ever written.
func (h *Header) InstanceUUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], h.Reserved[:16])
	return id
}

// SetInstanceUUID stores id in Reserved's first 16 bytes.
func (h *Header) SetInstanceUUID(id uuid.UUID) {
	copy(h.Reserved[:16], id[:])
}

// InodeEntry mirrors razorfs_persistence.hpp's InodeEntry: one directory
// or file's persisted metadata, with its content (if a regular file)
// located by (DataOffset, DataSize) within the image's data section.
type InodeEntry struct {
	InodeNumber uint64
	ParentInode uint64
	NameOffset  uint32
	Mode        uint16
	Flags       uint16
	Size        uint64
	Timestamp   uint64
	DataOffset  uint32
	DataSize    uint32
	CRC32       uint32
}

// EncodeHeader serializes h, computing neither CRC field — callers fill
// HeaderCRC and FileCRC afterward once the rest of the image is known.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.VersionMajor)
	binary.LittleEndian.PutUint16(buf[6:], h.VersionMinor)
	binary.LittleEndian.PutUint32(buf[8:], h.HeaderCRC)
	binary.LittleEndian.PutUint64(buf[12:], h.Timestamp)
	binary.LittleEndian.PutUint64(buf[20:], h.NextInode)
	binary.LittleEndian.PutUint32(buf[28:], h.StringTableOffset)
	binary.LittleEndian.PutUint32(buf[32:], h.StringTableSize)
	binary.LittleEndian.PutUint32(buf[36:], h.InodeTableOffset)
	binary.LittleEndian.PutUint32(buf[40:], h.InodeTableSize)
	binary.LittleEndian.PutUint32(buf[44:], h.DataSectionOffset)
	binary.LittleEndian.PutUint32(buf[48:], h.DataSectionSize)
	binary.LittleEndian.PutUint32(buf[52:], h.JournalOffset)
	binary.LittleEndian.PutUint32(buf[56:], h.JournalSize)
	binary.LittleEndian.PutUint32(buf[60:], h.FileCRC)
	copy(buf[64:96], h.Reserved[:])
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("image: header: short read (%d bytes): %w", len(buf), razorerr.ErrCorruption)
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.VersionMajor = binary.LittleEndian.Uint16(buf[4:])
	h.VersionMinor = binary.LittleEndian.Uint16(buf[6:])
	h.HeaderCRC = binary.LittleEndian.Uint32(buf[8:])
	h.Timestamp = binary.LittleEndian.Uint64(buf[12:])
	h.NextInode = binary.LittleEndian.Uint64(buf[20:])
	h.StringTableOffset = binary.LittleEndian.Uint32(buf[28:])
	h.StringTableSize = binary.LittleEndian.Uint32(buf[32:])
	h.InodeTableOffset = binary.LittleEndian.Uint32(buf[36:])
	h.InodeTableSize = binary.LittleEndian.Uint32(buf[40:])
	h.DataSectionOffset = binary.LittleEndian.Uint32(buf[44:])
	h.DataSectionSize = binary.LittleEndian.Uint32(buf[48:])
	h.JournalOffset = binary.LittleEndian.Uint32(buf[52:])
	h.JournalSize = binary.LittleEndian.Uint32(buf[56:])
	h.FileCRC = binary.LittleEndian.Uint32(buf[60:])
	copy(h.Reserved[:], buf[64:96])
	return h, nil
}

// headerCRCSpan returns the header bytes covered by HeaderCRC: the whole
// header minus the two CRC fields themselves (HeaderCRC at offset 8,
// FileCRC at offset 60), matching spec.md §4.7's "header-minus-its-two-
// CRC-fields" definition.
func headerCRCSpan(buf []byte) []byte {
	span := make([]byte, 0, HeaderSize-8)
	span = append(span, buf[0:8]...)
	span = append(span, buf[12:60]...)
	span = append(span, buf[64:96]...)
	return span
}

// ComputeHeaderCRC computes HeaderCRC for an encoded header buffer (the
// two CRC fields may hold any value; they are excluded from the sum).
func ComputeHeaderCRC(encodedHeader []byte) uint32 {
	return checksum.Checksum(headerCRCSpan(encodedHeader))
}

// EncodeInodeEntry serializes e with e.CRC32 computed over every
// preceding field.
func EncodeInodeEntry(e InodeEntry) []byte {
	buf := make([]byte, InodeEntrySize)
	binary.LittleEndian.PutUint64(buf[0:], e.InodeNumber)
	binary.LittleEndian.PutUint64(buf[8:], e.ParentInode)
	binary.LittleEndian.PutUint32(buf[16:], e.NameOffset)
	binary.LittleEndian.PutUint16(buf[20:], e.Mode)
	binary.LittleEndian.PutUint16(buf[22:], e.Flags)
	binary.LittleEndian.PutUint64(buf[24:], e.Size)
	binary.LittleEndian.PutUint64(buf[32:], e.Timestamp)
	binary.LittleEndian.PutUint32(buf[40:], e.DataOffset)
	binary.LittleEndian.PutUint32(buf[44:], e.DataSize)
	e.CRC32 = checksum.Checksum(buf[:48])
	binary.LittleEndian.PutUint32(buf[48:], e.CRC32)
	return buf
}

// DecodeInodeEntry parses one InodeEntrySize-byte record, reporting
// whether its CRC32 validates (a failed entry is skipped by the caller
// per spec.md §4.7's best-effort recovery, not treated as fatal).
func DecodeInodeEntry(buf []byte) (InodeEntry, bool, error) {
	if len(buf) < InodeEntrySize {
		return InodeEntry{}, false, fmt.Errorf("image: inode entry: short read (%d bytes): %w", len(buf), razorerr.ErrCorruption)
	}
	var e InodeEntry
	e.InodeNumber = binary.LittleEndian.Uint64(buf[0:])
	e.ParentInode = binary.LittleEndian.Uint64(buf[8:])
	e.NameOffset = binary.LittleEndian.Uint32(buf[16:])
	e.Mode = binary.LittleEndian.Uint16(buf[20:])
	e.Flags = binary.LittleEndian.Uint16(buf[22:])
	e.Size = binary.LittleEndian.Uint64(buf[24:])
	e.Timestamp = binary.LittleEndian.Uint64(buf[32:])
	e.DataOffset = binary.LittleEndian.Uint32(buf[40:])
	e.DataSize = binary.LittleEndian.Uint32(buf[44:])
	e.CRC32 = binary.LittleEndian.Uint32(buf[48:])

	valid := checksum.Checksum(buf[:48]) == e.CRC32
	return e, valid, nil
}

// NowMillis is the timestamp resolution used throughout the image and
// journal formats.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
