// Package interner implements the append-only, deduplicated string table
// shared by the n-ary tree and the persistence engine for directory entry
// names.
package interner

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/razorfs/internal/razorerr"
)

const (
	// MaxStringLength is the largest single name interning accepts.
	MaxStringLength = 4096
	// MaxTableSize bounds the total size of the interned byte region.
	MaxTableSize = 64 * 1024 * 1024
)

// Table is a deduplicated, append-only store of zero-terminated byte
// strings. Readers may proceed concurrently with each other; a miss that
// must append is serialized against all other writers. Because the store
// never rewrites or moves previously-written bytes, an offset returned by
// Intern remains valid (and its content unchanged) for the lifetime of the
// table.
type Table struct {
	mu   sync.RWMutex
	data []byte
	idx  map[string]uint32
}

// New creates an empty string table.
func New() *Table {
	return &Table{
		idx: make(map[string]uint32),
	}
}

// Intern returns the stable offset of name, appending it if not already
// present. The stored record is the bytes of name followed by a single
// zero terminator.
func (t *Table) Intern(name string) (uint32, error) {
	if len(name) == 0 {
		return 0, fmt.Errorf("intern %q: %w", name, razorerr.ErrInvalidArgument)
	}
	if len(name) > MaxStringLength {
		return 0, fmt.Errorf("intern %q: name exceeds %d bytes: %w", name, MaxStringLength, razorerr.ErrInvalidArgument)
	}

	t.mu.RLock()
	if off, ok := t.idx[name]; ok {
		t.mu.RUnlock()
		return off, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check under the write lock: another writer may have interned
	// the same name while we waited.
	if off, ok := t.idx[name]; ok {
		return off, nil
	}

	needed := len(t.data) + len(name) + 1
	if needed > MaxTableSize {
		return 0, fmt.Errorf("intern %q: table would exceed %d bytes: %w", name, MaxTableSize, razorerr.ErrNoSpace)
	}

	offset := uint32(len(t.data))
	t.data = append(t.data, name...)
	t.data = append(t.data, 0)
	t.idx[name] = offset
	return offset, nil
}

// Get returns the string stored at offset.
func (t *Table) Get(offset uint32) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(offset) >= len(t.data) {
		return "", fmt.Errorf("get offset %d: beyond table of size %d: %w", offset, len(t.data), razorerr.ErrCorruption)
	}

	end := offset
	for end < uint32(len(t.data)) && t.data[end] != 0 {
		end++
	}
	if end >= uint32(len(t.data)) {
		return "", fmt.Errorf("get offset %d: unterminated string: %w", offset, razorerr.ErrCorruption)
	}

	return string(t.data[offset:end]), nil
}

// Size returns the current size in bytes of the interned region.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

// Serialize returns a copy of the raw backing bytes, suitable for writing
// into the image's string-table section verbatim.
func (t *Table) Serialize() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]byte, len(t.data))
	copy(out, t.data)
	return out
}

// Load replaces the table's contents by scanning zero-terminated records
// out of data. It rejects data whose last byte is not a terminator, since
// that indicates a truncated (corrupt) string-table section.
func Load(data []byte) (*Table, error) {
	if len(data) > 0 && data[len(data)-1] != 0 {
		return nil, fmt.Errorf("load string table: trailing byte is not a terminator: %w", razorerr.ErrCorruption)
	}

	t := New()
	t.data = make([]byte, len(data))
	copy(t.data, data)

	start := 0
	for i, b := range t.data {
		if b == 0 {
			if i > start {
				t.idx[string(t.data[start:i])] = uint32(start)
			}
			start = i + 1
		}
	}
	return t, nil
}
