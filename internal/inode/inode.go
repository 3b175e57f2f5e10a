// Package inode implements the inode table: allocation, lookup, and
// hardlink-count lifecycle of inode records, independent of any
// directory name.
package inode

import (
	"fmt"
	"sync"
	"time"

	"github.com/deploymenttheory/razorfs/internal/razorerr"
)

// MaxLinks is the largest link count an inode may carry.
const MaxLinks = 65535

// InlineSize is the size of an inode's inline payload, used either for
// tiny file contents, up to two inline extent descriptors, or a single
// extent-tree block reference (see internal/extent).
const InlineSize = 32

// Mode bit layout mirrors the low bits of POSIX st_mode: file-type bits
// in the high nibble, permission bits in the low 12 bits.
const (
	ModeTypeMask = 0xF000
	ModeDir      = 0x4000
	ModeRegular  = 0x8000
	ModeSymlink  = 0xA000
)

// Inode is the metadata record shared by every hardlink to a file or
// directory. The Go struct is not packed to 64 bytes (field alignment pads
// it to 72) and is not aligned to a cache line.
type Inode struct {
	InodeNum  uint32
	Nlink     uint16
	Mode      uint16
	Atime     uint32
	Mtime     uint32
	Ctime     uint32
	Size      uint64
	XattrHead uint32
	Inline    [InlineSize]byte
}

// IsDir reports whether the inode describes a directory.
func (in *Inode) IsDir() bool {
	return in.Mode&ModeTypeMask == ModeDir
}

// IsRegular reports whether the inode describes a regular file.
func (in *Inode) IsRegular() bool {
	return in.Mode&ModeTypeMask == ModeRegular
}

type slot struct {
	inode Inode
	used  bool
}

// Table is the fixed-capacity array of inode slots plus a hash index
// mapping inode number to slot index, per spec: hash index uses
// inode_num * 2654435761 mod capacity with separate chaining.
type Table struct {
	mu sync.RWMutex

	slots      []slot
	capacity   uint32
	nextInode  uint32
	freeList   []uint32 // slot indices available for reuse
	buckets    [][]uint32
	hashCap    uint32
}

const hashMultiplier = 2654435761

// New creates an inode table with the given fixed capacity. Inode numbers
// start at 2 (1 is reserved for the tree root) unless the caller later
// advances the counter via SetNextInode during image load.
func New(capacity uint32) *Table {
	hashCap := capacity
	if hashCap == 0 {
		hashCap = 1
	}
	return &Table{
		slots:     make([]slot, capacity),
		capacity:  capacity,
		nextInode: 2,
		buckets:   make([][]uint32, hashCap),
		hashCap:   hashCap,
	}
}

func (t *Table) bucketFor(inodeNum uint32) uint32 {
	return (inodeNum * hashMultiplier) % t.hashCap
}

func (t *Table) hashInsert(inodeNum, slotIdx uint32) {
	b := t.bucketFor(inodeNum)
	t.buckets[b] = append(t.buckets[b], slotIdx)
}

func (t *Table) hashRemove(inodeNum uint32) {
	b := t.bucketFor(inodeNum)
	chain := t.buckets[b]
	for i, idx := range chain {
		if t.slots[idx].inode.InodeNum == inodeNum {
			t.buckets[b] = append(chain[:i], chain[i+1:]...)
			return
		}
	}
}

func (t *Table) hashLookup(inodeNum uint32) (uint32, bool) {
	for _, idx := range t.buckets[t.bucketFor(inodeNum)] {
		if t.slots[idx].inode.InodeNum == inodeNum {
			return idx, true
		}
	}
	return 0, false
}

// NextInode returns the next inode number Alloc would hand out, used by
// the persistence engine's Store.NextInode.
func (t *Table) NextInode() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextInode
}

// SetNextInode advances the allocation counter; used by the persistence
// engine after loading an image, so it never reissues a live inode
// number.
func (t *Table) SetNextInode(next uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if next > t.nextInode {
		t.nextInode = next
	}
}

// Alloc reserves a new inode with the given mode, nlink 1, and timestamps
// set to now.
func (t *Table) Alloc(mode uint16) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var slotIdx uint32
	if n := len(t.freeList); n > 0 {
		slotIdx = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		used := uint32(0)
		for _, s := range t.slots {
			if s.used {
				used++
			}
		}
		if used >= t.capacity {
			return 0, fmt.Errorf("inode: table at capacity %d: %w", t.capacity, razorerr.ErrNoSpace)
		}
		slotIdx = used
	}

	inodeNum := t.nextInode
	t.nextInode++

	now := uint32(time.Now().Unix())
	t.slots[slotIdx] = slot{
		inode: Inode{
			InodeNum: inodeNum,
			Nlink:    1,
			Mode:     mode,
			Atime:    now,
			Mtime:    now,
			Ctime:    now,
		},
		used: true,
	}
	t.hashInsert(inodeNum, slotIdx)

	return inodeNum, nil
}

// InsertLoaded re-creates an inode slot for a given, already-known inode
// (used while replaying a saved image, where inode numbers are fixed by
// the on-disk record rather than freshly allocated).
func (t *Table) InsertLoaded(in Inode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if in.InodeNum == 0 {
		return fmt.Errorf("inode: cannot load reserved inode 0: %w", razorerr.ErrInvalidArgument)
	}
	if _, ok := t.hashLookup(in.InodeNum); ok {
		return fmt.Errorf("inode: %d already loaded: %w", in.InodeNum, razorerr.ErrAlreadyExists)
	}

	var slotIdx uint32
	if n := len(t.freeList); n > 0 {
		slotIdx = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		used := uint32(0)
		for _, s := range t.slots {
			if s.used {
				used++
			}
		}
		if used >= t.capacity {
			return fmt.Errorf("inode: table at capacity %d: %w", t.capacity, razorerr.ErrNoSpace)
		}
		slotIdx = used
	}

	t.slots[slotIdx] = slot{inode: in, used: true}
	t.hashInsert(in.InodeNum, slotIdx)
	if in.InodeNum >= t.nextInode {
		t.nextInode = in.InodeNum + 1
	}
	return nil
}

// Lookup returns a copy of the inode record for inodeNum.
func (t *Table) Lookup(inodeNum uint32) (Inode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.hashLookup(inodeNum)
	if !ok {
		return Inode{}, fmt.Errorf("inode: %d: %w", inodeNum, razorerr.ErrNotFound)
	}
	return t.slots[idx].inode, nil
}

// Mutate applies fn to the live inode record for inodeNum under the
// table's write lock, allowing callers (the tree, the extent mapper) to
// update fields atomically with respect to concurrent lookups.
func (t *Table) Mutate(inodeNum uint32, fn func(*Inode)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.hashLookup(inodeNum)
	if !ok {
		return fmt.Errorf("inode: %d: %w", inodeNum, razorerr.ErrNotFound)
	}
	fn(&t.slots[idx].inode)
	return nil
}

// Link increments the link count, failing if it would exceed MaxLinks.
func (t *Table) Link(inodeNum uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.hashLookup(inodeNum)
	if !ok {
		return fmt.Errorf("inode: %d: %w", inodeNum, razorerr.ErrNotFound)
	}

	in := &t.slots[idx].inode
	if in.Nlink >= MaxLinks {
		return fmt.Errorf("inode: %d: %w", inodeNum, razorerr.ErrTooManyLinks)
	}
	in.Nlink++
	in.Ctime = uint32(time.Now().Unix())
	return nil
}

// Unlink decrements the link count. When it reaches zero, onFree (if
// non-nil) is invoked with a copy of the about-to-be-freed inode so the
// caller can release its extents/xattrs before the slot is zeroed, and
// the slot is then recycled. Returns whether the inode was freed.
func (t *Table) Unlink(inodeNum uint32, onFree func(Inode) error) (freed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.hashLookup(inodeNum)
	if !ok {
		return false, fmt.Errorf("inode: %d: %w", inodeNum, razorerr.ErrNotFound)
	}

	in := &t.slots[idx].inode
	if in.Nlink == 0 {
		return false, fmt.Errorf("inode: %d already free: %w", inodeNum, razorerr.ErrInvalidArgument)
	}
	in.Nlink--

	if in.Nlink > 0 {
		in.Ctime = uint32(time.Now().Unix())
		return false, nil
	}

	freedCopy := *in
	if onFree != nil {
		if err := onFree(freedCopy); err != nil {
			// Restore the link count: the caller's release step failed,
			// so the inode must not be torn down inconsistently.
			in.Nlink = 1
			return false, fmt.Errorf("inode: %d: release extents: %w", inodeNum, err)
		}
	}

	t.hashRemove(inodeNum)
	t.slots[idx] = slot{}
	t.freeList = append(t.freeList, idx)

	return true, nil
}

// Update overwrites size and mtime, bumping ctime.
func (t *Table) Update(inodeNum uint32, size uint64, mtime uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.hashLookup(inodeNum)
	if !ok {
		return fmt.Errorf("inode: %d: %w", inodeNum, razorerr.ErrNotFound)
	}

	in := &t.slots[idx].inode
	in.Size = size
	in.Mtime = mtime
	in.Ctime = uint32(time.Now().Unix())
	return nil
}

// Stats returns the table's total capacity, used count, and free count.
func (t *Table) Stats() (total, used, free uint32) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.slots {
		if s.used {
			used++
		}
	}
	return t.capacity, used, t.capacity - used
}

// ForEach calls fn for every live inode, in unspecified order. fn must
// not call back into the table.
func (t *Table) ForEach(fn func(Inode)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.slots {
		if s.used {
			fn(s.inode)
		}
	}
}
