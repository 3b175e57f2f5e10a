// Package tree implements the n-ary directory hierarchy: parent/child
// links and each directory's inline-or-hashed child index.
package tree

import (
	"fmt"
	"strings"
	"sync"

	"github.com/deploymenttheory/razorfs/internal/interner"
	"github.com/deploymenttheory/razorfs/internal/razorerr"
)

// RootInode is the fixed inode number of the filesystem root.
const RootInode = 1

// MaxInlineChildren is the number of child inode numbers a directory
// keeps inline before promotion to a hash table.
const MaxInlineChildren = 16

// hashTableSlots is the fixed size of a promoted directory's open-
// addressed child table.
const hashTableSlots = 128

// maxProbeDistance bounds linear probing in a promoted directory's hash
// table; exceeding it surfaces as an I/O error so the caller may retry
// (e.g. after the directory is flagged Overloaded).
const maxProbeDistance = 10

// overloadLoadFactor is the load factor past which a promoted directory
// is flagged Overloaded (detection only; see DESIGN.md Open Question 5).
const overloadLoadFactor = 0.75

// Node is the record bound to one inode: its tree-structural state and,
// for directories, either an inline child array or a promoted hash
// table. A Node owns no name of its own — every name that resolves to
// it lives in the child slot of whichever directory (or directories, for
// a hard-linked file) references it, so one inode can be reached by more
// than one (parent, name) pair.
type Node struct {
	InodeNum uint32
	Mode     uint16
	Version  uint64

	mu          sync.RWMutex
	childCount  uint16
	children    [MaxInlineChildren]childSlot
	hashTableID uint32 // 0 = none
	overloaded  bool
}

// ChildCount returns the directory's current number of children.
func (n *Node) ChildCount() uint16 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.childCount
}

// Overloaded reports whether this directory's hash table has exceeded
// the load-factor threshold (detection only, per spec.md §9).
func (n *Node) Overloaded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.overloaded
}

// childSlot is one directory entry: a name (by interned offset, plus its
// hash for quick rejection) bound to a target inode. Used both for a
// directory's inline array and for its promoted hash table, so an entry
// carries its own name independently of whatever node it points at —
// the same inode can be the target of many slots across many
// directories (or the same directory under different names).
type childSlot struct {
	used       bool
	nameHash   uint32
	nameOffset uint32
	inode      uint32
	probes     uint32 // number of probes taken to insert this entry; hash table only
}

type dirHashTable struct {
	slots   [hashTableSlots]childSlot
	entries int
}

// hashString hashes a name the same way spec.md's per-directory hash
// table and small-directory linear scan both use: a simple polynomial
// rolling hash, fast and adequate for directory-sized key sets.
func hashString(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h*31 + uint32(name[i])
	}
	return h
}

// Tree owns every node and every promoted directory's hash table. Nodes
// reference each other (and their hash tables) only by stable ID, never
// by raw pointer, so a node can be freed without a dangling reference
// living on in a sibling's memory.
type Tree struct {
	mu sync.RWMutex // tree-structure lock: shared for reads, exclusive for structural mutation

	interner *interner.Table

	nodes map[uint32]*Node
	hmu   sync.Mutex // brief, only during promotion
	hash  map[uint32]*dirHashTable
	nextH uint32
}

// New creates a tree with a single root directory at RootInode.
func New(names *interner.Table) *Tree {
	t := &Tree{
		interner: names,
		nodes:    make(map[uint32]*Node),
		hash:     make(map[uint32]*dirHashTable),
	}
	t.nodes[RootInode] = &Node{
		InodeNum: RootInode,
		Mode:     0,
	}
	return t
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[RootInode]
}

// Node returns the tree's node for inodeNum, for callers (internal/fs,
// internal/persist's Store implementation) that need to resolve an inode
// number to its tree position outside of a path walk.
func (t *Tree) Node(inodeNum uint32) (*Node, error) {
	return t.lookupNode(inodeNum)
}

// lookupNode returns the node for inodeNum under the tree's read lock.
func (t *Tree) lookupNode(inodeNum uint32) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[inodeNum]
	if !ok {
		return nil, fmt.Errorf("tree: inode %d: %w", inodeNum, razorerr.ErrNotFound)
	}
	return n, nil
}

// CreateNode registers a new, unattached node for inodeNum — it links
// into no parent yet. Callers use AddChild to give it its first (and,
// for a hard-linked file, any subsequent) directory entry.
func (t *Tree) CreateNode(inodeNum uint32, mode uint16) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[inodeNum]; exists {
		return nil, fmt.Errorf("tree: inode %d already registered: %w", inodeNum, razorerr.ErrAlreadyExists)
	}

	n := &Node{InodeNum: inodeNum, Mode: mode}
	t.nodes[inodeNum] = n
	return n, nil
}

func (t *Tree) internName(name string) (hash, offset uint32, err error) {
	offset, err = t.interner.Intern(name)
	if err != nil {
		return 0, 0, err
	}
	return hashString(name), offset, nil
}

// AddChild links child under parent as name. Since the entry's name
// lives in parent's own child storage rather than on child itself, the
// same child node may be linked under any number of (parent, name)
// pairs — this is what makes a hard link a second AddChild against an
// already-registered node rather than a second CreateNode. If parent's
// inline child count is below MaxInlineChildren, the entry is appended
// inline; otherwise the directory is promoted to a hash table (allocated
// under the tree's brief hash-table-allocation lock, held only for the
// promotion itself since AddChild already holds parent's own
// exclusive lock — see DESIGN.md Open Question 2).
func (t *Tree) AddChild(parent *Node, child *Node, name string) error {
	nameHash, nameOffset, err := t.internName(name)
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	parent.mu.Lock()
	defer parent.mu.Unlock()

	if parent.hashTableID == 0 {
		if parent.childCount < MaxInlineChildren {
			parent.children[parent.childCount] = childSlot{used: true, nameHash: nameHash, nameOffset: nameOffset, inode: child.InodeNum}
			parent.childCount++
			return nil
		}

		if err := t.promote(parent); err != nil {
			return err
		}
	}

	return t.hashInsert(parent, nameHash, nameOffset, child.InodeNum)
}

// promote migrates parent's inline children into a freshly allocated hash
// table and clears the inline array. Caller must hold t.mu (shared) and
// parent.mu (exclusive); promote only takes t.hmu, briefly, to register
// the new table.
func (t *Tree) promote(parent *Node) error {
	t.hmu.Lock()
	id := t.nextH + 1
	t.nextH = id
	ht := &dirHashTable{}
	t.hash[id] = ht
	t.hmu.Unlock()

	for i := uint16(0); i < parent.childCount; i++ {
		slot := parent.children[i]
		if err := insertHash(ht, slot.nameHash, slot.nameOffset, slot.inode); err != nil {
			return err
		}
	}

	parent.hashTableID = id
	parent.children = [MaxInlineChildren]childSlot{}
	return nil
}

func insertHash(ht *dirHashTable, nameHash, nameOffset, childInode uint32) error {
	start := nameHash % hashTableSlots
	for probe := uint32(0); probe < hashTableSlots; probe++ {
		idx := (start + probe) % hashTableSlots
		slot := &ht.slots[idx]
		if !slot.used {
			if probe > maxProbeDistance {
				return fmt.Errorf("tree: insert inode %d: probe distance %d exceeds cap: %w", childInode, probe, razorerr.ErrIO)
			}
			*slot = childSlot{used: true, nameHash: nameHash, nameOffset: nameOffset, inode: childInode, probes: probe}
			ht.entries++
			return nil
		}
	}
	return fmt.Errorf("tree: insert inode %d: hash table full: %w", childInode, razorerr.ErrIO)
}

func (t *Tree) hashInsert(parent *Node, nameHash, nameOffset, childInode uint32) error {
	t.hmu.Lock()
	ht := t.hash[parent.hashTableID]
	t.hmu.Unlock()

	if err := insertHash(ht, nameHash, nameOffset, childInode); err != nil {
		return err
	}
	parent.childCount++

	if float64(ht.entries)/float64(hashTableSlots) > overloadLoadFactor {
		parent.overloaded = true
	}
	return nil
}

// FindChild resolves name within parent to its child node. The tree-
// structure lock is taken before parent's own lock, consistent with the
// rest of the package: never the reverse, to avoid a lock-ordering
// inversion against writers (CreateNode, RemoveNode) that take t.mu
// exclusively.
func (t *Tree) FindChild(parent *Node, name string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parent.mu.RLock()
	defer parent.mu.RUnlock()

	nameHash := hashString(name)

	if parent.hashTableID == 0 {
		for i := uint16(0); i < parent.childCount; i++ {
			slot := parent.children[i]
			if !slot.used || slot.nameHash != nameHash {
				continue
			}
			got, err := t.interner.Get(slot.nameOffset)
			if err != nil || got != name {
				continue
			}
			childNode, ok := t.nodes[slot.inode]
			if !ok {
				continue
			}
			return childNode, nil
		}
		return nil, fmt.Errorf("tree: %q: %w", name, razorerr.ErrNotFound)
	}

	t.hmu.Lock()
	ht := t.hash[parent.hashTableID]
	t.hmu.Unlock()

	start := nameHash % hashTableSlots
	for probe := uint32(0); probe <= maxProbeDistance; probe++ {
		idx := (start + probe) % hashTableSlots
		slot := ht.slots[idx]
		if !slot.used || slot.nameHash != nameHash {
			continue
		}
		got, err := t.interner.Get(slot.nameOffset)
		if err != nil || got != name {
			continue
		}
		childNode, ok := t.nodes[slot.inode]
		if !ok {
			continue
		}
		return childNode, nil
	}
	return nil, fmt.Errorf("tree: %q: %w", name, razorerr.ErrNotFound)
}

// RemoveChild unlinks name from parent, symmetrical to AddChild. The
// tree-structure lock is held (shared) for the duration, acquired before
// parent's own exclusive lock, matching FindChild's ordering.
func (t *Tree) RemoveChild(parent *Node, name string) (removedInode uint32, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parent.mu.Lock()
	defer parent.mu.Unlock()

	nameHash := hashString(name)

	if parent.hashTableID == 0 {
		for i := uint16(0); i < parent.childCount; i++ {
			slot := parent.children[i]
			if !slot.used || slot.nameHash != nameHash {
				continue
			}
			got, gerr := t.interner.Get(slot.nameOffset)
			if gerr != nil || got != name {
				continue
			}

			removedInode := slot.inode
			for j := i; j < parent.childCount-1; j++ {
				parent.children[j] = parent.children[j+1]
			}
			parent.children[parent.childCount-1] = childSlot{}
			parent.childCount--
			return removedInode, nil
		}
		return 0, fmt.Errorf("tree: remove %q: %w", name, razorerr.ErrNotFound)
	}

	t.hmu.Lock()
	ht := t.hash[parent.hashTableID]
	t.hmu.Unlock()

	start := nameHash % hashTableSlots
	for probe := uint32(0); probe <= maxProbeDistance; probe++ {
		idx := (start + probe) % hashTableSlots
		slot := &ht.slots[idx]
		if !slot.used || slot.nameHash != nameHash {
			continue
		}
		got, gerr := t.interner.Get(slot.nameOffset)
		if gerr != nil || got != name {
			continue
		}

		removed := slot.inode
		*slot = childSlot{}
		ht.entries--
		parent.childCount--
		return removed, nil
	}

	return 0, fmt.Errorf("tree: remove %q: %w", name, razorerr.ErrNotFound)
}

// ChildEntry is one (name, inode) pair returned by GetChildren.
type ChildEntry struct {
	Name  string
	Inode uint32
}

// GetChildren returns every (name, inode) pair under parent. Order is
// unspecified beyond stability within a single read.
func (t *Tree) GetChildren(parent *Node) ([]ChildEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parent.mu.RLock()
	defer parent.mu.RUnlock()

	out := make([]ChildEntry, 0, parent.childCount)

	if parent.hashTableID == 0 {
		for i := uint16(0); i < parent.childCount; i++ {
			slot := parent.children[i]
			if !slot.used {
				continue
			}
			name, err := t.interner.Get(slot.nameOffset)
			if err != nil {
				continue
			}
			out = append(out, ChildEntry{Name: name, Inode: slot.inode})
		}
		return out, nil
	}

	t.hmu.Lock()
	ht := t.hash[parent.hashTableID]
	t.hmu.Unlock()

	for _, slot := range ht.slots {
		if !slot.used {
			continue
		}
		name, err := t.interner.Get(slot.nameOffset)
		if err != nil {
			continue
		}
		out = append(out, ChildEntry{Name: name, Inode: slot.inode})
	}
	return out, nil
}

// FindByPath tokenizes path on '/', skipping empty components and '.',
// rejecting '..' as a security error, descending one level per component
// via FindChild.
func (t *Tree) FindByPath(path string) (*Node, error) {
	if path == "" || path == "/" {
		return t.Root(), nil
	}

	cur := t.Root()
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("tree: path %q: parent traversal rejected: %w", path, razorerr.ErrInvalidArgument)
		}

		next, err := t.FindChild(cur, part)
		if err != nil {
			return nil, fmt.Errorf("tree: path %q: %w", path, err)
		}
		cur = next
	}
	return cur, nil
}

// RemoveNode deregisters inodeNum from the tree entirely, releasing its
// hash table (if any) now that nothing can reach it. Callers must have
// already removed it from its parent's child storage.
func (t *Tree) RemoveNode(inodeNum uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[inodeNum]
	if !ok {
		return fmt.Errorf("tree: inode %d: %w", inodeNum, razorerr.ErrNotFound)
	}

	if n.hashTableID != 0 {
		t.hmu.Lock()
		delete(t.hash, n.hashTableID)
		t.hmu.Unlock()
	}

	delete(t.nodes, inodeNum)
	return nil
}

// Rename moves the entry named oldName under oldParent to newName under
// newParent. Since a name is owned by the directory entry rather than by
// the node it targets, a rename is just a RemoveChild followed by an
// AddChild under the new (parent, name) pair; the moved node itself only
// needs its Version bumped to invalidate anything caching its old identity.
func (t *Tree) Rename(oldParent *Node, oldName string, newParent *Node, newName string, noOverwrite bool) error {
	if newParent != oldParent || newName != oldName {
		if _, err := t.FindChild(newParent, newName); err == nil {
			if noOverwrite {
				return fmt.Errorf("tree: rename: %q exists: %w", newName, razorerr.ErrAlreadyExists)
			}
			if _, err := t.RemoveChild(newParent, newName); err != nil {
				return err
			}
		}
	}

	movedInode, err := t.RemoveChild(oldParent, oldName)
	if err != nil {
		return err
	}

	movedNode, err := t.lookupNode(movedInode)
	if err != nil {
		return err
	}

	movedNode.mu.Lock()
	movedNode.Version++
	movedNode.mu.Unlock()

	return t.AddChild(newParent, movedNode, newName)
}
