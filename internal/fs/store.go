package fs

import (
	"fmt"

	"github.com/deploymenttheory/razorfs/internal/inode"
	"github.com/deploymenttheory/razorfs/internal/persist"
	"github.com/deploymenttheory/razorfs/internal/razorerr"
	"github.com/deploymenttheory/razorfs/internal/tree"
)

// Filesystem implements persist.Store by walking the live tree/inode
// table rather than keeping a second, parallel copy of filesystem state
// (the separation internal/persist's Store interface is grounded on —
// see DESIGN.md).

// Snapshot walks every directory from the root, producing one Record per
// directory entry. A hard-linked file yields one Record per name, all
// sharing Inode but each carrying its own Parent — Restore groups them
// back together by Inode.
func (fsys *Filesystem) Snapshot() ([]persist.Record, error) {
	c := fsys.current()

	var records []persist.Record
	var walk func(dir *tree.Node) error
	walk = func(dir *tree.Node) error {
		children, err := c.tr.GetChildren(dir)
		if err != nil {
			return err
		}
		for _, ch := range children {
			childNode, err := c.tr.Node(ch.Inode)
			if err != nil {
				continue
			}
			in, err := c.inodes.Lookup(ch.Inode)
			if err != nil {
				continue
			}

			var content []byte
			if in.IsRegular() && in.Size > 0 {
				content = make([]byte, in.Size)
				if _, err := c.extents.Read(&in, content, 0); err != nil {
					return fmt.Errorf("fs: snapshot %q: %w", ch.Name, err)
				}
			}

			records = append(records, persist.Record{
				Inode:     ch.Inode,
				Parent:    dir.InodeNum,
				Name:      ch.Name,
				Mode:      in.Mode,
				Size:      in.Size,
				Timestamp: in.Mtime,
				Content:   content,
			})

			if in.IsDir() {
				if err := walk(childNode); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(c.tr.Root()); err != nil {
		return nil, err
	}
	return records, nil
}

// NextInode reports the inode table's current allocation counter.
func (fsys *Filesystem) NextInode() uint32 {
	return fsys.current().inodes.NextInode()
}

// Reset rebuilds every component back to a bare root directory, used
// before a crash-recovery journal replay.
func (fsys *Filesystem) Reset() {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.resetLocked()
}

// Restore rebuilds the entire tree/inode/extent state from a flat record
// set (the image's inode table). Records sharing one Inode are a hard
// link group: the node and inode are created once, from the group's
// first record, then every record in the group contributes its own
// (parent, name) directory entry via AddChild — so a multiply-linked
// file round-trips through save/load with all of its names intact.
func (fsys *Filesystem) Restore(records []persist.Record, nextInode uint32) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.resetLocked()
	c := fsys.components

	byInode := make(map[uint32][]persist.Record, len(records))
	for _, r := range records {
		byInode[r.Inode] = append(byInode[r.Inode], r)
	}

	created := make(map[uint32]bool, len(byInode))
	var createNode func(num uint32) error
	createNode = func(num uint32) error {
		if num == tree.RootInode || created[num] {
			return nil
		}
		recs, ok := byInode[num]
		if !ok {
			return fmt.Errorf("fs: restore: inode %d referenced but not present: %w", num, razorerr.ErrCorruption)
		}
		for _, r := range recs {
			if err := createNode(r.Parent); err != nil {
				return err
			}
		}

		first := recs[0]
		childNode, err := c.tr.CreateNode(num, first.Mode)
		if err != nil {
			return err
		}

		for _, r := range recs {
			parentNode, err := c.tr.Node(r.Parent)
			if err != nil {
				return fmt.Errorf("fs: restore: parent %d of inode %d: %w", r.Parent, num, err)
			}
			if err := c.tr.AddChild(parentNode, childNode, r.Name); err != nil {
				return err
			}
		}

		in := inode.Inode{
			InodeNum: num,
			Nlink:    uint16(len(recs)),
			Mode:     first.Mode,
			Size:     first.Size,
			Atime:    first.Timestamp,
			Mtime:    first.Timestamp,
			Ctime:    first.Timestamp,
		}
		if err := c.inodes.InsertLoaded(in); err != nil {
			return err
		}

		if len(first.Content) > 0 {
			if err := c.inodes.Mutate(num, func(ino *inode.Inode) {
				_, _ = c.extents.Write(ino, first.Content, 0)
			}); err != nil {
				return err
			}
		}

		created[num] = true
		return nil
	}

	for num := range byInode {
		if err := createNode(num); err != nil {
			return err
		}
	}

	c.inodes.SetNextInode(nextInode)
	return nil
}

// ensureDir resolves a '/'-separated directory path, creating missing
// intermediate directories as it goes — used only by the journal-replay
// Apply* hooks below, since a replayed create can legitimately name a
// directory that a prior, now-truncated entry already created in the
// same batch.
func (fsys *Filesystem) ensureDir(c components, dir string) (*tree.Node, error) {
	n, err := c.tr.FindByPath(dir)
	if err == nil {
		return n, nil
	}

	parentPath, name := splitPath(dir)
	if name == "" || name == "/" {
		return c.tr.Root(), nil
	}
	parent, err := fsys.ensureDir(c, parentPath)
	if err != nil {
		return nil, err
	}
	if existing, err := c.tr.FindChild(parent, name); err == nil {
		return existing, nil
	}

	num, err := c.inodes.Alloc(inode.ModeDir | 0o755)
	if err != nil {
		return nil, err
	}
	child, err := c.tr.CreateNode(num, inode.ModeDir|0o755)
	if err != nil {
		return nil, err
	}
	if err := c.tr.AddChild(parent, child, name); err != nil {
		return nil, err
	}
	return child, nil
}

// ApplyCreateFile replays a create-file journal entry.
func (fsys *Filesystem) ApplyCreateFile(inodeNum uint32, path string, content []byte) error {
	c := fsys.components
	dir, name := splitPath(path)
	parent, err := fsys.ensureDir(c, dir)
	if err != nil {
		return err
	}

	if existing, err := c.tr.FindChild(parent, name); err == nil {
		if err := c.inodes.Mutate(existing.InodeNum, func(ino *inode.Inode) {
			_, _ = c.extents.Write(ino, content, 0)
		}); err != nil {
			return err
		}
		return c.inodes.Update(existing.InodeNum, uint64(len(content)), 0)
	}

	// A CreateFile entry against an inode that's already registered is a
	// hard link replay (fs.Link journals its target's existing inode
	// number), not a fresh create: give it a new name instead of trying
	// to register the inode a second time.
	if existingNode, err := c.tr.Node(inodeNum); err == nil {
		if err := c.inodes.Link(inodeNum); err != nil {
			return err
		}
		return c.tr.AddChild(parent, existingNode, name)
	}

	child, err := c.tr.CreateNode(inodeNum, inode.ModeRegular|0o644)
	if err != nil {
		return err
	}
	if err := c.tr.AddChild(parent, child, name); err != nil {
		return err
	}
	if err := c.inodes.InsertLoaded(inode.Inode{InodeNum: inodeNum, Nlink: 1, Mode: inode.ModeRegular | 0o644}); err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	if err := c.inodes.Mutate(inodeNum, func(ino *inode.Inode) {
		_, _ = c.extents.Write(ino, content, 0)
	}); err != nil {
		return err
	}
	return nil
}

// ApplyCreateDir replays a create-dir journal entry.
func (fsys *Filesystem) ApplyCreateDir(inodeNum uint32, path string) error {
	c := fsys.components
	dir, name := splitPath(path)
	parent, err := fsys.ensureDir(c, dir)
	if err != nil {
		return err
	}
	if _, err := c.tr.FindChild(parent, name); err == nil {
		return nil
	}

	child, err := c.tr.CreateNode(inodeNum, inode.ModeDir|0o755)
	if err != nil {
		return err
	}
	if err := c.tr.AddChild(parent, child, name); err != nil {
		return err
	}
	return c.inodes.InsertLoaded(inode.Inode{InodeNum: inodeNum, Nlink: 1, Mode: inode.ModeDir | 0o755})
}

// ApplyDeleteFile replays a delete-file journal entry. path identifies
// exactly which (parent, name) entry to remove — required once an inode
// may carry more than one name, since the inode number alone no longer
// determines a unique directory entry.
func (fsys *Filesystem) ApplyDeleteFile(inodeNum uint32, path string) error {
	c := fsys.components
	dir, name := splitPath(path)
	parentNode, err := c.tr.FindByPath(dir)
	if err != nil {
		return nil // parent already gone
	}
	if _, err := c.tr.RemoveChild(parentNode, name); err != nil {
		return nil // already gone
	}
	_, err = c.inodes.Unlink(inodeNum, func(freed inode.Inode) error {
		if err := c.extents.FreeAll(&freed); err != nil {
			return err
		}
		return c.tr.RemoveNode(freed.InodeNum)
	})
	return err
}

// ApplyDeleteDir replays a delete-dir journal entry; identical to
// ApplyDeleteFile since the tree/inode layers don't distinguish on
// removal, only on the original creation call.
func (fsys *Filesystem) ApplyDeleteDir(inodeNum uint32, path string) error {
	return fsys.ApplyDeleteFile(inodeNum, path)
}

// ApplyWriteData replays a write-data journal entry, which always
// carries the file's entire post-write content (DESIGN.md Open
// Question 6).
func (fsys *Filesystem) ApplyWriteData(inodeNum uint32, content []byte) error {
	c := fsys.components
	if _, err := c.inodes.Lookup(inodeNum); err != nil {
		return nil // target no longer exists, a later delete already replayed
	}
	if err := c.inodes.Mutate(inodeNum, func(ino *inode.Inode) {
		if err := c.extents.Truncate(ino, 0); err != nil {
			return
		}
		_, _ = c.extents.Write(ino, content, 0)
	}); err != nil {
		return err
	}
	return c.inodes.Update(inodeNum, uint64(len(content)), 0)
}

// ApplyRename replays a rename journal entry.
func (fsys *Filesystem) ApplyRename(oldPath, newPath string) error {
	c := fsys.components
	oldDir, oldName := splitPath(oldPath)
	newDir, newName := splitPath(newPath)

	oldParent, err := c.tr.FindByPath(oldDir)
	if err != nil {
		return nil // source already gone (superseded by a later replayed entry)
	}
	newParent, err := fsys.ensureDir(c, newDir)
	if err != nil {
		return err
	}
	return c.tr.Rename(oldParent, oldName, newParent, newName, false)
}
