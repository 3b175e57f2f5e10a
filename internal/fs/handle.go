package fs

import (
	"fmt"

	"github.com/deploymenttheory/razorfs/internal/razorerr"
)

// OpenFile resolves path and issues an opaque handle a host adapter can
// carry across subsequent Read/Write/Release calls without re-walking
// the tree each time. The in-memory engine has no real file descriptors
// to hand out, so the handle is just an index into a local table.
func (fsys *Filesystem) OpenFile(path string) (uint64, error) {
	c := fsys.current()
	n, err := c.tr.FindByPath(path)
	if err != nil {
		return 0, err
	}
	if _, err := c.inodes.Lookup(n.InodeNum); err != nil {
		return 0, err
	}

	fsys.handleMu.Lock()
	defer fsys.handleMu.Unlock()
	fsys.nextHandle++
	h := fsys.nextHandle
	fsys.handles[h] = n.InodeNum
	return h, nil
}

// HandleInode resolves a previously issued handle back to its inode
// number, for adapters that read/write by handle rather than path.
func (fsys *Filesystem) HandleInode(handle uint64) (uint32, error) {
	fsys.handleMu.Lock()
	defer fsys.handleMu.Unlock()
	inodeNum, ok := fsys.handles[handle]
	if !ok {
		return 0, fmt.Errorf("fs: handle %d: %w", handle, razorerr.ErrNotFound)
	}
	return inodeNum, nil
}

// Release discards a handle previously returned by OpenFile.
func (fsys *Filesystem) Release(handle uint64) error {
	fsys.handleMu.Lock()
	defer fsys.handleMu.Unlock()
	if _, ok := fsys.handles[handle]; !ok {
		return fmt.Errorf("fs: handle %d: %w", handle, razorerr.ErrNotFound)
	}
	delete(fsys.handles, handle)
	return nil
}
