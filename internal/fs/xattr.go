package fs

import (
	"fmt"

	"github.com/deploymenttheory/razorfs/internal/razorerr"
)

// xattrs are kept in a side map rather than the inode's inline payload:
// InlineSize is already spoken for by inline file data and extent
// descriptors, so spec.md §6's XattrHead field is a forward-compatible
// placeholder this façade doesn't thread a real on-disk chain through.
// See DESIGN.md.

// SetXattr stores value under name on path's inode, replacing any prior
// value.
func (fsys *Filesystem) SetXattr(path, name string, value []byte) error {
	c := fsys.current()
	n, err := c.tr.FindByPath(path)
	if err != nil {
		return err
	}

	fsys.xattrMu.Lock()
	defer fsys.xattrMu.Unlock()
	m, ok := fsys.xattrs[n.InodeNum]
	if !ok {
		m = make(map[string][]byte)
		fsys.xattrs[n.InodeNum] = m
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m[name] = stored
	return nil
}

// GetXattr returns the value stored under name on path's inode.
func (fsys *Filesystem) GetXattr(path, name string) ([]byte, error) {
	c := fsys.current()
	n, err := c.tr.FindByPath(path)
	if err != nil {
		return nil, err
	}

	fsys.xattrMu.RLock()
	defer fsys.xattrMu.RUnlock()
	m, ok := fsys.xattrs[n.InodeNum]
	if !ok {
		return nil, fmt.Errorf("fs: getxattr %q: %q: %w", path, name, razorerr.ErrNotFound)
	}
	value, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("fs: getxattr %q: %q: %w", path, name, razorerr.ErrNotFound)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// ListXattr returns the names of every extended attribute on path's inode.
func (fsys *Filesystem) ListXattr(path string) ([]string, error) {
	c := fsys.current()
	n, err := c.tr.FindByPath(path)
	if err != nil {
		return nil, err
	}

	fsys.xattrMu.RLock()
	defer fsys.xattrMu.RUnlock()
	m := fsys.xattrs[n.InodeNum]
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names, nil
}

// RemoveXattr deletes name from path's inode.
func (fsys *Filesystem) RemoveXattr(path, name string) error {
	c := fsys.current()
	n, err := c.tr.FindByPath(path)
	if err != nil {
		return err
	}

	fsys.xattrMu.Lock()
	defer fsys.xattrMu.Unlock()
	m, ok := fsys.xattrs[n.InodeNum]
	if !ok {
		return fmt.Errorf("fs: removexattr %q: %q: %w", path, name, razorerr.ErrNotFound)
	}
	if _, ok := m[name]; !ok {
		return fmt.Errorf("fs: removexattr %q: %q: %w", path, name, razorerr.ErrNotFound)
	}
	delete(m, name)
	return nil
}

// clearXattrs drops every extended attribute for a freed inode, called
// from Unlink/Rmdir's onFree hook once the link count reaches zero.
func (fsys *Filesystem) clearXattrs(inodeNum uint32) {
	fsys.xattrMu.Lock()
	defer fsys.xattrMu.Unlock()
	delete(fsys.xattrs, inodeNum)
}
