package tree

import (
	"fmt"
	"testing"

	"github.com/deploymenttheory/razorfs/internal/interner"
	"github.com/deploymenttheory/razorfs/internal/razorerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture() (*Tree, *interner.Table) {
	names := interner.New()
	return New(names), names
}

func TestRootExists(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()
	assert.EqualValues(t, RootInode, root.InodeNum)
}

func TestAddFindRemoveChildRoundTrip(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	child, err := tr.CreateNode(2, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, child, "file.txt"))

	found, err := tr.FindChild(root, "file.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, found.InodeNum)

	removed, err := tr.RemoveChild(root, "file.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, err = tr.FindChild(root, "file.txt")
	assert.ErrorIs(t, err, razorerr.ErrNotFound)
}

func TestAddChildAllowsMultipleNamesForSameInode(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	dir, err := tr.CreateNode(2, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, dir, "dir"))

	file, err := tr.CreateNode(3, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, file, "first-name"))
	require.NoError(t, tr.AddChild(root, file, "second-name"))
	require.NoError(t, tr.AddChild(dir, file, "third-name"))

	first, err := tr.FindChild(root, "first-name")
	require.NoError(t, err)
	second, err := tr.FindChild(root, "second-name")
	require.NoError(t, err)
	third, err := tr.FindChild(dir, "third-name")
	require.NoError(t, err)

	assert.EqualValues(t, 3, first.InodeNum)
	assert.EqualValues(t, 3, second.InodeNum)
	assert.EqualValues(t, 3, third.InodeNum)
}

func TestDirectoryPromotionAtSeventeenthChild(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	for i := uint32(0); i < MaxInlineChildren; i++ {
		name := fmt.Sprintf("child-%02d", i)
		child, err := tr.CreateNode(i+2, 0)
		require.NoError(t, err)
		require.NoError(t, tr.AddChild(root, child, name))
	}

	assert.EqualValues(t, MaxInlineChildren, root.ChildCount())
	root.mu.RLock()
	stillInline := root.hashTableID == 0
	root.mu.RUnlock()
	assert.True(t, stillInline, "directory must remain inline at exactly MaxInlineChildren entries")

	seventeenth, err := tr.CreateNode(MaxInlineChildren+2, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, seventeenth, "child-16"))

	root.mu.RLock()
	promoted := root.hashTableID != 0
	root.mu.RUnlock()
	assert.True(t, promoted, "a 17th child must trigger promotion to a hash table")
	assert.EqualValues(t, MaxInlineChildren+1, root.ChildCount())

	for i := uint32(0); i < MaxInlineChildren; i++ {
		name := fmt.Sprintf("child-%02d", i)
		found, err := tr.FindChild(root, name)
		require.NoError(t, err, "child %q must still be reachable after promotion", name)
		assert.EqualValues(t, i+2, found.InodeNum)
	}
	found, err := tr.FindChild(root, "child-16")
	require.NoError(t, err)
	assert.EqualValues(t, MaxInlineChildren+2, found.InodeNum)
}

func TestFindByPathRejectsParentTraversal(t *testing.T) {
	tr, _ := newFixture()
	_, err := tr.FindByPath("a/../b")
	assert.ErrorIs(t, err, razorerr.ErrInvalidArgument)
}

func TestFindByPathDescendsNestedDirectories(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	dir, err := tr.CreateNode(2, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, dir, "sub"))

	file, err := tr.CreateNode(3, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(dir, file, "leaf.txt"))

	found, err := tr.FindByPath("/sub/leaf.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 3, found.InodeNum)

	found, err = tr.FindByPath("sub/./leaf.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 3, found.InodeNum)
}

func TestRenameMovesNodeAndUpdatesParent(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	srcDir, err := tr.CreateNode(2, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, srcDir, "src"))

	dstDir, err := tr.CreateNode(3, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, dstDir, "dst"))

	file, err := tr.CreateNode(4, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(srcDir, file, "a.txt"))

	require.NoError(t, tr.Rename(srcDir, "a.txt", dstDir, "b.txt", false))

	_, err = tr.FindChild(srcDir, "a.txt")
	assert.ErrorIs(t, err, razorerr.ErrNotFound)

	moved, err := tr.FindChild(dstDir, "b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 4, moved.InodeNum)
}

func TestRenameNoOverwriteRejectsExistingTarget(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	a, err := tr.CreateNode(2, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, a, "a.txt"))

	b, err := tr.CreateNode(3, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, b, "b.txt"))

	err = tr.Rename(root, "a.txt", root, "b.txt", true)
	assert.ErrorIs(t, err, razorerr.ErrAlreadyExists)

	// Both names must still resolve: the rejected rename must not have
	// mutated either entry.
	_, err = tr.FindChild(root, "a.txt")
	require.NoError(t, err)
	_, err = tr.FindChild(root, "b.txt")
	require.NoError(t, err)
}

func TestRenameOverwriteReplacesExistingTarget(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	a, err := tr.CreateNode(2, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, a, "a.txt"))

	b, err := tr.CreateNode(3, 0)
	require.NoError(t, err)
	require.NoError(t, tr.AddChild(root, b, "b.txt"))

	require.NoError(t, tr.Rename(root, "a.txt", root, "b.txt", false))

	found, err := tr.FindChild(root, "b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, found.InodeNum, "b.txt must now resolve to the moved node, not the replaced one")
}

func TestGetChildrenInlineAndHashed(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	for i := uint32(0); i < 5; i++ {
		name := fmt.Sprintf("f%d", i)
		child, err := tr.CreateNode(i+2, 0)
		require.NoError(t, err)
		require.NoError(t, tr.AddChild(root, child, name))
	}

	entries, err := tr.GetChildren(root)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	for i := uint32(0); i < 20; i++ {
		name := fmt.Sprintf("g%d", i)
		child, err := tr.CreateNode(i+100, 0)
		require.NoError(t, err)
		require.NoError(t, tr.AddChild(root, child, name))
	}

	entries, err = tr.GetChildren(root)
	require.NoError(t, err)
	assert.Len(t, entries, 25)
}

func TestCreateNodeRejectsDuplicateInode(t *testing.T) {
	tr, _ := newFixture()
	_, err := tr.CreateNode(2, 0)
	require.NoError(t, err)

	_, err = tr.CreateNode(2, 0)
	assert.ErrorIs(t, err, razorerr.ErrAlreadyExists)
}

func TestRemoveNodeReleasesHashTable(t *testing.T) {
	tr, _ := newFixture()
	root := tr.Root()

	for i := uint32(0); i < MaxInlineChildren+1; i++ {
		name := fmt.Sprintf("h%d", i)
		child, err := tr.CreateNode(i+2, 0)
		require.NoError(t, err)
		require.NoError(t, tr.AddChild(root, child, name))
	}

	root.mu.RLock()
	id := root.hashTableID
	root.mu.RUnlock()
	require.NotZero(t, id)

	require.NoError(t, tr.RemoveNode(root.InodeNum))
	_, err := tr.lookupNode(root.InodeNum)
	assert.ErrorIs(t, err, razorerr.ErrNotFound)

	tr.hmu.Lock()
	_, stillRegistered := tr.hash[id]
	tr.hmu.Unlock()
	assert.False(t, stillRegistered)
}
