package persist

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deploymenttheory/razorfs/internal/config"
	"github.com/deploymenttheory/razorfs/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal Store used only to exercise the engine's
// save/load/recovery protocol, independent of the real tree/inode/extent
// wiring that internal/fs supplies in production.
type fakeStore struct {
	mu      sync.Mutex
	records map[uint32]Record
	next    uint32
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uint32]Record), next: 2}
}

func (s *fakeStore) Snapshot() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) NextInode() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *fakeStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[uint32]Record)
	s.next = 2
}

func (s *fakeStore) Restore(records []Record, nextInode uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[uint32]Record, len(records))
	for _, r := range records {
		s.records[r.Inode] = r
	}
	s.next = nextInode
	return nil
}

func (s *fakeStore) ApplyCreateFile(inode uint32, path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[inode] = Record{Inode: inode, Parent: 1, Name: path, Mode: 0100644, Size: uint64(len(content)), Content: content}
	if inode >= s.next {
		s.next = inode + 1
	}
	return nil
}

func (s *fakeStore) ApplyCreateDir(inode uint32, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[inode] = Record{Inode: inode, Parent: 1, Name: path, Mode: 0040755}
	if inode >= s.next {
		s.next = inode + 1
	}
	return nil
}

func (s *fakeStore) ApplyDeleteFile(inode uint32, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, inode)
	return nil
}

func (s *fakeStore) ApplyDeleteDir(inode uint32, path string) error {
	return s.ApplyDeleteFile(inode, path)
}

func (s *fakeStore) ApplyWriteData(inode uint32, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[inode]
	if !ok {
		return nil
	}
	r.Content = content
	r.Size = uint64(len(content))
	s.records[inode] = r
	return nil
}

func (s *fakeStore) ApplyRename(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for inode, r := range s.records {
		if r.Name == oldPath {
			r.Name = newPath
			s.records[inode] = r
		}
	}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		PersistenceMode:     config.Synchronous,
		AutoSyncIntervalMS:  20,
		BackingRegionBlocks: 1024,
		BlockSize:           4096,
		ImagePath:           filepath.Join(dir, "razorfs.img"),
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	cfg := testConfig(t)

	store1 := newFakeStore()
	store1.records[2] = Record{Inode: 2, Parent: 1, Name: "hello.txt", Mode: 0100644, Size: 5, Content: []byte("hello")}
	store1.records[3] = Record{Inode: 3, Parent: 1, Name: "docs", Mode: 0040755}
	store1.next = 4

	e1, err := New(store1, cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Save(context.Background()))

	store2 := newFakeStore()
	e2, err := New(store2, cfg)
	require.NoError(t, err)
	require.NoError(t, e2.Load(context.Background()))

	require.Len(t, store2.records, 2)
	assert.Equal(t, "hello.txt", store2.records[2].Name)
	assert.Equal(t, []byte("hello"), store2.records[2].Content)
	assert.EqualValues(t, 1, store2.records[2].Parent)
	assert.Equal(t, "docs", store2.records[3].Name)
	assert.EqualValues(t, 4, store2.next)
	assert.Equal(t, e1.InstanceUUID(), e2.InstanceUUID())
}

func TestLoadWithNoImageRecoversFromJournal(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()

	e, err := New(store, cfg)
	require.NoError(t, err)
	require.NoError(t, e.JournalAppend(journal.CreateDir, 3, []byte("folder\x00")))
	require.NoError(t, e.JournalAppend(journal.CreateFile, 5, []byte("note.txt\x00hi there")))

	require.NoError(t, e.Load(context.Background()))

	got, ok := store.records[5]
	require.True(t, ok)
	assert.Equal(t, "note.txt", got.Name)
	assert.Equal(t, []byte("hi there"), got.Content)

	_, err = os.Stat(cfg.ImagePath)
	assert.NoError(t, err, "a non-empty recovery must save a fresh image")
}

func TestLoadFallsBackToJournalWhenImageCorrupted(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	store.records[2] = Record{Inode: 2, Parent: 1, Name: "stale.txt", Mode: 0100644, Content: []byte("old")}

	e, err := New(store, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Save(context.Background()))

	data, err := os.ReadFile(cfg.ImagePath)
	require.NoError(t, err)
	data[100] ^= 0xFF // corrupt a byte past the header
	require.NoError(t, os.WriteFile(cfg.ImagePath, data, 0o644))

	require.NoError(t, e.JournalAppend(journal.CreateFile, 9, []byte("fresh.txt\x00v2")))

	require.NoError(t, e.Load(context.Background()))

	_, hadStale := store.records[2]
	assert.False(t, hadStale, "a corrupted image must be discarded entirely, not merged with the journal")
	got, ok := store.records[9]
	require.True(t, ok)
	assert.Equal(t, "fresh.txt", got.Name)
}

func TestAsyncSaveIsAppliedByBackgroundWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.PersistenceMode = config.Asynchronous
	cfg.AutoSyncIntervalMS = 10

	store := newFakeStore()
	store.records[2] = Record{Inode: 2, Parent: 1, Name: "a.txt", Mode: 0100644, Content: []byte("x")}

	e, err := New(store, cfg)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	require.NoError(t, e.Save(context.Background()))

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.ImagePath)
		return err == nil
	}, time.Second, 5*time.Millisecond, "background worker must eventually write the image")
}

func TestShutdownPerformsFinalSave(t *testing.T) {
	cfg := testConfig(t)
	store := newFakeStore()
	store.records[2] = Record{Inode: 2, Parent: 1, Name: "a.txt", Mode: 0100644, Content: []byte("x")}

	e, err := New(store, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Shutdown(context.Background()))

	_, err = os.Stat(cfg.ImagePath)
	assert.NoError(t, err)
}
