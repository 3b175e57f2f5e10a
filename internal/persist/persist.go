// Package persist implements the persistence engine of spec.md §4.7: it
// drives the three persistence modes (synchronous, asynchronous,
// journal-only), the atomic image save/load protocol, and crash
// recovery by replaying the write-ahead journal against a Store.
package persist

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deploymenttheory/razorfs/internal/checksum"
	"github.com/deploymenttheory/razorfs/internal/config"
	"github.com/deploymenttheory/razorfs/internal/image"
	"github.com/deploymenttheory/razorfs/internal/interner"
	"github.com/deploymenttheory/razorfs/internal/journal"
	"github.com/deploymenttheory/razorfs/internal/razorerr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Record is one directory entry's persisted shape (a hard-linked inode
// yields one Record per name), produced by Store.Snapshot
// for a save and consumed by Store.Restore after a load.
type Record struct {
	Inode     uint32
	Parent    uint32
	Name      string
	Mode      uint16
	Size      uint64
	Timestamp uint32
	Content   []byte // nil for directories
}

// Store is the in-memory filesystem state the engine saves, loads, and
// replays journal records into. internal/fs implements Store by
// composing the tree, inode table, extent mapper, and string interner.
type Store interface {
	Snapshot() ([]Record, error)
	NextInode() uint32
	Reset()
	Restore(records []Record, nextInode uint32) error

	ApplyCreateFile(inode uint32, path string, content []byte) error
	ApplyCreateDir(inode uint32, path string) error
	ApplyDeleteFile(inode uint32, path string) error
	ApplyDeleteDir(inode uint32, path string) error
	ApplyWriteData(inode uint32, content []byte) error
	ApplyRename(oldPath, newPath string) error
}

// Engine owns the image and journal files and drives save/load/recovery
// against a Store.
type Engine struct {
	mu sync.RWMutex // persistence lock: exclusive on save, shared on load

	store      Store
	imagePath  string
	journalFn  *journal.Journal
	mode       config.Mode
	interval   time.Duration
	instanceID uuid.UUID

	asyncMu      sync.Mutex
	asyncPending bool
	asyncWake    chan struct{}

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
}

// New opens (creating if absent) the journal at cfg.JournalPath and, in
// asynchronous mode, starts the background worker.
func New(store Store, cfg *config.Config) (*Engine, error) {
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	e := &Engine{
		store:      store,
		imagePath:  cfg.ImagePath,
		journalFn:  j,
		mode:       cfg.PersistenceMode,
		interval:   time.Duration(cfg.AutoSyncIntervalMS) * time.Millisecond,
		instanceID: uuid.New(),
		asyncWake:  make(chan struct{}, 1),
		group:      group,
		groupCtx:   groupCtx,
		cancel:     cancel,
	}

	if e.mode == config.Asynchronous {
		e.group.Go(e.asyncWorker)
	}

	return e, nil
}

// InstanceUUID is the identifier embedded in the image header, stable
// across a save/load cycle once a load has populated it.
func (e *Engine) InstanceUUID() uuid.UUID {
	return e.instanceID
}

// Mode reports the engine's configured persistence mode.
func (e *Engine) Mode() config.Mode {
	return e.mode
}

// JournalAppend appends a mutation record. Every mode journals every
// mutation; only the image-rewrite cadence differs between modes, which
// Save/the caller controls.
func (e *Engine) JournalAppend(entryType journal.EntryType, inode uint32, payload []byte) error {
	return e.journalFn.Append(entryType, uint64(inode), payload)
}

// Save executes the save protocol. In asynchronous mode it marks the
// image dirty and wakes the background worker, returning immediately;
// otherwise it saves inline.
func (e *Engine) Save(ctx context.Context) error {
	if e.mode == config.Asynchronous {
		e.markDirty()
		return nil
	}
	return e.saveNow()
}

// Flush performs an immediate synchronous save regardless of mode. The
// host adapter's flush(path)/fsync(path, data_only) operations call this
// directly (spec.md §6), since in journal-only mode they are the only
// save trigger apart from crash recovery and Shutdown's final save.
func (e *Engine) Flush(ctx context.Context) error {
	return e.saveNow()
}

func (e *Engine) markDirty() {
	e.asyncMu.Lock()
	e.asyncPending = true
	e.asyncMu.Unlock()
	select {
	case e.asyncWake <- struct{}{}:
	default:
	}
}

// saveNow implements spec.md §4.7's eight-step synchronous save protocol.
func (e *Engine) saveNow() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.store.Snapshot()
	if err != nil {
		return fmt.Errorf("persist: snapshot: %w", err)
	}

	names := interner.New()
	entries := make([]image.InodeEntry, 0, len(records))
	contents := make([][]byte, 0, len(records))

	var dataOffset uint32
	for _, r := range records {
		offset, err := names.Intern(r.Name)
		if err != nil {
			return fmt.Errorf("persist: intern %q: %w", r.Name, err)
		}
		entry := image.InodeEntry{
			InodeNumber: uint64(r.Inode),
			ParentInode: uint64(r.Parent),
			NameOffset:  offset,
			Mode:        r.Mode,
			Size:        r.Size,
			Timestamp:   uint64(r.Timestamp),
		}
		if len(r.Content) > 0 {
			entry.DataOffset = dataOffset
			entry.DataSize = uint32(len(r.Content))
			dataOffset += entry.DataSize
		}
		entries = append(entries, entry)
		contents = append(contents, r.Content)
	}

	stringTable := names.Serialize()
	inodeTableSize := uint32(len(entries) * image.InodeEntrySize)

	header := image.Header{
		Magic:             image.Magic,
		VersionMajor:      image.VersionMajor,
		VersionMinor:      image.VersionMinor,
		Timestamp:         image.NowMillis(),
		NextInode:         uint64(e.store.NextInode()),
		StringTableOffset: image.HeaderSize,
		StringTableSize:   uint32(len(stringTable)),
		InodeTableSize:    inodeTableSize,
		DataSectionSize:   dataOffset,
	}
	header.InodeTableOffset = header.StringTableOffset + header.StringTableSize
	header.DataSectionOffset = header.InodeTableOffset + header.InodeTableSize
	header.SetInstanceUUID(e.instanceID)

	buf := make([]byte, 0, int(header.DataSectionOffset)+int(dataOffset))
	buf = append(buf, image.EncodeHeader(header)...)
	buf = append(buf, stringTable...)
	for _, entry := range entries {
		buf = append(buf, image.EncodeInodeEntry(entry)...)
	}
	for _, content := range contents {
		buf = append(buf, content...)
	}

	header.FileCRC = checksum.Checksum(buf[image.HeaderSize:])
	header.HeaderCRC = image.ComputeHeaderCRC(image.EncodeHeader(header))
	copy(buf[:image.HeaderSize], image.EncodeHeader(header))

	if err := e.writeImageAtomic(buf); err != nil {
		return err
	}

	if err := e.journalFn.Checkpoint(); err != nil {
		return fmt.Errorf("persist: checkpoint: %w", err)
	}
	if err := e.journalFn.Truncate(); err != nil {
		return fmt.Errorf("persist: truncate journal: %w", err)
	}
	return nil
}

// writeImageAtomic writes buf to a temporary file in the image's own
// directory, flushes it, and renames it over imagePath — the image
// never loses its previous, fully-checksummed contents mid-write.
func (e *Engine) writeImageAtomic(buf []byte) error {
	dir := filepath.Dir(e.imagePath)
	tmp, err := os.CreateTemp(dir, ".razorfs-image-*.tmp")
	if err != nil {
		return fmt.Errorf("persist: create temp image: %w", razorerr.ErrIO)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: write temp image: %w", razorerr.ErrIO)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: sync temp image: %w", razorerr.ErrIO)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: close temp image: %w", razorerr.ErrIO)
	}
	if err := unix.Rename(tmpPath, e.imagePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: rename temp image into place: %w", razorerr.ErrIO)
	}
	return nil
}

// Load implements spec.md §4.7's load protocol plus crash recovery: if
// the image cannot be read or fails validation, it replays the journal
// against an empty Store instead.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.RLock()
	data, readErr := os.ReadFile(e.imagePath)
	e.mu.RUnlock()

	if readErr != nil {
		return e.recover()
	}

	if err := e.loadFrom(data); err != nil {
		return e.recover()
	}

	if err := journal.Replay(e.journalPath(), e.applyEntry); err != nil {
		return fmt.Errorf("persist: replay journal after load: %w", err)
	}
	return nil
}

func (e *Engine) journalPath() string {
	return e.imagePath + ".journal"
}

func (e *Engine) loadFrom(data []byte) error {
	if len(data) < image.HeaderSize {
		return fmt.Errorf("persist: image shorter than header: %w", razorerr.ErrCorruption)
	}
	header, err := image.DecodeHeader(data[:image.HeaderSize])
	if err != nil {
		return err
	}
	if header.Magic != image.Magic {
		return fmt.Errorf("persist: bad magic: %w", razorerr.ErrCorruption)
	}
	if header.VersionMajor != image.VersionMajor {
		return fmt.Errorf("persist: unsupported version %d.%d: %w", header.VersionMajor, header.VersionMinor, razorerr.ErrCorruption)
	}
	if image.ComputeHeaderCRC(data[:image.HeaderSize]) != header.HeaderCRC {
		return fmt.Errorf("persist: header CRC mismatch: %w", razorerr.ErrCorruption)
	}
	if int(header.DataSectionOffset)+int(header.DataSectionSize) > len(data) {
		return fmt.Errorf("persist: data section out of bounds: %w", razorerr.ErrCorruption)
	}
	if checksum.Checksum(data[image.HeaderSize:]) != header.FileCRC {
		return fmt.Errorf("persist: file CRC mismatch: %w", razorerr.ErrCorruption)
	}

	stEnd := int(header.StringTableOffset) + int(header.StringTableSize)
	names, err := interner.Load(data[header.StringTableOffset:stEnd])
	if err != nil {
		return fmt.Errorf("persist: load string table: %w", err)
	}

	records := make([]Record, 0, header.InodeTableSize/image.InodeEntrySize)
	entryCount := int(header.InodeTableSize) / image.InodeEntrySize
	for i := 0; i < entryCount; i++ {
		start := int(header.InodeTableOffset) + i*image.InodeEntrySize
		end := start + image.InodeEntrySize
		if end > len(data) {
			break
		}
		entry, valid, err := image.DecodeInodeEntry(data[start:end])
		if err != nil {
			return err
		}
		if !valid {
			continue // a single bad inode entry is skipped, not fatal (§7)
		}

		name, err := names.Get(entry.NameOffset)
		if err != nil {
			continue
		}

		var content []byte
		if entry.DataSize > 0 {
			contentStart := int(header.DataSectionOffset) + int(entry.DataOffset)
			contentEnd := contentStart + int(entry.DataSize)
			if contentEnd > len(data) {
				continue
			}
			content = bytes.Clone(data[contentStart:contentEnd])
		}

		records = append(records, Record{
			Inode:     uint32(entry.InodeNumber),
			Parent:    uint32(entry.ParentInode),
			Name:      name,
			Mode:      entry.Mode,
			Size:      entry.Size,
			Timestamp: uint32(entry.Timestamp),
			Content:   content,
		})
	}

	if err := e.store.Restore(records, uint32(header.NextInode)); err != nil {
		return fmt.Errorf("persist: restore: %w", err)
	}

	id := header.InstanceUUID()
	if id != uuid.Nil {
		e.instanceID = id
	}
	return nil
}

// recover replays the journal against a freshly reset Store. If replay
// produces any state, it performs a save so later loads avoid this path
// again; a journal with nothing usable just leaves the store empty.
func (e *Engine) recover() error {
	e.store.Reset()

	applied := 0
	err := journal.Replay(e.journalPath(), func(entry journal.Entry) error {
		applied++
		return e.applyEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("persist: recovery replay: %w", err)
	}

	if applied > 0 {
		if err := e.saveNow(); err != nil {
			return fmt.Errorf("persist: save after recovery: %w", err)
		}
	}
	return nil
}

func splitZero(payload []byte) (string, []byte) {
	idx := bytes.IndexByte(payload, 0)
	if idx < 0 {
		return string(payload), nil
	}
	return string(payload[:idx]), payload[idx+1:]
}

func (e *Engine) applyEntry(entry journal.Entry) error {
	inode := uint32(entry.Inode)
	switch entry.Type {
	case journal.CreateFile:
		path, content := splitZero(entry.Payload)
		return e.store.ApplyCreateFile(inode, path, content)
	case journal.CreateDir:
		path, _ := splitZero(entry.Payload)
		return e.store.ApplyCreateDir(inode, path)
	case journal.DeleteFile:
		return e.store.ApplyDeleteFile(inode, string(entry.Payload))
	case journal.DeleteDir:
		return e.store.ApplyDeleteDir(inode, string(entry.Payload))
	case journal.WriteData:
		return e.store.ApplyWriteData(inode, entry.Payload)
	case journal.Rename:
		oldPath, newPath := splitZero(entry.Payload)
		return e.store.ApplyRename(oldPath, string(newPath))
	case journal.Checkpoint:
		return nil
	default:
		return fmt.Errorf("persist: unknown journal entry type %d: %w", entry.Type, razorerr.ErrCorruption)
	}
}

// asyncWorker drains queued saves and checkpoints periodically until the
// engine is shut down.
func (e *Engine) asyncWorker() error {
	interval := e.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.groupCtx.Done():
			return nil
		case <-e.asyncWake:
		case <-ticker.C:
		}

		e.asyncMu.Lock()
		pending := e.asyncPending
		e.asyncPending = false
		e.asyncMu.Unlock()

		if !pending {
			continue
		}
		if err := e.saveNow(); err != nil {
			// A failed save in asynchronous mode marks the image dirty
			// again for retry at the next interval; it must not abort
			// in-flight operations.
			e.markDirty()
		}
	}
}

// Shutdown stops accepting new background work, drains any pending save,
// performs one final save, and closes the journal.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	if err := e.group.Wait(); err != nil {
		return err
	}
	if err := e.saveNow(); err != nil {
		return err
	}
	return e.journalFn.Close()
}
