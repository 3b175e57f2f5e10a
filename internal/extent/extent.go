// Package extent maps an inode's logical byte offsets to physical blocks
// obtained from a block allocator, supporting inline storage for tiny
// files, up to two inline extent descriptors, and a single extent-tree
// block for larger or fragmented files. Sparse holes read as zero.
package extent

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/deploymenttheory/razorfs/internal/blockalloc"
	"github.com/deploymenttheory/razorfs/internal/inode"
	"github.com/deploymenttheory/razorfs/internal/razorerr"
)

// HoleBlock is the reserved block_num value meaning "sparse hole, no
// physical backing".
const HoleBlock = ^uint32(0)

// inlineMax is the number of extent descriptors that fit in the inode's
// inline payload before a tree block is required.
const inlineMax = 2

// extentsPerBlock matches ~254 descriptors per 4 KiB block: 8-byte node
// header (num_extents + padding) plus 16-byte descriptors.
const extentsPerBlock = 254

// Descriptor maps a logical byte range to a contiguous physical block
// range. A Block value of HoleBlock denotes an unmapped (sparse) range.
type Descriptor struct {
	LogicalOffset uint64
	Block         uint32
	NumBlocks     uint32
}

const descriptorSize = 16 // 8 + 4 + 4

func (d Descriptor) isHole() bool { return d.Block == HoleBlock }

// end returns the exclusive logical end offset of the descriptor, given
// the mapper's block size.
func (d Descriptor) end(blockSize uint32) uint64 {
	return d.LogicalOffset + uint64(d.NumBlocks)*uint64(blockSize)
}

// storageMode is the explicit per-inode tag this package keeps alongside
// (but outside of) the fixed 64-byte Inode record, resolving spec.md
// §9's "sentinel values over tagged unions" design note without
// shrinking the inode's two-inline-extent capacity. See DESIGN.md, Open
// Question 1.
type storageMode uint8

const (
	modeInlineData storageMode = iota
	modeInlineExtents
	modeExtentTree
)

// Mapper owns the explicit storage-mode tags and all extent-tree
// traversal/allocation logic for a set of inodes sharing one block
// allocator.
type Mapper struct {
	alloc *blockalloc.Allocator

	mu    sync.Mutex
	modes map[uint32]storageMode
}

// New creates an extent mapper over the given block allocator.
func New(alloc *blockalloc.Allocator) *Mapper {
	return &Mapper{
		alloc: alloc,
		modes: make(map[uint32]storageMode),
	}
}

func (m *Mapper) modeOf(inodeNum uint32) storageMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes[inodeNum]
}

func (m *Mapper) setMode(inodeNum uint32, mode storageMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[inodeNum] = mode
}

func (m *Mapper) clearMode(inodeNum uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modes, inodeNum)
}

// blockSize returns the allocator's block size.
func (m *Mapper) blockSize() uint32 {
	return m.alloc.BlockSize()
}

// inlineExtents decodes up to inlineMax descriptors packed into the
// inode's inline payload.
func inlineExtents(in *inode.Inode) []Descriptor {
	out := make([]Descriptor, 0, inlineMax)
	for i := 0; i < inlineMax; i++ {
		off := i * descriptorSize
		d := decodeDescriptor(in.Inline[off : off+descriptorSize])
		if d.NumBlocks == 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

func encodeDescriptor(buf []byte, d Descriptor) {
	binary.LittleEndian.PutUint64(buf[0:8], d.LogicalOffset)
	binary.LittleEndian.PutUint32(buf[8:12], d.Block)
	binary.LittleEndian.PutUint32(buf[12:16], d.NumBlocks)
}

func decodeDescriptor(buf []byte) Descriptor {
	return Descriptor{
		LogicalOffset: binary.LittleEndian.Uint64(buf[0:8]),
		Block:         binary.LittleEndian.Uint32(buf[8:12]),
		NumBlocks:     binary.LittleEndian.Uint32(buf[12:16]),
	}
}

func writeInlineExtents(in *inode.Inode, descs []Descriptor) {
	var zero [inode.InlineSize]byte
	in.Inline = zero
	for i, d := range descs {
		if i >= inlineMax {
			break
		}
		off := i * descriptorSize
		encodeDescriptor(in.Inline[off:off+descriptorSize], d)
	}
}

// treeBlockOf returns the extent-tree root block number stored in the
// inode's inline payload.
func treeBlockOf(in *inode.Inode) uint32 {
	return binary.LittleEndian.Uint32(in.Inline[0:4])
}

func setTreeBlock(in *inode.Inode, block uint32) {
	var zero [inode.InlineSize]byte
	in.Inline = zero
	binary.LittleEndian.PutUint32(in.Inline[0:4], block)
}

// treeNode is the decoded form of one extent-tree block.
type treeNode struct {
	extents []Descriptor
}

func (m *Mapper) readTree(block uint32) (treeNode, error) {
	buf := make([]byte, m.blockSize())
	if _, err := m.alloc.Read(block, buf, 0); err != nil {
		return treeNode{}, fmt.Errorf("extent: read tree block %d: %w", block, err)
	}

	count := binary.LittleEndian.Uint32(buf[0:4])
	if count > extentsPerBlock {
		return treeNode{}, fmt.Errorf("extent: tree block %d: count %d exceeds capacity: %w", block, count, razorerr.ErrCorruption)
	}

	tn := treeNode{extents: make([]Descriptor, 0, count)}
	for i := uint32(0); i < count; i++ {
		off := 8 + int(i)*descriptorSize
		tn.extents = append(tn.extents, decodeDescriptor(buf[off:off+descriptorSize]))
	}
	return tn, nil
}

func (m *Mapper) writeTree(block uint32, tn treeNode) error {
	if len(tn.extents) > extentsPerBlock {
		return fmt.Errorf("extent: tree block %d: %d extents exceeds capacity %d: %w", block, len(tn.extents), extentsPerBlock, razorerr.ErrIO)
	}

	buf := make([]byte, m.blockSize())
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(tn.extents)))
	for i, d := range tn.extents {
		off := 8 + i*descriptorSize
		encodeDescriptor(buf[off:off+descriptorSize], d)
	}

	if _, err := m.alloc.Write(block, buf, 0); err != nil {
		return fmt.Errorf("extent: write tree block %d: %w", block, err)
	}
	return nil
}

// descriptors returns every (non-inline-data) extent descriptor for the
// inode, in logical order.
func (m *Mapper) descriptors(in *inode.Inode) ([]Descriptor, error) {
	switch m.modeOf(in.InodeNum) {
	case modeInlineExtents:
		return inlineExtents(in), nil
	case modeExtentTree:
		tn, err := m.readTree(treeBlockOf(in))
		if err != nil {
			return nil, err
		}
		return tn.extents, nil
	default:
		return nil, nil
	}
}

func sortByOffset(descs []Descriptor) {
	for i := 1; i < len(descs); i++ {
		for j := i; j > 0 && descs[j].LogicalOffset < descs[j-1].LogicalOffset; j-- {
			descs[j], descs[j-1] = descs[j-1], descs[j]
		}
	}
}

// mergeInsert inserts d into descs, merging with any descriptor whose
// logical range is adjacent AND whose physical range is adjacent and
// non-hole, per spec.md §4.4/§4.5's merge invariant.
func mergeInsert(descs []Descriptor, d Descriptor, blockSize uint32) []Descriptor {
	out := make([]Descriptor, 0, len(descs)+1)
	merged := d

	for _, e := range descs {
		if !merged.isHole() && !e.isHole() &&
			e.LogicalOffset == merged.end(blockSize) &&
			e.Block == merged.Block+merged.NumBlocks {
			merged.NumBlocks += e.NumBlocks
			continue
		}
		if !merged.isHole() && !e.isHole() &&
			merged.LogicalOffset == e.end(blockSize) &&
			merged.Block == e.Block+e.NumBlocks {
			merged.LogicalOffset = e.LogicalOffset
			merged.Block = e.Block
			merged.NumBlocks += e.NumBlocks
			continue
		}
		out = append(out, e)
	}

	out = append(out, merged)
	sortByOffset(out)
	return out
}

// Add inserts an extent mapping logicalOffset..+n*blockSize to
// block..+n, merging with adjacent extents where possible. It transitions
// the inode between storage modes as capacity demands.
func (m *Mapper) Add(in *inode.Inode, logicalOffset uint64, block uint32, n uint32) error {
	mode := m.modeOf(in.InodeNum)
	if mode == modeInlineData {
		mode = modeInlineExtents
	}

	d := Descriptor{LogicalOffset: logicalOffset, Block: block, NumBlocks: n}

	switch mode {
	case modeInlineExtents:
		existing := inlineExtents(in)
		merged := mergeInsert(existing, d, m.blockSize())
		if len(merged) <= inlineMax {
			writeInlineExtents(in, merged)
			m.setMode(in.InodeNum, modeInlineExtents)
			return nil
		}

		// Promote to an extent tree: allocate a root block, copy the
		// merged set in, and rewrite the inline payload to reference it.
		treeBlock, err := m.alloc.Alloc(1)
		if err != nil {
			return fmt.Errorf("extent: promote to tree: %w", err)
		}
		if err := m.writeTree(treeBlock, treeNode{extents: merged}); err != nil {
			_ = m.alloc.Free(treeBlock, 1)
			return err
		}
		setTreeBlock(in, treeBlock)
		m.setMode(in.InodeNum, modeExtentTree)
		return nil

	case modeExtentTree:
		block := treeBlockOf(in)
		tn, err := m.readTree(block)
		if err != nil {
			return err
		}
		tn.extents = mergeInsert(tn.extents, d, m.blockSize())
		if len(tn.extents) > extentsPerBlock {
			return fmt.Errorf("extent: tree block %d: capacity exceeded: %w", block, razorerr.ErrIO)
		}
		return m.writeTree(block, tn)

	default:
		return fmt.Errorf("extent: add: unexpected storage mode: %w", razorerr.ErrIO)
	}
}

// Map resolves logicalOffset to a physical (block, offset-in-block) pair.
// An unmapped offset (within a hole or past every extent) returns
// ErrNotFound so callers can special-case zero-fill.
func (m *Mapper) Map(in *inode.Inode, logicalOffset uint64) (block uint32, offsetInBlock uint32, err error) {
	descs, err := m.descriptors(in)
	if err != nil {
		return 0, 0, err
	}

	bs := m.blockSize()
	for _, d := range descs {
		if logicalOffset >= d.LogicalOffset && logicalOffset < d.end(bs) {
			if d.isHole() {
				return 0, 0, fmt.Errorf("extent: offset %d is a hole: %w", logicalOffset, razorerr.ErrNotFound)
			}
			delta := logicalOffset - d.LogicalOffset
			return d.Block + uint32(delta/uint64(bs)), uint32(delta % uint64(bs)), nil
		}
	}

	return 0, 0, fmt.Errorf("extent: offset %d unmapped: %w", logicalOffset, razorerr.ErrNotFound)
}

// Count returns the number of extent descriptors currently tracked for
// the inode (used by tests asserting merge behavior).
func (m *Mapper) Count(in *inode.Inode) (int, error) {
	descs, err := m.descriptors(in)
	if err != nil {
		return 0, err
	}
	return len(descs), nil
}

// Read fills buf with up to len(buf) bytes starting at offset, clipped to
// [0, inode.Size). Sparse ranges read as zero.
func (m *Mapper) Read(in *inode.Inode, buf []byte, offset uint64) (int, error) {
	if offset >= in.Size {
		return 0, nil
	}
	length := uint64(len(buf))
	if offset+length > in.Size {
		length = in.Size - offset
	}
	buf = buf[:length]

	if m.modeOf(in.InodeNum) == modeInlineData {
		n := copy(buf, in.Inline[offset:])
		return n, nil
	}

	bs := m.blockSize()
	var read uint64
	for read < length {
		cur := offset + read
		blk, blkOff, err := m.Map(in, cur)
		chunk := bs - blkOff
		if uint64(chunk) > length-read {
			chunk = uint32(length - read)
		}

		if err != nil {
			// Hole or unmapped: zero-fill.
			for i := uint64(0); i < uint64(chunk); i++ {
				buf[read+i] = 0
			}
		} else {
			tmp := make([]byte, chunk)
			if _, err := m.alloc.Read(blk, tmp, blkOff); err != nil {
				return int(read), fmt.Errorf("extent: read block %d: %w", blk, err)
			}
			copy(buf[read:], tmp)
		}

		read += uint64(chunk)
	}

	return int(read), nil
}

// promoteInline moves an inline-data inode's existing bytes into a real
// block and switches its storage mode to extent-based. Both Write (when
// a write would exceed the inline capacity) and Truncate (when growing
// past it) must go through this before touching in.Size, so that
// modeInlineData is never observed with Size > InlineSize — the
// invariant Read relies on to index in.Inline safely.
func (m *Mapper) promoteInline(in *inode.Inode) error {
	prior := make([]byte, in.Size)
	copy(prior, in.Inline[:in.Size])

	var zero [inode.InlineSize]byte
	in.Inline = zero
	m.setMode(in.InodeNum, modeInlineData) // transient; overwritten below

	if len(prior) == 0 {
		m.setMode(in.InodeNum, modeInlineExtents)
		return nil
	}

	blk, err := m.alloc.Alloc(1)
	if err != nil {
		return err
	}
	if _, err := m.alloc.Write(blk, prior, 0); err != nil {
		return err
	}
	return m.Add(in, 0, blk, 1)
}

// Write stores buf at offset, allocating new blocks and growing the
// inode's size as needed. A tiny inline-data inode transparently
// transitions to extent-based storage if the write would exceed the
// inline capacity.
func (m *Mapper) Write(in *inode.Inode, buf []byte, offset uint64) (int, error) {
	endOffset := offset + uint64(len(buf))

	mode := m.modeOf(in.InodeNum)
	if mode == modeInlineData {
		if endOffset <= inode.InlineSize {
			n := copy(in.Inline[offset:], buf)
			if endOffset > in.Size {
				in.Size = endOffset
			}
			m.setMode(in.InodeNum, modeInlineData)
			return n, nil
		}

		if err := m.promoteInline(in); err != nil {
			return 0, err
		}
	}

	bs := m.blockSize()
	var written uint64
	for written < uint64(len(buf)) {
		cur := offset + written
		startBlockLogical := (cur / uint64(bs)) * uint64(bs)
		blkOff := uint32(cur - startBlockLogical)
		chunk := bs - blkOff
		if uint64(chunk) > uint64(len(buf))-written {
			chunk = uint32(uint64(len(buf)) - written)
		}

		blk, _, err := m.Map(in, cur)
		if err != nil {
			// Unmapped: allocate a fresh block for this logical range.
			blk, err = m.alloc.Alloc(1)
			if err != nil {
				return int(written), err
			}
			if err := m.Add(in, startBlockLogical, blk, 1); err != nil {
				return int(written), err
			}
		}

		if _, err := m.alloc.Write(blk, buf[written:uint64(written)+uint64(chunk)], blkOff); err != nil {
			return int(written), fmt.Errorf("extent: write block %d: %w", blk, err)
		}

		written += uint64(chunk)
	}

	if endOffset > in.Size {
		in.Size = endOffset
	}
	return int(written), nil
}

// Truncate shrinks or grows the inode to newSize. Shrinking releases
// physical blocks wholly beyond newSize; growing simply updates size,
// producing a hole for the new range.
func (m *Mapper) Truncate(in *inode.Inode, newSize uint64) error {
	if newSize >= in.Size {
		if m.modeOf(in.InodeNum) == modeInlineData && newSize > uint64(inode.InlineSize) {
			if err := m.promoteInline(in); err != nil {
				return err
			}
		}
		in.Size = newSize
		return nil
	}

	if m.modeOf(in.InodeNum) == modeInlineData {
		for i := newSize; i < uint64(inode.InlineSize); i++ {
			in.Inline[i] = 0
		}
		in.Size = newSize
		return nil
	}

	descs, err := m.descriptors(in)
	if err != nil {
		return err
	}

	bs := m.blockSize()
	kept := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.LogicalOffset >= newSize {
			if !d.isHole() {
				if err := m.alloc.Free(d.Block, d.NumBlocks); err != nil {
					return fmt.Errorf("extent: truncate: free block %d: %w", d.Block, err)
				}
			}
			continue
		}
		if d.end(bs) > newSize {
			// Partially-covered trailing extent: keep every block that
			// overlaps [0, newSize), freeing the blocks wholly past it.
			keepBlocks := uint32((newSize - d.LogicalOffset + uint64(bs) - 1) / uint64(bs))
			if !d.isHole() && keepBlocks < d.NumBlocks {
				if err := m.alloc.Free(d.Block+keepBlocks, d.NumBlocks-keepBlocks); err != nil {
					return fmt.Errorf("extent: truncate: free tail of block %d: %w", d.Block, err)
				}
			}
			d.NumBlocks = keepBlocks
		}
		if d.NumBlocks > 0 {
			kept = append(kept, d)
		}
	}

	if err := m.rewriteDescriptors(in, kept); err != nil {
		return err
	}

	in.Size = newSize
	return nil
}

// PunchHole marks the logical range [offset, offset+length) as a sparse
// hole, freeing any physical blocks it fully or partially covers.
func (m *Mapper) PunchHole(in *inode.Inode, offset, length uint64) error {
	if m.modeOf(in.InodeNum) == modeInlineData {
		end := offset + length
		if end > uint64(inode.InlineSize) {
			end = uint64(inode.InlineSize)
		}
		for i := offset; i < end; i++ {
			in.Inline[i] = 0
		}
		return nil
	}

	descs, err := m.descriptors(in)
	if err != nil {
		return err
	}

	bs := m.blockSize()
	holeEnd := offset + length
	out := make([]Descriptor, 0, len(descs)+1)
	for _, d := range descs {
		if d.end(bs) <= offset || d.LogicalOffset >= holeEnd {
			out = append(out, d)
			continue
		}
		if !d.isHole() {
			if err := m.alloc.Free(d.Block, d.NumBlocks); err != nil {
				return fmt.Errorf("extent: punch hole: free block %d: %w", d.Block, err)
			}
		}
		// Overlapping range is simply dropped; Map() treats any gap as
		// an implicit hole, so no explicit hole descriptor is required.
	}

	return m.rewriteDescriptors(in, out)
}

// rewriteDescriptors replaces the inode's extent set, choosing the
// narrowest storage mode that fits.
func (m *Mapper) rewriteDescriptors(in *inode.Inode, descs []Descriptor) error {
	sortByOffset(descs)

	if len(descs) == 0 {
		var zero [inode.InlineSize]byte
		in.Inline = zero
		m.clearMode(in.InodeNum)
		return nil
	}

	if len(descs) <= inlineMax {
		if m.modeOf(in.InodeNum) == modeExtentTree {
			if err := m.alloc.Free(treeBlockOf(in), 1); err != nil {
				return fmt.Errorf("extent: release tree block: %w", err)
			}
		}
		writeInlineExtents(in, descs)
		m.setMode(in.InodeNum, modeInlineExtents)
		return nil
	}

	if m.modeOf(in.InodeNum) == modeExtentTree {
		return m.writeTree(treeBlockOf(in), treeNode{extents: descs})
	}

	treeBlock, err := m.alloc.Alloc(1)
	if err != nil {
		return err
	}
	if err := m.writeTree(treeBlock, treeNode{extents: descs}); err != nil {
		_ = m.alloc.Free(treeBlock, 1)
		return err
	}
	setTreeBlock(in, treeBlock)
	m.setMode(in.InodeNum, modeExtentTree)
	return nil
}

// FreeAll releases every non-hole physical range mapped to the inode and,
// if present, its extent-tree block, then zeros the payload. Used during
// file deletion.
func (m *Mapper) FreeAll(in *inode.Inode) error {
	descs, err := m.descriptors(in)
	if err != nil {
		return err
	}

	for _, d := range descs {
		if !d.isHole() {
			if err := m.alloc.Free(d.Block, d.NumBlocks); err != nil {
				return fmt.Errorf("extent: free all: free block %d: %w", d.Block, err)
			}
		}
	}

	if m.modeOf(in.InodeNum) == modeExtentTree {
		if err := m.alloc.Free(treeBlockOf(in), 1); err != nil {
			return fmt.Errorf("extent: free all: release tree block: %w", err)
		}
	}

	var zero [inode.InlineSize]byte
	in.Inline = zero
	m.clearMode(in.InodeNum)
	return nil
}
