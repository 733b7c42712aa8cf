package ext4

import (
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

const (
	extentMagic       = 0xF30A
	extentHeaderSize  = 12
	extentEntrySize   = 12
	maxExtentDepth    = 5
	maxInitExtentLen  = 32768
	directPointers    = 12
	indirectPointer   = 12
	dIndirectPointer  = 13
	tIndirectPointer  = 14
	blockPointerWidth = 4
)

// Extent maps a run of logical blocks to physical blocks
type Extent struct {
	Logical       uint64
	Physical      uint64
	Length        uint64
	Uninitialized bool // allocated but never written, reads as zeros
}

// End returns the first logical block after the extent
func (e Extent) End() uint64 {
	return e.Logical + e.Length
}

// BlockMap is the resolved content layout of one inode. Extents are sorted
// by logical block and never overlap; logical blocks not covered by any
// extent are holes.
type BlockMap struct {
	BlockSize uint32
	Size      uint64
	Extents   []Extent

	// Inline holds the content of inline-data inodes, Extents is then empty
	Inline   []byte
	IsInline bool
}

// BlockCount returns the number of logical blocks covering Size
func (m *BlockMap) BlockCount() uint64 {
	return util.CeilDiv(m.Size, uint64(m.BlockSize))
}

// Blocks expands the map to one physical block per logical position up to
// BlockCount. Holes and uninitialized blocks are reported as 0: an
// uninitialized extent has allocated blocks whose content reads as zeros,
// so no position of it is backed by readable data.
func (m *BlockMap) Blocks() []uint64 {
	if m.IsInline {
		return nil
	}
	count := m.BlockCount()
	for _, e := range m.Extents {
		if e.End() > count {
			count = e.End()
		}
	}
	out := make([]uint64, count)
	for _, e := range m.Extents {
		if e.Uninitialized {
			continue
		}
		for i := uint64(0); i < e.Length; i++ {
			out[e.Logical+i] = e.Physical + i
		}
	}
	return out
}

// physical returns the block backing a logical position, 0 for holes and
// uninitialized extents
func (m *BlockMap) physical(logical uint64) uint64 {
	i, ok := m.lookup(logical)
	if !ok || m.Extents[i].Uninitialized {
		return 0
	}
	e := m.Extents[i]
	return e.Physical + logical - e.Logical
}

// lookup returns the extent containing a logical block, or the index of the
// next extent when the block falls in a hole
func (m *BlockMap) lookup(logical uint64) (int, bool) {
	i := sort.Search(len(m.Extents), func(i int) bool {
		return m.Extents[i].End() > logical
	})
	if i < len(m.Extents) && m.Extents[i].Logical <= logical {
		return i, true
	}
	return i, false
}

// ResolveBlocks computes the content layout of an inode, dispatching on
// the inline-data and extent flags
func (v *Volume) ResolveBlocks(ino *Inode) (*BlockMap, error) {
	m := &BlockMap{BlockSize: v.BlockSize, Size: ino.Size}
	object := fmt.Sprintf("inode %d", ino.Number)

	switch {
	case ino.HasInlineData():
		data, err := v.inlineData(ino)
		if err != nil {
			return nil, types.NewScanError(err, "ResolveBlocks", object, "inline data")
		}
		m.Inline = data
		m.IsInline = true

	case ino.HasExtents():
		w := extentWalker{vol: v, visited: make(map[uint64]bool)}
		if err := w.walk(ino.Block, -1); err != nil {
			return nil, types.NewScanError(err, "ResolveBlocks", object, "extent tree")
		}
		m.Extents = w.extents

	case ino.IsSymlink() && ino.Size < inodeBlockLen && ino.Blocks == 0:
		// fast symlink: the target is stored in i_block
		m.Inline = append([]byte(nil), ino.Block[:ino.Size]...)
		m.IsInline = true

	default:
		w := indirectWalker{vol: v, count: m.BlockCount()}
		if err := w.walk(ino.Block); err != nil {
			return nil, types.NewScanError(err, "ResolveBlocks", object, "block pointers")
		}
		m.Extents = w.extents
	}

	logger.LogDebug("Resolved inode content", map[string]interface{}{
		"inode":   ino.Number,
		"size":    ino.Size,
		"extents": len(m.Extents),
		"inline":  m.IsInline,
	})
	return m, nil
}

// extentWalker flattens an extent tree into ordered leaf extents
type extentWalker struct {
	vol     *Volume
	extents []Extent
	next    uint64 // first logical block not yet covered
	visited map[uint64]bool
}

// walk decodes one tree node. expectDepth is -1 for the root, whose depth
// is taken from its header; every child must sit exactly one level lower.
func (w *extentWalker) walk(node []byte, expectDepth int) error {
	c := types.NewCursor(node)
	magic := c.Uint16At(0)
	entries := int(c.Uint16At(2))
	limit := int(c.Uint16At(4))
	depth := int(c.Uint16At(6))
	if c.Err() != nil {
		return c.Err()
	}

	if magic != extentMagic {
		return fmt.Errorf("%w: extent header magic %#04x", types.ErrInvalidMagic, magic)
	}
	if depth > maxExtentDepth {
		return fmt.Errorf("%w: depth %d exceeds %d", types.ErrInvalidExtent, depth, maxExtentDepth)
	}
	if expectDepth >= 0 && depth != expectDepth {
		return fmt.Errorf("%w: node depth %d, parent expects %d", types.ErrDepthMismatch, depth, expectDepth)
	}
	if entries > limit || extentHeaderSize+entries*extentEntrySize > len(node) {
		return fmt.Errorf("%w: %d entries (limit %d) in %d bytes", types.ErrInvalidExtent, entries, limit, len(node))
	}

	for i := 0; i < entries; i++ {
		e := c.Sub(extentHeaderSize+i*extentEntrySize, extentEntrySize)
		if depth == 0 {
			if err := w.leaf(e); err != nil {
				return err
			}
			continue
		}

		logical := uint64(e.Uint32At(0))
		child := uint64(e.Uint32At(4)) | uint64(e.Uint16At(8))<<32
		if logical < w.next {
			return fmt.Errorf("%w: index entry at logical %d precedes %d", types.ErrOverlappingRange, logical, w.next)
		}
		if w.visited[child] {
			return fmt.Errorf("%w: extent node %d referenced twice", types.ErrInvalidExtent, child)
		}
		w.visited[child] = true

		block, err := w.vol.readBlock(child)
		if err != nil {
			return err
		}
		if err := w.walk(block, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func (w *extentWalker) leaf(e *types.Cursor) error {
	ext := Extent{
		Logical:  uint64(e.Uint32At(0)),
		Length:   uint64(e.Uint16At(4)),
		Physical: uint64(e.Uint16At(6))<<32 | uint64(e.Uint32At(8)),
	}
	if ext.Length > maxInitExtentLen {
		ext.Length -= maxInitExtentLen
		ext.Uninitialized = true
	}
	if ext.Length == 0 {
		return fmt.Errorf("%w: zero-length extent at logical %d", types.ErrInvalidExtent, ext.Logical)
	}
	if ext.Logical < w.next {
		return fmt.Errorf("%w: extent at logical %d overlaps %d", types.ErrOverlappingRange, ext.Logical, w.next)
	}
	if ext.Physical+ext.Length > w.vol.SB.BlocksCount {
		return fmt.Errorf("%w: extent %d+%d past block %d", types.ErrBlockOutOfRange, ext.Physical, ext.Length, w.vol.SB.BlocksCount)
	}
	w.next = ext.End()
	w.extents = append(w.extents, ext)
	return nil
}

// indirectWalker resolves the classic 12 direct plus single, double and
// triple indirect block pointers. It produces exactly count logical
// positions; a zero pointer is a hole covering its whole subtree.
type indirectWalker struct {
	vol     *Volume
	count   uint64
	logical uint64
	extents []Extent
}

func (w *indirectWalker) walk(iblock []byte) error {
	c := types.NewCursor(iblock)
	for i := 0; i < directPointers && w.logical < w.count; i++ {
		if err := w.emit(uint64(c.Uint32At(i * blockPointerWidth))); err != nil {
			return err
		}
	}
	for level, slot := range []int{indirectPointer, dIndirectPointer, tIndirectPointer} {
		if w.logical >= w.count {
			break
		}
		if err := w.indirect(uint64(c.Uint32At(slot*blockPointerWidth)), level+1); err != nil {
			return err
		}
	}
	if c.Err() != nil {
		return c.Err()
	}
	if w.logical < w.count {
		return fmt.Errorf("%w: block pointers cover %d of %d blocks", types.ErrInvalidExtent, w.logical, w.count)
	}
	return nil
}

func (w *indirectWalker) indirect(ptr uint64, level int) error {
	perBlock := uint64(w.vol.BlockSize / blockPointerWidth)
	if ptr == 0 {
		span := uint64(1)
		for i := 0; i < level; i++ {
			span *= perBlock
		}
		w.logical = min(w.logical+span, w.count)
		return nil
	}

	block, err := w.vol.readBlock(ptr)
	if err != nil {
		return err
	}
	c := types.NewCursor(block)
	for i := uint64(0); i < perBlock && w.logical < w.count; i++ {
		next := uint64(c.Uint32At(int(i * blockPointerWidth)))
		if level == 1 {
			err = w.emit(next)
		} else {
			err = w.indirect(next, level-1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// emit maps the current logical block, coalescing physically contiguous runs
func (w *indirectWalker) emit(phys uint64) error {
	defer func() { w.logical++ }()
	if phys == 0 {
		return nil
	}
	if phys >= w.vol.SB.BlocksCount {
		return fmt.Errorf("%w: block pointer %d", types.ErrBlockOutOfRange, phys)
	}
	if n := len(w.extents); n > 0 {
		last := &w.extents[n-1]
		if last.End() == w.logical && last.Physical+last.Length == phys {
			last.Length++
			return nil
		}
	}
	w.extents = append(w.extents, Extent{Logical: w.logical, Physical: phys, Length: 1})
	return nil
}
