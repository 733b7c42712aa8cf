package ext4

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

const (
	dxRootInfoOffset = 24
	dxNodeInfoOffset = 8
	dxEntrySize      = 8
	maxHtreeLevels   = 3
)

// htreeLeaves walks the hash index rooted at logical block 0 of a
// directory of count blocks and returns the logical numbers of its leaf
// blocks in index order. Leaves found before a failure are still returned.
func (v *Volume) htreeLeaves(m *BlockMap, count uint64) ([]uint64, error) {
	root, err := v.readBlock(m.physical(0))
	if err != nil {
		return nil, err
	}
	c := types.NewCursor(root)
	infoLen := int(c.Uint8At(dxRootInfoOffset + 5))
	levels := int(c.Uint8At(dxRootInfoOffset + 6))
	if c.Err() != nil {
		return nil, c.Err()
	}
	if levels >= maxHtreeLevels {
		return nil, fmt.Errorf("%w: %d indirect levels", types.ErrInvalidIndex, levels)
	}

	w := htreeWalker{vol: v, m: m, count: count, visited: map[uint64]bool{0: true}}
	err = w.walk(root, dxRootInfoOffset+infoLen, levels)
	return w.leaves, err
}

type htreeWalker struct {
	vol     *Volume
	m       *BlockMap
	count   uint64
	visited map[uint64]bool
	leaves  []uint64
}

// walk visits the dx entries of one node. The first entry's hash slot holds
// the limit and count; every entry's block field is a logical block number.
func (w *htreeWalker) walk(node []byte, entriesOff, level int) error {
	c := types.NewCursor(node)
	limit := int(c.Uint16At(entriesOff))
	count := int(c.Uint16At(entriesOff + 2))
	if c.Err() != nil {
		return c.Err()
	}
	if count == 0 || count > limit || entriesOff+limit*dxEntrySize > len(node) {
		return fmt.Errorf("%w: dx count %d limit %d", types.ErrInvalidIndex, count, limit)
	}

	for i := 0; i < count; i++ {
		logical := uint64(c.Uint32At(entriesOff + i*dxEntrySize + 4))
		if logical >= w.count || w.m.physical(logical) == 0 {
			return fmt.Errorf("%w: dx entry points at logical block %d of %d", types.ErrInvalidIndex, logical, w.count)
		}
		if w.visited[logical] {
			continue
		}
		w.visited[logical] = true

		if level == 0 {
			w.leaves = append(w.leaves, logical)
			continue
		}
		child, err := w.vol.readBlock(w.m.physical(logical))
		if err != nil {
			return err
		}
		if cc := types.NewCursor(child); cc.Uint32At(0) != 0 || recLenFromDisk(cc.Uint16At(4), len(child)) != len(child) {
			return fmt.Errorf("%w: logical block %d is not an index node", types.ErrInvalidIndex, logical)
		}
		if err := w.walk(child, dxNodeInfoOffset, level-1); err != nil {
			return err
		}
	}
	return nil
}
