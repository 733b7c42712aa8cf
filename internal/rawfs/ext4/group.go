package ext4

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// GroupDescriptor locates the metadata tables of one block group
type GroupDescriptor struct {
	BlockBitmap     uint64
	InodeBitmap     uint64
	InodeTable      uint64
	FreeBlocksCount uint32
	FreeInodesCount uint32
	UsedDirsCount   uint32
	Flags           uint16
}

func parseGroupDescriptor(buf []byte, is64 bool) (*GroupDescriptor, error) {
	c := types.NewCursor(buf)
	gd := &GroupDescriptor{
		BlockBitmap:     uint64(c.Uint32At(0)),
		InodeBitmap:     uint64(c.Uint32At(4)),
		InodeTable:      uint64(c.Uint32At(8)),
		FreeBlocksCount: uint32(c.Uint16At(12)),
		FreeInodesCount: uint32(c.Uint16At(14)),
		UsedDirsCount:   uint32(c.Uint16At(16)),
		Flags:           c.Uint16At(18),
	}
	if is64 {
		gd.BlockBitmap |= uint64(c.Uint32At(32)) << 32
		gd.InodeBitmap |= uint64(c.Uint32At(36)) << 32
		gd.InodeTable |= uint64(c.Uint32At(40)) << 32
		gd.FreeBlocksCount |= uint32(c.Uint16At(44)) << 16
		gd.FreeInodesCount |= uint32(c.Uint16At(46)) << 16
		gd.UsedDirsCount |= uint32(c.Uint16At(48)) << 16
	}
	if c.Err() != nil {
		return nil, c.Err()
	}
	return gd, nil
}

// groupFirstBlock returns the first block of a block group
func (v *Volume) groupFirstBlock(group uint32) uint64 {
	return uint64(v.SB.FirstDataBlock) + uint64(group)*uint64(v.SB.BlocksPerGroup)
}

// hasSuper reports whether a group carries a superblock backup (and, outside
// meta_bg, a copy of the descriptor table)
func (v *Volume) hasSuper(group uint32) bool {
	if group == 0 {
		return true
	}
	if v.SB.HasCompat(CompatSparseSuper2) {
		return group == v.SB.BackupBGs[0] || group == v.SB.BackupBGs[1]
	}
	if group <= 1 || !v.SB.HasRoCompat(RoCompatSparseSuper) {
		return true
	}
	if group&1 == 0 {
		return false
	}
	return isPowerOf(group, 3) || isPowerOf(group, 5) || isPowerOf(group, 7)
}

func isPowerOf(n, base uint32) bool {
	for n > 1 {
		if n%base != 0 {
			return false
		}
		n /= base
	}
	return n == 1
}

// descriptorBlock returns the block holding the descriptor of a group.
// Without meta_bg the descriptor table follows the primary superblock;
// with meta_bg each run of descPerBlock groups keeps its descriptor block
// in the first group of that run, after any superblock backup.
func (v *Volume) descriptorBlock(group uint32) uint64 {
	tableIndex := group / v.descPerBlock
	if !v.SB.HasIncompat(IncompatMetaBG) || tableIndex < v.SB.FirstMetaBG {
		return uint64(v.SB.FirstDataBlock) + 1 + uint64(tableIndex)
	}
	first := tableIndex * v.descPerBlock
	block := v.groupFirstBlock(first)
	if v.hasSuper(first) {
		block++
	}
	return block
}

// GroupDescriptor loads the descriptor of a block group
func (v *Volume) GroupDescriptor(group uint32) (*GroupDescriptor, error) {
	if group >= v.GroupCount {
		return nil, types.NewScanError(types.ErrBlockOutOfRange, "GroupDescriptor", fmt.Sprintf("group %d", group), fmt.Sprintf("volume has %d groups", v.GroupCount))
	}

	key := cacheKey{group: group / v.descPerBlock, index: v.descriptorBlock(group)}
	block, ok := v.descCache.get(key)
	if !ok {
		var err error
		block, err = v.readBlock(key.index)
		if err != nil {
			return nil, types.NewScanError(err, "GroupDescriptor", fmt.Sprintf("group %d", group), "reading descriptor block")
		}
		v.descCache.put(key, block)
	}

	off := (group % v.descPerBlock) * v.DescSize
	gd, err := parseGroupDescriptor(block[off:off+v.DescSize], v.SB.HasIncompat(Incompat64Bit))
	if err != nil {
		return nil, types.NewScanError(err, "GroupDescriptor", fmt.Sprintf("group %d", group), "")
	}
	return gd, nil
}
