// Package ext4 decodes ext2/3/4 volumes directly from raw device bytes.
package ext4

import (
	"bytes"
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	superblockMagic  = 0xEF53

	// RootInode is the inode number of the root directory
	RootInode uint32 = 2

	goodOldInodeSize = 128
	goodOldRevision  = 0
	maxLogBlockSize  = 6
	defaultDescSize  = 32
	minDescSize64Bit = 64
)

// Compatible feature flags
const (
	CompatHasJournal   uint32 = 0x0004
	CompatExtAttr      uint32 = 0x0008
	CompatResizeInode  uint32 = 0x0010
	CompatDirIndex     uint32 = 0x0020
	CompatSparseSuper2 uint32 = 0x0200
)

// Incompatible feature flags
const (
	IncompatCompression uint32 = 0x0001
	IncompatFiletype    uint32 = 0x0002
	IncompatRecover     uint32 = 0x0004
	IncompatJournalDev  uint32 = 0x0008
	IncompatMetaBG      uint32 = 0x0010
	IncompatExtents     uint32 = 0x0040
	Incompat64Bit       uint32 = 0x0080
	IncompatMMP         uint32 = 0x0100
	IncompatFlexBG      uint32 = 0x0200
	IncompatLargeDir    uint32 = 0x4000
	IncompatInlineData  uint32 = 0x8000
	IncompatEncrypt     uint32 = 0x10000
)

// Read-only compatible feature flags
const (
	RoCompatSparseSuper  uint32 = 0x0001
	RoCompatLargeFile    uint32 = 0x0002
	RoCompatHugeFile     uint32 = 0x0008
	RoCompatGdtCsum      uint32 = 0x0010
	RoCompatDirNlink     uint32 = 0x0020
	RoCompatExtraIsize   uint32 = 0x0040
	RoCompatBigalloc     uint32 = 0x0200
	RoCompatMetadataCsum uint32 = 0x0400
)

// Superblock holds the fields of the ext superblock used for decoding
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint64
	FirstDataBlock  uint32
	LogBlockSize    uint32
	LogClusterSize  uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Magic           uint16
	RevLevel        uint32
	FirstIno        uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
	UUID            [16]byte
	VolumeName      string
	LastMounted     string
	DescSize        uint16
	FirstMetaBG     uint32
	BackupBGs       [2]uint32
}

// ParseSuperblock decodes the 1024-byte superblock
func ParseSuperblock(buf []byte) (*Superblock, error) {
	c := types.NewCursor(buf)
	sb := &Superblock{
		InodesCount:     c.Uint32At(0),
		BlocksCount:     uint64(c.Uint32At(4)),
		FirstDataBlock:  c.Uint32At(20),
		LogBlockSize:    c.Uint32At(24),
		LogClusterSize:  c.Uint32At(28),
		BlocksPerGroup:  c.Uint32At(32),
		InodesPerGroup:  c.Uint32At(40),
		Magic:           c.Uint16At(56),
		RevLevel:        c.Uint32At(76),
		FirstIno:        c.Uint32At(84),
		InodeSize:       c.Uint16At(88),
		FeatureCompat:   c.Uint32At(92),
		FeatureIncompat: c.Uint32At(96),
		FeatureRoCompat: c.Uint32At(100),
		VolumeName:      cString(c.BytesAt(120, 16)),
		LastMounted:     cString(c.BytesAt(136, 64)),
		DescSize:        c.Uint16At(254),
		FirstMetaBG:     c.Uint32At(260),
		BackupBGs:       [2]uint32{c.Uint32At(0x24C), c.Uint32At(0x250)},
	}
	copy(sb.UUID[:], c.BytesAt(104, 16))
	blocksHi := c.Uint32At(336)
	if c.Err() != nil {
		return nil, types.NewScanError(c.Err(), "ParseSuperblock", "ext4", "")
	}

	if sb.Magic != superblockMagic {
		return nil, types.NewScanError(types.ErrInvalidMagic, "ParseSuperblock", "ext4", fmt.Sprintf("magic %#04x", sb.Magic))
	}
	if sb.FeatureIncompat&Incompat64Bit != 0 {
		sb.BlocksCount |= uint64(blocksHi) << 32
	}
	if sb.RevLevel == goodOldRevision {
		sb.InodeSize = goodOldInodeSize
	}
	return sb, nil
}

// BlockSize returns the block size in bytes
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// HasCompat reports whether a compatible feature is set
func (sb *Superblock) HasCompat(f uint32) bool { return sb.FeatureCompat&f != 0 }

// HasIncompat reports whether an incompatible feature is set
func (sb *Superblock) HasIncompat(f uint32) bool { return sb.FeatureIncompat&f != 0 }

// HasRoCompat reports whether a read-only compatible feature is set
func (sb *Superblock) HasRoCompat(f uint32) bool { return sb.FeatureRoCompat&f != 0 }

// UUIDString formats the filesystem UUID
func (sb *Superblock) UUIDString() string {
	u := sb.UUID
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// Features lists the names of the feature flags that affect decoding
func (sb *Superblock) Features() []string {
	var out []string
	named := []struct {
		set  bool
		name string
	}{
		{sb.HasCompat(CompatHasJournal), "has_journal"},
		{sb.HasCompat(CompatDirIndex), "dir_index"},
		{sb.HasCompat(CompatSparseSuper2), "sparse_super2"},
		{sb.HasIncompat(IncompatFiletype), "filetype"},
		{sb.HasIncompat(IncompatMetaBG), "meta_bg"},
		{sb.HasIncompat(IncompatExtents), "extent"},
		{sb.HasIncompat(Incompat64Bit), "64bit"},
		{sb.HasIncompat(IncompatFlexBG), "flex_bg"},
		{sb.HasIncompat(IncompatInlineData), "inline_data"},
		{sb.HasIncompat(IncompatEncrypt), "encrypt"},
		{sb.HasRoCompat(RoCompatSparseSuper), "sparse_super"},
		{sb.HasRoCompat(RoCompatHugeFile), "huge_file"},
		{sb.HasRoCompat(RoCompatBigalloc), "bigalloc"},
		{sb.HasRoCompat(RoCompatMetadataCsum), "metadata_csum"},
	}
	for _, f := range named {
		if f.set {
			out = append(out, f.name)
		}
	}
	return out
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Volume is an opened ext2/3/4 volume. Geometry is immutable after Open;
// the two single-slot block caches are the only mutable state.
type Volume struct {
	dev types.Device
	SB  Superblock

	BlockSize    uint32
	InodeSize    uint32
	DescSize     uint32
	GroupCount   uint32
	descPerBlock uint32

	descCache  blockCache
	inodeCache blockCache
}

// Open reads and validates the superblock. Volumes using bigalloc,
// compression or an external journal device are refused.
func Open(dev types.Device) (*Volume, error) {
	buf, err := util.ReadFull(dev, superblockOffset, superblockSize)
	if err != nil {
		return nil, types.NewScanError(err, "Open", "ext4", "reading superblock")
	}
	sb, err := ParseSuperblock(buf)
	if err != nil {
		return nil, err
	}

	switch {
	case sb.HasRoCompat(RoCompatBigalloc):
		return nil, types.NewScanError(types.ErrUnsupportedFeature, "Open", "ext4", "bigalloc")
	case sb.HasIncompat(IncompatCompression):
		return nil, types.NewScanError(types.ErrUnsupportedFeature, "Open", "ext4", "compression")
	case sb.HasIncompat(IncompatJournalDev):
		return nil, types.NewScanError(types.ErrUnsupportedFeature, "Open", "ext4", "journal device")
	}

	if sb.LogBlockSize > maxLogBlockSize {
		return nil, types.NewScanError(types.ErrInvalidSuperblock, "Open", "ext4", fmt.Sprintf("log block size %d", sb.LogBlockSize))
	}
	v := &Volume{
		dev:       dev,
		SB:        *sb,
		BlockSize: sb.BlockSize(),
		InodeSize: uint32(sb.InodeSize),
	}

	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 || sb.BlocksCount == 0 || sb.InodesCount == 0 {
		return nil, types.NewScanError(types.ErrInvalidSuperblock, "Open", "ext4", "zero group geometry")
	}
	if v.InodeSize < goodOldInodeSize || v.InodeSize > v.BlockSize || !util.IsPowerOfTwo(uint64(v.InodeSize)) {
		return nil, types.NewScanError(types.ErrInvalidSuperblock, "Open", "ext4", fmt.Sprintf("inode size %d", v.InodeSize))
	}
	if uint64(sb.FirstDataBlock) >= sb.BlocksCount {
		return nil, types.NewScanError(types.ErrInvalidSuperblock, "Open", "ext4", fmt.Sprintf("first data block %d", sb.FirstDataBlock))
	}

	v.DescSize = defaultDescSize
	if sb.HasIncompat(Incompat64Bit) {
		v.DescSize = uint32(sb.DescSize)
		if v.DescSize < minDescSize64Bit || v.DescSize > v.BlockSize || !util.IsPowerOfTwo(uint64(v.DescSize)) {
			return nil, types.NewScanError(types.ErrInvalidSuperblock, "Open", "ext4", fmt.Sprintf("descriptor size %d", v.DescSize))
		}
	}
	v.descPerBlock = v.BlockSize / v.DescSize
	v.GroupCount = uint32(util.CeilDiv(sb.BlocksCount-uint64(sb.FirstDataBlock), uint64(sb.BlocksPerGroup)))

	if need := int64(sb.BlocksCount) * int64(v.BlockSize); need > dev.Size() {
		logger.LogWarn("Device is smaller than the filesystem", map[string]interface{}{
			"filesystem_bytes": need,
			"device_bytes":     dev.Size(),
		})
	}

	logger.LogDebug("Opened ext volume", map[string]interface{}{
		"block_size":  v.BlockSize,
		"inode_size":  v.InodeSize,
		"groups":      v.GroupCount,
		"desc_size":   v.DescSize,
		"features":    sb.Features(),
		"volume_name": sb.VolumeName,
	})
	return v, nil
}

// Device returns the device the volume was opened on
func (v *Volume) Device() types.Device {
	return v.dev
}

// Info summarises the volume geometry
func (v *Volume) Info() types.VolumeInfo {
	return types.VolumeInfo{
		Type:         types.FilesystemExt4,
		Label:        v.SB.VolumeName,
		Serial:       v.SB.UUIDString(),
		ClusterSize:  v.BlockSize,
		RecordSize:   v.InodeSize,
		TotalUnits:   v.SB.BlocksCount,
		VersionMajor: int(v.SB.RevLevel),
		Features:     v.SB.Features(),
	}
}

// readBlock reads one filesystem block, failing closed outside the volume
func (v *Volume) readBlock(block uint64) ([]byte, error) {
	if block >= v.SB.BlocksCount {
		return nil, types.NewScanError(types.ErrBlockOutOfRange, "readBlock", fmt.Sprintf("block %d", block), fmt.Sprintf("volume has %d blocks", v.SB.BlocksCount))
	}
	return util.ReadFull(v.dev, util.SeekBlock(block, v.BlockSize), int(v.BlockSize))
}
