package ext4

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// Inode mode file type bits
const (
	ModeTypeMask uint16 = 0xF000
	ModeFIFO     uint16 = 0x1000
	ModeCharDev  uint16 = 0x2000
	ModeDir      uint16 = 0x4000
	ModeBlockDev uint16 = 0x6000
	ModeRegular  uint16 = 0x8000
	ModeSymlink  uint16 = 0xA000
	ModeSocket   uint16 = 0xC000
)

// Inode flags
const (
	InodeFlagEncrypt    uint32 = 0x00000800
	InodeFlagIndex      uint32 = 0x00001000
	InodeFlagHugeFile   uint32 = 0x00040000
	InodeFlagExtents    uint32 = 0x00080000
	InodeFlagInlineData uint32 = 0x10000000
)

const (
	inodeBlockLen   = 60
	inodeExtraStart = 128
)

// Inode holds the decoded fields of one on-disk inode
type Inode struct {
	Number     uint32
	Mode       uint16
	UID        uint32
	GID        uint32
	Size       uint64
	LinksCount uint16
	Blocks     uint64
	Flags      uint32
	Atime      time.Time
	Ctime      time.Time
	Mtime      time.Time
	ExtraIsize uint16

	// Block is the 60-byte i_block area: extent root, block pointers or inline data
	Block []byte

	raw []byte
}

// FileType returns the S_IFMT bits of the mode
func (i *Inode) FileType() uint16 { return i.Mode & ModeTypeMask }

// IsDir reports whether the inode is a directory
func (i *Inode) IsDir() bool { return i.FileType() == ModeDir }

// IsRegular reports whether the inode is a regular file
func (i *Inode) IsRegular() bool { return i.FileType() == ModeRegular }

// IsSymlink reports whether the inode is a symbolic link
func (i *Inode) IsSymlink() bool { return i.FileType() == ModeSymlink }

// HasExtents reports whether i_block holds an extent tree
func (i *Inode) HasExtents() bool { return i.Flags&InodeFlagExtents != 0 }

// HasInlineData reports whether the content lives inside the inode
func (i *Inode) HasInlineData() bool { return i.Flags&InodeFlagInlineData != 0 }

// HasHashIndex reports whether a directory carries an htree index
func (i *Inode) HasHashIndex() bool { return i.Flags&InodeFlagIndex != 0 }

// IsEncrypted reports whether the content is encrypted
func (i *Inode) IsEncrypted() bool { return i.Flags&InodeFlagEncrypt != 0 }

// Raw returns the on-disk inode bytes
func (i *Inode) Raw() []byte { return i.raw }

// ParseInode decodes raw inode bytes
func ParseInode(buf []byte, number uint32) (*Inode, error) {
	c := types.NewCursor(buf)
	ino := &Inode{
		Number:     number,
		Mode:       c.Uint16At(0),
		UID:        uint32(c.Uint16At(2)) | uint32(c.Uint16At(120))<<16,
		Size:       uint64(c.Uint32At(4)) | uint64(c.Uint32At(108))<<32,
		Atime:      time.Unix(int64(c.Uint32At(8)), 0).UTC(),
		Ctime:      time.Unix(int64(c.Uint32At(12)), 0).UTC(),
		Mtime:      time.Unix(int64(c.Uint32At(16)), 0).UTC(),
		GID:        uint32(c.Uint16At(24)) | uint32(c.Uint16At(122))<<16,
		LinksCount: c.Uint16At(26),
		Blocks:     uint64(c.Uint32At(28)) | uint64(c.Uint16At(116))<<32,
		Flags:      c.Uint32At(32),
		Block:      c.BytesAt(40, inodeBlockLen),
		raw:        buf,
	}
	if c.Err() != nil {
		return nil, types.NewScanError(c.Err(), "ParseInode", fmt.Sprintf("inode %d", number), "")
	}
	if len(buf) > inodeExtraStart {
		ino.ExtraIsize = c.Uint16At(inodeExtraStart)
		if inodeExtraStart+int(ino.ExtraIsize) > len(buf) {
			return nil, types.NewScanError(types.ErrInvalidRecord, "ParseInode", fmt.Sprintf("inode %d", number), fmt.Sprintf("extra size %d", ino.ExtraIsize))
		}
	}
	return ino, nil
}

// LoadInode reads inode n through its group's inode table
func (v *Volume) LoadInode(n uint32) (*Inode, error) {
	if n == 0 || n > v.SB.InodesCount {
		return nil, types.NewScanError(types.ErrInvalidArgument, "LoadInode", fmt.Sprintf("inode %d", n), fmt.Sprintf("volume has %d inodes", v.SB.InodesCount))
	}

	group := (n - 1) / v.SB.InodesPerGroup
	index := (n - 1) % v.SB.InodesPerGroup
	gd, err := v.GroupDescriptor(group)
	if err != nil {
		return nil, err
	}

	byteOff := uint64(index) * uint64(v.InodeSize)
	key := cacheKey{group: group, index: byteOff / uint64(v.BlockSize)}
	block, ok := v.inodeCache.get(key)
	if !ok {
		block, err = v.readBlock(gd.InodeTable + key.index)
		if err != nil {
			return nil, types.NewScanError(err, "LoadInode", fmt.Sprintf("inode %d", n), "reading inode table")
		}
		v.inodeCache.put(key, block)
	}

	within := byteOff % uint64(v.BlockSize)
	raw := make([]byte, v.InodeSize)
	copy(raw, block[within:within+uint64(v.InodeSize)])
	return ParseInode(raw, n)
}
