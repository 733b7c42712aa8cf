package ext4

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// Directory entry file types, present when the filetype feature is set
const (
	FileTypeUnknown  uint8 = 0
	FileTypeRegular  uint8 = 1
	FileTypeDir      uint8 = 2
	FileTypeCharDev  uint8 = 3
	FileTypeBlockDev uint8 = 4
	FileTypeFIFO     uint8 = 5
	FileTypeSocket   uint8 = 6
	FileTypeSymlink  uint8 = 7
)

const (
	dirEntryHeader  = 8
	inlineParentLen = 4
)

// DirEntry is one live name in a directory
type DirEntry struct {
	Inode uint32
	Name  string
	Type  uint8 // FileTypeUnknown when the volume lacks the filetype feature
}

// parseDirBlock walks the linear entries of one directory block. Entries
// with inode 0 (deleted slots, checksum tails, htree node headers) and the
// "." and ".." names are skipped.
func parseDirBlock(buf []byte, hasFileType bool) ([]DirEntry, error) {
	c := types.NewCursor(buf)
	var out []DirEntry
	for off := 0; off+dirEntryHeader <= len(buf); {
		inode := c.Uint32At(off)
		recLen := recLenFromDisk(c.Uint16At(off+4), len(buf))
		var nameLen int
		var fileType uint8
		if hasFileType {
			nameLen = int(c.Uint8At(off + 6))
			fileType = c.Uint8At(off + 7)
		} else {
			nameLen = int(c.Uint16At(off + 6))
		}

		if recLen < dirEntryHeader || recLen%4 != 0 || off+recLen > len(buf) || dirEntryHeader+nameLen > recLen {
			return out, fmt.Errorf("%w: rec_len %d name_len %d at offset %d", types.ErrInvalidDirEntry, recLen, nameLen, off)
		}

		if inode != 0 && nameLen > 0 {
			name := string(c.BytesAt(off+dirEntryHeader, nameLen))
			if name != "." && name != ".." {
				out = append(out, DirEntry{Inode: inode, Name: name, Type: fileType})
			}
		}
		off += recLen
	}
	return out, nil
}

// recLenFromDisk decodes rec_len, which 64 KiB blocks store in a
// wrapped form
func recLenFromDisk(v uint16, blockSize int) int {
	if blockSize < 1<<16 {
		return int(v)
	}
	if v == 0xFFFF || v == 0 {
		return 1 << 16
	}
	return int(v&0xFFFC) | int(v&3)<<16
}

// ReadDirectory lists the live entries of a directory inode. Inline
// directories are parsed from i_block and the system.data attribute;
// block directories are read in htree leaf order when an index is present,
// followed by any block the index did not reach.
func (v *Volume) ReadDirectory(ino *Inode) ([]DirEntry, error) {
	object := fmt.Sprintf("inode %d", ino.Number)
	if !ino.IsDir() {
		return nil, types.NewScanError(types.ErrNotDirectory, "ReadDirectory", object, fmt.Sprintf("mode %#o", ino.Mode))
	}
	hasFileType := v.SB.HasIncompat(IncompatFiletype)

	if ino.HasInlineData() {
		entries, err := v.readInlineDirectory(ino, hasFileType)
		if err != nil {
			return entries, types.NewScanError(err, "ReadDirectory", object, "inline directory")
		}
		return entries, nil
	}

	if limit := v.SB.BlocksCount * uint64(v.BlockSize); ino.Size > limit {
		return nil, types.NewScanError(types.ErrInvalidRecord, "ReadDirectory", object, fmt.Sprintf("size %d exceeds the %d byte volume", ino.Size, limit))
	}
	m, err := v.ResolveBlocks(ino)
	if err != nil {
		return nil, err
	}
	count := m.BlockCount()

	var order []uint64
	seen := make(map[uint64]bool)
	add := func(i uint64) {
		if !seen[i] {
			seen[i] = true
			order = append(order, i)
		}
	}
	add(0)
	if ino.HasHashIndex() && count > 0 && m.physical(0) != 0 {
		leaves, err := v.htreeLeaves(m, count)
		if err != nil {
			logger.LogWarn("Ignoring damaged directory index", map[string]interface{}{
				"inode": ino.Number,
				"error": err.Error(),
			})
		}
		for _, l := range leaves {
			add(l)
		}
	}
	for _, e := range m.Extents {
		if e.Uninitialized {
			continue
		}
		for i := e.Logical; i < min(e.End(), count); i++ {
			add(i)
		}
	}

	var out []DirEntry
	for _, i := range order {
		phys := uint64(0)
		if i < count {
			phys = m.physical(i)
		}
		if phys == 0 {
			continue
		}
		buf, err := v.readBlock(phys)
		if err != nil {
			return out, types.NewScanError(err, "ReadDirectory", object, fmt.Sprintf("logical block %d", i))
		}
		entries, err := parseDirBlock(buf, hasFileType)
		out = append(out, entries...)
		if err != nil {
			return out, types.NewScanError(err, "ReadDirectory", object, fmt.Sprintf("logical block %d", i))
		}
	}
	return out, nil
}

// readInlineDirectory parses an inline directory: the parent inode number
// occupies the first 4 bytes of i_block and entries follow; a second entry
// area may live in the system.data attribute.
func (v *Volume) readInlineDirectory(ino *Inode, hasFileType bool) ([]DirEntry, error) {
	head := ino.Block[inlineParentLen:min(uint64(inodeBlockLen), max(ino.Size, inlineParentLen))]
	out, err := parseDirBlock(head, hasFileType)
	if err != nil {
		return out, err
	}
	if ino.Size <= inodeBlockLen {
		return out, nil
	}
	suffix, err := v.inlineSuffix(ino)
	if err != nil {
		return out, err
	}
	more, err := parseDirBlock(suffix, hasFileType)
	return append(out, more...), err
}
