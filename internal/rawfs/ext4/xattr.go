package ext4

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

const (
	xattrMagic          = 0xEA020000
	xattrEntryHeader    = 16
	xattrIndexSystem    = 7
	xattrInlineDataName = "data"
)

// XattrEntry is one in-inode extended attribute
type XattrEntry struct {
	NameIndex uint8
	Name      string
	Value     []byte
}

// inodeXattrs decodes the extended attributes stored after the fixed inode
// fields. Value offsets are relative to the first entry.
func (v *Volume) inodeXattrs(ino *Inode) ([]XattrEntry, error) {
	start := inodeExtraStart + int(ino.ExtraIsize)
	raw := ino.raw
	if start+4 > len(raw) {
		return nil, nil
	}
	c := types.NewCursor(raw[start:])
	if c.Uint32At(0) != xattrMagic {
		return nil, nil
	}

	region := c.Sub(4, c.Len()-4)
	if region.Err() != nil {
		return nil, region.Err()
	}
	var out []XattrEntry
	for off := 0; off+4 <= region.Len() && region.Uint32At(off) != 0; {
		nameLen := int(region.Uint8At(off))
		index := region.Uint8At(off + 1)
		valueOff := int(region.Uint16At(off + 2))
		valueInum := region.Uint32At(off + 4)
		valueSize := int(region.Uint32At(off + 8))
		name := string(region.BytesAt(off+xattrEntryHeader, nameLen))
		if region.Err() != nil {
			return out, fmt.Errorf("%w: xattr entry at %d", types.ErrInvalidAttribute, off)
		}

		entry := XattrEntry{NameIndex: index, Name: name}
		if valueInum == 0 && valueSize > 0 {
			entry.Value = region.BytesAt(valueOff, valueSize)
			if region.Err() != nil {
				return out, fmt.Errorf("%w: xattr %q value %d+%d outside inode", types.ErrInvalidAttribute, name, valueOff, valueSize)
			}
		}
		out = append(out, entry)
		off += (xattrEntryHeader + nameLen + 3) &^ 3
	}
	return out, nil
}

// inlineSuffix returns the system.data attribute holding inline content
// beyond the 60 bytes of i_block
func (v *Volume) inlineSuffix(ino *Inode) ([]byte, error) {
	attrs, err := v.inodeXattrs(ino)
	if err != nil {
		return nil, err
	}
	for _, a := range attrs {
		if a.NameIndex == xattrIndexSystem && a.Name == xattrInlineDataName {
			return a.Value, nil
		}
	}
	return nil, nil
}

// inlineData assembles the content of an inline-data inode: i_block first,
// then the system.data attribute, truncated to the inode size
func (v *Volume) inlineData(ino *Inode) ([]byte, error) {
	head := ino.Block[:min(uint64(inodeBlockLen), ino.Size)]
	data := append([]byte(nil), head...)
	if ino.Size <= inodeBlockLen {
		return data, nil
	}
	suffix, err := v.inlineSuffix(ino)
	if err != nil {
		return nil, err
	}
	want := ino.Size - inodeBlockLen
	if uint64(len(suffix)) < want {
		return nil, fmt.Errorf("%w: inline size %d but only %d bytes stored", types.ErrInvalidAttribute, ino.Size, inodeBlockLen+len(suffix))
	}
	return append(data, suffix[:want]...), nil
}
