package ntfs

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// AttrType identifies an NTFS attribute
type AttrType uint32

const (
	AttrStandardInformation AttrType = 0x10
	AttrAttributeList       AttrType = 0x20
	AttrFileName            AttrType = 0x30
	AttrObjectID            AttrType = 0x40
	AttrSecurityDescriptor  AttrType = 0x50
	AttrVolumeName          AttrType = 0x60
	AttrVolumeInformation   AttrType = 0x70
	AttrData                AttrType = 0x80
	AttrIndexRoot           AttrType = 0x90
	AttrIndexAllocation     AttrType = 0xA0
	AttrBitmap              AttrType = 0xB0
	AttrReparsePoint        AttrType = 0xC0
	AttrEnd                 AttrType = 0xFFFFFFFF
)

// Attribute header flags
const (
	AttrFlagCompressed uint16 = 0x0001
	AttrFlagEncrypted  uint16 = 0x4000
	AttrFlagSparse     uint16 = 0x8000
)

const (
	residentHeaderSize    = 24
	nonResidentHeaderSize = 64
)

func (t AttrType) String() string {
	switch t {
	case AttrStandardInformation:
		return "$STANDARD_INFORMATION"
	case AttrAttributeList:
		return "$ATTRIBUTE_LIST"
	case AttrFileName:
		return "$FILE_NAME"
	case AttrObjectID:
		return "$OBJECT_ID"
	case AttrSecurityDescriptor:
		return "$SECURITY_DESCRIPTOR"
	case AttrVolumeName:
		return "$VOLUME_NAME"
	case AttrVolumeInformation:
		return "$VOLUME_INFORMATION"
	case AttrData:
		return "$DATA"
	case AttrIndexRoot:
		return "$INDEX_ROOT"
	case AttrIndexAllocation:
		return "$INDEX_ALLOCATION"
	case AttrBitmap:
		return "$BITMAP"
	case AttrReparsePoint:
		return "$REPARSE_POINT"
	}
	return fmt.Sprintf("attr(%#x)", uint32(t))
}

// Attribute is a decoded attribute header. Exactly one of Resident or
// NonResident is set.
type Attribute struct {
	Type   AttrType
	Name   string
	Flags  uint16
	ID     uint16
	Record uint64

	Resident    *ResidentForm
	NonResident *NonResidentForm
}

// ResidentForm holds an attribute value stored inside the record
type ResidentForm struct {
	Value   []byte
	Indexed bool
}

// NonResidentForm describes an attribute value stored in clusters
type NonResidentForm struct {
	CompressionUnit uint16
	AllocatedSize   uint64
	RealSize        uint64
	InitializedSize uint64

	// Fragments is ordered by StartVCN; more than one only after attribute list merging
	Fragments []Fragment
}

// Fragment is the run list of one attribute extent covering [StartVCN, LastVCN]
type Fragment struct {
	StartVCN     uint64
	LastVCN      int64
	MappingPairs []byte
	Record       uint64
}

// IsCompressed reports whether the attribute uses NTFS compression
func (a *Attribute) IsCompressed() bool {
	return a.Flags&AttrFlagCompressed != 0 || (a.NonResident != nil && a.NonResident.CompressionUnit != 0)
}

// IsEncrypted reports whether the attribute is EFS encrypted
func (a *Attribute) IsEncrypted() bool {
	return a.Flags&AttrFlagEncrypted != 0
}

// Size returns the logical size of the attribute value
func (a *Attribute) Size() int64 {
	if a.Resident != nil {
		return int64(len(a.Resident.Value))
	}
	if a.NonResident != nil {
		return int64(a.NonResident.RealSize)
	}
	return 0
}

// EnumerateAttributes walks the attribute headers of a record. A header with
// zero or unaligned length, or one extending past the used size, ends the walk:
// the attributes decoded so far are returned together with the error.
func EnumerateAttributes(rec *Record) ([]*Attribute, error) {
	var attrs []*Attribute
	buf := rec.data[:rec.UsedSize]
	off := int(rec.AttrOffset)

	for {
		c := types.NewCursor(buf)
		typ := AttrType(c.Uint32At(off))
		if c.Err() != nil {
			return attrs, types.NewScanError(types.ErrInvalidAttribute, "EnumerateAttributes", fmt.Sprintf("record %d", rec.Index), fmt.Sprintf("no end marker before offset %d", off))
		}
		if typ == AttrEnd {
			return attrs, nil
		}

		length := int(c.Uint32At(off + 4))
		if c.Err() != nil || length == 0 || length%8 != 0 || off+length > len(buf) {
			return attrs, types.NewScanError(types.ErrInvalidAttribute, "EnumerateAttributes", fmt.Sprintf("record %d", rec.Index), fmt.Sprintf("type %s length %d at offset %d", typ, length, off))
		}

		attr, err := parseAttribute(buf[off:off+length], rec.Index)
		if err != nil {
			return attrs, types.NewScanError(err, "EnumerateAttributes", fmt.Sprintf("record %d", rec.Index), fmt.Sprintf("type %s at offset %d", typ, off))
		}
		attrs = append(attrs, attr)
		off += length
	}
}

func parseAttribute(buf []byte, record uint64) (*Attribute, error) {
	c := types.NewCursor(buf)
	attr := &Attribute{
		Type:   AttrType(c.Uint32At(0)),
		Flags:  c.Uint16At(12),
		ID:     c.Uint16At(14),
		Record: record,
	}
	nonResident := c.Uint8At(8) != 0
	nameLen := int(c.Uint8At(9))
	nameOff := int(c.Uint16At(10))
	if nameLen > 0 {
		attr.Name = decodeName(c.BytesAt(nameOff, nameLen*2))
	}
	if c.Err() != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidAttribute, c.Err())
	}

	if !nonResident {
		if len(buf) < residentHeaderSize {
			return nil, fmt.Errorf("%w: resident header truncated", types.ErrInvalidAttribute)
		}
		valueLen := int(c.Uint32At(16))
		valueOff := int(c.Uint16At(20))
		value := c.BytesAt(valueOff, valueLen)
		if c.Err() != nil {
			return nil, fmt.Errorf("%w: resident value %d bytes at %d", types.ErrInvalidAttribute, valueLen, valueOff)
		}
		attr.Resident = &ResidentForm{
			Value:   append([]byte(nil), value...),
			Indexed: c.Uint8At(22)&0x01 != 0,
		}
		return attr, nil
	}

	if len(buf) < nonResidentHeaderSize {
		return nil, fmt.Errorf("%w: non-resident header truncated", types.ErrInvalidAttribute)
	}
	frag := Fragment{
		StartVCN: c.Uint64At(16),
		LastVCN:  int64(c.Uint64At(24)),
		Record:   record,
	}
	runOff := int(c.Uint16At(32))
	if runOff < nonResidentHeaderSize || runOff > len(buf) {
		return nil, fmt.Errorf("%w: mapping pairs offset %d", types.ErrInvalidAttribute, runOff)
	}
	frag.MappingPairs = append([]byte(nil), buf[runOff:]...)
	attr.NonResident = &NonResidentForm{
		CompressionUnit: c.Uint16At(34),
		AllocatedSize:   c.Uint64At(40),
		RealSize:        c.Uint64At(48),
		InitializedSize: c.Uint64At(56),
		Fragments:       []Fragment{frag},
	}
	if c.Err() != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidAttribute, c.Err())
	}
	if attr.NonResident.InitializedSize > attr.NonResident.RealSize {
		attr.NonResident.InitializedSize = attr.NonResident.RealSize
	}
	return attr, nil
}

// FindAttribute returns the first attribute of the given type and name
func FindAttribute(attrs []*Attribute, typ AttrType, name string) *Attribute {
	for _, a := range attrs {
		if a.Type == typ && a.Name == name {
			return a
		}
	}
	return nil
}

// ------------------ Typed attribute bodies ------------------

// FileName flags
const (
	FileAttrReadOnly     uint32 = 0x00000001
	FileAttrHidden       uint32 = 0x00000002
	FileAttrSystem       uint32 = 0x00000004
	FileAttrReparsePoint uint32 = 0x00000400
	FileAttrCompressed   uint32 = 0x00000800
	FileAttrEncrypted    uint32 = 0x00004000
	FileAttrDirectory    uint32 = 0x10000000
)

// File name namespaces
const (
	NamespacePOSIX       uint8 = 0
	NamespaceWin32       uint8 = 1
	NamespaceDOS         uint8 = 2
	NamespaceWin32AndDOS uint8 = 3
)

const fileNameHeaderSize = 66

// FileName is the body of a $FILE_NAME attribute or an $I30 index key
type FileName struct {
	ParentRef     uint64
	Created       time.Time
	Modified      time.Time
	MFTModified   time.Time
	Accessed      time.Time
	AllocatedSize uint64
	RealSize      uint64
	Flags         uint32
	Namespace     uint8
	Name          string
}

// IsDirectory reports whether the name describes a directory
func (fn *FileName) IsDirectory() bool {
	return fn.Flags&FileAttrDirectory != 0
}

// IsReparsePoint reports whether the name describes a reparse point
func (fn *FileName) IsReparsePoint() bool {
	return fn.Flags&FileAttrReparsePoint != 0
}

// ParseFileName decodes a $FILE_NAME body
func ParseFileName(buf []byte) (*FileName, error) {
	c := types.NewCursor(buf)
	fn := &FileName{
		ParentRef:     c.Uint64At(0),
		Created:       filetime(c.Uint64At(8)),
		Modified:      filetime(c.Uint64At(16)),
		MFTModified:   filetime(c.Uint64At(24)),
		Accessed:      filetime(c.Uint64At(32)),
		AllocatedSize: c.Uint64At(40),
		RealSize:      c.Uint64At(48),
		Flags:         c.Uint32At(56),
		Namespace:     c.Uint8At(65),
	}
	nameLen := int(c.Uint8At(64))
	name := c.BytesAt(fileNameHeaderSize, nameLen*2)
	if c.Err() != nil {
		return nil, types.NewScanError(types.ErrStructTooShort, "ParseFileName", "", fmt.Sprintf("%d bytes for %d name characters", len(buf), nameLen))
	}
	fn.Name = decodeName(name)
	return fn, nil
}

// StandardInformation is the body of $STANDARD_INFORMATION
type StandardInformation struct {
	Created        time.Time
	Modified       time.Time
	MFTModified    time.Time
	Accessed       time.Time
	FileAttributes uint32
}

// ParseStandardInformation decodes a $STANDARD_INFORMATION body
func ParseStandardInformation(buf []byte) (*StandardInformation, error) {
	c := types.NewCursor(buf)
	si := &StandardInformation{
		Created:        filetime(c.Uint64At(0)),
		Modified:       filetime(c.Uint64At(8)),
		MFTModified:    filetime(c.Uint64At(16)),
		Accessed:       filetime(c.Uint64At(24)),
		FileAttributes: c.Uint32At(32),
	}
	if c.Err() != nil {
		return nil, types.NewScanError(c.Err(), "ParseStandardInformation", "", "")
	}
	return si, nil
}

// VolumeInformation is the body of $VOLUME_INFORMATION
type VolumeInformation struct {
	Major uint8
	Minor uint8
	Flags uint16
}

// ParseVolumeInformation decodes a $VOLUME_INFORMATION body
func ParseVolumeInformation(buf []byte) (*VolumeInformation, error) {
	c := types.NewCursor(buf)
	vi := &VolumeInformation{
		Major: c.Uint8At(8),
		Minor: c.Uint8At(9),
		Flags: c.Uint16At(10),
	}
	if c.Err() != nil {
		return nil, types.NewScanError(c.Err(), "ParseVolumeInformation", "", "")
	}
	return vi, nil
}

// filetimeEpochDelta is the number of 100ns intervals between 1601-01-01 and 1970-01-01
const filetimeEpochDelta = 116444736000000000

func filetime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	ticks := int64(v) - filetimeEpochDelta
	return time.Unix(ticks/10000000, (ticks%10000000)*100).UTC()
}
