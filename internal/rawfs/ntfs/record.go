package ntfs

import (
	"errors"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

const (
	recordMagic = "FILE"

	RecordFlagInUse     uint16 = 0x0001
	RecordFlagDirectory uint16 = 0x0002

	// refIndexMask extracts the record index from a 64-bit file reference
	refIndexMask = 0x0000FFFFFFFFFFFF

	recordHeaderSize = 42
)

// Record is one fixed-up MFT FILE record
type Record struct {
	Index      uint64
	Sequence   uint16
	LinkCount  uint16
	AttrOffset uint16
	Flags      uint16
	UsedSize   uint32
	AllocSize  uint32
	BaseRef    uint64

	data []byte
}

// InUse reports whether the record is allocated
func (r *Record) InUse() bool {
	return r.Flags&RecordFlagInUse != 0
}

// IsDirectory reports whether the record describes a directory
func (r *Record) IsDirectory() bool {
	return r.Flags&RecordFlagDirectory != 0
}

// BaseIndex returns the record index of the base record, or the record's own
// index for base records
func (r *Record) BaseIndex() uint64 {
	if base := r.BaseRef & refIndexMask; base != 0 {
		return base
	}
	return r.Index
}

// Bytes returns the fixed-up record image
func (r *Record) Bytes() []byte {
	return r.data
}

// RefIndex extracts the record index from a file reference
func RefIndex(ref uint64) uint64 {
	return ref & refIndexMask
}

// RefSequence extracts the sequence number from a file reference
func RefSequence(ref uint64) uint16 {
	return uint16(ref >> 48)
}

// ParseRecord validates the FILE magic, applies the fixup and decodes the header.
// buf is modified in place.
func ParseRecord(buf []byte, index uint64) (*Record, error) {
	object := fmt.Sprintf("record %d", index)
	c := types.NewCursor(buf)
	if string(c.BytesAt(0, 4)) != recordMagic {
		if c.Err() != nil {
			return nil, types.NewScanError(c.Err(), "ParseRecord", object, "")
		}
		return nil, types.NewScanError(types.ErrInvalidMagic, "ParseRecord", object, fmt.Sprintf("magic %q", c.BytesAt(0, 4)))
	}

	usaOffset := c.Uint16At(4)
	usaCount := c.Uint16At(6)
	if c.Err() != nil {
		return nil, types.NewScanError(c.Err(), "ParseRecord", object, "")
	}
	if err := applyFixup(buf, usaOffset, usaCount); err != nil {
		return nil, types.NewScanError(err, "ParseRecord", object, "")
	}

	rec := &Record{
		Index:      index,
		Sequence:   c.Uint16At(16),
		LinkCount:  c.Uint16At(18),
		AttrOffset: c.Uint16At(20),
		Flags:      c.Uint16At(22),
		UsedSize:   c.Uint32At(24),
		AllocSize:  c.Uint32At(28),
		BaseRef:    c.Uint64At(32),
		data:       buf,
	}
	if c.Err() != nil {
		return nil, types.NewScanError(c.Err(), "ParseRecord", object, "")
	}

	if rec.UsedSize > uint32(len(buf)) || rec.UsedSize < recordHeaderSize {
		return nil, types.NewScanError(types.ErrInvalidRecord, "ParseRecord", object, fmt.Sprintf("used size %d", rec.UsedSize))
	}
	if rec.AttrOffset < recordHeaderSize || uint32(rec.AttrOffset) >= rec.UsedSize || rec.AttrOffset%8 != 0 {
		return nil, types.NewScanError(types.ErrInvalidRecord, "ParseRecord", object, fmt.Sprintf("attribute offset %d", rec.AttrOffset))
	}

	return rec, nil
}

// LoadRecord reads and validates MFT record index. Reserved records, and any
// record requested before $MFT is resolved, are read at their direct offset;
// everything else goes through the $MFT data stream.
func (v *Volume) LoadRecord(index uint64) (*Record, error) {
	object := fmt.Sprintf("record %d", index)
	size := int(v.RecordSize)

	var buf []byte
	var err error
	if index <= reservedRecords || v.mft == nil {
		buf, err = util.ReadFull(v.dev, v.mftOffset+int64(index)*int64(size), size)
	} else {
		buf = make([]byte, size)
		var n int
		n, err = v.mft.ReadAt(buf, int64(index)*int64(size))
		if n == size {
			err = nil
		} else if err == nil || errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: record beyond end of $MFT", types.ErrBlockOutOfRange)
		}
	}
	if err != nil {
		return nil, types.NewScanError(err, "LoadRecord", object, "")
	}

	return ParseRecord(buf, index)
}
