package scanner

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

const (
	mbrSectorSize      = 512
	mbrTableOffset     = 446
	mbrEntrySize       = 16
	mbrEntries         = 4
	mbrSignatureOffset = 510

	partTypeEmpty    = 0x00
	partTypeExtended = 0x05
	partTypeExtLBA   = 0x0F
	partTypeGPT      = 0xEE
)

// Partition is one primary MBR partition
type Partition struct {
	Index  int // 1-based slot in the partition table
	Type   byte
	Offset int64
	Length int64
}

// Partitions reads the MBR partition table of dev. A device whose first
// sector is itself a filesystem boot sector, or that carries no valid
// table, has no partitions. Extended, protective GPT and empty slots are
// skipped, as are entries that do not fit the device.
func Partitions(dev types.Device) ([]Partition, error) {
	if dev.Size() < mbrSectorSize {
		return nil, nil
	}
	sector, err := util.ReadFull(dev, 0, mbrSectorSize)
	if err != nil {
		return nil, err
	}
	if sector[mbrSignatureOffset] != 0x55 || sector[mbrSignatureOffset+1] != 0xAA {
		return nil, nil
	}
	if string(sector[ntfsOEMOffset:ntfsOEMOffset+len(ntfsOEMID)]) == ntfsOEMID {
		return nil, nil
	}

	c := types.NewCursor(sector)
	var parts []Partition
	for i := 0; i < mbrEntries; i++ {
		at := mbrTableOffset + i*mbrEntrySize
		status := c.Uint8At(at)
		typ := c.Uint8At(at + 4)
		start := c.Uint32At(at + 8)
		count := c.Uint32At(at + 12)
		if c.Err() != nil {
			return nil, types.NewScanError(c.Err(), "Partitions", "mbr", "")
		}

		if status != 0x00 && status != 0x80 {
			// not a partition table
			return nil, nil
		}
		switch typ {
		case partTypeEmpty, partTypeExtended, partTypeExtLBA, partTypeGPT:
			continue
		}
		if start == 0 || count == 0 {
			continue
		}
		off := int64(start) * mbrSectorSize
		length := int64(count) * mbrSectorSize
		if off+length > dev.Size() {
			continue
		}
		parts = append(parts, Partition{Index: i + 1, Type: typ, Offset: off, Length: length})
	}
	return parts, nil
}

// Section exposes a byte range of a device as a device of its own
type Section struct {
	dev    types.Device
	offset int64
	length int64
}

// NewSection returns the window [offset, offset+length) of dev
func NewSection(dev types.Device, offset, length int64) *Section {
	return &Section{dev: dev, offset: offset, length: length}
}

// ReadAt reads relative to the start of the section
func (s *Section) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.NewScanError(types.ErrInvalidArgument, "Section.ReadAt", fmt.Sprintf("offset=%d", off), "negative offset")
	}
	if off >= s.length {
		return 0, io.EOF
	}
	want := len(p)
	if rest := s.length - off; int64(want) > rest {
		p = p[:rest]
	}
	n, err := s.dev.ReadAt(p, s.offset+off)
	if err == nil && n < want {
		err = io.EOF
	}
	return n, err
}

// Size returns the section length
func (s *Section) Size() int64 {
	return s.length
}
