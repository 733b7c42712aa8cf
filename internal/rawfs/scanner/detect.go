// Package scanner selects the parser for a volume and drives scans over
// one or more devices.
package scanner

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/ext4"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/ntfs"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

const (
	ntfsOEMOffset  = 3
	ntfsOEMID      = "NTFS    "
	extMagicOffset = 1024 + 56
	extMagic       = 0xEF53

	probeSize = 2048
)

// Detect identifies the filesystem at the start of dev by its magic bytes.
// A device that matches neither parser reports FilesystemUnknown with
// ErrUnknownFilesystem.
func Detect(dev types.Device) (types.FilesystemType, error) {
	n := int64(probeSize)
	if dev.Size() < n {
		n = dev.Size()
	}
	buf, err := util.ReadFull(dev, 0, int(n))
	if err != nil {
		return types.FilesystemUnknown, err
	}

	if len(buf) >= ntfsOEMOffset+len(ntfsOEMID) && bytes.Equal(buf[ntfsOEMOffset:ntfsOEMOffset+len(ntfsOEMID)], []byte(ntfsOEMID)) {
		return types.FilesystemNTFS, nil
	}
	if len(buf) >= extMagicOffset+2 && binary.LittleEndian.Uint16(buf[extMagicOffset:]) == extMagic {
		return types.FilesystemExt4, nil
	}
	return types.FilesystemUnknown, types.NewScanError(types.ErrUnknownFilesystem, "Detect", "device", "")
}

// Volume is an opened volume of either supported filesystem
type Volume struct {
	Info types.VolumeInfo

	ntfs *ntfs.Volume
	ext4 *ext4.Volume
}

// OpenVolume detects the filesystem on dev and opens it with the matching parser
func OpenVolume(dev types.Device) (*Volume, error) {
	fsType, err := Detect(dev)
	if err != nil {
		return nil, err
	}

	v := &Volume{}
	switch fsType {
	case types.FilesystemNTFS:
		if v.ntfs, err = ntfs.Open(dev); err != nil {
			return nil, err
		}
		v.Info = v.ntfs.Info()
	case types.FilesystemExt4:
		if v.ext4, err = ext4.Open(dev); err != nil {
			return nil, err
		}
		v.Info = v.ext4.Info()
	default:
		return nil, types.NewScanError(types.ErrUnknownFilesystem, "OpenVolume", string(fsType), "")
	}

	logger.LogDebug("Volume opened", map[string]interface{}{
		"type":  v.Info.Type,
		"label": v.Info.Label,
	})
	return v, nil
}

// NewScanner returns the VolumeScanner of the parser that opened v
func (v *Volume) NewScanner(opts types.ScanOptions) types.VolumeScanner {
	if v.ntfs != nil {
		return ntfs.NewScanner(v.ntfs, opts)
	}
	return ext4.NewScanner(v.ext4, opts)
}

// String describes the volume for logs and reports
func (v *Volume) String() string {
	if v.Info.Label != "" {
		return fmt.Sprintf("%s %q", v.Info.Type, v.Info.Label)
	}
	return string(v.Info.Type)
}
