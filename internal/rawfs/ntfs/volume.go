// Package ntfs decodes NTFS volumes directly from raw device bytes.
package ntfs

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

const (
	bootSectorSize = 512
	bootSignature  = "NTFS    "

	// Well-known metadata record numbers
	RecordMFT     uint64 = 0
	RecordMFTMirr uint64 = 1
	RecordLogFile uint64 = 2
	RecordVolume  uint64 = 3
	RecordRoot    uint64 = 5

	// Records at or below this index are always read at their direct offset
	reservedRecords uint64 = 16

	minVersionMajor = 3
)

// BootSector holds the geometry fields of the NTFS boot sector
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint32
	TotalSectors      uint64
	MFTCluster        uint64
	MFTMirrorCluster  uint64
	ClustersPerRecord int8
	ClustersPerIndex  int8
	Serial            uint64
}

// ParseBootSector decodes and validates the first sector of an NTFS volume
func ParseBootSector(buf []byte) (*BootSector, error) {
	c := types.NewCursor(buf)
	if string(c.BytesAt(3, 8)) != bootSignature {
		if c.Err() != nil {
			return nil, types.NewScanError(c.Err(), "ParseBootSector", "ntfs", "")
		}
		return nil, types.NewScanError(types.ErrInvalidMagic, "ParseBootSector", "ntfs", "missing NTFS OEM id")
	}

	bs := &BootSector{
		BytesPerSector:    c.Uint16At(11),
		TotalSectors:      c.Uint64At(40),
		MFTCluster:        c.Uint64At(48),
		MFTMirrorCluster:  c.Uint64At(56),
		ClustersPerRecord: int8(c.Uint8At(64)),
		ClustersPerIndex:  int8(c.Uint8At(68)),
		Serial:            c.Uint64At(72),
	}
	spc := c.Uint8At(13)
	if c.Err() != nil {
		return nil, types.NewScanError(c.Err(), "ParseBootSector", "ntfs", "")
	}

	if spc > 0x80 {
		bs.SectorsPerCluster = 1 << (256 - uint32(spc))
	} else {
		bs.SectorsPerCluster = uint32(spc)
	}

	if bs.BytesPerSector < 256 || bs.BytesPerSector > 4096 || !util.IsPowerOfTwo(uint64(bs.BytesPerSector)) {
		return nil, types.NewScanError(types.ErrInvalidGeometry, "ParseBootSector", "ntfs", fmt.Sprintf("bytes per sector %d", bs.BytesPerSector))
	}
	if bs.SectorsPerCluster == 0 || !util.IsPowerOfTwo(uint64(bs.SectorsPerCluster)) {
		return nil, types.NewScanError(types.ErrInvalidGeometry, "ParseBootSector", "ntfs", fmt.Sprintf("sectors per cluster %d", bs.SectorsPerCluster))
	}
	if bs.TotalSectors == 0 {
		return nil, types.NewScanError(types.ErrInvalidGeometry, "ParseBootSector", "ntfs", "zero total sectors")
	}

	return bs, nil
}

// ClusterSize returns the cluster size in bytes
func (bs *BootSector) ClusterSize() uint32 {
	return uint32(bs.BytesPerSector) * bs.SectorsPerCluster
}

// unitSize decodes the clusters-per-record / clusters-per-index encoding:
// positive values count clusters, negative n means 1<<|n| bytes.
func unitSize(v int8, clusterSize uint32) uint32 {
	if v > 0 {
		return uint32(v) * clusterSize
	}
	return 1 << uint32(-int32(v))
}

// Volume is an opened NTFS volume. It is immutable after Open apart from
// the lazily decoded $MFT run list.
type Volume struct {
	dev  types.Device
	Boot BootSector

	ClusterSize    uint32
	RecordSize     uint32
	IndexBlockSize uint32
	TotalClusters  uint64

	Label        string
	VersionMajor uint8
	VersionMinor uint8

	mftOffset int64
	mft       *Stream
}

// Open reads the boot sector, resolves $MFT and validates $Volume
func Open(dev types.Device) (*Volume, error) {
	buf, err := util.ReadFull(dev, 0, bootSectorSize)
	if err != nil {
		return nil, types.NewScanError(err, "Open", "ntfs", "reading boot sector")
	}

	bs, err := ParseBootSector(buf)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		dev:           dev,
		Boot:          *bs,
		ClusterSize:   bs.ClusterSize(),
		TotalClusters: bs.TotalSectors / uint64(bs.SectorsPerCluster),
	}
	v.RecordSize = unitSize(bs.ClustersPerRecord, v.ClusterSize)
	v.IndexBlockSize = unitSize(bs.ClustersPerIndex, v.ClusterSize)

	if v.RecordSize < 256 || v.RecordSize > 65536 || !util.IsPowerOfTwo(uint64(v.RecordSize)) {
		return nil, types.NewScanError(types.ErrInvalidGeometry, "Open", "ntfs", fmt.Sprintf("record size %d", v.RecordSize))
	}
	if v.IndexBlockSize < minIndexBlockSize || v.IndexBlockSize > maxIndexBlockSize || !util.IsPowerOfTwo(uint64(v.IndexBlockSize)) {
		return nil, types.NewScanError(types.ErrInvalidGeometry, "Open", "ntfs", fmt.Sprintf("index block size %d", v.IndexBlockSize))
	}
	if bs.MFTCluster >= v.TotalClusters {
		return nil, types.NewScanError(types.ErrBlockOutOfRange, "Open", "ntfs", fmt.Sprintf("MFT cluster %d beyond %d clusters", bs.MFTCluster, v.TotalClusters))
	}
	v.mftOffset = int64(bs.MFTCluster) * int64(v.ClusterSize)

	if err := v.loadMFT(); err != nil {
		return nil, err
	}
	if err := v.loadVolumeInformation(); err != nil {
		return nil, err
	}

	logger.LogDebug("Opened NTFS volume", map[string]interface{}{
		"cluster_size":   v.ClusterSize,
		"record_size":    v.RecordSize,
		"index_size":     v.IndexBlockSize,
		"total_clusters": v.TotalClusters,
		"label":          v.Label,
		"version":        fmt.Sprintf("%d.%d", v.VersionMajor, v.VersionMinor),
	})

	return v, nil
}

// loadMFT resolves the unnamed $DATA stream of record 0
func (v *Volume) loadMFT() error {
	rec, err := v.LoadRecord(RecordMFT)
	if err != nil {
		return types.NewScanError(err, "Open", "$MFT", "")
	}
	attrs, err := v.ReadAttributes(rec)
	if err != nil {
		return types.NewScanError(err, "Open", "$MFT", "reading attributes")
	}
	data := FindAttribute(attrs, AttrData, "")
	if data == nil || data.NonResident == nil {
		return types.NewScanError(types.ErrInvalidRecord, "Open", "$MFT", "missing non-resident $DATA")
	}
	stream, err := v.OpenStream(data)
	if err != nil {
		return types.NewScanError(err, "Open", "$MFT", "opening $DATA")
	}
	v.mft = stream
	return nil
}

// loadVolumeInformation checks the NTFS version and reads the label from $Volume
func (v *Volume) loadVolumeInformation() error {
	rec, err := v.LoadRecord(RecordVolume)
	if err != nil {
		return types.NewScanError(err, "Open", "$Volume", "")
	}
	attrs, err := v.ReadAttributes(rec)
	if err != nil {
		return types.NewScanError(err, "Open", "$Volume", "reading attributes")
	}

	info := FindAttribute(attrs, AttrVolumeInformation, "")
	if info == nil || info.Resident == nil {
		return types.NewScanError(types.ErrInvalidRecord, "Open", "$Volume", "missing volume information")
	}
	vi, err := ParseVolumeInformation(info.Resident.Value)
	if err != nil {
		return types.NewScanError(err, "Open", "$Volume", "")
	}
	if vi.Major < minVersionMajor {
		return types.NewScanError(types.ErrUnsupportedVersion, "Open", "$Volume", fmt.Sprintf("NTFS %d.%d", vi.Major, vi.Minor))
	}
	v.VersionMajor, v.VersionMinor = vi.Major, vi.Minor

	if name := FindAttribute(attrs, AttrVolumeName, ""); name != nil && name.Resident != nil {
		v.Label = decodeName(name.Resident.Value)
	}
	return nil
}

// Device returns the device the volume was opened on
func (v *Volume) Device() types.Device {
	return v.dev
}

// MFTRecordCount returns the number of records addressable through $MFT
func (v *Volume) MFTRecordCount() uint64 {
	if v.mft == nil {
		return 0
	}
	return uint64(v.mft.Size()) / uint64(v.RecordSize)
}

// Info summarises the volume geometry
func (v *Volume) Info() types.VolumeInfo {
	return types.VolumeInfo{
		Type:         types.FilesystemNTFS,
		Label:        v.Label,
		Serial:       fmt.Sprintf("%016X", v.Boot.Serial),
		ClusterSize:  v.ClusterSize,
		SectorSize:   uint32(v.Boot.BytesPerSector),
		RecordSize:   v.RecordSize,
		TotalUnits:   v.TotalClusters,
		VersionMajor: int(v.VersionMajor),
		VersionMinor: int(v.VersionMinor),
	}
}

// clusterOffset converts an LCN to a byte offset, failing closed outside the volume
func (v *Volume) clusterOffset(lcn uint64) (int64, error) {
	if lcn >= v.TotalClusters {
		return 0, types.NewScanError(types.ErrBlockOutOfRange, "clusterOffset", fmt.Sprintf("lcn=%d", lcn), fmt.Sprintf("volume has %d clusters", v.TotalClusters))
	}
	return int64(lcn) * int64(v.ClusterSize), nil
}
