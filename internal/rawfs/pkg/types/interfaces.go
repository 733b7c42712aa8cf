package types

import (
	"context"
	"io"
)

// Device is a random-access, read-only source of volume bytes
type Device interface {
	io.ReaderAt

	// Size returns the number of addressable bytes
	Size() int64
}

// DeviceCloser is a Device that owns an underlying handle
type DeviceCloser interface {
	Device
	io.Closer
}

// ContentAction is the value a ContentSink returns for each delivered chunk
type ContentAction int

const (
	// ActionAbort stops the whole scan
	ActionAbort ContentAction = -1
	// ActionSkipFile stops delivering content for the current file
	ActionSkipFile ContentAction = 0
	// ActionContinue requests the next chunk
	ActionContinue ContentAction = 1
)

// ContentSink receives discovered files and their content.
// OnPath is called exactly once per discovered file, before any OnContent
// call for that path.
type ContentSink interface {
	// ContentNeeded reports whether OnContent should be invoked at all
	ContentNeeded() bool

	// OnPath announces a file and its logical size
	OnPath(path string, size int64)

	// OnContent delivers the next chunk of a file's content
	OnContent(path string, data []byte) ContentAction
}

// Filter decides whether a path (directory or file) is visited
type Filter interface {
	NeedScan(path string) bool
}

// FoundMarker is implemented by filters that record whether any non-empty
// file was reported below the selected path
type FoundMarker interface {
	MarkFound()
}

// FilterFunc adapts a function to the Filter interface
type FilterFunc func(path string) bool

// NeedScan calls f(path)
func (f FilterFunc) NeedScan(path string) bool {
	return f(path)
}

// ScanOptions configures a VolumeScanner
type ScanOptions struct {
	Sink      ContentSink
	Filter    Filter
	ChunkSize int    // content delivery granularity, 4096 when zero
	RootLabel string // prefix prepended to every reported path
}

// DefaultChunkSize is the content delivery granularity used when none is configured
const DefaultChunkSize = 4096

// Stats accumulates counters for one volume scan
type Stats struct {
	Files        int64
	Directories  int64
	BytesScanned int64 // rounded up to 4096 per file
	RecordErrors int64
}

// Add merges other into s
func (s *Stats) Add(other Stats) {
	s.Files += other.Files
	s.Directories += other.Directories
	s.BytesScanned += other.BytesScanned
	s.RecordErrors += other.RecordErrors
}

// VolumeScanner walks one volume and reports files to a ContentSink
type VolumeScanner interface {
	Scan(ctx context.Context) error
	Stats() Stats
}

// FilesystemType names a detected on-disk format
type FilesystemType string

const (
	FilesystemUnknown FilesystemType = "unknown"
	FilesystemNTFS    FilesystemType = "ntfs"
	FilesystemExt4    FilesystemType = "ext4"
)

// VolumeInfo is the geometry summary of an opened volume
type VolumeInfo struct {
	Type         FilesystemType
	Label        string
	Serial       string
	ClusterSize  uint32
	SectorSize   uint32
	RecordSize   uint32
	TotalUnits   uint64
	VersionMajor int
	VersionMinor int
	Features     []string
}

// RoundUp4K rounds n up to the next multiple of 4096
func RoundUp4K(n int64) int64 {
	return (n + 4095) &^ 4095
}
