// Package report collects the files found by a scan, hashes their content
// and renders the result as JSON or property lists.
package report

import (
	"time"

	"github.com/deploymenttheory/go-rawscan/internal/common/vtutil"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/scanner"
)

// Report is the document written at the end of a scan
type Report struct {
	Generated     time.Time `json:"generated" plist:"generated"`
	Tool          string    `json:"tool" plist:"tool"`
	Version       string    `json:"version" plist:"version"`
	HashAlgorithm string    `json:"hash_algorithm,omitempty" plist:"hash_algorithm,omitempty"`
	Volumes       []Volume  `json:"volumes" plist:"volumes"`
	Files         []File    `json:"files" plist:"files"`
	Totals        Totals    `json:"totals" plist:"totals"`
}

// Volume describes one scanned volume
type Volume struct {
	Source       string `json:"source" plist:"source"`
	Partition    int    `json:"partition,omitempty" plist:"partition,omitempty"`
	Label        string `json:"label" plist:"label"`
	Filesystem   string `json:"filesystem,omitempty" plist:"filesystem,omitempty"`
	VolumeLabel  string `json:"volume_label,omitempty" plist:"volume_label,omitempty"`
	Serial       string `json:"serial,omitempty" plist:"serial,omitempty"`
	ClusterSize  uint32 `json:"cluster_size,omitempty" plist:"cluster_size,omitempty"`
	Files        int64  `json:"files" plist:"files"`
	Directories  int64  `json:"directories" plist:"directories"`
	BytesScanned int64  `json:"bytes_scanned" plist:"bytes_scanned"`
	RecordErrors int64  `json:"record_errors" plist:"record_errors"`
	PrefixFound  bool   `json:"prefix_found,omitempty" plist:"prefix_found,omitempty"`
	Error        string `json:"error,omitempty" plist:"error,omitempty"`
}

// File is one reported file
type File struct {
	Path       string                 `json:"path" plist:"path"`
	Size       int64                  `json:"size" plist:"size"`
	Hash       string                 `json:"hash,omitempty" plist:"hash,omitempty"`
	Partial    bool                   `json:"partial,omitempty" plist:"partial,omitempty"`       // content delivery stopped early
	Reputation *vtutil.FileReputation `json:"reputation,omitempty" plist:"reputation,omitempty"`
}

// Totals sums the volume counters
type Totals struct {
	Volumes      int   `json:"volumes" plist:"volumes"`
	Failed       int   `json:"failed" plist:"failed"`
	Files        int64 `json:"files" plist:"files"`
	Directories  int64 `json:"directories" plist:"directories"`
	BytesScanned int64 `json:"bytes_scanned" plist:"bytes_scanned"`
	RecordErrors int64 `json:"record_errors" plist:"record_errors"`
	Flagged      int   `json:"flagged" plist:"flagged"`
}

// NewVolume converts a scanner result
func NewVolume(res scanner.VolumeResult) Volume {
	v := Volume{
		Source:       res.Source,
		Partition:    res.Partition,
		Label:        res.Label(),
		Filesystem:   string(res.Info.Type),
		VolumeLabel:  res.Info.Label,
		Serial:       res.Info.Serial,
		ClusterSize:  res.Info.ClusterSize,
		Files:        res.Stats.Files,
		Directories:  res.Stats.Directories,
		BytesScanned: res.Stats.BytesScanned,
		RecordErrors: res.Stats.RecordErrors,
		PrefixFound:  res.PrefixFound,
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}
