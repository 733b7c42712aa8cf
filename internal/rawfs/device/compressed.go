package device

import (
	"errors"
	"os"
	"path/filepath"

	compression "github.com/deploymenttheory/go-rawscan/internal/common/compressionutil"
	"github.com/deploymenttheory/go-rawscan/internal/common/fsutil"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

// expandedDevice is a raw image decompressed into a temporary file that is
// removed on Close
type expandedDevice struct {
	*util.FileDevice
	tmpPath string
}

func openCompressed(path string, opts Options) (types.DeviceCloser, error) {
	dir := opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := fsutil.CreateDirIfNotExists(dir); err != nil {
		return nil, types.NewScanError(types.ErrIOError, "OpenCompressed", dir, err.Error())
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.raw")
	if err != nil {
		return nil, types.NewScanError(types.ErrIOError, "OpenCompressed", path, err.Error())
	}
	tmpPath := tmp.Name()
	tmp.Close()

	format, err := compression.Decompress(path, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, types.NewScanError(types.ErrIOError, "OpenCompressed", path, err.Error())
	}

	fd, err := util.OpenFileDevice(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	logger.LogInfo("Expanded compressed image", map[string]interface{}{
		"source":   path,
		"format":   string(format),
		"expanded": tmpPath,
		"size":     fd.Size(),
	})
	return &expandedDevice{FileDevice: fd, tmpPath: tmpPath}, nil
}

// Close closes the expanded image and deletes it
func (d *expandedDevice) Close() error {
	return errors.Join(d.FileDevice.Close(), os.Remove(d.tmpPath))
}
