package device

import (
	"fmt"
	"path/filepath"

	extent "github.com/aarsakian/VMDK_Reader/extent"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// VMDKDevice reads the virtual disk described by a sparse VMDK descriptor
type VMDKDevice struct {
	path    string
	dir     string
	extents extent.Extents
	size    int64
}

// OpenVMDK parses the descriptor and extents of a VMDK image
func OpenVMDK(path string) (dev *VMDKDevice, err error) {
	defer func() {
		if r := recover(); r != nil {
			dev, err = nil, types.NewScanError(types.ErrInvalidGeometry, "OpenVMDK", path, fmt.Sprint(r))
		}
	}()

	extents := extent.ProcessExtents(path)
	size := extents.GetHDSize()
	if size <= 0 {
		return nil, types.NewScanError(types.ErrInvalidGeometry, "OpenVMDK", path, "empty virtual disk")
	}
	return &VMDKDevice{path: path, dir: filepath.Dir(path), extents: extents, size: size}, nil
}

// ReadAt implements io.ReaderAt
func (d *VMDKDevice) ReadAt(p []byte, off int64) (int, error) {
	return readAtClamped(p, off, d.size, d.path, func(off, n int64) []byte {
		return d.extents.RetrieveData(d.dir, off, n)
	})
}

// Size returns the virtual disk size in bytes
func (d *VMDKDevice) Size() int64 {
	return d.size
}

// Close releases the device
func (d *VMDKDevice) Close() error {
	return nil
}
