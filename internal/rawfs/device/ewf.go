package device

import (
	"fmt"

	ewfLib "github.com/aarsakian/EWF_Reader/ewf"
	ewfutils "github.com/aarsakian/EWF_Reader/ewf/utils"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// EWFDevice reads the media stream of an Expert Witness (E01) evidence set
type EWFDevice struct {
	path string
	img  ewfLib.EWF_Image
	size int64
}

// OpenEWF parses every segment of the evidence set that path belongs to
func OpenEWF(path string) (dev *EWFDevice, err error) {
	// the EWF parser panics on malformed segments
	defer func() {
		if r := recover(); r != nil {
			dev, err = nil, types.NewScanError(types.ErrInvalidGeometry, "OpenEWF", path, fmt.Sprint(r))
		}
	}()

	filenames := ewfutils.FindEvidenceFiles(path)
	if len(filenames) == 0 {
		return nil, types.NewScanError(types.ErrNotFound, "OpenEWF", path, "no evidence segments")
	}

	var img ewfLib.EWF_Image
	img.ParseEvidence(filenames)
	size := int64(img.Chunksize) * int64(img.NofChunks)
	if size <= 0 {
		return nil, types.NewScanError(types.ErrInvalidGeometry, "OpenEWF", path, "empty media")
	}
	return &EWFDevice{path: path, img: img, size: size}, nil
}

// ReadAt implements io.ReaderAt
func (d *EWFDevice) ReadAt(p []byte, off int64) (int, error) {
	return readAtClamped(p, off, d.size, d.path, func(off, n int64) []byte {
		return d.img.RetrieveData(off, n)
	})
}

// Size returns the media size in bytes
func (d *EWFDevice) Size() int64 {
	return d.size
}

// Close releases the device; segment handles are owned by the parser
func (d *EWFDevice) Close() error {
	return nil
}
