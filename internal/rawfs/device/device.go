// Package device opens the byte sources a volume is decoded from.
package device

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	compression "github.com/deploymenttheory/go-rawscan/internal/common/compressionutil"
	"github.com/deploymenttheory/go-rawscan/internal/common/osutil"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

// Kind names the container a device was opened through
type Kind string

const (
	KindRaw        Kind = "raw"
	KindBlock      Kind = "block"
	KindEWF        Kind = "ewf"
	KindVMDK       Kind = "vmdk"
	KindCompressed Kind = "compressed"
)

// Options configures Open
type Options struct {
	// TempDir receives expanded compressed images, os.TempDir() when empty
	TempDir string
}

// Classify reports which kind of container Open will use for path
func Classify(path string) (Kind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", types.NewScanError(types.ErrIOError, "Classify", path, err.Error())
	}
	if info.Mode()&os.ModeDevice != 0 {
		return KindBlock, nil
	}
	if info.IsDir() {
		return "", types.NewScanError(types.ErrInvalidArgument, "Classify", path, "is a directory")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".e01", ".ex01":
		return KindEWF, nil
	case ".vmdk":
		return KindVMDK, nil
	}

	format, err := compression.DetectFormat(path)
	if err != nil {
		return "", types.NewScanError(types.ErrIOError, "Classify", path, err.Error())
	}
	if format != compression.FormatNone {
		return KindCompressed, nil
	}
	return KindRaw, nil
}

// Open opens path read-only as a Device
func Open(path string, opts Options) (types.DeviceCloser, error) {
	kind, err := Classify(path)
	if err != nil {
		return nil, err
	}
	logger.LogDebug("Opening device", map[string]interface{}{
		"path": path,
		"kind": string(kind),
	})

	switch kind {
	case KindBlock:
		dev, err := OpenBlockDevice(path)
		if err != nil && !osutil.IsPrivileged() {
			logger.LogWarn("Opening a block device usually needs root", map[string]interface{}{
				"path": path,
			})
		}
		return dev, err
	case KindEWF:
		return OpenEWF(path)
	case KindVMDK:
		return OpenVMDK(path)
	case KindCompressed:
		return openCompressed(path, opts)
	default:
		return util.OpenFileDevice(path)
	}
}

// readAtClamped implements ReaderAt semantics over a fetch function that
// returns at most the requested bytes
func readAtClamped(p []byte, off, size int64, object string, fetch func(off, n int64) []byte) (int, error) {
	if off < 0 {
		return 0, types.NewScanError(types.ErrInvalidArgument, "ReadAt", object, fmt.Sprintf("negative offset %d", off))
	}
	if off >= size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), size-off)
	n := copy(p, fetch(off, want))
	if int64(n) < want {
		return n, types.NewScanError(types.ErrShortRead, "ReadAt", object, fmt.Sprintf("got %d of %d bytes at offset %d", n, want, off))
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
