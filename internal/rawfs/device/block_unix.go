//go:build unix

package device

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"golang.org/x/sys/unix"
)

// BlockDevice reads a disk or partition node with positional reads
type BlockDevice struct {
	path string
	fd   int
	size int64
}

// OpenBlockDevice opens a device node read-only and sizes it by seeking to its end
func OpenBlockDevice(path string) (*BlockDevice, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, types.NewScanError(types.ErrIOError, "OpenBlockDevice", path, err.Error())
	}
	size, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		unix.Close(fd)
		return nil, types.NewScanError(types.ErrIOError, "OpenBlockDevice", path, fmt.Sprintf("sizing device: %v", err))
	}
	return &BlockDevice{path: path, fd: fd, size: size}, nil
}

// ReadAt implements io.ReaderAt
func (d *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.NewScanError(types.ErrInvalidArgument, "ReadAt", d.path, fmt.Sprintf("negative offset %d", off))
	}
	done := 0
	for done < len(p) {
		n, err := unix.Pread(d.fd, p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, types.NewScanError(types.ErrIOError, "ReadAt", d.path, err.Error())
		}
		if n == 0 {
			return done, io.EOF
		}
		done += n
	}
	return done, nil
}

// Size returns the device size in bytes
func (d *BlockDevice) Size() int64 {
	return d.size
}

// Close closes the device handle
func (d *BlockDevice) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return types.NewScanError(types.ErrIOError, "Close", d.path, err.Error())
	}
	return nil
}
