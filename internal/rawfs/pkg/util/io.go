// File: pkg/util/io.go
package util

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// FileDevice implements types.Device backed by a regular file (raw dd image)
type FileDevice struct {
	f    *os.File
	path string
	size int64
}

// OpenFileDevice opens a raw image read-only
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewScanError(types.ErrIOError, "OpenFileDevice", path, err.Error())
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, types.NewScanError(types.ErrIOError, "OpenFileDevice", path, err.Error())
	}

	if stat.IsDir() {
		f.Close()
		return nil, types.NewScanError(types.ErrInvalidArgument, "OpenFileDevice", path, "path is a directory")
	}

	return &FileDevice{f: f, path: path, size: stat.Size()}, nil
}

// ReadAt reads raw data at a given byte offset
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= d.size {
		return 0, types.NewScanError(types.ErrBlockOutOfRange, "ReadAt", fmt.Sprintf("offset=%d", off), "read offset out of range")
	}
	n, err := d.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, types.NewScanError(types.ErrIOError, "ReadAt", fmt.Sprintf("offset=%d", off), err.Error())
	}
	return n, err
}

// Size returns the image size in bytes
func (d *FileDevice) Size() int64 {
	return d.size
}

// Path returns the path the device was opened from
func (d *FileDevice) Path() string {
	return d.path
}

// Close closes the underlying file
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// MemoryDevice implements types.Device over an in-memory buffer
type MemoryDevice struct {
	data []byte
}

// NewMemoryDevice wraps data as a device; data is not copied
func NewMemoryDevice(data []byte) *MemoryDevice {
	return &MemoryDevice{data: data}
}

// ReadAt reads raw data at a given byte offset
func (d *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(d.data)) {
		return 0, types.NewScanError(types.ErrBlockOutOfRange, "ReadAt", fmt.Sprintf("offset=%d", off), "read offset out of range")
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the buffer length
func (d *MemoryDevice) Size() int64 {
	return int64(len(d.data))
}

// Close is a no-op
func (d *MemoryDevice) Close() error {
	return nil
}

// ReadFull reads exactly n bytes at off. Any shortfall is an ErrShortRead.
func ReadFull(dev types.Device, off int64, n int) ([]byte, error) {
	if n < 0 {
		return nil, types.NewScanError(types.ErrInvalidArgument, "ReadFull", fmt.Sprintf("offset=%d", off), fmt.Sprintf("negative length %d", n))
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if off < 0 || off+int64(n) > dev.Size() {
		return nil, types.NewScanError(types.ErrBlockOutOfRange, "ReadFull", fmt.Sprintf("offset=%d", off), fmt.Sprintf("length %d exceeds device size %d", n, dev.Size()))
	}
	got, err := dev.ReadAt(buf, off)
	if got == n {
		return buf, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return nil, types.NewScanError(types.ErrShortRead, "ReadFull", fmt.Sprintf("offset=%d", off), fmt.Sprintf("got %d of %d bytes", got, n))
}

// SeekBlock returns the byte offset for a given block number and block size
func SeekBlock(blockNum uint64, blockSize uint32) int64 {
	return int64(blockNum) * int64(blockSize)
}

// IsAligned checks whether a given offset is aligned to blockSize
func IsAligned(offset int64, blockSize uint32) bool {
	return offset%int64(blockSize) == 0
}

// IsPowerOfTwo reports whether v is a non-zero power of two
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// CeilDiv returns ceil(a / b) for b > 0
func CeilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
