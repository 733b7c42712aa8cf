// File: pkg/util/io_test.go
package util

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

func TestFileDeviceReadAt(t *testing.T) {
	tempFile, err := os.CreateTemp("", "rawscan-dev-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tempFile.Name())

	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if _, err := tempFile.Write(data); err != nil {
		t.Fatalf("failed to write temp image: %v", err)
	}
	tempFile.Close()

	device, err := OpenFileDevice(tempFile.Name())
	if err != nil {
		t.Fatalf("failed to open file device: %v", err)
	}
	defer device.Close()

	if device.Size() != int64(len(data)) {
		t.Errorf("Size: got %d, want %d", device.Size(), len(data))
	}

	got, err := ReadFull(device, 4000, 200)
	if err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(got, data[4000:4200]) {
		t.Error("ReadFull returned unexpected bytes")
	}
}

func TestReadAtInvalidOffset(t *testing.T) {
	tempFile, _ := os.CreateTemp("", "rawscan-dev-test")
	defer os.Remove(tempFile.Name())
	tempFile.Write(make([]byte, 4096))
	tempFile.Close()

	device, err := OpenFileDevice(tempFile.Name())
	if err != nil {
		t.Fatalf("failed to open file device: %v", err)
	}
	defer device.Close()

	buf := make([]byte, 16)
	_, err = device.ReadAt(buf, int64(999999999))
	if err == nil {
		t.Error("expected error for out-of-range read, got nil")
	}
	if !errors.Is(err, types.ErrBlockOutOfRange) {
		t.Errorf("expected block out of range error, got: %v", err)
	}
}

func TestOpenFileDeviceMissing(t *testing.T) {
	_, err := OpenFileDevice("/nonexistent/rawscan/image.dd")
	if !types.IsIOError(err) {
		t.Errorf("expected IO error, got %v", err)
	}
}

func TestReadFullBounds(t *testing.T) {
	dev := NewMemoryDevice(make([]byte, 1024))

	tests := []struct {
		name    string
		off     int64
		n       int
		wantErr error
	}{
		{"whole device", 0, 1024, nil},
		{"empty read", 1024, 0, nil},
		{"crosses end", 1000, 100, types.ErrBlockOutOfRange},
		{"negative offset", -1, 4, types.ErrBlockOutOfRange},
		{"negative length", 0, -4, types.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := ReadFull(dev, tt.off, tt.n)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(buf) != tt.n {
					t.Errorf("got %d bytes, want %d", len(buf), tt.n)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBlockArithmetic(t *testing.T) {
	if SeekBlock(3, 4096) != 12288 {
		t.Error("SeekBlock(3, 4096) != 12288")
	}
	if !IsAligned(8192, 4096) || IsAligned(8193, 4096) {
		t.Error("IsAligned mismatch")
	}
	if !IsPowerOfTwo(512) || IsPowerOfTwo(0) || IsPowerOfTwo(24) {
		t.Error("IsPowerOfTwo mismatch")
	}
	if CeilDiv(10*1024*1024, 4096) != 2560 || CeilDiv(4097, 4096) != 2 || CeilDiv(0, 4096) != 0 {
		t.Error("CeilDiv mismatch")
	}
}
