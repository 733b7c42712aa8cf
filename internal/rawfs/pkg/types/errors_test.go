package types

import (
	"errors"
	"testing"
)

func TestScanErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "object and detail",
			err:  NewScanError(ErrFixupMismatch, "LoadRecord", "record 42", "stride 1"),
			want: "LoadRecord: record 42 [stride 1]: update sequence mismatch",
		},
		{
			name: "object only",
			err:  NewScanError(ErrInvalidMagic, "Open", "ntfs", ""),
			want: "Open: ntfs: invalid magic number",
		},
		{
			name: "detail only",
			err:  NewScanError(ErrShortRead, "ReadAt", "", "4096 bytes"),
			want: "ReadAt: short read [4096 bytes]",
		},
		{
			name: "operation only",
			err:  NewScanError(ErrScanAborted, "Scan", "", ""),
			want: "Scan: scan aborted by content sink",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		format      bool
		validation  bool
		io          bool
		unsupported bool
	}{
		{"magic", ErrInvalidMagic, true, false, false, false},
		{"fixup", ErrFixupMismatch, false, true, false, false},
		{"coverage", ErrRunListCoverage, false, true, false, false},
		{"out of range", ErrBlockOutOfRange, false, true, false, false},
		{"short read", ErrShortRead, false, false, true, false},
		{"bigalloc", ErrUnsupportedFeature, false, false, false, true},
		{"wrapped", NewScanError(ErrOverlappingRange, "ResolveBlocks", "inode 12", ""), false, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFormatError(tt.err); got != tt.format {
				t.Errorf("IsFormatError = %v, want %v", got, tt.format)
			}
			if got := IsValidationError(tt.err); got != tt.validation {
				t.Errorf("IsValidationError = %v, want %v", got, tt.validation)
			}
			if got := IsIOError(tt.err); got != tt.io {
				t.Errorf("IsIOError = %v, want %v", got, tt.io)
			}
			if got := IsUnsupportedFeature(tt.err); got != tt.unsupported {
				t.Errorf("IsUnsupportedFeature = %v, want %v", got, tt.unsupported)
			}
		})
	}
}

func TestScanErrorUnwrap(t *testing.T) {
	err := NewScanError(ErrInvalidExtent, "ResolveBlocks", "inode 7", "depth 2")
	if !errors.Is(err, ErrInvalidExtent) {
		t.Error("expected errors.Is to match wrapped sentinel")
	}
	var se *ScanError
	if !errors.As(err, &se) || se.Object != "inode 7" {
		t.Errorf("expected errors.As to recover ScanError, got %#v", se)
	}
}
