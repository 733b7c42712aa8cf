package types

import (
	"errors"
	"fmt"
)

// Errors that can occur while decoding raw volumes
var (
	// General errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotDirectory    = errors.New("not a directory")
	ErrNotFound        = errors.New("object not found")
	ErrScanAborted     = errors.New("scan aborted by content sink")

	// Format errors: the bytes on disk are not what the layout expects
	ErrInvalidMagic      = errors.New("invalid magic number")
	ErrInvalidSuperblock = errors.New("invalid superblock")
	ErrInvalidGeometry   = errors.New("invalid volume geometry")
	ErrInvalidRecord     = errors.New("invalid metadata record")
	ErrInvalidAttribute  = errors.New("invalid attribute header")
	ErrInvalidExtent     = errors.New("invalid extent tree")
	ErrInvalidDirEntry   = errors.New("invalid directory entry")
	ErrInvalidIndex      = errors.New("invalid index node")
	ErrStructTooShort    = errors.New("data too short for structure")

	// Validation errors: the structure parses but breaks a consistency rule
	ErrFixupMismatch    = errors.New("update sequence mismatch")
	ErrRunListCoverage  = errors.New("run list does not cover declared VCN range")
	ErrOverlappingRange = errors.New("overlapping or unordered ranges")
	ErrBlockOutOfRange  = errors.New("block address outside volume")
	ErrDepthMismatch    = errors.New("tree depth mismatch")

	// I/O errors
	ErrIOError   = errors.New("I/O error")
	ErrShortRead = errors.New("short read")

	// Unsupported features
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrUnknownFilesystem  = errors.New("unknown filesystem")
)

// ScanError represents an error with additional context about where decoding failed
type ScanError struct {
	Err       error  // The underlying error
	Operation string // The operation that caused the error
	Object    string // The object being decoded (record number, inode, offset)
	Detail    string // Additional details about the error
}

// Error implements the error interface
func (e *ScanError) Error() string {
	if e.Object != "" && e.Detail != "" {
		return fmt.Sprintf("%s: %s [%s]: %v", e.Operation, e.Object, e.Detail, e.Err)
	} else if e.Object != "" {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Object, e.Err)
	} else if e.Detail != "" {
		return fmt.Sprintf("%s: %v [%s]", e.Operation, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *ScanError) Unwrap() error {
	return e.Err
}

// NewScanError creates a new ScanError with the given details
func NewScanError(err error, operation string, object string, detail string) error {
	return &ScanError{
		Err:       err,
		Operation: operation,
		Object:    object,
		Detail:    detail,
	}
}

// IsFormatError returns true if the on-disk bytes did not match the expected layout
func IsFormatError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) || errors.Is(err, ErrInvalidSuperblock) ||
		errors.Is(err, ErrInvalidGeometry) || errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInvalidAttribute) || errors.Is(err, ErrInvalidExtent) ||
		errors.Is(err, ErrInvalidDirEntry) || errors.Is(err, ErrInvalidIndex) ||
		errors.Is(err, ErrStructTooShort)
}

// IsValidationError returns true if a structure failed a consistency check
func IsValidationError(err error) bool {
	return errors.Is(err, ErrFixupMismatch) || errors.Is(err, ErrRunListCoverage) ||
		errors.Is(err, ErrOverlappingRange) || errors.Is(err, ErrBlockOutOfRange) ||
		errors.Is(err, ErrDepthMismatch)
}

// IsIOError returns true if the error is related to I/O operations
func IsIOError(err error) bool {
	return errors.Is(err, ErrIOError) || errors.Is(err, ErrShortRead)
}

// IsUnsupportedFeature returns true if the volume or file uses a feature that is refused
func IsUnsupportedFeature(err error) bool {
	return errors.Is(err, ErrUnsupportedFeature) || errors.Is(err, ErrUnsupportedVersion)
}
