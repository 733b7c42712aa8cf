// Package plistutil provides utilities for working with property list files
package plistutil

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/common/fsutil"
	"howett.net/plist"
)

// Format represents the plist format
type Format int

const (
	// FormatXML is the XML plist format
	FormatXML Format = iota
	// FormatBinary is the binary plist format
	FormatBinary
	// FormatOpenStep is the OpenStep plist format
	FormatOpenStep
)

func (f Format) plistFormat() int {
	switch f {
	case FormatBinary:
		return plist.BinaryFormat
	case FormatOpenStep:
		return plist.OpenStepFormat
	default:
		return plist.XMLFormat
	}
}

// Encode writes v to w in the given format
func Encode(w io.Writer, v interface{}, format Format) error {
	enc := plist.NewEncoderForFormat(w, format.plistFormat())
	if format == FormatXML {
		enc.Indent("\t")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	return nil
}

// WriteFile writes v to path in the given format, creating parent directories
func WriteFile(path string, v interface{}, format Format) error {
	var buf bytes.Buffer
	if err := Encode(&buf, v, format); err != nil {
		return err
	}
	if err := fsutil.WriteFile(path, buf.Bytes(), 0644); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", errors.ErrPermissionDenied, path)
		}
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	return nil
}

// ReadFile decodes the property list at path into v and reports its format
func ReadFile(path string, v interface{}) (Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FormatXML, fmt.Errorf("%w: %s", errors.ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return FormatXML, fmt.Errorf("%w: %s", errors.ErrPermissionDenied, path)
		}
		return FormatXML, fmt.Errorf("%w: %s", errors.ErrPathNotAccessible, path)
	}

	format, err := plist.Unmarshal(data, v)
	if err != nil {
		return FormatXML, fmt.Errorf("%w: %s", errors.ErrUnsupportedFile, err.Error())
	}

	switch format {
	case plist.BinaryFormat:
		return FormatBinary, nil
	case plist.OpenStepFormat, plist.GNUStepFormat:
		return FormatOpenStep, nil
	default:
		return FormatXML, nil
	}
}

// FormatToString converts a Format to its string representation
func FormatToString(format Format) string {
	switch format {
	case FormatBinary:
		return "binary"
	case FormatOpenStep:
		return "openstep"
	default:
		return "xml"
	}
}
