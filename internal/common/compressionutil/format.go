package compression

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Format names a single-stream compression container
type Format string

const (
	FormatNone  Format = ""
	FormatGZIP  Format = "gzip"
	FormatBZIP2 Format = "bzip2"
	FormatXZ    Format = "xz"
)

// codec opens readers and writers for one format
type codec struct {
	magic     []byte
	ext       string
	newReader func(io.Reader) (io.ReadCloser, error)
	newWriter func(io.Writer) (io.WriteCloser, error)
}

var codecs = map[Format]codec{}

func register(f Format, c codec) {
	codecs[f] = c
}

// Extension returns the conventional file suffix of a format
func (f Format) Extension() string {
	return codecs[f].ext
}

// DetectFormat sniffs the leading magic bytes of a file
func DetectFormat(path string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return FormatNone, err
	}
	defer file.Close()

	header := make([]byte, 8)
	n, err := io.ReadFull(file, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatNone, fmt.Errorf("failed to read header: %w", err)
	}
	header = header[:n]

	for f, c := range codecs {
		if bytes.HasPrefix(header, c.magic) {
			return f, nil
		}
	}
	return FormatNone, nil
}

// Compress writes src to dst in the given format
func Compress(format Format, src, dst string) error {
	c, ok := codecs[format]
	if !ok {
		return fmt.Errorf("unsupported compression format: %q", format)
	}

	inputFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer inputFile.Close()

	outputFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer outputFile.Close()

	w, err := c.newWriter(outputFile)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, inputFile); err != nil {
		w.Close()
		return fmt.Errorf("failed to compress file: %w", err)
	}
	return w.Close()
}

// Decompress detects the format of src and expands it into dst
func Decompress(src, dst string) (Format, error) {
	format, err := DetectFormat(src)
	if err != nil {
		return FormatNone, err
	}
	c, ok := codecs[format]
	if !ok {
		return FormatNone, fmt.Errorf("%s is not a compressed file", src)
	}

	inputFile, err := os.Open(src)
	if err != nil {
		return format, err
	}
	defer inputFile.Close()

	r, err := c.newReader(inputFile)
	if err != nil {
		return format, err
	}
	defer r.Close()

	outputFile, err := os.Create(dst)
	if err != nil {
		return format, err
	}
	defer outputFile.Close()

	if _, err := io.Copy(outputFile, r); err != nil {
		return format, fmt.Errorf("failed to decompress file: %w", err)
	}
	return format, nil
}
