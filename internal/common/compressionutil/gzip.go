package compression

import (
	"compress/gzip"
	"io"
)

func init() {
	register(FormatGZIP, codec{
		magic: []byte{0x1F, 0x8B},
		ext:   ".gz",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
	})
}

// CompressGZIP compresses a file using GZIP format
func CompressGZIP(src, dst string) error {
	return Compress(FormatGZIP, src, dst)
}
