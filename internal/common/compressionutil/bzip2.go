package compression

import (
	"io"

	"github.com/dsnet/compress/bzip2"
)

func init() {
	register(FormatBZIP2, codec{
		magic: []byte("BZh"),
		ext:   ".bz2",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return bzip2.NewReader(r, nil)
		},
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return bzip2.NewWriter(w, nil)
		},
	})
}

// CompressBZIP2 compresses a file using BZIP2 format
func CompressBZIP2(src, dst string) error {
	return Compress(FormatBZIP2, src, dst)
}
