package compression

import (
	"io"

	"github.com/ulikunitz/xz"
)

func init() {
	register(FormatXZ, codec{
		magic: []byte{0xFD, '7', 'z', 'X', 'Z', 0x00},
		ext:   ".xz",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			xzReader, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(xzReader), nil
		},
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
	})
}

// CompressXZ compresses a file using XZ format
func CompressXZ(src, dst string) error {
	return Compress(FormatXZ, src, dst)
}
