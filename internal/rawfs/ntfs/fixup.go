package ntfs

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// fixupStride is the protected unit size. It is 512 regardless of the
// sector size reported by the boot sector.
const fixupStride = 512

// applyFixup validates and removes the update sequence protection of a
// multi-sector structure in place. The trailing u16 of every stride must
// equal the update sequence number; it is then replaced by the saved value
// from the array. Any mismatch rejects the whole structure.
func applyFixup(buf []byte, usaOffset, usaCount uint16) error {
	if len(buf)%fixupStride != 0 {
		return fmt.Errorf("%w: structure size %d is not a multiple of %d", types.ErrInvalidRecord, len(buf), fixupStride)
	}
	strides := len(buf) / fixupStride
	if int(usaCount) != strides+1 {
		return fmt.Errorf("%w: update sequence count %d for %d strides", types.ErrInvalidRecord, usaCount, strides)
	}
	if usaOffset%2 != 0 || int(usaOffset)+2*int(usaCount) > fixupStride-2 {
		return fmt.Errorf("%w: update sequence array at %d with %d entries", types.ErrInvalidRecord, usaOffset, usaCount)
	}

	c := types.NewCursor(buf)
	usn := c.Uint16At(int(usaOffset))
	for i := 1; i <= strides; i++ {
		pos := i*fixupStride - 2
		if c.Uint16At(pos) != usn {
			return fmt.Errorf("%w: stride %d holds %#04x, expected %#04x", types.ErrFixupMismatch, i-1, c.Uint16At(pos), usn)
		}
		c.PutUint16At(pos, c.Uint16At(int(usaOffset)+2*i))
	}
	return c.Err()
}
