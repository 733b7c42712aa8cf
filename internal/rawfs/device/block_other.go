//go:build !unix

package device

import (
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

// BlockDevice reads a disk or partition through the regular file API
type BlockDevice = util.FileDevice

// OpenBlockDevice opens a device node read-only
func OpenBlockDevice(path string) (*BlockDevice, error) {
	return util.OpenFileDevice(path)
}
