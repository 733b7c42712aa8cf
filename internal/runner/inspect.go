package runner

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/device"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/scanner"
)

// VolumeDescription is the geometry of one volume of a source
type VolumeDescription struct {
	Partition int   // 0 when the volume spans the whole source
	Offset    int64 // byte offset within the source
	Length    int64
	Info      types.VolumeInfo
	Err       error
}

// SourceDescription is what Inspect found in one source
type SourceDescription struct {
	Source  string
	Kind    device.Kind
	Size    int64
	Volumes []VolumeDescription
}

// Inspect opens path and describes its volumes without scanning them
func Inspect(path string, opts device.Options) (*SourceDescription, error) {
	kind, err := device.Classify(path)
	if err != nil {
		return nil, err
	}
	dev, err := device.Open(path, opts)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	desc := &SourceDescription{Source: path, Kind: kind, Size: dev.Size()}

	parts, err := scanner.Partitions(dev)
	if err != nil {
		return nil, fmt.Errorf("reading partition table of %s: %w", path, err)
	}
	if len(parts) == 0 {
		desc.Volumes = append(desc.Volumes, describe(dev, VolumeDescription{Length: dev.Size()}))
		return desc, nil
	}
	for _, p := range parts {
		vd := VolumeDescription{Partition: p.Index, Offset: p.Offset, Length: p.Length}
		desc.Volumes = append(desc.Volumes, describe(scanner.NewSection(dev, p.Offset, p.Length), vd))
	}
	return desc, nil
}

func describe(dev types.Device, vd VolumeDescription) VolumeDescription {
	vol, err := scanner.OpenVolume(dev)
	if err != nil {
		vd.Err = err
		return vd
	}
	vd.Info = vol.Info
	return vd
}
