package cmd

import (
	"strings"

	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/device"
	"github.com/deploymenttheory/go-rawscan/internal/runner"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// infoCmd prints the geometry of every volume of an image
var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Describe the partitions and volumes of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, err := runner.Inspect(args[0], device.Options{TempDir: config.Instance.Image.TempDir})
		if err != nil {
			return err
		}

		p := message.NewPrinter(language.English)
		w := cmd.OutOrStdout()

		p.Fprintf(w, "Source: %s (%s, %d bytes)\n", desc.Source, desc.Kind, desc.Size)
		for _, v := range desc.Volumes {
			if v.Partition > 0 {
				p.Fprintf(w, "\nPartition %d: offset %d, length %d bytes\n", v.Partition, v.Offset, v.Length)
			} else {
				p.Fprintf(w, "\nVolume: %d bytes\n", v.Length)
			}
			if v.Err != nil {
				p.Fprintf(w, "  Error:        %v\n", v.Err)
				continue
			}

			info := v.Info
			p.Fprintf(w, "  Filesystem:   %s %d.%d\n", info.Type, info.VersionMajor, info.VersionMinor)
			if info.Label != "" {
				p.Fprintf(w, "  Label:        %s\n", info.Label)
			}
			if info.Serial != "" {
				p.Fprintf(w, "  Serial:       %s\n", info.Serial)
			}
			p.Fprintf(w, "  Cluster size: %d\n", info.ClusterSize)
			p.Fprintf(w, "  Sector size:  %d\n", info.SectorSize)
			p.Fprintf(w, "  Record size:  %d\n", info.RecordSize)
			p.Fprintf(w, "  Clusters:     %d\n", info.TotalUnits)
			p.Fprintf(w, "  Capacity:     %d bytes\n", info.TotalUnits*uint64(info.ClusterSize))
			if len(info.Features) > 0 {
				p.Fprintf(w, "  Features:     %s\n", strings.Join(info.Features, ", "))
			}
		}
		return nil
	},
}
