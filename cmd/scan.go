package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/scanner"
	"github.com/deploymenttheory/go-rawscan/internal/report"
	"github.com/deploymenttheory/go-rawscan/internal/runner"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
)

// scanCmd scans one or more images and writes a report
var scanCmd = &cobra.Command{
	Use:   "scan <image>...",
	Short: "Scan the files of every volume in the given images",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScan,
}

func init() {
	f := scanCmd.Flags()
	f.String("prefix", "", "Only report files at or below this path of each volume")
	f.String("root-label", "", "Report every volume under this label instead of the image name")
	f.Bool("no-content", false, "Record paths and sizes without reading file content")
	f.String("hash", "sha256", "Content hash: md5, sha1, sha256, sha512 or blake2b")
	f.Int("chunk-size", 4096, "Content delivery granularity in bytes")
	f.Int("workers", 1, "Number of images scanned at once")
	f.StringP("report", "o", "", "Report file, stdout when empty")
	f.String("format", "json", "Report format: json, plist, xml or binary-plist")
	f.Bool("vt", false, "Look up content hashes on VirusTotal")
	f.Bool("summary", true, "Print a summary to stderr")
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd.Flags(), map[string]string{
		"prefix":     "scan.prefix",
		"root-label": "scan.root_label",
		"hash":       "scan.hash_algorithm",
		"chunk-size": "scan.chunk_size",
		"workers":    "scan.workers",
		"report":     "report.output",
		"format":     "report.format",
		"vt":         "virustotal.enabled",
	}); err != nil {
		return err
	}
	if err := config.Reload(); err != nil {
		return err
	}

	opts := runner.OptionsFromConfig(&config.Instance)
	opts.Sources = args
	if noContent, _ := cmd.Flags().GetBool("no-content"); noContent {
		opts.Content = false
	}
	opts.Progress = func(res scanner.VolumeResult) {
		logger.LogDebug("Volume done", map[string]interface{}{
			"volume": res.Label(),
			"files":  res.Stats.Files,
		})
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer stop()

	r, err := runner.Scan(ctx, opts)
	if err != nil {
		return err
	}

	if err := report.WriteFile(config.Instance.Report.Output, r, config.Instance.Report.Format); err != nil {
		return err
	}
	if summary, _ := cmd.Flags().GetBool("summary"); summary {
		report.Summary(cmd.ErrOrStderr(), r, language.English)
	}

	if r.Totals.Volumes > 0 && r.Totals.Failed == r.Totals.Volumes {
		return fmt.Errorf("no volume could be scanned")
	}
	return nil
}

// commandContext returns the command context, background when unset
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
