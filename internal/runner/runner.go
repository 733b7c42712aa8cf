// Package runner ties the device, scanner and report packages into the
// scan and inspect jobs shared by the CLI, scan plans and the public API.
package runner

import (
	"context"
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/common/cryptoutil"
	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/common/urlutil"
	"github.com/deploymenttheory/go-rawscan/internal/common/vtutil"
	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/device"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/scanner"
	"github.com/deploymenttheory/go-rawscan/internal/report"
)

// Options describes one scan job
type Options struct {
	Sources       []string
	Prefix        string
	RootLabel     string // replaces the per-volume labels when set
	Content       bool
	HashAlgorithm string
	ChunkSize     int
	Workers       int
	TempDir       string

	VirusTotal   bool
	VTAPIKey     string
	VTRateLimit  int
	VTCustomHost string

	// Progress is called after every volume
	Progress func(scanner.VolumeResult)
}

// OptionsFromConfig fills Options from the loaded configuration
func OptionsFromConfig(c *config.AppConfig) Options {
	return Options{
		Prefix:        c.Scan.Prefix,
		RootLabel:     c.Scan.RootLabel,
		Content:       c.Scan.Content,
		HashAlgorithm: c.Scan.HashAlgorithm,
		ChunkSize:     c.Scan.ChunkSize,
		Workers:       c.Scan.Workers,
		TempDir:       c.Image.TempDir,
		VirusTotal:    c.VirusTotal.Enabled,
		VTAPIKey:      c.VirusTotal.APIKey,
		VTRateLimit:   c.VirusTotal.RateLimit,
	}
}

// Scan runs a scan job and assembles its report. Volumes that fail are
// part of the report; the error is non-nil only when the job could not
// start or was stopped.
func Scan(ctx context.Context, opts Options) (*report.Report, error) {
	if len(opts.Sources) == 0 {
		return nil, types.NewScanError(types.ErrInvalidArgument, "Scan", "sources", "no sources given")
	}

	collector, err := report.NewCollector(report.Options{
		Content:       opts.Content,
		HashAlgorithm: cryptoutil.HashAlgorithm(opts.HashAlgorithm),
	})
	if err != nil {
		return nil, err
	}

	var lookup report.Lookup
	if opts.VirusTotal {
		if !opts.Content {
			return nil, fmt.Errorf("%w: reputation lookups need content hashing enabled", commonerrors.ErrInvalidArgument)
		}
		client, err := vtutil.NewClient(opts.VTAPIKey,
			vtutil.WithRateLimit(opts.VTRateLimit),
			vtutil.WithCustomHost(opts.VTCustomHost))
		if err != nil {
			return nil, err
		}
		lookup = client
	}

	ds := scanner.NewDiskScanner(scanner.DiskOptions{
		Device: device.Options{TempDir: opts.TempDir},
		Scan: types.ScanOptions{
			Sink:      collector,
			ChunkSize: opts.ChunkSize,
			RootLabel: opts.RootLabel,
		},
		KeepRootLabel: opts.RootLabel != "",
		Prefix:        opts.Prefix,
		Workers:       opts.Workers,
		Progress:      opts.Progress,
	})

	logger.LogInfo("Starting scan", map[string]interface{}{
		"sources": opts.Sources,
		"prefix":  opts.Prefix,
		"content": opts.Content,
		"workers": opts.Workers,
	})

	sources, err := fetchRemote(ctx, opts.Sources, opts.TempDir)
	if err != nil {
		return nil, err
	}

	results, err := ds.Scan(ctx, sources)
	if err != nil {
		return nil, err
	}

	if lookup != nil {
		if err := collector.Enrich(ctx, lookup); err != nil {
			return nil, err
		}
	}

	return collector.Report(config.Version, results), nil
}

// fetchRemote downloads http and https sources into tempDir and returns the
// source list with every URL replaced by its local copy
func fetchRemote(ctx context.Context, sources []string, tempDir string) ([]string, error) {
	out := make([]string, len(sources))
	for i, src := range sources {
		if !urlutil.IsRemote(src) {
			out[i] = src
			continue
		}
		dl := urlutil.DefaultDownloadOptions()
		dl.OutputDir = tempDir
		path, err := urlutil.DownloadFile(ctx, src, dl)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", src, err)
		}
		out[i] = path
	}
	return out, nil
}
