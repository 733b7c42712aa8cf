package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/device"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// VolumeResult is the outcome of scanning one volume
type VolumeResult struct {
	Source    string
	Partition int // 0 when the volume spans the whole source
	Info      types.VolumeInfo
	Stats     types.Stats
	Err       error

	// PrefixFound reports whether a non-empty file was found under
	// DiskOptions.Prefix
	PrefixFound bool
}

// Label is the path prefix reported for files of the volume
func (r VolumeResult) Label() string {
	if r.Partition == 0 {
		return r.Source
	}
	return fmt.Sprintf("%s#p%d", r.Source, r.Partition)
}

// DiskOptions configures a DiskScanner
type DiskOptions struct {
	Device device.Options

	// Scan is applied to every volume. RootLabel is replaced per volume
	// unless KeepRootLabel is set. With more than one worker the Sink and
	// Filter must be safe for concurrent use.
	Scan          types.ScanOptions
	KeepRootLabel bool

	// Prefix selects one subtree of every volume, relative to its root.
	// It replaces Scan.Filter when set.
	Prefix string

	// Workers bounds how many sources are scanned at once, 1 when zero
	Workers int

	// Progress is called after every volume, never concurrently
	Progress func(VolumeResult)
}

// DiskScanner scans a list of sources. A source is opened through the
// device package, split into its MBR partitions when it carries a table,
// and every volume found is scanned with the matching parser. A volume
// that fails to open or scan is recorded and the run moves on; an abort
// from the content sink or a cancelled context stops the whole run.
type DiskScanner struct {
	opts DiskOptions

	mu      sync.Mutex
	stats   types.Stats
	results []VolumeResult
}

// NewDiskScanner creates a DiskScanner
func NewDiskScanner(opts DiskOptions) *DiskScanner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &DiskScanner{opts: opts}
}

// Stats returns the counters summed over the volumes of the last Scan
func (d *DiskScanner) Stats() types.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Scan scans every source and returns one result per volume in completion
// order. The returned error is non-nil only when the run was stopped.
func (d *DiskScanner) Scan(ctx context.Context, sources []string) ([]VolumeResult, error) {
	d.mu.Lock()
	d.stats = types.Stats{}
	d.results = nil
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string)
	var (
		wg       sync.WaitGroup
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(err error) {
		stopOnce.Do(func() {
			stopErr = err
			cancel()
		})
	}

	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range jobs {
				if err := d.scanSource(ctx, src); err != nil {
					stop(err)
				}
			}
		}()
	}

feed:
	for _, src := range sources {
		select {
		case jobs <- src:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if stopErr == nil {
		stopErr = ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	logger.LogInfo("Disk scan finished", map[string]interface{}{
		"sources":       len(sources),
		"volumes":       len(d.results),
		"files":         d.stats.Files,
		"directories":   d.stats.Directories,
		"bytes_scanned": d.stats.BytesScanned,
		"record_errors": d.stats.RecordErrors,
	})
	return append([]VolumeResult(nil), d.results...), stopErr
}

// scanSource scans every volume of one source. Only run-stopping errors
// are returned.
func (d *DiskScanner) scanSource(ctx context.Context, src string) error {
	dev, err := device.Open(src, d.opts.Device)
	if err != nil {
		d.finish(VolumeResult{Source: src, Err: err})
		return nil
	}
	defer dev.Close()

	parts, err := Partitions(dev)
	if err != nil {
		logger.LogWarn("Reading partition table failed", map[string]interface{}{
			"source": src,
			"error":  err.Error(),
		})
	}
	if len(parts) == 0 {
		return d.scanVolume(ctx, VolumeResult{Source: src}, dev)
	}

	for _, p := range parts {
		res := VolumeResult{Source: src, Partition: p.Index}
		if err := d.scanVolume(ctx, res, NewSection(dev, p.Offset, p.Length)); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiskScanner) scanVolume(ctx context.Context, res VolumeResult, dev types.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vol, err := OpenVolume(dev)
	if err != nil {
		res.Err = err
		d.finish(res)
		return nil
	}
	res.Info = vol.Info

	opts := d.opts.Scan
	if !d.opts.KeepRootLabel {
		opts.RootLabel = res.Label()
	}
	var prefix *PrefixFilter
	if d.opts.Prefix != "" {
		prefix = NewPrefixFilter(opts.RootLabel + "/" + strings.TrimLeft(d.opts.Prefix, "/"))
		opts.Filter = prefix
	}
	logger.LogInfo("Scanning volume", map[string]interface{}{
		"source":    res.Source,
		"partition": res.Partition,
		"volume":    vol.String(),
	})

	sc := vol.NewScanner(opts)
	err = sc.Scan(ctx)
	res.Stats = sc.Stats()
	res.Err = err
	if prefix != nil {
		res.PrefixFound = prefix.Found()
	}
	d.finish(res)

	if errors.Is(err, types.ErrScanAborted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (d *DiskScanner) finish(res VolumeResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Add(res.Stats)
	d.results = append(d.results, res)
	if res.Err != nil {
		logger.LogWarn("Volume scan failed", map[string]interface{}{
			"source":    res.Source,
			"partition": res.Partition,
			"error":     res.Err.Error(),
		})
	}
	if d.opts.Progress != nil {
		d.opts.Progress(res)
	}
}
