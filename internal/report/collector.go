package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deploymenttheory/go-rawscan/internal/common/cryptoutil"
	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/common/vtutil"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/scanner"
)

// Tool is the name recorded in every report
const Tool = "go-rawscan"

// Lookup resolves a content hash to a reputation
type Lookup interface {
	LookupFileByHash(ctx context.Context, hash string) (*vtutil.FileReputation, error)
}

// Options configures a Collector
type Options struct {
	// Content enables hashing of file content. Without it only paths and
	// sizes are recorded.
	Content bool

	// HashAlgorithm is used when Content is set, sha256 when empty
	HashAlgorithm cryptoutil.HashAlgorithm
}

type openFile struct {
	index    int
	writer   *cryptoutil.HashWriter
	received int64
}

// Collector is a ContentSink that records every announced file and hashes
// its content. It is safe for concurrent use by several volume scans.
type Collector struct {
	opts Options

	mu    sync.Mutex
	files []File
	open  map[string]*openFile
}

var _ types.ContentSink = (*Collector)(nil)

// NewCollector creates a Collector
func NewCollector(opts Options) (*Collector, error) {
	opts.HashAlgorithm = cryptoutil.HashAlgorithm(strings.ToLower(string(opts.HashAlgorithm)))
	if opts.HashAlgorithm == "" {
		opts.HashAlgorithm = cryptoutil.SHA256
	}
	if opts.Content {
		// fail on an unknown algorithm before the scan starts
		if _, err := cryptoutil.NewHasher(opts.HashAlgorithm); err != nil {
			return nil, fmt.Errorf("%w: %v", commonerrors.ErrInvalidHasher, err)
		}
	}
	return &Collector{opts: opts, open: make(map[string]*openFile)}, nil
}

// ContentNeeded implements types.ContentSink
func (c *Collector) ContentNeeded() bool {
	return c.opts.Content
}

// OnPath implements types.ContentSink
func (c *Collector) OnPath(path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files = append(c.files, File{Path: path, Size: size})
	if !c.opts.Content || size <= 0 {
		return
	}
	w, err := cryptoutil.NewHashWriter(c.opts.HashAlgorithm)
	if err != nil {
		return
	}
	c.open[path] = &openFile{index: len(c.files) - 1, writer: w}
}

// OnContent implements types.ContentSink. The hash of a file is final once
// Size bytes have been received.
func (c *Collector) OnContent(path string, data []byte) types.ContentAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.open[path]
	if !ok {
		return types.ActionSkipFile
	}
	_, _ = f.writer.Write(data)
	f.received += int64(len(data))

	if f.received >= c.files[f.index].Size {
		c.files[f.index].Hash = f.writer.SumHex()
		delete(c.open, path)
	}
	return types.ActionContinue
}

// Files closes files whose content stopped early and returns every recorded
// file sorted by path
func (c *Collector) Files() []File {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, f := range c.open {
		c.files[f.index].Partial = true
		delete(c.open, path)
	}

	files := append([]File(nil), c.files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Enrich looks up the hash of every fully hashed file. Lookup failures are
// logged and skipped; a cancelled context ends the pass.
func (c *Collector) Enrich(ctx context.Context, lookup Lookup) error {
	switch c.opts.HashAlgorithm {
	case cryptoutil.MD5, cryptoutil.SHA1, cryptoutil.SHA256:
	default:
		return fmt.Errorf("%w: reputation lookups need md5, sha1 or sha256, got %s",
			commonerrors.ErrInvalidHasher, c.opts.HashAlgorithm)
	}

	c.mu.Lock()
	pending := make(map[string][]int)
	for i, f := range c.files {
		if f.Hash != "" && !f.Partial {
			pending[f.Hash] = append(pending[f.Hash], i)
		}
	}
	c.mu.Unlock()

	for hash, indexes := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := lookup.LookupFileByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			logger.LogWarn("Reputation lookup failed", map[string]interface{}{
				"hash":  hash,
				"error": err.Error(),
			})
			continue
		}

		c.mu.Lock()
		for _, i := range indexes {
			c.files[i].Reputation = rep
		}
		c.mu.Unlock()
	}
	return nil
}

// Report assembles the report for the given volume results
func (c *Collector) Report(version string, results []scanner.VolumeResult) *Report {
	r := &Report{
		Generated: time.Now().UTC(),
		Tool:      Tool,
		Version:   version,
		Files:     c.Files(),
	}
	if c.opts.Content {
		r.HashAlgorithm = string(c.opts.HashAlgorithm)
	}

	for _, res := range results {
		v := NewVolume(res)
		r.Volumes = append(r.Volumes, v)

		r.Totals.Volumes++
		if v.Error != "" {
			r.Totals.Failed++
		}
		r.Totals.Files += v.Files
		r.Totals.Directories += v.Directories
		r.Totals.BytesScanned += v.BytesScanned
		r.Totals.RecordErrors += v.RecordErrors
	}
	sort.SliceStable(r.Volumes, func(i, j int) bool { return r.Volumes[i].Label < r.Volumes[j].Label })

	for _, f := range r.Files {
		if f.Reputation != nil && f.Reputation.Malicious > 0 {
			r.Totals.Flagged++
		}
	}
	return r
}
