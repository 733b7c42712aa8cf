package ntfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

const systemVolumeInformation = "System Volume Information"

// Scanner walks the directory tree of a volume breadth-first from the root
// and reports files to a ContentSink. One Scanner serves one Scan call.
type Scanner struct {
	vol   *Volume
	opts  types.ScanOptions
	stats types.Stats
}

type pendingDir struct {
	record uint64
	path   string
}

type pendingFile struct {
	record uint64
	path   string
	size   int64
}

// NewScanner creates a scanner over vol
func NewScanner(vol *Volume, opts types.ScanOptions) *Scanner {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = types.DefaultChunkSize
	}
	return &Scanner{vol: vol, opts: opts}
}

// Stats returns the counters accumulated by the last Scan
func (s *Scanner) Stats() types.Stats {
	return s.stats
}

// Scan enumerates every reachable directory. Failures scoped to one record
// are logged and counted; the walk continues with the next pending
// directory. Cancellation is checked once per dequeued directory.
func (s *Scanner) Scan(ctx context.Context) error {
	s.stats = types.Stats{}
	queue := []pendingDir{{record: RecordRoot, path: s.opts.RootLabel}}
	visited := make(map[uint64]bool)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := queue[0]
		queue = queue[1:]
		if visited[dir.record] {
			continue
		}
		visited[dir.record] = true

		subdirs, files, err := s.enumerate(dir, visited)
		if err != nil {
			s.recordError("Directory enumeration failed", dir.record, dir.path, err)
		}
		s.stats.Directories++
		queue = append(queue, subdirs...)

		if err := s.deliver(ctx, files); err != nil {
			return err
		}
	}
	return nil
}

// enumerate lists one directory. Entries gathered before a failure are still returned.
func (s *Scanner) enumerate(dir pendingDir, visited map[uint64]bool) ([]pendingDir, []pendingFile, error) {
	rec, err := s.vol.LoadRecord(dir.record)
	if err != nil {
		return nil, nil, err
	}
	if !rec.InUse() || !rec.IsDirectory() {
		return nil, nil, types.NewScanError(types.ErrNotDirectory, "Scan", fmt.Sprintf("record %d", dir.record), "")
	}
	attrs, err := s.vol.ReadAttributes(rec)
	if err != nil {
		return nil, nil, err
	}

	var subdirs []pendingDir
	var files []pendingFile
	err = s.vol.ListDirectory(attrs, func(e IndexEntry) error {
		fn := e.FileName
		if fn == nil || fn.Namespace == NamespaceDOS || skipName(fn.Name) {
			return nil
		}
		child := RefIndex(e.FileRef)
		if visited[child] {
			return nil
		}
		path := dir.path + "/" + fn.Name
		if s.opts.Filter != nil && !s.opts.Filter.NeedScan(path) {
			return nil
		}

		if fn.IsDirectory() {
			if fn.IsReparsePoint() {
				logger.LogDebug("Skipping reparse point directory", map[string]interface{}{"path": path})
				return nil
			}
			subdirs = append(subdirs, pendingDir{record: child, path: path})
			return nil
		}
		visited[child] = true
		files = append(files, pendingFile{record: child, path: path, size: int64(fn.RealSize)})
		return nil
	})
	return subdirs, files, err
}

// deliver announces every file of a directory and then streams their content
func (s *Scanner) deliver(ctx context.Context, files []pendingFile) error {
	sink := s.opts.Sink
	for _, f := range files {
		s.stats.Files++
		s.stats.BytesScanned += types.RoundUp4K(f.size)
		if sink != nil {
			sink.OnPath(f.path, f.size)
		}
		if f.size > 0 {
			if m, ok := s.opts.Filter.(types.FoundMarker); ok {
				m.MarkFound()
			}
		}
	}
	if sink == nil || !sink.ContentNeeded() {
		return nil
	}

	for _, f := range files {
		if f.size == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.readContent(f); err != nil {
			if err == types.ErrScanAborted {
				return types.NewScanError(err, "Scan", f.path, "")
			}
			s.recordError("Reading file content failed", f.record, f.path, err)
		}
	}
	return nil
}

// readContent streams the unnamed $DATA attribute of a file in chunks
func (s *Scanner) readContent(f pendingFile) error {
	rec, err := s.vol.LoadRecord(f.record)
	if err != nil {
		return err
	}
	attrs, err := s.vol.ReadAttributes(rec)
	if err != nil {
		return err
	}
	data := FindAttribute(attrs, AttrData, "")
	if data == nil {
		return types.NewScanError(types.ErrNotFound, "ReadContent", fmt.Sprintf("record %d", f.record), "no unnamed $DATA")
	}
	stream, err := s.vol.OpenStream(data)
	if err != nil {
		return err
	}

	buf := make([]byte, s.opts.ChunkSize)
	for off := int64(0); off < stream.Size(); {
		n, err := stream.ReadAt(buf, off)
		if n > 0 {
			action := s.opts.Sink.OnContent(f.path, buf[:n])
			if action < types.ActionSkipFile {
				return types.ErrScanAborted
			}
			if action == types.ActionSkipFile {
				return nil
			}
			off += int64(n)
		}
		if err != nil {
			if off >= stream.Size() {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Scanner) recordError(msg string, record uint64, path string, err error) {
	s.stats.RecordErrors++
	logger.LogWarn(msg, map[string]interface{}{
		"record": record,
		"path":   path,
		"error":  err.Error(),
	})
}

// skipName filters metadata files and names that never lead to user content
func skipName(name string) bool {
	return name == "" || name == "." || name == ".." ||
		strings.HasPrefix(name, "$") || name == systemVolumeInformation
}
