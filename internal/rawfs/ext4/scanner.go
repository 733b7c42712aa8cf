package ext4

import (
	"context"
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// Scanner walks the directory tree breadth-first from the root inode and
// reports regular files to a ContentSink. One Scanner serves one Scan call.
type Scanner struct {
	vol   *Volume
	opts  types.ScanOptions
	stats types.Stats
}

type pendingDir struct {
	inode uint32
	path  string
}

type pendingFile struct {
	ino  *Inode
	path string
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

// Scan enumerates every reachable directory. Failures scoped to one inode
// are logged and counted; the walk continues with the next pending
// directory. Cancellation is checked once per dequeued directory and once
// per file whose content is streamed.
func (s *Scanner) Scan(ctx context.Context) error {
	s.stats = types.Stats{}
	queue := []pendingDir{{inode: RootInode, path: s.opts.RootLabel}}
	visited := make(map[uint32]bool)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := queue[0]
		queue = queue[1:]
		if visited[dir.inode] {
			continue
		}
		visited[dir.inode] = true

		subdirs, files, err := s.enumerate(dir, visited)
		if err != nil {
			s.recordError("Directory enumeration failed", dir.inode, dir.path, err)
		}
		s.stats.Directories++
		queue = append(queue, subdirs...)

		if err := s.deliver(ctx, files); err != nil {
			return err
		}
	}
	return nil
}

// enumerate lists one directory and classifies its children. Entries
// gathered before a failure are still returned.
func (s *Scanner) enumerate(dir pendingDir, visited map[uint32]bool) ([]pendingDir, []pendingFile, error) {
	ino, err := s.vol.LoadInode(dir.inode)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.vol.ReadDirectory(ino)

	var subdirs []pendingDir
	var files []pendingFile
	for _, e := range entries {
		if visited[e.Inode] {
			continue
		}
		path := dir.path + "/" + e.Name
		if s.opts.Filter != nil && !s.opts.Filter.NeedScan(path) {
			continue
		}

		switch e.Type {
		case FileTypeDir:
			subdirs = append(subdirs, pendingDir{inode: e.Inode, path: path})
		case FileTypeRegular, FileTypeUnknown:
			child, lerr := s.vol.LoadInode(e.Inode)
			if lerr != nil {
				s.recordError("Loading inode failed", e.Inode, path, lerr)
				continue
			}
			switch {
			case child.IsDir():
				subdirs = append(subdirs, pendingDir{inode: e.Inode, path: path})
			case child.IsRegular():
				visited[e.Inode] = true
				files = append(files, pendingFile{ino: child, path: path})
			}
		}
	}
	return subdirs, files, err
}

// deliver announces every file of a directory and then streams their content
func (s *Scanner) deliver(ctx context.Context, files []pendingFile) error {
	sink := s.opts.Sink
	for _, f := range files {
		size := int64(f.ino.Size)
		s.stats.Files++
		s.stats.BytesScanned += types.RoundUp4K(size)
		if sink != nil {
			sink.OnPath(f.path, size)
		}
		if size > 0 {
			if m, ok := s.opts.Filter.(types.FoundMarker); ok {
				m.MarkFound()
			}
		}
	}
	if sink == nil || !sink.ContentNeeded() {
		return nil
	}

	for _, f := range files {
		if f.ino.Size == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.ino.IsEncrypted() {
			logger.LogDebug("Skipping encrypted file content", map[string]interface{}{"path": f.path})
			continue
		}
		if err := s.readContent(f); err != nil {
			if err == types.ErrScanAborted {
				return types.NewScanError(err, "Scan", f.path, "")
			}
			s.recordError("Reading file content failed", f.ino.Number, f.path, err)
		}
	}
	return nil
}

// readContent streams a file in chunks until the sink stops it or the
// content ends
func (s *Scanner) readContent(f pendingFile) error {
	stream, err := s.vol.OpenStream(f.ino)
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

func (s *Scanner) recordError(msg string, inode uint32, path string, err error) {
	s.stats.RecordErrors++
	logger.LogWarn(msg, map[string]interface{}{
		"inode": inode,
		"path":  path,
		"error": fmt.Sprint(err),
	})
}
