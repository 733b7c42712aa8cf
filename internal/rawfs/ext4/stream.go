package ext4

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

// Stream reads the logical content of an inode. Holes and uninitialized
// extents read as zeros; reads stop at the inode size.
type Stream struct {
	vol *Volume
	ino *Inode
	m   *BlockMap
	pos int64
}

// OpenStream resolves the block layout of ino and returns a reader over it.
// Encrypted inodes are refused.
func (v *Volume) OpenStream(ino *Inode) (*Stream, error) {
	if ino.IsEncrypted() {
		return nil, types.NewScanError(types.ErrUnsupportedFeature, "OpenStream", fmt.Sprintf("inode %d", ino.Number), "encrypted content")
	}
	m, err := v.ResolveBlocks(ino)
	if err != nil {
		return nil, err
	}
	return &Stream{vol: v, ino: ino, m: m}, nil
}

// Size returns the logical size in bytes
func (s *Stream) Size() int64 {
	return int64(s.m.Size)
}

// BlockMap returns the resolved layout behind the stream
func (s *Stream) BlockMap() *BlockMap {
	return s.m
}

// ReadAt implements io.ReaderAt
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.NewScanError(types.ErrInvalidArgument, "ReadAt", fmt.Sprintf("inode %d", s.ino.Number), fmt.Sprintf("negative offset %d", off))
	}
	size := s.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := p
	if remaining := size - off; int64(len(want)) > remaining {
		want = want[:remaining]
	}

	if s.m.IsInline {
		n := copy(want, s.m.Inline[min(off, int64(len(s.m.Inline))):])
		clear(want[n:])
		return s.finish(len(want), len(p))
	}

	bs := int64(s.vol.BlockSize)
	done := 0
	for done < len(want) {
		cur := off + int64(done)
		logical := uint64(cur / bs)
		inBlock := cur % bs
		chunk := want[done:]

		i, mapped := s.m.lookup(logical)
		if !mapped {
			// hole up to the next extent
			limit := int64(len(chunk))
			if i < len(s.m.Extents) {
				limit = min(limit, int64(s.m.Extents[i].Logical)*bs-cur)
			}
			clear(chunk[:limit])
			done += int(limit)
			continue
		}

		e := s.m.Extents[i]
		limit := min(int64(len(chunk)), int64(e.End())*bs-cur)
		if e.Uninitialized {
			clear(chunk[:limit])
			done += int(limit)
			continue
		}
		phys := util.SeekBlock(e.Physical+(logical-e.Logical), s.vol.BlockSize) + inBlock
		data, err := util.ReadFull(s.vol.dev, phys, int(limit))
		if err != nil {
			return done, types.NewScanError(err, "ReadAt", fmt.Sprintf("inode %d", s.ino.Number), fmt.Sprintf("logical block %d", logical))
		}
		copy(chunk, data)
		done += int(limit)
	}
	return s.finish(done, len(p))
}

func (s *Stream) finish(n, requested int) (int, error) {
	if n < requested {
		return n, io.EOF
	}
	return n, nil
}

// Read implements io.Reader
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek implements io.Seeker
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = s.Size() + offset
	default:
		return s.pos, types.NewScanError(types.ErrInvalidArgument, "Seek", fmt.Sprintf("inode %d", s.ino.Number), fmt.Sprintf("whence %d", whence))
	}
	if pos < 0 {
		return s.pos, types.NewScanError(types.ErrInvalidArgument, "Seek", fmt.Sprintf("inode %d", s.ino.Number), fmt.Sprintf("negative position %d", pos))
	}
	s.pos = pos
	return pos, nil
}
