package ntfs

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

// Stream is a logical byte stream over one attribute value. It implements
// io.Reader, io.ReaderAt and io.Seeker and never returns bytes beyond the
// attribute's real size.
type Stream struct {
	vol      *Volume
	attr     *Attribute
	size     int64
	initSize int64

	// resident holds the value of a resident attribute, which may be empty
	resident   []byte
	isResident bool

	runs    []Run
	decoded bool
	pos     int64
}

// OpenStream prepares a stream over attr. Run lists are decoded on first read.
// Compressed and encrypted attributes are refused.
func (v *Volume) OpenStream(attr *Attribute) (*Stream, error) {
	object := fmt.Sprintf("record %d %s", attr.Record, attr.Type)
	if attr.IsEncrypted() {
		return nil, types.NewScanError(types.ErrUnsupportedFeature, "OpenStream", object, "encrypted attribute")
	}
	if attr.IsCompressed() {
		return nil, types.NewScanError(types.ErrUnsupportedFeature, "OpenStream", object, "compressed attribute")
	}

	s := &Stream{vol: v, attr: attr}
	switch {
	case attr.Resident != nil:
		s.resident = attr.Resident.Value
		s.isResident = true
		s.size = int64(len(s.resident))
		s.initSize = s.size
	case attr.NonResident != nil:
		s.size = int64(attr.NonResident.RealSize)
		s.initSize = int64(attr.NonResident.InitializedSize)
		if s.size < 0 || s.initSize < 0 {
			return nil, types.NewScanError(types.ErrInvalidAttribute, "OpenStream", object, "size overflows int64")
		}
	default:
		return nil, types.NewScanError(types.ErrInvalidAttribute, "OpenStream", object, "attribute has no value form")
	}
	return s, nil
}

// Size returns the logical size of the stream
func (s *Stream) Size() int64 {
	return s.size
}

func (s *Stream) decode() error {
	if s.decoded || s.isResident {
		return nil
	}
	runs, err := decodeFragments(s.attr.NonResident, s.vol.TotalClusters)
	if err != nil {
		return types.NewScanError(err, "DecodeRunList", fmt.Sprintf("record %d %s", s.attr.Record, s.attr.Type), "")
	}
	s.runs = runs
	s.decoded = true
	return nil
}

// ReadAt reads len(p) bytes at logical offset off. At or beyond the end it
// returns 0, io.EOF; a read crossing the end returns the available bytes and io.EOF.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.NewScanError(types.ErrInvalidArgument, "Stream.ReadAt", fmt.Sprintf("offset=%d", off), "negative offset")
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := len(p)
	if int64(want) > s.size-off {
		want = int(s.size - off)
	}

	if s.isResident {
		n := copy(p[:want], s.resident[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}

	if err := s.decode(); err != nil {
		return 0, err
	}

	n := 0
	for n < want {
		m, err := s.readChunk(p[n:want], off+int64(n))
		n += m
		if err != nil {
			return n, err
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readChunk serves the longest prefix of p that maps to a single run or zero region
func (s *Stream) readChunk(p []byte, off int64) (int, error) {
	if off >= s.initSize {
		clear(p)
		return len(p), nil
	}
	if int64(len(p)) > s.initSize-off {
		p = p[:s.initSize-off]
	}

	cs := int64(s.vol.ClusterSize)
	vcn := uint64(off / cs)
	i := sort.Search(len(s.runs), func(i int) bool { return s.runs[i].End() > vcn })
	if i == len(s.runs) || s.runs[i].VCN > vcn {
		return 0, types.NewScanError(types.ErrRunListCoverage, "Stream.ReadAt", fmt.Sprintf("record %d %s", s.attr.Record, s.attr.Type), fmt.Sprintf("VCN %d not mapped", vcn))
	}
	run := s.runs[i]

	inRun := off - int64(run.VCN)*cs
	if avail := int64(run.Length)*cs - inRun; int64(len(p)) > avail {
		p = p[:avail]
	}

	if run.Sparse {
		clear(p)
		return len(p), nil
	}

	base, err := s.vol.clusterOffset(run.LCN)
	if err != nil {
		return 0, err
	}
	data, err := util.ReadFull(s.vol.dev, base+inRun, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

// Read implements io.Reader
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

// Seek implements io.Seeker
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.size + offset
	default:
		return 0, types.NewScanError(types.ErrInvalidArgument, "Stream.Seek", "", fmt.Sprintf("whence %d", whence))
	}
	if abs < 0 {
		return 0, types.NewScanError(types.ErrInvalidArgument, "Stream.Seek", "", fmt.Sprintf("negative position %d", abs))
	}
	s.pos = abs
	return abs, nil
}
