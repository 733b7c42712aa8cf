package ntfs

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
)

// Run maps Length clusters starting at VCN to LCN. Sparse runs have no
// backing clusters and read as zeros.
type Run struct {
	VCN    uint64
	LCN    uint64
	Length uint64
	Sparse bool
}

// End returns the first VCN after the run
func (r Run) End() uint64 {
	return r.VCN + r.Length
}

// DecodeRunList decodes the mapping pairs of one fragment. Each pair is a
// header byte (low nibble: length field size, high nibble: offset field size)
// followed by the run length and a signed LCN delta relative to the previous
// run. An offset size of zero marks a sparse run. The runs must cover exactly
// [startVCN, lastVCN] and every backed run must lie within totalClusters.
func DecodeRunList(pairs []byte, startVCN uint64, lastVCN int64, totalClusters uint64) ([]Run, error) {
	var runs []Run
	vcn := startVCN
	var lcn int64
	off := 0

	for off < len(pairs) && pairs[off] != 0 {
		header := pairs[off]
		lenSize := int(header & 0x0F)
		offSize := int(header >> 4)
		off++

		if lenSize == 0 || lenSize > 8 || offSize > 8 {
			return nil, fmt.Errorf("%w: mapping pair header %#02x at %d", types.ErrInvalidAttribute, header, off-1)
		}
		if off+lenSize+offSize > len(pairs) {
			return nil, fmt.Errorf("%w: mapping pair at %d truncated", types.ErrInvalidAttribute, off-1)
		}

		length := types.SignExtend(pairs[off : off+lenSize])
		off += lenSize
		if length <= 0 {
			return nil, fmt.Errorf("%w: run length %d at VCN %d", types.ErrInvalidAttribute, length, vcn)
		}

		run := Run{VCN: vcn, Length: uint64(length)}
		if offSize == 0 {
			run.Sparse = true
		} else {
			lcn += types.SignExtend(pairs[off : off+offSize])
			off += offSize
			if lcn < 0 {
				return nil, fmt.Errorf("%w: negative LCN %d at VCN %d", types.ErrBlockOutOfRange, lcn, vcn)
			}
			run.LCN = uint64(lcn)
			if run.LCN+run.Length > totalClusters || run.LCN+run.Length < run.LCN {
				return nil, fmt.Errorf("%w: run LCN %d+%d beyond %d clusters", types.ErrBlockOutOfRange, run.LCN, run.Length, totalClusters)
			}
		}

		if lastVCN >= 0 && run.End() > uint64(lastVCN)+1 {
			return nil, fmt.Errorf("%w: run ends at VCN %d, fragment ends at %d", types.ErrRunListCoverage, run.End()-1, lastVCN)
		}
		runs = append(runs, run)
		vcn = run.End()
	}

	if lastVCN < 0 {
		if len(runs) != 0 {
			return nil, fmt.Errorf("%w: empty fragment carries %d runs", types.ErrRunListCoverage, len(runs))
		}
		return runs, nil
	}
	if vcn != uint64(lastVCN)+1 {
		return nil, fmt.Errorf("%w: runs cover VCN %d..%d, fragment declares %d..%d", types.ErrRunListCoverage, startVCN, int64(vcn)-1, startVCN, lastVCN)
	}
	return runs, nil
}

// decodeFragments chains the fragments of a non-resident attribute into one
// run list. Fragments must be contiguous from VCN 0.
func decodeFragments(nr *NonResidentForm, totalClusters uint64) ([]Run, error) {
	var runs []Run
	var next uint64
	for i, frag := range nr.Fragments {
		if frag.StartVCN != next {
			return nil, fmt.Errorf("%w: fragment %d starts at VCN %d, expected %d", types.ErrRunListCoverage, i, frag.StartVCN, next)
		}
		fr, err := DecodeRunList(frag.MappingPairs, frag.StartVCN, frag.LastVCN, totalClusters)
		if err != nil {
			return nil, err
		}
		runs = append(runs, fr...)
		if frag.LastVCN >= 0 {
			next = uint64(frag.LastVCN) + 1
		}
	}
	return runs, nil
}
