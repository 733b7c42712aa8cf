package ntfs

import (
	"fmt"

	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

const (
	indexBlockMagic = "INDX"

	// directoryIndexName is the name of the file name index of a directory
	directoryIndexName = "$I30"

	IndexEntryFlagSubNode uint16 = 0x01
	IndexEntryFlagLast    uint16 = 0x02

	indexRootHeaderSize  = 16
	indexBlockHeaderSize = 24
	indexEntryHeaderSize = 16
	nodeHeaderSize       = 16

	minIndexBlockSize = 256
	maxIndexBlockSize = 65536
)

// IndexNodeHeader precedes the entries of an index root or index block
type IndexNodeHeader struct {
	EntriesOffset uint32
	TotalSize     uint32
	AllocatedSize uint32
	Flags         uint8
}

// IndexRoot is the body of $INDEX_ROOT
type IndexRoot struct {
	AttrType         AttrType
	Collation        uint32
	BlockSize        uint32
	ClustersPerBlock int8
	Node             IndexNodeHeader

	node []byte
}

// IndexEntry is one entry of a directory index node
type IndexEntry struct {
	FileRef    uint64
	Flags      uint16
	SubNodeVCN uint64
	FileName   *FileName
}

// HasSubNode reports whether the entry points to a child index block
func (e *IndexEntry) HasSubNode() bool {
	return e.Flags&IndexEntryFlagSubNode != 0
}

// IsLast reports whether the entry terminates its node
func (e *IndexEntry) IsLast() bool {
	return e.Flags&IndexEntryFlagLast != 0
}

// ParseIndexRoot decodes an $INDEX_ROOT body
func ParseIndexRoot(buf []byte) (*IndexRoot, error) {
	c := types.NewCursor(buf)
	root := &IndexRoot{
		AttrType:         AttrType(c.Uint32At(0)),
		Collation:        c.Uint32At(4),
		BlockSize:        c.Uint32At(8),
		ClustersPerBlock: int8(c.Uint8At(12)),
	}
	hdr, err := parseNodeHeader(c, indexRootHeaderSize)
	if err != nil {
		return nil, types.NewScanError(err, "ParseIndexRoot", "", "")
	}
	root.Node = hdr
	root.node = buf[indexRootHeaderSize:]
	return root, nil
}

func parseNodeHeader(c *types.Cursor, at int) (IndexNodeHeader, error) {
	hdr := IndexNodeHeader{
		EntriesOffset: c.Uint32At(at),
		TotalSize:     c.Uint32At(at + 4),
		AllocatedSize: c.Uint32At(at + 8),
		Flags:         c.Uint8At(at + 12),
	}
	if c.Err() != nil {
		return hdr, fmt.Errorf("%w: %v", types.ErrInvalidIndex, c.Err())
	}
	if hdr.EntriesOffset < nodeHeaderSize || hdr.EntriesOffset > hdr.TotalSize || int(hdr.TotalSize) > c.Len()-at {
		return hdr, fmt.Errorf("%w: entries %d..%d in %d byte node", types.ErrInvalidIndex, hdr.EntriesOffset, hdr.TotalSize, c.Len()-at)
	}
	return hdr, nil
}

// parseIndexEntries decodes the entries of a node. node starts at the node
// header; offsets in hdr are relative to it.
func parseIndexEntries(node []byte, hdr IndexNodeHeader) ([]IndexEntry, error) {
	var entries []IndexEntry
	region := node[:hdr.TotalSize]
	off := int(hdr.EntriesOffset)

	for {
		c := types.NewCursor(region)
		e := IndexEntry{
			FileRef: c.Uint64At(off),
			Flags:   c.Uint16At(off + 12),
		}
		length := int(c.Uint16At(off + 8))
		keyLen := int(c.Uint16At(off + 10))
		if c.Err() != nil {
			return entries, fmt.Errorf("%w: node ends without last entry", types.ErrInvalidIndex)
		}
		if length < indexEntryHeaderSize || length%8 != 0 || off+length > len(region) {
			return entries, fmt.Errorf("%w: entry length %d at offset %d", types.ErrInvalidIndex, length, off)
		}
		if e.HasSubNode() {
			if length < indexEntryHeaderSize+8 {
				return entries, fmt.Errorf("%w: sub-node entry of %d bytes", types.ErrInvalidIndex, length)
			}
			e.SubNodeVCN = c.Uint64At(off + length - 8)
		}
		if !e.IsLast() && keyLen > 0 {
			if indexEntryHeaderSize+keyLen > length {
				return entries, fmt.Errorf("%w: key of %d bytes in %d byte entry", types.ErrInvalidIndex, keyLen, length)
			}
			fn, err := ParseFileName(region[off+indexEntryHeaderSize : off+indexEntryHeaderSize+keyLen])
			if err != nil {
				return entries, err
			}
			e.FileName = fn
		}
		entries = append(entries, e)
		if e.IsLast() {
			return entries, nil
		}
		off += length
	}
}

// directoryIndex walks the $I30 B-tree of one directory
type directoryIndex struct {
	vol       *Volume
	root      *IndexRoot
	alloc     *Stream
	blockSize uint32
	vcnUnit   int64
	visited   map[uint64]bool
	record    uint64
}

// ListDirectory reports every entry of the directory's $I30 index in
// collation order. A sub-node is fully drained before its owning entry is
// reported. Sub-node VCNs are visited at most once, so cyclic pointers terminate.
func (v *Volume) ListDirectory(attrs []*Attribute, fn func(IndexEntry) error) error {
	rootAttr := FindAttribute(attrs, AttrIndexRoot, directoryIndexName)
	if rootAttr == nil || rootAttr.Resident == nil {
		return types.NewScanError(types.ErrNotDirectory, "ListDirectory", "", "missing $I30 index root")
	}
	root, err := ParseIndexRoot(rootAttr.Resident.Value)
	if err != nil {
		return err
	}

	idx := &directoryIndex{
		vol:       v,
		root:      root,
		blockSize: root.BlockSize,
		visited:   make(map[uint64]bool),
		record:    rootAttr.Record,
	}
	if idx.blockSize == 0 {
		idx.blockSize = v.IndexBlockSize
	}
	if idx.blockSize < minIndexBlockSize || idx.blockSize > maxIndexBlockSize || !util.IsPowerOfTwo(uint64(idx.blockSize)) {
		return types.NewScanError(types.ErrInvalidIndex, "ListDirectory", fmt.Sprintf("record %d", idx.record), fmt.Sprintf("index block size %d", idx.blockSize))
	}
	if idx.blockSize >= v.ClusterSize {
		idx.vcnUnit = int64(v.ClusterSize)
	} else {
		idx.vcnUnit = 512
	}

	if allocAttr := FindAttribute(attrs, AttrIndexAllocation, directoryIndexName); allocAttr != nil {
		if idx.alloc, err = v.OpenStream(allocAttr); err != nil {
			return err
		}
	}

	entries, err := parseIndexEntries(root.node, root.Node)
	if err != nil {
		return types.NewScanError(err, "ListDirectory", fmt.Sprintf("record %d", idx.record), "index root")
	}
	return idx.walk(entries, fn)
}

func (idx *directoryIndex) walk(entries []IndexEntry, fn func(IndexEntry) error) error {
	for _, e := range entries {
		if e.HasSubNode() {
			if err := idx.descend(e.SubNodeVCN, fn); err != nil {
				return err
			}
		}
		if e.IsLast() {
			break
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (idx *directoryIndex) descend(vcn uint64, fn func(IndexEntry) error) error {
	if idx.visited[vcn] {
		logger.LogDebug("Index sub-node already visited", map[string]interface{}{
			"record": idx.record,
			"vcn":    vcn,
		})
		return nil
	}
	idx.visited[vcn] = true

	entries, err := idx.loadBlock(vcn)
	if err != nil {
		return err
	}
	return idx.walk(entries, fn)
}

// loadBlock reads, fixes up and parses the INDX block at vcn
func (idx *directoryIndex) loadBlock(vcn uint64) ([]IndexEntry, error) {
	object := fmt.Sprintf("record %d vcn %d", idx.record, vcn)
	if idx.alloc == nil {
		return nil, types.NewScanError(types.ErrInvalidIndex, "LoadIndexBlock", object, "sub-node without $INDEX_ALLOCATION")
	}

	buf := make([]byte, idx.blockSize)
	n, err := idx.alloc.ReadAt(buf, int64(vcn)*idx.vcnUnit)
	if n != len(buf) {
		if err == nil || n > 0 {
			err = types.ErrShortRead
		}
		return nil, types.NewScanError(err, "LoadIndexBlock", object, "")
	}

	c := types.NewCursor(buf)
	if string(c.BytesAt(0, 4)) != indexBlockMagic {
		return nil, types.NewScanError(types.ErrInvalidMagic, "LoadIndexBlock", object, fmt.Sprintf("magic %q", c.BytesAt(0, 4)))
	}
	if err := applyFixup(buf, c.Uint16At(4), c.Uint16At(6)); err != nil {
		return nil, types.NewScanError(err, "LoadIndexBlock", object, "")
	}
	if got := c.Uint64At(16); got != vcn {
		logger.LogDebug("Index block VCN does not match its position", map[string]interface{}{
			"record": idx.record,
			"vcn":    vcn,
			"stored": got,
		})
	}

	hdr, err := parseNodeHeader(c, indexBlockHeaderSize)
	if err != nil {
		return nil, types.NewScanError(err, "LoadIndexBlock", object, "")
	}
	entries, err := parseIndexEntries(buf[indexBlockHeaderSize:], hdr)
	if err != nil {
		return nil, types.NewScanError(err, "LoadIndexBlock", object, "")
	}
	return entries, nil
}
