package ext4

import (
	"encoding/binary"
	"testing"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

// Test images use 4 KiB blocks in a single group: superblock in block 0,
// descriptors in block 1, the inode table in blocks 4-7 and file data from
// block 8 onwards.
const (
	testBlockSize      = 4096
	testBlocksCount    = 4096
	testInodesPerGroup = 64
	testInodeSize      = 256
	testExtraIsize     = 32
	testInodeTable     = 4
	testFirstDataBlock = 8
	testRootMax        = 4
)

var le = binary.LittleEndian

type imageBuilder struct {
	t        *testing.T
	buf      []byte
	compat   uint32
	incompat uint32
	roCompat uint32
	next     uint64
}

func newImageBuilder(t *testing.T) *imageBuilder {
	t.Helper()
	return &imageBuilder{
		t:        t,
		buf:      make([]byte, testBlockSize*testBlocksCount),
		compat:   CompatDirIndex,
		incompat: IncompatFiletype | IncompatExtents,
		next:     testFirstDataBlock,
	}
}

func (b *imageBuilder) hasFileType() bool {
	return b.incompat&IncompatFiletype != 0
}

func (b *imageBuilder) writeSuperblock() {
	sb := b.buf[superblockOffset : superblockOffset+superblockSize]
	le.PutUint32(sb[0:], testInodesPerGroup)
	le.PutUint32(sb[4:], testBlocksCount)
	le.PutUint32(sb[20:], 0)
	le.PutUint32(sb[24:], 2)
	le.PutUint32(sb[28:], 2)
	le.PutUint32(sb[32:], 32768)
	le.PutUint32(sb[36:], 32768)
	le.PutUint32(sb[40:], testInodesPerGroup)
	le.PutUint16(sb[56:], superblockMagic)
	le.PutUint32(sb[76:], 1)
	le.PutUint32(sb[84:], 11)
	le.PutUint16(sb[88:], testInodeSize)
	le.PutUint32(sb[92:], b.compat)
	le.PutUint32(sb[96:], b.incompat)
	le.PutUint32(sb[100:], b.roCompat)
	copy(sb[104:120], []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	copy(sb[120:136], "testvol")

	gd := b.buf[testBlockSize:]
	le.PutUint32(gd[0:], 2)
	le.PutUint32(gd[4:], 3)
	le.PutUint32(gd[8:], testInodeTable)
}

func (b *imageBuilder) open() *Volume {
	b.t.Helper()
	b.writeSuperblock()
	vol, err := Open(util.NewMemoryDevice(b.buf))
	if err != nil {
		b.t.Fatalf("Open: %v", err)
	}
	return vol
}

func (b *imageBuilder) alloc(n uint64) uint64 {
	b.t.Helper()
	start := b.next
	b.next += n
	if b.next > testBlocksCount {
		b.t.Fatalf("test image full: need %d more blocks", n)
	}
	return start
}

func (b *imageBuilder) writeBlocks(block uint64, data []byte) {
	copy(b.buf[block*testBlockSize:], data)
}

type inodeSpec struct {
	mode   uint16
	size   uint64
	flags  uint32
	blocks uint32
	iblock []byte
	xattr  []byte
}

func (b *imageBuilder) inodeOffset(n uint32) int {
	return testInodeTable*testBlockSize + int(n-1)*testInodeSize
}

func (b *imageBuilder) putInode(n uint32, spec inodeSpec) {
	off := b.inodeOffset(n)
	raw := b.buf[off : off+testInodeSize]
	clear(raw)
	le.PutUint16(raw[0:], spec.mode)
	le.PutUint32(raw[4:], uint32(spec.size))
	le.PutUint16(raw[26:], 1)
	le.PutUint32(raw[28:], spec.blocks)
	le.PutUint32(raw[32:], spec.flags)
	copy(raw[40:40+inodeBlockLen], spec.iblock)
	le.PutUint32(raw[108:], uint32(spec.size>>32))
	le.PutUint16(raw[128:], testExtraIsize)
	copy(raw[inodeExtraStart+testExtraIsize:], spec.xattr)
}

// extentNode encodes a node header followed by its entries
func extentNode(depth, limit uint16, entries ...[]byte) []byte {
	node := make([]byte, extentHeaderSize)
	le.PutUint16(node[0:], extentMagic)
	le.PutUint16(node[2:], uint16(len(entries)))
	le.PutUint16(node[4:], limit)
	le.PutUint16(node[6:], depth)
	for _, e := range entries {
		node = append(node, e...)
	}
	return node
}

func extentRoot(depth uint16, entries ...[]byte) []byte {
	return extentNode(depth, testRootMax, entries...)
}

func extentBlock(depth uint16, entries ...[]byte) []byte {
	node := extentNode(depth, (testBlockSize-extentHeaderSize)/extentEntrySize, entries...)
	return append(node, make([]byte, testBlockSize-len(node))...)
}

func extentLeaf(logical uint32, length uint16, physical uint64) []byte {
	e := make([]byte, extentEntrySize)
	le.PutUint32(e[0:], logical)
	le.PutUint16(e[4:], length)
	le.PutUint16(e[6:], uint16(physical>>32))
	le.PutUint32(e[8:], uint32(physical))
	return e
}

func extentIndex(logical uint32, child uint64) []byte {
	e := make([]byte, extentEntrySize)
	le.PutUint32(e[0:], logical)
	le.PutUint32(e[4:], uint32(child))
	le.PutUint16(e[8:], uint16(child>>32))
	return e
}

func blocksFor(n int) uint64 {
	return util.CeilDiv(uint64(n), testBlockSize)
}

// putFile stores content in one extent and returns its first physical block
func (b *imageBuilder) putFile(n uint32, content []byte) uint64 {
	count := blocksFor(len(content))
	var phys uint64
	root := extentRoot(0)
	if count > 0 {
		phys = b.alloc(count)
		b.writeBlocks(phys, content)
		root = extentRoot(0, extentLeaf(0, uint16(count), phys))
	}
	b.putInode(n, inodeSpec{
		mode:   ModeRegular | 0o644,
		size:   uint64(len(content)),
		flags:  InodeFlagExtents,
		blocks: uint32(count * testBlockSize / 512),
		iblock: root,
	})
	return phys
}

// inlineXattr encodes an in-inode attribute area holding system.data
func inlineXattr(value []byte) []byte {
	region := make([]byte, 4+xattrEntryHeader+4+4+len(value))
	le.PutUint32(region[0:], xattrMagic)
	e := region[4:]
	e[0] = byte(len(xattrInlineDataName))
	e[1] = xattrIndexSystem
	le.PutUint16(e[2:], xattrEntryHeader+4+4)
	le.PutUint32(e[8:], uint32(len(value)))
	copy(e[xattrEntryHeader:], xattrInlineDataName)
	copy(e[xattrEntryHeader+8:], value)
	return region
}

func (b *imageBuilder) putInlineFile(n uint32, content []byte) {
	head := content[:min(len(content), inodeBlockLen)]
	var tail []byte
	if len(content) > inodeBlockLen {
		tail = content[inodeBlockLen:]
	}
	b.putInode(n, inodeSpec{
		mode:   ModeRegular | 0o644,
		size:   uint64(len(content)),
		flags:  InodeFlagInlineData,
		iblock: head,
		xattr:  inlineXattr(tail),
	})
}

type testDirent struct {
	inode uint32
	name  string
	typ   uint8
}

func (b *imageBuilder) dirent(d testDirent, recLen int) []byte {
	e := make([]byte, recLen)
	le.PutUint32(e[0:], d.inode)
	le.PutUint16(e[4:], uint16(recLen))
	if b.hasFileType() {
		e[6] = byte(len(d.name))
		e[7] = d.typ
	} else {
		le.PutUint16(e[6:], uint16(len(d.name)))
	}
	copy(e[8:], d.name)
	return e
}

// direntArea packs entries into size bytes, the last one absorbing the slack
func (b *imageBuilder) direntArea(size int, entries ...testDirent) []byte {
	var area []byte
	for i, d := range entries {
		recLen := (dirEntryHeader + len(d.name) + 3) &^ 3
		if i == len(entries)-1 {
			recLen = size - len(area)
		}
		area = append(area, b.dirent(d, recLen)...)
	}
	return area
}

func (b *imageBuilder) dirBlock(entries ...testDirent) []byte {
	return b.direntArea(testBlockSize, entries...)
}

func (b *imageBuilder) putDirectoryBlocks(n uint32, flags uint32, blocks ...[]byte) {
	phys := b.alloc(uint64(len(blocks)))
	for i, blk := range blocks {
		b.writeBlocks(phys+uint64(i), blk)
	}
	b.putInode(n, inodeSpec{
		mode:   ModeDir | 0o755,
		size:   uint64(len(blocks)) * testBlockSize,
		flags:  InodeFlagExtents | flags,
		blocks: uint32(len(blocks) * testBlockSize / 512),
		iblock: extentRoot(0, extentLeaf(0, uint16(len(blocks)), phys)),
	})
}

func (b *imageBuilder) putDirectory(n, parent uint32, entries ...testDirent) {
	all := append([]testDirent{{n, ".", FileTypeDir}, {parent, "..", FileTypeDir}}, entries...)
	b.putDirectoryBlocks(n, 0, b.dirBlock(all...))
}

func patternBytes(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) + seed
	}
	return out
}
