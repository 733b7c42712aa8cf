package ntfs

import (
	"encoding/binary"
	"testing"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

// Geometry of the synthetic test volume: 512 byte sectors, 1 KiB clusters,
// 1 KiB records (encoded as -10), 4 KiB index blocks (4 clusters).
const (
	testSectorSize    = 512
	testClusterSize   = 1024
	testRecordSize    = 1024
	testIndexSize     = 4096
	testTotalClusters = 512
	testMFTCluster    = 4
	testMFTRecords    = 32
	testFirstData     = 64
	testUSN           = 0xABCD
)

var le = binary.LittleEndian

type imageBuilder struct {
	t    *testing.T
	buf  []byte
	next uint64
}

// newImageBuilder lays out a boot sector, $MFT (record 0) and $Volume (record 3)
func newImageBuilder(t *testing.T) *imageBuilder {
	t.Helper()
	b := &imageBuilder{
		t:    t,
		buf:  make([]byte, testClusterSize*testTotalClusters),
		next: testFirstData,
	}
	b.writeBootSector()

	mftData := nonResidentAttr(nonResidentSpec{
		typ:      AttrData,
		lastVCN:  testMFTRecords - 1,
		pairs:    encodeRuns(testRun{lcn: testMFTCluster, length: testMFTRecords}),
		size:     testMFTRecords * testRecordSize,
		initSize: testMFTRecords * testRecordSize,
	})
	b.putRecord(RecordMFT, buildRecord(RecordFlagInUse, 0, mftData))

	volInfo := make([]byte, 12)
	volInfo[8], volInfo[9] = 3, 1
	b.putRecord(RecordVolume, buildRecord(RecordFlagInUse, 0,
		residentAttr(AttrVolumeName, "", 1, encodeName("TESTVOL")),
		residentAttr(AttrVolumeInformation, "", 2, volInfo),
	))
	return b
}

func (b *imageBuilder) writeBootSector() {
	bs := b.buf[:testSectorSize]
	copy(bs[3:], bootSignature)
	le.PutUint16(bs[11:], testSectorSize)
	bs[13] = testClusterSize / testSectorSize
	le.PutUint64(bs[40:], testTotalClusters*testClusterSize/testSectorSize)
	le.PutUint64(bs[48:], testMFTCluster)
	le.PutUint64(bs[56:], 2)
	bs[64] = 0xF6 // -10: 1 << 10 bytes per record
	bs[68] = testIndexSize / testClusterSize
	le.PutUint64(bs[72:], 0x1122334455667788)
	bs[510], bs[511] = 0x55, 0xAA
}

func (b *imageBuilder) recordOffset(idx uint64) int {
	return testMFTCluster*testClusterSize + int(idx)*testRecordSize
}

func (b *imageBuilder) putRecord(idx uint64, rec []byte) {
	copy(b.buf[b.recordOffset(idx):], rec)
}

// alloc reserves n contiguous clusters and returns the first LCN
func (b *imageBuilder) alloc(n uint64) uint64 {
	lcn := b.next
	b.next += n
	if b.next > testTotalClusters {
		b.t.Fatalf("test image out of clusters")
	}
	return lcn
}

func (b *imageBuilder) writeAt(lcn uint64, data []byte) {
	copy(b.buf[lcn*testClusterSize:], data)
}

func (b *imageBuilder) device() *util.MemoryDevice {
	return util.NewMemoryDevice(b.buf)
}

func (b *imageBuilder) open() *Volume {
	b.t.Helper()
	vol, err := Open(b.device())
	if err != nil {
		b.t.Fatalf("Open failed: %v", err)
	}
	return vol
}

// putResidentFile stores content inline in an unnamed $DATA attribute
func (b *imageBuilder) putResidentFile(idx uint64, content []byte) {
	b.putRecord(idx, buildRecord(RecordFlagInUse, 0, residentAttr(AttrData, "", 1, content)))
}

// putNonResidentFile stores content in freshly allocated clusters
func (b *imageBuilder) putNonResidentFile(idx uint64, content []byte) {
	clusters := util.CeilDiv(uint64(len(content)), testClusterSize)
	lcn := b.alloc(clusters)
	b.writeAt(lcn, content)
	b.putRecord(idx, buildRecord(RecordFlagInUse, 0, nonResidentAttr(nonResidentSpec{
		typ:      AttrData,
		lastVCN:  int64(clusters) - 1,
		pairs:    encodeRuns(testRun{lcn: int64(lcn), length: clusters}),
		size:     uint64(len(content)),
		initSize: uint64(len(content)),
		alloc:    clusters * testClusterSize,
	})))
}

// putDirectory writes a directory record with an $I30 root and, when blocks
// is not empty, an $INDEX_ALLOCATION holding each block at its VCN
func (b *imageBuilder) putDirectory(idx uint64, rootEntries [][]byte, blocks map[uint64][]byte) {
	attrs := [][]byte{residentAttr(AttrIndexRoot, directoryIndexName, 1, indexRootValue(rootEntries...))}
	if len(blocks) > 0 {
		var maxVCN uint64
		for vcn := range blocks {
			if vcn > maxVCN {
				maxVCN = vcn
			}
		}
		clusters := maxVCN + testIndexSize/testClusterSize
		lcn := b.alloc(clusters)
		for vcn, block := range blocks {
			b.writeAt(lcn+vcn, block)
		}
		attrs = append(attrs, nonResidentAttr(nonResidentSpec{
			typ:      AttrIndexAllocation,
			name:     directoryIndexName,
			id:       2,
			lastVCN:  int64(clusters) - 1,
			pairs:    encodeRuns(testRun{lcn: int64(lcn), length: clusters}),
			size:     clusters * testClusterSize,
			initSize: clusters * testClusterSize,
		}))
	}
	b.putRecord(idx, buildRecord(RecordFlagInUse|RecordFlagDirectory, 0, attrs...))
}

// ------------------ Structure encoders ------------------

func align8(n int) int {
	return (n + 7) &^ 7
}

// protect installs update sequence protection: the tail of every 512 byte
// stride is saved into the array and replaced by usn
func protect(buf []byte, usaOffset int, usn uint16) {
	strides := len(buf) / fixupStride
	le.PutUint16(buf[usaOffset:], usn)
	for i := 1; i <= strides; i++ {
		pos := i*fixupStride - 2
		copy(buf[usaOffset+2*i:], buf[pos:pos+2])
		le.PutUint16(buf[pos:], usn)
	}
}

func buildRecord(flags uint16, base uint64, attrs ...[]byte) []byte {
	return buildRecordSeq(1, flags, base, attrs...)
}

func buildRecordSeq(seq uint16, flags uint16, base uint64, attrs ...[]byte) []byte {
	rec := make([]byte, testRecordSize)
	copy(rec, recordMagic)
	le.PutUint16(rec[4:], 48)
	le.PutUint16(rec[6:], testRecordSize/fixupStride+1)
	le.PutUint16(rec[16:], seq)
	le.PutUint16(rec[18:], 1)
	le.PutUint16(rec[20:], 56)
	le.PutUint16(rec[22:], flags)

	off := 56
	for _, a := range attrs {
		copy(rec[off:], a)
		off += len(a)
	}
	le.PutUint32(rec[off:], uint32(AttrEnd))
	off += 8

	le.PutUint32(rec[24:], uint32(off))
	le.PutUint32(rec[28:], testRecordSize)
	le.PutUint64(rec[32:], base)
	protect(rec, 48, testUSN)
	return rec
}

func residentAttr(typ AttrType, name string, id uint16, value []byte) []byte {
	nameBytes := encodeName(name)
	valueOff := align8(residentHeaderSize + len(nameBytes))
	length := align8(valueOff + len(value))

	a := make([]byte, length)
	le.PutUint32(a[0:], uint32(typ))
	le.PutUint32(a[4:], uint32(length))
	a[9] = byte(len(nameBytes) / 2)
	le.PutUint16(a[10:], residentHeaderSize)
	le.PutUint16(a[14:], id)
	le.PutUint32(a[16:], uint32(len(value)))
	le.PutUint16(a[20:], uint16(valueOff))
	copy(a[residentHeaderSize:], nameBytes)
	copy(a[valueOff:], value)
	return a
}

type nonResidentSpec struct {
	typ      AttrType
	name     string
	id       uint16
	flags    uint16
	startVCN uint64
	lastVCN  int64
	pairs    []byte
	alloc    uint64
	size     uint64
	initSize uint64
}

func nonResidentAttr(s nonResidentSpec) []byte {
	nameBytes := encodeName(s.name)
	runOff := align8(nonResidentHeaderSize + len(nameBytes))
	length := align8(runOff + len(s.pairs) + 1)
	if s.alloc == 0 {
		s.alloc = uint64(s.lastVCN+1) * testClusterSize
	}

	a := make([]byte, length)
	le.PutUint32(a[0:], uint32(s.typ))
	le.PutUint32(a[4:], uint32(length))
	a[8] = 1
	a[9] = byte(len(nameBytes) / 2)
	le.PutUint16(a[10:], nonResidentHeaderSize)
	le.PutUint16(a[12:], s.flags)
	le.PutUint16(a[14:], s.id)
	le.PutUint64(a[16:], s.startVCN)
	le.PutUint64(a[24:], uint64(s.lastVCN))
	le.PutUint16(a[32:], uint16(runOff))
	le.PutUint64(a[40:], s.alloc)
	le.PutUint64(a[48:], s.size)
	le.PutUint64(a[56:], s.initSize)
	copy(a[nonResidentHeaderSize:], nameBytes)
	copy(a[runOff:], s.pairs)
	return a
}

type testRun struct {
	lcn    int64
	length uint64
	sparse bool
}

// minimalSigned returns the shortest little-endian two's complement encoding of v
func minimalSigned(v int64) []byte {
	var full [8]byte
	le.PutUint64(full[:], uint64(v))
	for n := 1; n <= 8; n++ {
		if signExtendTest(full[:n]) == v {
			return append([]byte(nil), full[:n]...)
		}
	}
	return full[:]
}

func signExtendTest(b []byte) int64 {
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	shift := uint(64 - 8*len(b))
	return v << shift >> shift
}

// encodeRuns produces mapping pairs with LCN deltas relative to the previous backed run
func encodeRuns(runs ...testRun) []byte {
	var out []byte
	var prev int64
	for _, r := range runs {
		lenBytes := minimalSigned(int64(r.length))
		if r.sparse {
			out = append(out, byte(len(lenBytes)))
			out = append(out, lenBytes...)
			continue
		}
		offBytes := minimalSigned(r.lcn - prev)
		prev = r.lcn
		out = append(out, byte(len(offBytes)<<4|len(lenBytes)))
		out = append(out, lenBytes...)
		out = append(out, offBytes...)
	}
	return append(out, 0)
}

func fileNameValue(parent uint64, name string, size uint64, flags uint32, namespace uint8) []byte {
	nameBytes := encodeName(name)
	v := make([]byte, fileNameHeaderSize+len(nameBytes))
	le.PutUint64(v[0:], parent)
	le.PutUint64(v[8:], 132000000000000000)
	le.PutUint64(v[40:], align8Uint(size))
	le.PutUint64(v[48:], size)
	le.PutUint32(v[56:], flags)
	v[64] = byte(len(nameBytes) / 2)
	v[65] = namespace
	copy(v[fileNameHeaderSize:], nameBytes)
	return v
}

func align8Uint(n uint64) uint64 {
	return (n + 7) &^ 7
}

func indexEntry(ref uint64, key []byte, flags uint16, subVCN uint64) []byte {
	length := align8(indexEntryHeaderSize + len(key))
	if flags&IndexEntryFlagSubNode != 0 {
		length += 8
	}
	e := make([]byte, length)
	le.PutUint64(e[0:], ref)
	le.PutUint16(e[8:], uint16(length))
	le.PutUint16(e[10:], uint16(len(key)))
	le.PutUint16(e[12:], flags)
	copy(e[indexEntryHeaderSize:], key)
	if flags&IndexEntryFlagSubNode != 0 {
		le.PutUint64(e[length-8:], subVCN)
	}
	return e
}

// fileEntry is an index entry for a regular file named name in record ref
func fileEntry(ref uint64, name string, size uint64) []byte {
	return indexEntry(ref|1<<48, fileNameValue(RecordRoot, name, size, 0, NamespaceWin32), 0, 0)
}

// dirEntry is an index entry for a directory
func dirEntry(ref uint64, name string) []byte {
	return indexEntry(ref|1<<48, fileNameValue(RecordRoot, name, 0, FileAttrDirectory, NamespaceWin32), 0, 0)
}

func lastEntry() []byte {
	return indexEntry(0, nil, IndexEntryFlagLast, 0)
}

func lastEntryWithSubNode(vcn uint64) []byte {
	return indexEntry(0, nil, IndexEntryFlagLast|IndexEntryFlagSubNode, vcn)
}

func concat(parts [][]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func indexRootValue(entries ...[]byte) []byte {
	body := concat(entries)
	v := make([]byte, indexRootHeaderSize+nodeHeaderSize+len(body))
	le.PutUint32(v[0:], uint32(AttrFileName))
	le.PutUint32(v[4:], 1)
	le.PutUint32(v[8:], testIndexSize)
	v[12] = testIndexSize / testClusterSize
	total := uint32(nodeHeaderSize + len(body))
	le.PutUint32(v[16:], nodeHeaderSize)
	le.PutUint32(v[20:], total)
	le.PutUint32(v[24:], total)
	copy(v[indexRootHeaderSize+nodeHeaderSize:], body)
	return v
}

func indexBlock(vcn uint64, entries ...[]byte) []byte {
	const usaOffset = 40
	const entriesAt = 64
	body := concat(entries)
	blk := make([]byte, testIndexSize)
	copy(blk, indexBlockMagic)
	le.PutUint16(blk[4:], usaOffset)
	le.PutUint16(blk[6:], testIndexSize/fixupStride+1)
	le.PutUint64(blk[16:], vcn)
	le.PutUint32(blk[24:], entriesAt-indexBlockHeaderSize)
	le.PutUint32(blk[28:], uint32(entriesAt-indexBlockHeaderSize+len(body)))
	le.PutUint32(blk[32:], testIndexSize-indexBlockHeaderSize)
	copy(blk[entriesAt:], body)
	protect(blk, usaOffset, testUSN)
	return blk
}

// patternBytes returns n deterministic non-zero-heavy bytes
func patternBytes(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7+int(seed)) ^ byte(i>>8)
	}
	return out
}
