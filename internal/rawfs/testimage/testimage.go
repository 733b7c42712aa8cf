// Package testimage builds small filesystem images for tests.
package testimage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

var le = binary.LittleEndian

const (
	tinyBlockSize  = 1024
	tinyBlocks     = 64
	tinyInodes     = 16
	tinyInodeTable = 5
	tinyRootBlock  = 10
	tinyFileBlock  = 11
	tinyFileInode  = 12
)

// TinyFile and TinyContent describe the single file of TinyExt
const (
	TinyFile    = "a.txt"
	TinyContent = "hello"
	TinyLabel   = "tiny"
)

// PartitionStart is the first sector of the partition MBRDisk creates
const PartitionStart = 128

// TinyExt builds a 64 KiB ext2-style volume with 1 KiB blocks holding a
// single file /a.txt
func TinyExt() []byte {
	img := make([]byte, tinyBlockSize*tinyBlocks)

	sb := img[1024:2048]
	le.PutUint32(sb[0:], tinyInodes)
	le.PutUint32(sb[4:], tinyBlocks)
	le.PutUint32(sb[20:], 1)
	le.PutUint32(sb[32:], 8192)
	le.PutUint32(sb[40:], tinyInodes)
	le.PutUint16(sb[56:], 0xEF53)
	le.PutUint32(sb[76:], 1)
	le.PutUint32(sb[84:], 11)
	le.PutUint16(sb[88:], 128)
	le.PutUint32(sb[96:], 0x0002) // filetype
	copy(sb[120:], TinyLabel)

	le.PutUint32(img[2*tinyBlockSize+8:], tinyInodeTable)

	inode := func(n uint32, mode uint16, size uint32, block uint32) {
		at := tinyInodeTable*tinyBlockSize + int(n-1)*128
		le.PutUint16(img[at:], mode)
		le.PutUint32(img[at+4:], size)
		le.PutUint16(img[at+26:], 1)
		le.PutUint32(img[at+40:], block)
	}
	inode(2, 0x41ED, tinyBlockSize, tinyRootBlock)
	inode(tinyFileInode, 0x81A4, uint32(len(TinyContent)), tinyFileBlock)

	dir := img[tinyRootBlock*tinyBlockSize:]
	dirent := func(at int, ino uint32, recLen uint16, name string, typ byte) {
		le.PutUint32(dir[at:], ino)
		le.PutUint16(dir[at+4:], recLen)
		dir[at+6] = byte(len(name))
		dir[at+7] = typ
		copy(dir[at+8:], name)
	}
	dirent(0, 2, 12, ".", 2)
	dirent(12, 2, 12, "..", 2)
	dirent(24, tinyFileInode, tinyBlockSize-24, TinyFile, 1)

	copy(img[tinyFileBlock*tinyBlockSize:], TinyContent)
	return img
}

// MBRDisk wraps a volume in a disk image with one primary partition at
// PartitionStart, plus an extended entry and an entry past the end of the
// disk
func MBRDisk(vol []byte) []byte {
	disk := make([]byte, PartitionStart*512+len(vol))
	copy(disk[PartitionStart*512:], vol)

	entry := func(i int, status, typ byte, lba, count uint32) {
		at := 446 + i*16
		disk[at] = status
		disk[at+4] = typ
		le.PutUint32(disk[at+8:], lba)
		le.PutUint32(disk[at+12:], count)
	}
	entry(0, 0x80, 0x83, PartitionStart, uint32(len(vol)/512))
	entry(1, 0x00, 0x05, 1, 10)
	entry(2, 0x00, 0x07, 1<<20, 100)
	disk[510], disk[511] = 0x55, 0xAA
	return disk
}

// Write stores data as name in a fresh temporary directory
func Write(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
