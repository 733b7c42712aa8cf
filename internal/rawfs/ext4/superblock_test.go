package ext4

import (
	"errors"
	"reflect"
	"testing"

	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/types"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/pkg/util"
)

func TestOpenGeometry(t *testing.T) {
	vol := newImageBuilder(t).open()

	if vol.BlockSize != testBlockSize {
		t.Errorf("BlockSize: got %d, want %d", vol.BlockSize, testBlockSize)
	}
	if vol.InodeSize != testInodeSize {
		t.Errorf("InodeSize: got %d, want %d", vol.InodeSize, testInodeSize)
	}
	if vol.GroupCount != 1 {
		t.Errorf("GroupCount: got %d, want 1", vol.GroupCount)
	}
	if vol.DescSize != defaultDescSize {
		t.Errorf("DescSize: got %d, want %d", vol.DescSize, defaultDescSize)
	}

	info := vol.Info()
	if info.Type != types.FilesystemExt4 || info.Label != "testvol" {
		t.Errorf("Info: got %+v", info)
	}
	if info.Serial != "deadbeef-0102-0304-0506-0708090a0b0c" {
		t.Errorf("Serial: got %s", info.Serial)
	}
	if want := []string{"dir_index", "filetype", "extent"}; !reflect.DeepEqual(info.Features, want) {
		t.Errorf("Features: got %v, want %v", info.Features, want)
	}
}

func TestOpenRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(b *imageBuilder)
		corrupt func(buf []byte)
		check   func(error) bool
	}{
		{
			name:   "bigalloc",
			mutate: func(b *imageBuilder) { b.roCompat |= RoCompatBigalloc },
			check:  types.IsUnsupportedFeature,
		},
		{
			name:   "compression",
			mutate: func(b *imageBuilder) { b.incompat |= IncompatCompression },
			check:  types.IsUnsupportedFeature,
		},
		{
			name:   "journal device",
			mutate: func(b *imageBuilder) { b.incompat |= IncompatJournalDev },
			check:  types.IsUnsupportedFeature,
		},
		{
			name:    "bad magic",
			corrupt: func(buf []byte) { le.PutUint16(buf[superblockOffset+56:], 0x1234) },
			check:   func(err error) bool { return errors.Is(err, types.ErrInvalidMagic) },
		},
		{
			name:    "inode size not a power of two",
			corrupt: func(buf []byte) { le.PutUint16(buf[superblockOffset+88:], 300) },
			check:   func(err error) bool { return errors.Is(err, types.ErrInvalidSuperblock) },
		},
		{
			name:    "zero blocks per group",
			corrupt: func(buf []byte) { le.PutUint32(buf[superblockOffset+32:], 0) },
			check:   func(err error) bool { return errors.Is(err, types.ErrInvalidSuperblock) },
		},
		{
			name: "64bit with small descriptors",
			mutate: func(b *imageBuilder) {
				b.incompat |= Incompat64Bit
			},
			corrupt: func(buf []byte) { le.PutUint16(buf[superblockOffset+254:], 32) },
			check:   func(err error) bool { return errors.Is(err, types.ErrInvalidSuperblock) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newImageBuilder(t)
			if tt.mutate != nil {
				tt.mutate(b)
			}
			b.writeSuperblock()
			if tt.corrupt != nil {
				tt.corrupt(b.buf)
			}
			_, err := Open(util.NewMemoryDevice(b.buf))
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestOpenTruncatedDevice(t *testing.T) {
	_, err := Open(util.NewMemoryDevice(make([]byte, 1500)))
	if !errors.Is(err, types.ErrBlockOutOfRange) {
		t.Errorf("expected ErrBlockOutOfRange, got %v", err)
	}
}

func allGroups(n uint32) []uint32 {
	out := make([]uint32, n)
	for g := range out {
		out[g] = uint32(g)
	}
	return out
}

func TestHasSuper(t *testing.T) {
	tests := []struct {
		name    string
		sb      Superblock
		backups []uint32
	}{
		{
			name:    "no sparse_super",
			sb:      Superblock{},
			backups: allGroups(50),
		},
		{
			name:    "sparse_super",
			sb:      Superblock{FeatureRoCompat: RoCompatSparseSuper},
			backups: []uint32{0, 1, 3, 5, 7, 9, 25, 27, 49},
		},
		{
			name:    "sparse_super2",
			sb:      Superblock{FeatureCompat: CompatSparseSuper2, BackupBGs: [2]uint32{1, 37}},
			backups: []uint32{0, 1, 37},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Volume{SB: tt.sb}
			var got []uint32
			for g := uint32(0); g < 50; g++ {
				if v.hasSuper(g) {
					got = append(got, g)
				}
			}
			if !reflect.DeepEqual(got, tt.backups) {
				t.Errorf("got %v, want %v", got, tt.backups)
			}
		})
	}
}

func TestDescriptorBlock(t *testing.T) {
	// 1 KiB blocks, 32-byte descriptors: 32 descriptors per block
	flat := Superblock{FirstDataBlock: 1, BlocksPerGroup: 8192, FeatureRoCompat: RoCompatSparseSuper}
	sparseMeta := flat
	sparseMeta.FeatureIncompat = IncompatMetaBG
	sparseMeta.FirstMetaBG = 1
	denseMeta := sparseMeta
	denseMeta.FeatureRoCompat = 0

	tests := []struct {
		name  string
		sb    Superblock
		group uint32
		want  uint64
	}{
		{"flat first block", flat, 0, 2},
		{"flat second block", flat, 40, 3},
		{"meta_bg below first meta group", sparseMeta, 31, 2},
		{"meta_bg group without backup", sparseMeta, 33, 1 + 32*8192},
		{"meta_bg group with backup", denseMeta, 33, 1 + 32*8192 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Volume{SB: tt.sb, descPerBlock: 32}
			if got := v.descriptorBlock(tt.group); got != tt.want {
				t.Errorf("descriptorBlock(%d) = %d, want %d", tt.group, got, tt.want)
			}
		})
	}
}

func TestLoadInodeBounds(t *testing.T) {
	vol := newImageBuilder(t).open()
	for _, n := range []uint32{0, testInodesPerGroup + 1} {
		if _, err := vol.LoadInode(n); !errors.Is(err, types.ErrInvalidArgument) {
			t.Errorf("LoadInode(%d): expected ErrInvalidArgument, got %v", n, err)
		}
	}
}

func TestLoadInodeFields(t *testing.T) {
	b := newImageBuilder(t)
	b.putInode(12, inodeSpec{mode: ModeRegular | 0o600, size: 5<<32 + 17, flags: InodeFlagExtents | InodeFlagHugeFile})
	vol := b.open()

	ino, err := vol.LoadInode(12)
	if err != nil {
		t.Fatal(err)
	}
	if !ino.IsRegular() || ino.IsDir() || !ino.HasExtents() || ino.HasInlineData() {
		t.Errorf("unexpected classification: mode %#o flags %#x", ino.Mode, ino.Flags)
	}
	if ino.Size != 5<<32+17 {
		t.Errorf("Size: got %d", ino.Size)
	}
	if ino.ExtraIsize != testExtraIsize || len(ino.Raw()) != testInodeSize {
		t.Errorf("extra size %d, raw length %d", ino.ExtraIsize, len(ino.Raw()))
	}
}
