package ext2

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"kvfs/pkg/vfs"
)

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want int
	}{
		{"superblock", Superblock{}, SuperblockSize},
		{"group descriptor", BlockGroupDescriptor{}, BlockGroupDescriptorSize},
		{"inode", Inode{}, GoodOldInodeSize},
		{"dir entry", DirEntry{}, DirEntryHeaderSize},
	}
	for _, tt := range tests {
		if got := binary.Size(tt.v); got != tt.want {
			t.Errorf("%s: %d bytes, want %d", tt.name, got, tt.want)
		}
	}
}

func TestSuperblockOffsets(t *testing.T) {
	sb := Superblock{
		InodesCount:      0x11111111,
		BlocksPerGroup:   0x22222222,
		Magic:            Magic,
		RevLevel:         DynamicRev,
		InodeSize:        0x3333,
		FeatureIncompat:  0x44444444,
		JournalInum:      0x55555555,
		DefHashVersion:   0x66,
		DefaultMountOpts: 0x77777777,
		FirstMetaBG:      0x88888888,
	}
	copy(sb.VolumeName[:], "vol")
	copy(sb.LastMounted[:], "/mnt")

	buf := make([]byte, SuperblockSize)
	encode(buf, &sb)
	le := binary.LittleEndian
	checks := []struct {
		off  int
		got  uint64
		want uint64
	}{
		{0, uint64(le.Uint32(buf[0:])), 0x11111111},
		{32, uint64(le.Uint32(buf[32:])), 0x22222222},
		{56, uint64(le.Uint16(buf[56:])), Magic},
		{76, uint64(le.Uint32(buf[76:])), DynamicRev},
		{88, uint64(le.Uint16(buf[88:])), 0x3333},
		{96, uint64(le.Uint32(buf[96:])), 0x44444444},
		{224, uint64(le.Uint32(buf[224:])), 0x55555555},
		{252, uint64(buf[252]), 0x66},
		{256, uint64(le.Uint32(buf[256:])), 0x77777777},
		{260, uint64(le.Uint32(buf[260:])), 0x88888888},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("offset %d: %#x, want %#x", c.off, c.got, c.want)
		}
	}
	if string(buf[120:123]) != "vol" || string(buf[136:140]) != "/mnt" {
		t.Errorf("volume name or last mounted misplaced")
	}

	var back Superblock
	if err := decode(buf, &back); err != nil {
		t.Fatal(err)
	}
	if back != sb {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestInodeOffsets(t *testing.T) {
	in := Inode{Mode: ModeReg | 0o644, LinksCount: 3, Generation: 0xabcdef01, DirACL: 1, Size: 5}
	in.Block[0] = 0x1000
	in.Block[TIndBlock] = 0x2000
	buf := make([]byte, GoodOldInodeSize)
	encode(buf, &in)
	le := binary.LittleEndian
	if le.Uint16(buf[26:]) != 3 || le.Uint32(buf[40:]) != 0x1000 || le.Uint32(buf[96:]) != 0x2000 ||
		le.Uint32(buf[100:]) != 0xabcdef01 || le.Uint32(buf[108:]) != 1 {
		t.Errorf("inode fields misplaced: %x", buf)
	}
	if got := in.FileSize(); got != 1<<32+5 {
		t.Errorf("FileSize = %d", got)
	}
	if in.Type() != vfs.TypeRegular {
		t.Errorf("Type = %v", in.Type())
	}
}

func TestValidate(t *testing.T) {
	good := Superblock{Magic: Magic, BlocksCount: 100, FirstDataBlock: 1, BlocksPerGroup: 8192, InodesPerGroup: 16}
	tests := []struct {
		name string
		edit func(*Superblock)
		want error
	}{
		{"ok", func(*Superblock) {}, nil},
		{"magic", func(s *Superblock) { s.Magic = 0x1234 }, vfs.ErrInvalid},
		{"revision", func(s *Superblock) { s.RevLevel = 2 }, vfs.ErrNotSupported},
		{"block size", func(s *Superblock) { s.LogBlockSize = 3 }, vfs.ErrNotSupported},
		{"compression", func(s *Superblock) { s.FeatureIncompat = IncompatCompression }, vfs.ErrNotSupported},
		{"inode size", func(s *Superblock) { s.RevLevel = DynamicRev; s.InodeSize = 100 }, vfs.ErrInvalid},
		{"empty group", func(s *Superblock) { s.InodesPerGroup = 0 }, vfs.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := good
			tt.edit(&sb)
			err := sb.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate = %v", err)
				}
				return
			}
			if vfs.Errno(err) != vfs.Errno(tt.want) {
				t.Errorf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBitmap(t *testing.T) {
	b := make(Bitmap, 4)
	for _, i := range []int{0, 1, 2, 3, 4, 5, 6, 7, 9, 30} {
		b.Set(i)
	}
	if got, ok := b.FindFirstFree(32); !ok || got != 8 {
		t.Errorf("FindFirstFree = %d, %v", got, ok)
	}
	if got := b.CountFree(32); got != 22 {
		t.Errorf("CountFree(32) = %d", got)
	}
	if got := b.CountFree(12); got != 3 {
		t.Errorf("CountFree(12) = %d", got)
	}
	b.Clear(9)
	if b.Test(9) || !b.Test(30) {
		t.Error("Clear touched the wrong bit")
	}
	full := Bitmap{0xff, 0xff}
	if _, ok := full.FindFirstFree(16); ok {
		t.Error("found a free bit in a full bitmap")
	}
}

func TestBlockMapLevels(t *testing.T) {
	b, err := NewBuilder(Options{BlockSize: 1024, Blocks: 2048})
	if err != nil {
		t.Fatal(err)
	}
	var raw Inode
	logical := []uint64{
		0, 11, // direct
		12, 12 + 255, // single
		12 + 256, 12 + 256 + 256*256 - 1, // double
		12 + 256 + 256*256, 12 + 256 + 256*256 + 70000, // triple
	}
	for i, lb := range logical {
		if err := b.setBlock(&raw, lb, uint32(1000+i)); err != nil {
			t.Fatalf("setBlock(%d): %v", lb, err)
		}
	}
	for i, lb := range logical {
		got, err := b.mapBlock(raw, lb)
		if err != nil {
			t.Fatalf("mapBlock(%d): %v", lb, err)
		}
		if got != uint32(1000+i) {
			t.Errorf("mapBlock(%d) = %d, want %d", lb, got, 1000+i)
		}
	}
	if got, _ := b.mapBlock(raw, 13); got != 0 {
		t.Errorf("unset block maps to %d", got)
	}
	if _, err := b.mapBlock(raw, 12+256+256*256+256*256*256); err == nil {
		t.Error("block past triple indirect range mapped")
	}
}

func TestDecodeDev(t *testing.T) {
	if got := decodeDev(0x0103, 0); got != unix.Mkdev(1, 3) {
		t.Errorf("old encoding = %#x", got)
	}
	if got := decodeDev(0, 0x12300845); got != unix.Mkdev(8, 0x12345) {
		t.Errorf("new encoding = %#x", got)
	}
}
