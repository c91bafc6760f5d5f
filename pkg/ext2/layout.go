package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"kvfs/pkg/vfs"
)

const (
	SuperblockOffset = 1024
	SuperblockSize   = 1024
	Magic            = 0xEF53

	RootIno          = 2
	FirstIno         = 11 // first non-reserved inode on revision 0
	GoodOldRev       = 0
	DynamicRev       = 1
	GoodOldInodeSize = 128

	DirectBlocks = 12
	IndBlock     = 12
	DIndBlock    = 13
	TIndBlock    = 14
	NBlocks      = 15
)

// Filesystem state.
const (
	StateValid = 1
	StateError = 2
)

// Behaviour when errors are detected.
const (
	ErrorsContinue = 1
	ErrorsRO       = 2
	ErrorsPanic    = 3
)

// Creator OS ids.
const (
	OSLinux   = 0
	OSHurd    = 1
	OSMasix   = 2
	OSFreeBSD = 3
	OSLites   = 4
)

// Compatible features.
const (
	CompatDirPrealloc  = 0x0001
	CompatImagicInodes = 0x0002
	CompatHasJournal   = 0x0004
	CompatExtAttr      = 0x0008
	CompatResizeIno    = 0x0010
	CompatDirIndex     = 0x0020
)

// Incompatible features.
const (
	IncompatCompression = 0x0001
	IncompatFiletype    = 0x0002
	IncompatRecover     = 0x0004
	IncompatJournalDev  = 0x0008
	IncompatMetaBG      = 0x0010
)

// Read-only compatible features.
const (
	ROCompatSparseSuper = 0x0001
	ROCompatLargeFile   = 0x0002
	ROCompatBtreeDir    = 0x0004
)

// IncompatSupported is the set of incompatible features this reader handles.
const IncompatSupported = IncompatFiletype

// Inode mode type bits.
const (
	ModeFmt    = 0xF000
	ModeSocket = 0xC000
	ModeLink   = 0xA000
	ModeReg    = 0x8000
	ModeBlk    = 0x6000
	ModeDir    = 0x4000
	ModeChr    = 0x2000
	ModeFIFO   = 0x1000
)

// Superblock is the on-disk superblock, 1024 bytes at byte offset 1024.
type Superblock struct {
	InodesCount      uint32 // 0
	BlocksCount      uint32 // 4
	RBlocksCount     uint32 // 8
	FreeBlocksCount  uint32 // 12
	FreeInodesCount  uint32 // 16
	FirstDataBlock   uint32 // 20
	LogBlockSize     uint32 // 24
	LogFragSize      uint32 // 28
	BlocksPerGroup   uint32 // 32
	FragsPerGroup    uint32 // 36
	InodesPerGroup   uint32 // 40
	Mtime            uint32 // 44
	Wtime            uint32 // 48
	MntCount         uint16 // 52
	MaxMntCount      uint16 // 54
	Magic            uint16 // 56
	State            uint16 // 58
	Errors           uint16 // 60
	MinorRevLevel    uint16 // 62
	LastCheck        uint32 // 64
	CheckInterval    uint32 // 68
	CreatorOS        uint32 // 72
	RevLevel         uint32 // 76
	DefResuid        uint16 // 80
	DefResgid        uint16 // 82
	FirstIno         uint32 // 84
	InodeSize        uint16 // 88
	BlockGroupNr     uint16 // 90
	FeatureCompat    uint32 // 92
	FeatureIncompat  uint32 // 96
	FeatureROCompat  uint32 // 100
	UUID             [16]byte
	VolumeName       [16]byte
	LastMounted      [64]byte
	AlgoBitmap       uint32 // 200
	PreallocBlocks   uint8  // 204
	PreallocDirBlks  uint8  // 205
	_                uint16
	JournalUUID      [16]byte // 208
	JournalInum      uint32   // 224
	JournalDev       uint32   // 228
	LastOrphan       uint32   // 232
	HashSeed         [4]uint32
	DefHashVersion   uint8 // 252
	_                [3]byte
	DefaultMountOpts uint32 // 256
	FirstMetaBG      uint32 // 260
	Reserved         [760]byte
}

func (s *Superblock) BlockSize() int64 {
	return 1024 << s.LogBlockSize
}

func (s *Superblock) GroupCount() int {
	return int((s.BlocksCount - s.FirstDataBlock + s.BlocksPerGroup - 1) / s.BlocksPerGroup)
}

func (s *Superblock) InodeBytes() int64 {
	if s.RevLevel == GoodOldRev {
		return GoodOldInodeSize
	}
	return int64(s.InodeSize)
}

// Validate rejects images this reader cannot mount.
func (s *Superblock) Validate() error {
	switch {
	case s.Magic != Magic:
		return fmt.Errorf("ext2: bad magic %#04x: %w", s.Magic, vfs.ErrInvalid)
	case s.RevLevel > DynamicRev:
		return fmt.Errorf("ext2: revision %d: %w", s.RevLevel, vfs.ErrNotSupported)
	case s.LogBlockSize > 2:
		return fmt.Errorf("ext2: block size %d: %w", int64(1024)<<min(s.LogBlockSize, 20), vfs.ErrNotSupported)
	case s.BlocksPerGroup == 0 || s.InodesPerGroup == 0:
		return fmt.Errorf("ext2: empty block group: %w", vfs.ErrInvalid)
	case s.BlocksPerGroup > uint32(8*s.BlockSize()) || s.InodesPerGroup > uint32(8*s.BlockSize()):
		return fmt.Errorf("ext2: group larger than one bitmap block: %w", vfs.ErrInvalid)
	case s.BlocksCount <= s.FirstDataBlock:
		return fmt.Errorf("ext2: no data blocks: %w", vfs.ErrInvalid)
	case s.FeatureIncompat&^IncompatSupported != 0:
		return fmt.Errorf("ext2: incompatible features %#x: %w", s.FeatureIncompat&^IncompatSupported, vfs.ErrNotSupported)
	}
	if n := s.InodeBytes(); n < GoodOldInodeSize || n > s.BlockSize() || n&(n-1) != 0 {
		return fmt.Errorf("ext2: inode size %d: %w", n, vfs.ErrInvalid)
	}
	return nil
}

// BlockGroupDescriptor is one 32-byte entry of the descriptor table.
type BlockGroupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	_               uint16
	Reserved        [12]byte
}

const BlockGroupDescriptorSize = 32

// Inode is the 128-byte revision 0 on-disk inode. Larger inodes on revision 1
// images carry extra fields past these that this reader ignores.
type Inode struct {
	Mode       uint16
	Uid        uint16
	Size       uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	Gid        uint16
	LinksCount uint16
	Blocks     uint32 // 512-byte sectors
	Flags      uint32
	Osd1       uint32
	Block      [NBlocks]uint32
	Generation uint32
	FileACL    uint32
	DirACL     uint32 // high 32 bits of the size for regular files
	Faddr      uint32
	Osd2       [12]byte
}

// Type maps the mode type bits to an object type.
func (i *Inode) Type() vfs.ObjectType {
	switch i.Mode & ModeFmt {
	case ModeReg:
		return vfs.TypeRegular
	case ModeDir:
		return vfs.TypeDirectory
	case ModeChr:
		return vfs.TypeCharDevice
	case ModeBlk:
		return vfs.TypeBlockDevice
	case ModeFIFO:
		return vfs.TypeFIFO
	case ModeSocket:
		return vfs.TypeSocket
	case ModeLink:
		return vfs.TypeSymlink
	}
	return vfs.TypeUnknown
}

// FileSize includes the high word for regular files.
func (i *Inode) FileSize() int64 {
	size := int64(i.Size)
	if i.Mode&ModeFmt == ModeReg {
		size |= int64(i.DirACL) << 32
	}
	return size
}

func (i *Inode) SetFileSize(size int64) {
	i.Size = uint32(size)
	if i.Mode&ModeFmt == ModeReg {
		i.DirACL = uint32(size >> 32)
	}
}

func modeFor(t vfs.ObjectType) uint16 {
	switch t {
	case vfs.TypeRegular:
		return ModeReg
	case vfs.TypeDirectory:
		return ModeDir
	case vfs.TypeCharDevice:
		return ModeChr
	case vfs.TypeBlockDevice:
		return ModeBlk
	case vfs.TypeFIFO:
		return ModeFIFO
	case vfs.TypeSocket:
		return ModeSocket
	case vfs.TypeSymlink:
		return ModeLink
	}
	return 0
}

// DirEntry is the fixed header of an on-disk directory entry. The name
// follows it and the record is padded to RecLen, a multiple of 4.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

const DirEntryHeaderSize = 8

// DirEntrySize is the minimal record length for a name of n bytes.
func DirEntrySize(n int) int {
	return (DirEntryHeaderSize + n + 3) &^ 3
}

func decode(buf []byte, v any) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func encode(buf []byte, v any) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(buf, b.Bytes())
}

func readStruct(r io.ReaderAt, off int64, v any) error {
	buf := make([]byte, binary.Size(v))
	if _, err := r.ReadAt(buf, off); err != nil {
		return err
	}
	return decode(buf, v)
}
