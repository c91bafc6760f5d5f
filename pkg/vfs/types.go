package vfs

import (
	"context"
	"os"
	"syscall"
	"time"
)

// ObjectType is the type tag carried by inodes and directory records. The
// numbering is the ext2 directory file_type numbering.
type ObjectType uint8

const (
	TypeUnknown ObjectType = iota
	TypeRegular
	TypeDirectory
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
	TypeSymlink
)

var typeNames = [...]string{"unknown", "regular", "directory", "char-device", "block-device", "fifo", "socket", "symlink"}

func (t ObjectType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "invalid"
}

func (t ObjectType) IsDir() bool {
	return t == TypeDirectory
}

func (t ObjectType) IsDevice() bool {
	return t == TypeCharDevice || t == TypeBlockDevice
}

// FileMode converts the tag to the os.FileMode type bits.
func (t ObjectType) FileMode() os.FileMode {
	switch t {
	case TypeDirectory:
		return os.ModeDir
	case TypeCharDevice:
		return os.ModeDevice | os.ModeCharDevice
	case TypeBlockDevice:
		return os.ModeDevice
	case TypeFIFO:
		return os.ModeNamedPipe
	case TypeSocket:
		return os.ModeSocket
	case TypeSymlink:
		return os.ModeSymlink
	}
	return 0
}

// Metadata is what metadata() reports for an inode.
type Metadata struct {
	Ino     uint64
	Type    ObjectType
	Size    int64
	Mode    uint32 // permission bits only
	Nlink   uint64
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	Blksize int64
	Blocks  int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

func (m Metadata) IsDir() bool {
	return m.Type.IsDir()
}

// FileMode returns the permission bits combined with the type bits.
func (m Metadata) FileMode() os.FileMode {
	return os.FileMode(m.Mode)&os.ModePerm | m.Type.FileMode()
}

type OpenFlags int

const (
	O_RDONLY    OpenFlags = syscall.O_RDONLY
	O_WRONLY    OpenFlags = syscall.O_WRONLY
	O_RDWR      OpenFlags = syscall.O_RDWR
	O_APPEND    OpenFlags = syscall.O_APPEND
	O_CREAT     OpenFlags = syscall.O_CREAT
	O_EXCL      OpenFlags = syscall.O_EXCL
	O_TRUNC     OpenFlags = syscall.O_TRUNC
	O_DIRECTORY OpenFlags = syscall.O_DIRECTORY
)

func (f OpenFlags) IsWrite() bool {
	return f&O_WRONLY != 0 || f&O_RDWR != 0
}

func (f OpenFlags) IsRead() bool {
	return f&O_WRONLY == 0
}

func (f OpenFlags) IsCreate() bool {
	return f&O_CREAT != 0
}

func (f OpenFlags) IsTrunc() bool {
	return f&O_TRUNC != 0
}

// PageSize is the unit read_page works in.
const PageSize = 4096

// Page is one page of file data.
type Page [PageSize]byte

// PageAllocator produces physical pages. AllocPage may block until a page is
// available or ctx is done.
type PageAllocator interface {
	AllocPage(ctx context.Context) (*Page, error)
	FreePage(p *Page)
}
