package vfs

import (
	"sync/atomic"
)

type MountFlags uint32

const (
	MountReadOnly MountFlags = 1 << iota
)

// SuperBlock is one mounted filesystem instance.
type SuperBlock struct {
	fsType  string
	flags   MountFlags
	root    *Inode
	private any

	nextIno atomic.Uint64
	mounted atomic.Bool
}

func NewSuperBlock(fsType string, flags MountFlags) *SuperBlock {
	return &SuperBlock{fsType: fsType, flags: flags}
}

func (sb *SuperBlock) FSType() string { return sb.fsType }

func (sb *SuperBlock) Flags() MountFlags { return sb.flags }

func (sb *SuperBlock) ReadOnly() bool { return sb.flags&MountReadOnly != 0 }

// SetRoot installs the inode exposed at the mount point. The superblock takes
// over the caller's reference.
func (sb *SuperBlock) SetRoot(root *Inode) {
	if sb.root != nil {
		panic("vfs: superblock root set twice")
	}
	sb.root = root
}

func (sb *SuperBlock) Root() *Inode { return sb.root }

// Private holds backend-wide state.
func (sb *SuperBlock) Private() any { return sb.private }

func (sb *SuperBlock) SetPrivate(v any) { sb.private = v }

// NextIno hands out inode numbers for backends that synthesize them. The
// first number returned is 1.
func (sb *SuperBlock) NextIno() uint64 {
	return sb.nextIno.Add(1)
}

// Mount associates a covered path node with the superblock now exposed there.
type Mount struct {
	Point      *PathNode
	SuperBlock *SuperBlock
}

// Path is where the mount is visible.
func (m *Mount) Path() string {
	if m.Point == nil {
		return "/"
	}
	return m.Point.Path()
}
