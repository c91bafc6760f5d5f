package devfs

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"kvfs/pkg/vfs"
)

type Kind uint8

const (
	Char Kind = iota
	Block
)

func (k Kind) objectType() vfs.ObjectType {
	if k == Block {
		return vfs.TypeBlockDevice
	}
	return vfs.TypeCharDevice
}

// Mkdev packs a major/minor pair into a device id.
func Mkdev(major, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}

// Operations is the hook table a driver supplies. Any hook may be nil. A nil
// Read or Write makes the matching file operation fail with EINVAL; a nil Open
// or Close succeeds.
type Operations struct {
	Add    func(d *Device) error
	Remove func(d *Device)
	Open   func(d *Device, f *vfs.File) error
	Close  func(d *Device, f *vfs.File) error
	Read   func(d *Device, f *vfs.File, buf []byte, off int64) (int, error)
	Write  func(d *Device, f *vfs.File, buf []byte, off int64) (int, error)
}

// Device is one registration. Name is relative to the devfs root and may
// contain slashes.
type Device struct {
	Name    string
	Kind    Kind
	ID      uint64
	Ops     *Operations
	Private any
}

// ErrGone is returned by files still open on an unregistered device.
var ErrGone error = unix.ENXIO

// devnode is the inode payload for a registered device.
type devnode struct {
	node
	dev *Device

	// gone is set on Unregister before the Remove hook runs; open files
	// stop reaching the driver from then on.
	gone atomic.Bool
}

var (
	_ vfs.InodeOperations = (*devnode)(nil)
	_ vfs.FileOperations  = (*devnode)(nil)
)

func (n *devnode) ReadDirectory(int64, []byte) (int, int64, error) {
	return 0, 0, vfs.ErrNotDir
}

func (n *devnode) Lookup(*vfs.PathNode, string) (*vfs.PathNode, error) {
	return nil, vfs.ErrNotDir
}

func (n *devnode) Metadata() vfs.Metadata {
	m := n.metadata()
	m.Rdev = n.dev.ID
	return m
}

func (n *devnode) Open(f *vfs.File) error {
	if n.gone.Load() {
		return ErrGone
	}
	if n.dev.Ops.Open == nil {
		return nil
	}
	return n.dev.Ops.Open(n.dev, f)
}

func (n *devnode) Close(f *vfs.File) error {
	if n.gone.Load() || n.dev.Ops.Close == nil {
		return nil
	}
	return n.dev.Ops.Close(n.dev, f)
}

func (n *devnode) Read(f *vfs.File, buf []byte, off int64) (int, error) {
	if n.gone.Load() {
		return 0, ErrGone
	}
	if n.dev.Ops.Read == nil {
		return 0, vfs.ErrInvalid
	}
	return n.dev.Ops.Read(n.dev, f, buf, off)
}

func (n *devnode) Write(f *vfs.File, buf []byte, off int64) (int, error) {
	if n.gone.Load() {
		return 0, ErrGone
	}
	if n.dev.Ops.Write == nil {
		return 0, vfs.ErrInvalid
	}
	return n.dev.Ops.Write(n.dev, f, buf, off)
}
