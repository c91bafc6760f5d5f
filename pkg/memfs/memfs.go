// Package memfs is the ephemeral in-memory backend. File data lives in pages
// drawn lazily from a page allocator and kept until the inode is released.
package memfs

import (
	"context"
	"sync/atomic"
	"time"

	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

const FSType = "memfs"

var logger = logging.For(FSType)

type filesystem struct {
	sb    *vfs.SuperBlock
	pages vfs.PageAllocator
}

// New builds an in-memory superblock with an empty root directory.
func New(pages vfs.PageAllocator, flags vfs.MountFlags) *vfs.SuperBlock {
	sb := vfs.NewSuperBlock(FSType, flags)
	fs := &filesystem{sb: sb, pages: pages}
	sb.SetPrivate(fs)
	sb.SetRoot(fs.newInode(vfs.TypeDirectory))
	return sb
}

func (fs *filesystem) newInode(typ vfs.ObjectType) *vfs.Inode {
	var (
		ops vfs.InodeOperations
		n   *node
	)
	switch typ {
	case vfs.TypeDirectory:
		d := &dir{}
		n, ops = &d.node, d
		n.mode = 0o755
		n.nlink.Store(2)
	case vfs.TypeRegular:
		f := &file{pages: make(map[uint64]*vfs.Page)}
		n, ops = &f.node, f
		n.mode = 0o644
		n.nlink.Store(1)
	default:
		s := &special{}
		n, ops = &s.node, s
		n.mode = 0o644
		n.nlink.Store(1)
	}
	now := time.Now()
	n.fs, n.ino, n.typ = fs, fs.sb.NextIno(), typ
	n.atime, n.mtime, n.ctime = now, now, now
	return vfs.NewInode(fs.sb, n.ino, typ, ops)
}

// node carries the attributes shared by every memfs inode.
type node struct {
	fs    *filesystem
	ino   uint64
	typ   vfs.ObjectType
	mode  uint32
	nlink atomic.Uint64

	atime, mtime, ctime time.Time
}

func (n *node) metadata(size int64) vfs.Metadata {
	return vfs.Metadata{
		Ino:     n.ino,
		Type:    n.typ,
		Size:    size,
		Mode:    n.mode,
		Nlink:   n.nlink.Load(),
		Blksize: vfs.PageSize,
		Atime:   n.atime,
		Mtime:   n.mtime,
		Ctime:   n.ctime,
	}
}

func (n *node) RawData() ([]byte, error) {
	return nil, vfs.ErrNotSupported
}

// file is a regular file: a logical size plus the pages touched so far.
type file struct {
	node
	size  int64
	pages map[uint64]*vfs.Page
}

func (f *file) ReadPage(ctx context.Context, n uint64) (*vfs.Page, error) {
	if p, ok := f.pages[n]; ok {
		return p, nil
	}
	p, err := f.fs.pages.AllocPage(ctx)
	if err != nil {
		return nil, err
	}
	clear(p[:])
	f.pages[n] = p
	logger.Debug("page materialized", "ino", f.ino, "page", n)
	return p, nil
}

func (f *file) ReadDirectory(int64, []byte) (int, int64, error) {
	return 0, 0, vfs.ErrNotDir
}

func (f *file) Lookup(*vfs.PathNode, string) (*vfs.PathNode, error) {
	return nil, vfs.ErrNotDir
}

func (f *file) Metadata() vfs.Metadata {
	m := f.metadata(f.size)
	m.Blocks = int64(len(f.pages)) * (vfs.PageSize / 512)
	return m
}

func (f *file) CreateNode(*vfs.PathNode, string, vfs.ObjectType) (*vfs.PathNode, error) {
	return nil, vfs.ErrNotSupported
}

// Truncate only moves the logical size; materialized pages stay as they are.
func (f *file) Truncate(size int64) error {
	f.size = size
	f.mtime = time.Now()
	return nil
}

func (f *file) Release() {
	for n, p := range f.pages {
		f.fs.pages.FreePage(p)
		delete(f.pages, n)
	}
}

// special covers fifos, sockets and other data-less objects.
type special struct {
	node
}

func (s *special) ReadPage(context.Context, uint64) (*vfs.Page, error) {
	return nil, vfs.ErrNotSupported
}

func (s *special) ReadDirectory(int64, []byte) (int, int64, error) {
	return 0, 0, vfs.ErrNotDir
}

func (s *special) Lookup(*vfs.PathNode, string) (*vfs.PathNode, error) {
	return nil, vfs.ErrNotDir
}

func (s *special) Metadata() vfs.Metadata {
	return s.metadata(0)
}

func (s *special) CreateNode(*vfs.PathNode, string, vfs.ObjectType) (*vfs.PathNode, error) {
	return nil, vfs.ErrNotSupported
}

func (s *special) Truncate(int64) error {
	return vfs.ErrNotSupported
}
