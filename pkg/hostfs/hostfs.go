//go:build linux

// Package hostfs maps a host directory into the tree. Names, metadata and
// file contents are read from and written to the host on every call.
package hostfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

const FSType = "hostfs"

var logger = logging.For(FSType)

type fileID struct {
	dev, ino uint64
}

// FS is one exported host directory.
type FS struct {
	root string
	sb   *vfs.SuperBlock

	// Every host inode seen keeps one *vfs.Inode so hard links stay shared.
	// mu also guards node.path.
	mu     sync.Mutex
	inodes map[fileID]*vfs.Inode
}

func New(root string, flags vfs.MountFlags) (*FS, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Stat(root, &st); err != nil {
		return nil, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, vfs.ErrNotDir
	}
	fs := &FS{root: root, sb: vfs.NewSuperBlock(FSType, flags), inodes: make(map[fileID]*vfs.Inode)}
	fs.sb.SetPrivate(fs)
	fs.sb.SetRoot(fs.inode(root, &st))
	logger.Info("exporting host directory", "root", root, "readonly", fs.sb.ReadOnly())
	return fs, nil
}

func (fs *FS) SuperBlock() *vfs.SuperBlock {
	return fs.sb
}

func objectType(mode uint32) vfs.ObjectType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return vfs.TypeRegular
	case unix.S_IFDIR:
		return vfs.TypeDirectory
	case unix.S_IFCHR:
		return vfs.TypeCharDevice
	case unix.S_IFBLK:
		return vfs.TypeBlockDevice
	case unix.S_IFIFO:
		return vfs.TypeFIFO
	case unix.S_IFSOCK:
		return vfs.TypeSocket
	case unix.S_IFLNK:
		return vfs.TypeSymlink
	}
	return vfs.TypeUnknown
}

func (fs *FS) inode(path string, st *unix.Stat_t) *vfs.Inode {
	id := fileID{uint64(st.Dev), uint64(st.Ino)}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino, ok := fs.inodes[id]; ok {
		// The name it was first seen under may since have been unlinked.
		ino.Ops().(*node).path = path
		return ino
	}
	n := &node{fs: fs, path: path, id: id, typ: objectType(st.Mode)}
	ino := vfs.NewInode(fs.sb, fs.sb.NextIno(), n.typ, n)
	fs.inodes[id] = ino
	return ino
}

func (fs *FS) forget(id fileID) {
	fs.mu.Lock()
	ino, ok := fs.inodes[id]
	delete(fs.inodes, id)
	fs.mu.Unlock()
	if ok {
		ino.DecRef()
	}
}

type node struct {
	fs   *FS
	path string
	id   fileID
	typ  vfs.ObjectType

	// listing is the snapshot read_directory serves; cursor 0 refreshes it.
	listing []os.DirEntry
}

var (
	_ vfs.InodeOperations = (*node)(nil)
	_ vfs.FileOperations  = (*node)(nil)
	_ vfs.Linker          = (*node)(nil)
	_ vfs.Unlinker        = (*node)(nil)
)

// where returns the host path the node was last reached under.
func (n *node) where() string {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	return n.path
}

// ReadPage is not offered; open files read the host file directly.
func (n *node) ReadPage(context.Context, uint64) (*vfs.Page, error) {
	return nil, vfs.ErrNotSupported
}

func (n *node) ReadDirectory(cursor int64, buf []byte) (int, int64, error) {
	if cursor < 0 {
		return 0, cursor, vfs.ErrInvalid
	}
	if cursor == 0 || n.listing == nil {
		ents, err := os.ReadDir(n.where())
		if err != nil {
			return 0, cursor, unwrapErrno(err)
		}
		n.listing = ents
	}
	if cursor >= int64(len(n.listing)) {
		return 0, int64(len(n.listing)), nil
	}
	e := n.listing[cursor]
	var st unix.Stat_t
	if err := unix.Lstat(filepath.Join(n.where(), e.Name()), &st); err != nil {
		// Vanished since the snapshot; report it with an unknown type.
		st = unix.Stat_t{}
	}
	w, err := vfs.EncodeDirent(buf, vfs.Dirent{
		Ino:  uint32(st.Ino),
		Next: cursor + 1,
		Type: objectType(st.Mode),
		Name: e.Name(),
	})
	if err != nil {
		return 0, cursor, err
	}
	return w, cursor + 1, nil
}

func unwrapErrno(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err
	}
	return err
}

func (n *node) Lookup(parent *vfs.PathNode, name string) (*vfs.PathNode, error) {
	p := filepath.Join(n.where(), name)
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return nil, err
	}
	return vfs.NewPathNode(name, parent, n.fs.inode(p, &st)), nil
}

func (n *node) Metadata() vfs.Metadata {
	p := n.where()
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		logger.Debug("lstat failed", "path", p, "err", err)
		return vfs.Metadata{Ino: n.id.ino}
	}
	return vfs.Metadata{
		Ino:     uint64(st.Ino),
		Type:    objectType(st.Mode),
		Size:    st.Size,
		Mode:    st.Mode &^ unix.S_IFMT,
		Nlink:   uint64(st.Nlink),
		Uid:     st.Uid,
		Gid:     st.Gid,
		Rdev:    uint64(st.Rdev),
		Blksize: int64(st.Blksize),
		Blocks:  st.Blocks,
		Atime:   time.Unix(st.Atim.Unix()),
		Mtime:   time.Unix(st.Mtim.Unix()),
		Ctime:   time.Unix(st.Ctim.Unix()),
	}
}

func (n *node) CreateNode(parent *vfs.PathNode, name string, typ vfs.ObjectType) (*vfs.PathNode, error) {
	if n.typ != vfs.TypeDirectory {
		return nil, vfs.ErrNotSupported
	}
	p := filepath.Join(n.where(), name)
	switch typ {
	case vfs.TypeRegular:
		fd, err := unix.Open(p, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY|unix.O_CLOEXEC, 0o644)
		if err != nil {
			return nil, err
		}
		unix.Close(fd)
	case vfs.TypeDirectory:
		if err := unix.Mkdir(p, 0o755); err != nil {
			return nil, err
		}
	case vfs.TypeFIFO:
		if err := unix.Mkfifo(p, 0o644); err != nil {
			return nil, err
		}
	default:
		return nil, vfs.ErrNotSupported
	}
	return n.Lookup(parent, name)
}

func (n *node) Truncate(size int64) error {
	p := n.where()
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return vfs.ErrNotSupported
	}
	return unix.Truncate(p, size)
}

func (n *node) RawData() ([]byte, error) {
	return nil, vfs.ErrNotSupported
}

func (n *node) Link(name string, target *vfs.Inode) error {
	t, ok := target.Ops().(*node)
	if !ok {
		return vfs.ErrCrossDevice
	}
	return unix.Link(t.where(), filepath.Join(n.where(), name))
}

func (n *node) Unlink(name string) error {
	p := filepath.Join(n.where(), name)
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return err
	}
	var err error
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		err = unix.Rmdir(p)
	} else {
		err = unix.Unlink(p)
	}
	if err != nil {
		return err
	}
	if st.Nlink <= 1 || st.Mode&unix.S_IFMT == unix.S_IFDIR {
		n.fs.forget(fileID{uint64(st.Dev), uint64(st.Ino)})
	}
	return nil
}

// Open keeps a host descriptor in f.Private for regular files.
func (n *node) Open(f *vfs.File) error {
	if f.Inode().Type() != vfs.TypeRegular {
		return nil
	}
	flags := unix.O_CLOEXEC | unix.O_NOFOLLOW
	switch {
	case f.Flags()&vfs.O_RDWR != 0:
		flags |= unix.O_RDWR
	case f.Flags()&vfs.O_WRONLY != 0:
		flags |= unix.O_WRONLY
	default:
		flags |= unix.O_RDONLY
	}
	fd, err := unix.Open(n.where(), flags, 0)
	if err != nil {
		return err
	}
	f.Private = fd
	return nil
}

func (n *node) Close(f *vfs.File) error {
	if fd, ok := f.Private.(int); ok {
		return unix.Close(fd)
	}
	return nil
}

func (n *node) Read(f *vfs.File, buf []byte, off int64) (int, error) {
	fd, ok := f.Private.(int)
	if !ok {
		if f.Inode().Type().IsDir() {
			return 0, vfs.ErrIsDir
		}
		return 0, vfs.ErrInvalid
	}
	r, err := unix.Pread(fd, buf, off)
	if err != nil {
		return 0, err
	}
	if r == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return r, nil
}

func (n *node) Write(f *vfs.File, buf []byte, off int64) (int, error) {
	fd, ok := f.Private.(int)
	if !ok {
		return 0, vfs.ErrInvalid
	}
	return unix.Pwrite(fd, buf, off)
}
