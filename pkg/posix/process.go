// Package posix exposes a booted filesystem context through file-descriptor
// based calls shaped like their system-call counterparts. Every error is a
// bare unix.Errno.
package posix

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

const (
	AT_FDCWD     = -100
	AT_REMOVEDIR = 0x200

	DefaultFDLimit = 1024
)

var logger = logging.For("posix")

// Process is the per-process view: a working directory and a descriptor
// table over a shared Context.
type Process struct {
	ctx *vfs.Context
	fds *FDTable

	mu  sync.Mutex
	cwd *vfs.PathNode
}

func NewProcess(ctx *vfs.Context) *Process {
	root := ctx.Root()
	root.IncRef()
	return &Process{ctx: ctx, fds: NewFDTable(DefaultFDLimit), cwd: root}
}

// Exit closes every descriptor and drops the working directory.
func (p *Process) Exit() {
	p.fds.CloseAll()
	p.mu.Lock()
	p.cwd.DecRef()
	p.cwd = nil
	p.mu.Unlock()
}

func (p *Process) FDs() *FDTable {
	return p.fds
}

func errno(err error) error {
	if err == nil {
		return nil
	}
	return vfs.Errno(err)
}

// base returns the node relative paths start from for dirfd, with a
// reference the caller drops.
func (p *Process) base(dirfd int, path string) (*vfs.PathNode, error) {
	if len(path) > 0 && path[0] == '/' {
		return nil, nil
	}
	if dirfd == AT_FDCWD {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.cwd.IncRef()
		return p.cwd, nil
	}
	f, err := p.fds.Get(dirfd)
	if err != nil {
		return nil, err
	}
	if !f.Inode().Type().IsDir() {
		return nil, unix.ENOTDIR
	}
	n := f.Node()
	n.IncRef()
	return n, nil
}

func drop(n *vfs.PathNode) {
	if n != nil {
		n.DecRef()
	}
}

func (p *Process) Open(path string, flags int) (int, error) {
	return p.Openat(AT_FDCWD, path, flags)
}

func (p *Process) Openat(dirfd int, path string, flags int) (int, error) {
	base, err := p.base(dirfd, path)
	if err != nil {
		return -1, err
	}
	defer drop(base)
	f, err := p.ctx.Open(base, path, vfs.OpenFlags(flags))
	if err != nil {
		logger.Debug("open failed", "path", path, "flags", flags, "err", err)
		return -1, errno(err)
	}
	fd, err := p.fds.Install(f)
	if err != nil {
		return -1, err
	}
	logger.Debug("open", "path", path, "fd", fd)
	return fd, nil
}

func (p *Process) Close(fd int) error {
	return errno(p.fds.Close(fd))
}

// eof maps the end-of-file condition to a zero-length read.
func eof(n int, err error) (int, error) {
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, errno(err)
}

func (p *Process) Read(fd int, buf []byte) (int, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	return eof(f.Read(buf))
}

func (p *Process) Pread(fd int, buf []byte, off int64) (int, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	return eof(f.ReadAt(buf, off))
}

func (p *Process) Write(fd int, buf []byte) (int, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	n, err := f.Write(buf)
	return n, errno(err)
}

func (p *Process) Pwrite(fd int, buf []byte, off int64) (int, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	n, err := f.WriteAt(buf, off)
	return n, errno(err)
}

func (p *Process) Lseek(fd int, off int64, whence int) (int64, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	pos, err := f.Seek(off, whence)
	return pos, errno(err)
}

// Getdents fills buf with Directory Entry Records and returns the bytes
// used, or 0 at the end of the directory.
func (p *Process) Getdents(fd int, buf []byte) (int, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	n, err := f.ReadDirectory(buf)
	return n, errno(err)
}

func (p *Process) Ftruncate(fd int, size int64) error {
	f, err := p.fds.Get(fd)
	if err != nil {
		return err
	}
	return errno(f.Truncate(size))
}

func (p *Process) Truncate(path string, size int64) error {
	base, err := p.base(AT_FDCWD, path)
	if err != nil {
		return err
	}
	defer drop(base)
	return errno(p.ctx.Truncate(base, path, size))
}

func (p *Process) Fstat(fd int) (vfs.Metadata, error) {
	f, err := p.fds.Get(fd)
	if err != nil {
		return vfs.Metadata{}, err
	}
	m, err := f.Stat()
	return m, errno(err)
}

func (p *Process) Stat(path string) (vfs.Metadata, error) {
	return p.Fstatat(AT_FDCWD, path)
}

func (p *Process) Fstatat(dirfd int, path string) (vfs.Metadata, error) {
	base, err := p.base(dirfd, path)
	if err != nil {
		return vfs.Metadata{}, err
	}
	defer drop(base)
	m, err := p.ctx.Stat(base, path)
	return m, errno(err)
}

func (p *Process) Mkdir(path string) error {
	return p.Mkdirat(AT_FDCWD, path)
}

func (p *Process) Mkdirat(dirfd int, path string) error {
	base, err := p.base(dirfd, path)
	if err != nil {
		return err
	}
	defer drop(base)
	return errno(p.ctx.Mkdir(base, path))
}

// Unlinkat removes a name. With AT_REMOVEDIR the target must be a directory;
// without it, it must not be.
func (p *Process) Unlinkat(dirfd int, path string, flags int) error {
	if flags&^AT_REMOVEDIR != 0 {
		return unix.EINVAL
	}
	base, err := p.base(dirfd, path)
	if err != nil {
		return err
	}
	defer drop(base)
	m, err := p.ctx.Stat(base, path)
	if err != nil {
		return errno(err)
	}
	switch {
	case flags&AT_REMOVEDIR != 0 && !m.IsDir():
		return unix.ENOTDIR
	case flags&AT_REMOVEDIR == 0 && m.IsDir():
		return unix.EISDIR
	}
	return errno(p.ctx.Unlink(base, path))
}

func (p *Process) Unlink(path string) error {
	return p.Unlinkat(AT_FDCWD, path, 0)
}

func (p *Process) Rmdir(path string) error {
	return p.Unlinkat(AT_FDCWD, path, AT_REMOVEDIR)
}

func (p *Process) Linkat(olddirfd int, oldpath string, newdirfd int, newpath string) error {
	oldBase, err := p.base(olddirfd, oldpath)
	if err != nil {
		return err
	}
	defer drop(oldBase)
	newBase, err := p.base(newdirfd, newpath)
	if err != nil {
		return err
	}
	defer drop(newBase)
	return errno(p.ctx.LinkAt(oldBase, oldpath, newBase, newpath))
}

func (p *Process) Link(oldpath, newpath string) error {
	return p.Linkat(AT_FDCWD, oldpath, AT_FDCWD, newpath)
}

func (p *Process) Chdir(path string) error {
	base, err := p.base(AT_FDCWD, path)
	if err != nil {
		return err
	}
	defer drop(base)
	n, err := p.ctx.Resolve(base, path)
	if err != nil {
		return errno(err)
	}
	return p.setCwd(n)
}

func (p *Process) Fchdir(fd int) error {
	f, err := p.fds.Get(fd)
	if err != nil {
		return err
	}
	n := f.Node()
	n.IncRef()
	return p.setCwd(n)
}

// setCwd takes ownership of n.
func (p *Process) setCwd(n *vfs.PathNode) error {
	if !n.Effective().Type().IsDir() {
		n.DecRef()
		return unix.ENOTDIR
	}
	p.mu.Lock()
	old := p.cwd
	p.cwd = n
	p.mu.Unlock()
	old.DecRef()
	return nil
}

func (p *Process) Getcwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd.Path()
}

func (p *Process) Dup(fd int) (int, error) {
	return p.fds.Dup(fd)
}

func (p *Process) Dup2(oldfd, newfd int) (int, error) {
	return p.fds.Dup2(oldfd, newfd)
}
