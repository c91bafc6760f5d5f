//go:build linux

// Package fusefs exports a booted tree to the host through FUSE.
package fusefs

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

var logger = logging.For("fusefs")

// attrValid bounds how long the host kernel caches attributes. Backends
// change underneath it, so keep it short.
const attrValid = time.Second

type FS struct {
	ctx *vfs.Context
	uid uint32
	gid uint32
}

var _ fs.FS = (*FS)(nil)

func New(ctx *vfs.Context) *FS {
	return &FS{ctx: ctx, uid: uint32(os.Getuid()), gid: uint32(os.Getgid())}
}

func (f *FS) Root() (fs.Node, error) {
	root := f.ctx.Root()
	root.IncRef()
	return &Node{fs: f, pn: root}, nil
}

// Serve mounts the tree at mountpoint and serves it until ctx is done or the
// host unmounts it.
func Serve(ctx context.Context, vctx *vfs.Context, mountpoint string) error {
	c, err := fuse.Mount(mountpoint,
		fuse.FSName("kvfs"),
		fuse.Subtype("kvfs"),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("unmounting", "mountpoint", mountpoint)
			if err := fuse.Unmount(mountpoint); err != nil {
				logger.Error("unmount failed", "mountpoint", mountpoint, "err", err)
			}
		case <-stop:
		}
	}()

	logger.Info("serving", "mountpoint", mountpoint)
	return fs.Serve(c, New(vctx))
}

// toFuse maps a tree error to the errno the host sees.
func toFuse(err error) error {
	if err == nil {
		return nil
	}
	return fuse.Errno(vfs.Errno(err))
}

func direntType(t vfs.ObjectType) fuse.DirentType {
	switch t {
	case vfs.TypeRegular:
		return fuse.DT_File
	case vfs.TypeDirectory:
		return fuse.DT_Dir
	case vfs.TypeCharDevice:
		return fuse.DT_Char
	case vfs.TypeBlockDevice:
		return fuse.DT_Block
	case vfs.TypeFIFO:
		return fuse.DT_FIFO
	case vfs.TypeSocket:
		return fuse.DT_Socket
	case vfs.TypeSymlink:
		return fuse.DT_Link
	}
	return fuse.DT_Unknown
}

// Node is one resolved path. It holds a reference on its path node until
// the host forgets it.
type Node struct {
	fs *FS
	pn *vfs.PathNode
}

var (
	_ fs.Node               = (*Node)(nil)
	_ fs.NodeStringLookuper = (*Node)(nil)
	_ fs.HandleReadDirAller = (*Node)(nil)
	_ fs.NodeMkdirer        = (*Node)(nil)
	_ fs.NodeCreater        = (*Node)(nil)
	_ fs.NodeRemover        = (*Node)(nil)
	_ fs.NodeLinker         = (*Node)(nil)
	_ fs.NodeSetattrer      = (*Node)(nil)
	_ fs.NodeOpener         = (*Node)(nil)
	_ fs.NodeReadlinker     = (*Node)(nil)
	_ fs.NodeForgetter      = (*Node)(nil)
)

func (n *Node) child(pn *vfs.PathNode) *Node {
	return &Node{fs: n.fs, pn: pn}
}

func (n *Node) Attr(_ context.Context, a *fuse.Attr) error {
	md := n.pn.Effective().Metadata()
	a.Valid = attrValid
	a.Inode = md.Ino
	a.Size = uint64(md.Size)
	a.Blocks = uint64(md.Blocks)
	a.Atime = md.Atime
	a.Mtime = md.Mtime
	a.Ctime = md.Ctime
	a.Mode = md.FileMode()
	a.Nlink = uint32(md.Nlink)
	a.Uid = n.fs.uid
	a.Gid = n.fs.gid
	a.Rdev = uint32(md.Rdev)
	a.BlockSize = vfs.PageSize
	return nil
}

func (n *Node) Lookup(_ context.Context, name string) (fs.Node, error) {
	pn, err := n.fs.ctx.Resolve(n.pn, name)
	if err != nil {
		return nil, toFuse(err)
	}
	return n.child(pn), nil
}

func (n *Node) ReadDirAll(context.Context) ([]fuse.Dirent, error) {
	ents, err := n.fs.ctx.ReadDirAll(n.pn, ".")
	if err != nil {
		return nil, toFuse(err)
	}
	out := make([]fuse.Dirent, 0, len(ents))
	for _, e := range ents {
		out = append(out, fuse.Dirent{Inode: uint64(e.Ino), Type: direntType(e.Type), Name: e.Name})
	}
	return out, nil
}

func (n *Node) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	pn, err := n.fs.ctx.Create(n.pn, req.Name, vfs.TypeDirectory)
	if err != nil {
		return nil, toFuse(err)
	}
	logger.Debug("mkdir", "path", pn.Path())
	return n.child(pn), nil
}

func (n *Node) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	f, err := n.fs.ctx.Open(n.pn, req.Name, vfs.OpenFlags(req.Flags)|vfs.O_CREAT)
	if err != nil {
		return nil, nil, toFuse(err)
	}
	pn := f.Node()
	pn.IncRef()
	resp.Flags |= fuse.OpenDirectIO
	return n.child(pn), &Handle{f: f}, nil
}

func (n *Node) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	md, err := n.fs.ctx.Stat(n.pn, req.Name)
	if err != nil {
		return toFuse(err)
	}
	switch {
	case req.Dir && !md.IsDir():
		return fuse.Errno(vfs.Errno(vfs.ErrNotDir))
	case !req.Dir && md.IsDir():
		return fuse.Errno(vfs.Errno(vfs.ErrIsDir))
	}
	return toFuse(n.fs.ctx.Unlink(n.pn, req.Name))
}

func (n *Node) Link(_ context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	target, ok := old.(*Node)
	if !ok {
		return nil, fuse.Errno(vfs.Errno(vfs.ErrCrossDevice))
	}
	if err := n.fs.ctx.LinkAt(target.pn, ".", n.pn, req.NewName); err != nil {
		return nil, toFuse(err)
	}
	return n.Lookup(context.Background(), req.NewName)
}

func (n *Node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := n.fs.ctx.Truncate(n.pn, ".", int64(req.Size)); err != nil {
			return toFuse(err)
		}
	}
	return n.Attr(ctx, &resp.Attr)
}

// Readlink returns a symlink's target, which backends store as file data.
func (n *Node) Readlink(ctx context.Context, _ *fuse.ReadlinkRequest) (string, error) {
	ino := n.pn.Effective()
	if ino.Type() != vfs.TypeSymlink {
		return "", fuse.Errno(vfs.Errno(vfs.ErrInvalid))
	}
	size := ino.Metadata().Size
	buf := make([]byte, 0, size)
	for pg := uint64(0); int64(len(buf)) < size; pg++ {
		p, err := ino.ReadPage(ctx, pg)
		if err != nil {
			return "", toFuse(err)
		}
		buf = append(buf, p[:min(int64(vfs.PageSize), size-int64(len(buf)))]...)
	}
	return string(buf), nil
}

func (n *Node) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if req.Dir {
		return n, nil
	}
	f, err := vfs.OpenNode(n.pn, vfs.OpenFlags(req.Flags)&^(vfs.O_CREAT|vfs.O_EXCL))
	if err != nil {
		return nil, toFuse(err)
	}
	resp.Flags |= fuse.OpenDirectIO
	return &Handle{f: f}, nil
}

func (n *Node) Forget() {
	n.pn.DecRef()
}

// Handle is an open file.
type Handle struct {
	f *vfs.File
}

var (
	_ fs.HandleReader   = (*Handle)(nil)
	_ fs.HandleWriter   = (*Handle)(nil)
	_ fs.HandleReleaser = (*Handle)(nil)
)

func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.f.ReadAtContext(ctx, buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return toFuse(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.f.WriteAtContext(ctx, req.Data, req.Offset)
	resp.Size = n
	if n == 0 {
		return toFuse(err)
	}
	return nil
}

func (h *Handle) Release(context.Context, *fuse.ReleaseRequest) error {
	return toFuse(h.f.Close())
}
