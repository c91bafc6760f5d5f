// Package overlay unions a read-only lower directory with a writable upper
// superblock. Reads fall through to the lower layer; the first write to a
// lower object copies it up, and deleting a lower name leaves a whiteout in
// the upper layer.
package overlay

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"

	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

const FSType = "overlay"

var logger = logging.For(FSType)

type Config struct {
	// Lower is the directory shown beneath the upper layer. It is never
	// written and must not change while the overlay is mounted.
	Lower *vfs.Inode
	// Upper receives every modification.
	Upper         *vfs.SuperBlock
	WhiteoutStyle WhiteoutStyle
}

type FS struct {
	sb    *vfs.SuperBlock
	style WhiteoutStyle

	// mu guards the layer fields of every node and the name cache. It is
	// never held while calling into an overlay inode.
	mu    sync.Mutex
	nodes map[string]*vfs.Inode
}

func New(cfg Config) (*FS, error) {
	if !cfg.Lower.Effective().Type().IsDir() {
		return nil, vfs.ErrNotDir
	}
	if cfg.Upper.ReadOnly() {
		return nil, vfs.ErrInvalid
	}
	fs := &FS{
		sb:    vfs.NewSuperBlock(FSType, 0),
		style: cfg.WhiteoutStyle,
		nodes: make(map[string]*vfs.Inode),
	}
	lower, upper := cfg.Lower.Effective(), cfg.Upper.Root()
	lower.IncRef()
	upper.IncRef()
	root := &node{fs: fs, path: "/", typ: vfs.TypeDirectory, upper: upper, lower: lower}
	fs.sb.SetPrivate(fs)
	fs.sb.SetRoot(fs.newInode(root))
	logger.Info("overlay ready", "lower", lower.SuperBlock().FSType(), "upper", cfg.Upper.FSType())
	return fs, nil
}

func (fs *FS) SuperBlock() *vfs.SuperBlock {
	return fs.sb
}

func (fs *FS) newInode(n *node) *vfs.Inode {
	n.ino = fs.sb.NextIno()
	n.self = vfs.NewInode(fs.sb, n.ino, n.typ, n)
	return n.self
}

// node is one merged object. Either layer may be absent; a directory present
// in both shows the union of their entries.
type node struct {
	fs     *FS
	ino    uint64
	typ    vfs.ObjectType
	path   string
	self   *vfs.Inode
	parent *vfs.Inode

	upper, lower *vfs.Inode

	listing []string
}

var (
	_ vfs.InodeOperations = (*node)(nil)
	_ vfs.FileOperations  = (*node)(nil)
	_ vfs.Linker          = (*node)(nil)
	_ vfs.Unlinker        = (*node)(nil)
	_ vfs.Releaser        = (*node)(nil)
)

func (n *node) name() string {
	return path.Base(n.path)
}

func (n *node) parentNode() *node {
	return n.parent.Ops().(*node)
}

// layer returns the layer the object's data currently comes from.
func (n *node) layer() *vfs.Inode {
	if n.upper != nil {
		return n.upper
	}
	return n.lower
}

// child returns the cached inode for name in d, building it from the layers
// on first use. The cache owns the inode's reference. fs.mu is held.
func (fs *FS) child(d *node, name string) (*vfs.Inode, error) {
	p := path.Join(d.path, name)
	if ino, ok := fs.nodes[p]; ok {
		return ino, nil
	}
	if isWhiteoutName(name) {
		return nil, vfs.ErrNotExist
	}
	var upper, lower *vfs.Inode
	if d.upper != nil {
		if whitedOut(d.upper, name) {
			return nil, vfs.ErrNotExist
		}
		var err error
		if upper, err = lookupIn(d.upper, name); err != nil {
			return nil, err
		}
	}
	if d.lower != nil && !isOpaque(d.upper) && (upper == nil || upper.Type().IsDir()) {
		var err error
		if lower, err = lookupIn(d.lower, name); err != nil {
			if upper != nil {
				upper.DecRef()
			}
			return nil, err
		}
		// The overlay itself is mounted somewhere in the lower tree; do not
		// show it inside itself.
		if lower != nil && lower.SuperBlock() == fs.sb {
			lower.DecRef()
			lower = nil
		}
		if lower != nil && (isCharWhiteout(lower) || upper != nil && !lower.Type().IsDir()) {
			lower.DecRef()
			lower = nil
		}
	}
	if upper == nil && lower == nil {
		return nil, vfs.ErrNotExist
	}
	c := &node{fs: fs, path: p, upper: upper, lower: lower}
	c.typ = c.layer().Type()
	ino := fs.newInode(c)
	c.parent = d.self
	c.parent.IncRef()
	fs.nodes[p] = ino
	logger.Debug("node built", "path", p, "upper", upper != nil, "lower", lower != nil)
	return ino, nil
}

// forget drops cached names at and below p. fs.mu is held.
func (fs *FS) forget(p string) {
	for k, ino := range fs.nodes {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(fs.nodes, k)
			ino.DecRef()
		}
	}
}

// copyUp gives n an upper object, creating its parents first. Regular files
// carry their data along. fs.mu is held.
func (fs *FS) copyUp(n *node) error {
	if n.upper != nil {
		return nil
	}
	parent := n.parentNode()
	if err := fs.copyUp(parent); err != nil {
		return err
	}
	switch n.typ {
	case vfs.TypeDirectory, vfs.TypeRegular:
	default:
		return vfs.ErrNotSupported
	}
	up, err := createIn(parent.upper, n.name(), n.typ)
	if err != nil {
		return err
	}
	if n.typ == vfs.TypeRegular {
		if err := copyData(up, n.lower); err != nil {
			parent.upper.Unlink(n.name())
			up.DecRef()
			return err
		}
	}
	n.upper = up
	logger.Debug("copied up", "path", n.path, "type", n.typ)
	return nil
}

func copyData(dst, src *vfs.Inode) error {
	size := src.Metadata().Size
	pn := vfs.NewPathNode("", nil, dst)
	defer pn.DecRef()
	f, err := vfs.OpenNode(pn, vfs.O_WRONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	ctx := context.Background()
	for off := int64(0); off < size; off += vfs.PageSize {
		p, err := src.ReadPage(ctx, uint64(off/vfs.PageSize))
		if err != nil {
			return err
		}
		if _, err := f.WriteAtContext(ctx, p[:min(vfs.PageSize, size-off)], off); err != nil {
			return err
		}
	}
	return nil
}

// merged lists the visible names of directory d. fs.mu is held.
func (fs *FS) merged(d *node) ([]string, error) {
	m := newDirMerger()
	if d.upper != nil {
		if err := m.addLayer(d.upper); err != nil {
			return nil, err
		}
	}
	if d.lower != nil && !isOpaque(d.upper) {
		if err := m.addLayer(d.lower); err != nil {
			return nil, err
		}
	}
	return m.sorted(), nil
}

func (n *node) ReadPage(ctx context.Context, pg uint64) (*vfs.Page, error) {
	if n.typ == vfs.TypeDirectory {
		return nil, vfs.ErrIsDir
	}
	n.fs.mu.Lock()
	src := n.layer()
	n.fs.mu.Unlock()
	return src.ReadPage(ctx, pg)
}

// ReadDirectory serves a sorted snapshot of the merged names taken when the
// cursor is 0.
func (n *node) ReadDirectory(cursor int64, buf []byte) (int, int64, error) {
	if n.typ != vfs.TypeDirectory {
		return 0, cursor, vfs.ErrNotDir
	}
	if cursor < 0 {
		return 0, cursor, vfs.ErrInvalid
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if cursor == 0 || n.listing == nil {
		names, err := n.fs.merged(n)
		if err != nil {
			return 0, cursor, err
		}
		n.listing = names
	}
	var (
		name string
		c    *vfs.Inode
	)
	for ; cursor < int64(len(n.listing)); cursor++ {
		var err error
		name = n.listing[cursor]
		if c, err = n.fs.child(n, name); err == nil {
			break
		}
		if !errors.Is(err, vfs.ErrNotExist) {
			return 0, cursor, err
		}
	}
	if cursor >= int64(len(n.listing)) {
		return 0, int64(len(n.listing)), nil
	}
	w, err := vfs.EncodeDirent(buf, vfs.Dirent{Ino: uint32(c.Ino()), Next: cursor + 1, Type: c.Type(), Name: name})
	if err != nil {
		return 0, cursor, err
	}
	return w, cursor + 1, nil
}

func (n *node) Lookup(parent *vfs.PathNode, name string) (*vfs.PathNode, error) {
	if n.typ != vfs.TypeDirectory {
		return nil, vfs.ErrNotDir
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	c, err := n.fs.child(n, name)
	if err != nil {
		return nil, err
	}
	return vfs.NewPathNode(name, parent, c), nil
}

func (n *node) Metadata() vfs.Metadata {
	n.fs.mu.Lock()
	src := n.layer()
	n.fs.mu.Unlock()
	md := src.Metadata()
	md.Ino = n.ino
	return md
}

func (n *node) CreateNode(parent *vfs.PathNode, name string, typ vfs.ObjectType) (*vfs.PathNode, error) {
	if n.typ != vfs.TypeDirectory {
		return nil, vfs.ErrNotSupported
	}
	if isWhiteoutName(name) || typ == vfs.TypeUnknown {
		return nil, vfs.ErrInvalid
	}
	fs := n.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.child(n, name); err == nil {
		return nil, vfs.ErrExist
	} else if !errors.Is(err, vfs.ErrNotExist) {
		return nil, err
	}
	if err := fs.copyUp(n); err != nil {
		return nil, err
	}
	if err := removeWhiteout(n.upper, name); err != nil {
		return nil, err
	}
	up, err := createIn(n.upper, name, typ)
	if err != nil {
		return nil, err
	}
	// A directory replacing a deleted lower one must not show its old
	// entries again.
	if typ == vfs.TypeDirectory && n.lower != nil && exists(n.lower, name) {
		if err := setOpaque(up); err != nil {
			up.DecRef()
			return nil, err
		}
	}
	up.DecRef()
	c, err := fs.child(n, name)
	if err != nil {
		return nil, err
	}
	return vfs.NewPathNode(name, parent, c), nil
}

func (n *node) Truncate(size int64) error {
	if n.typ != vfs.TypeRegular {
		return vfs.ErrNotSupported
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if err := n.fs.copyUp(n); err != nil {
		return err
	}
	return n.upper.Truncate(size)
}

func (n *node) RawData() ([]byte, error) {
	return nil, vfs.ErrNotSupported
}

func (n *node) Link(name string, target *vfs.Inode) error {
	if isWhiteoutName(name) {
		return vfs.ErrInvalid
	}
	t := target.Ops().(*node)
	if t.typ == vfs.TypeDirectory {
		return vfs.ErrPermission
	}
	fs := n.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.child(n, name); err == nil {
		return vfs.ErrExist
	} else if !errors.Is(err, vfs.ErrNotExist) {
		return err
	}
	if err := fs.copyUp(t); err != nil {
		return err
	}
	if err := fs.copyUp(n); err != nil {
		return err
	}
	if err := removeWhiteout(n.upper, name); err != nil {
		return err
	}
	if err := n.upper.Link(name, t.upper); err != nil {
		return err
	}
	target.IncRef()
	fs.nodes[path.Join(n.path, name)] = target
	return nil
}

// Unlink removes name from the merged view. A name backed by the lower layer
// is replaced by a whiteout.
func (n *node) Unlink(name string) error {
	fs := n.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, err := fs.child(n, name)
	if err != nil {
		return err
	}
	c := ino.Ops().(*node)
	if c.typ == vfs.TypeDirectory {
		names, err := fs.merged(c)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			return vfs.ErrNotEmpty
		}
	}
	if err := fs.copyUp(n); err != nil {
		return err
	}
	if exists(n.upper, name) {
		if c.typ == vfs.TypeDirectory && c.upper != nil {
			// Only whiteouts and the opaque marker are left.
			ents, err := vfs.ReadDirAll(c.upper)
			if err != nil {
				return err
			}
			for _, e := range ents {
				if err := c.upper.Unlink(e.Name); err != nil {
					return err
				}
			}
		}
		if err := n.upper.Unlink(name); err != nil {
			return err
		}
	}
	if n.lower != nil && exists(n.lower, name) {
		if err := createWhiteout(n.upper, name, fs.style); err != nil {
			return err
		}
	}
	fs.forget(path.Join(n.path, name))
	logger.Debug("unlinked", "path", path.Join(n.path, name))
	return nil
}

func (n *node) Release() {
	if n.upper != nil {
		n.upper.DecRef()
	}
	if n.lower != nil {
		n.lower.DecRef()
	}
	if n.parent != nil {
		n.parent.DecRef()
	}
}

// Open binds the file to the layer holding the object, copying it up first
// when the file may write.
func (n *node) Open(f *vfs.File) error {
	if n.typ != vfs.TypeRegular {
		return nil
	}
	n.fs.mu.Lock()
	if f.Flags().IsWrite() {
		if err := n.fs.copyUp(n); err != nil {
			n.fs.mu.Unlock()
			return err
		}
	}
	src := n.layer()
	n.fs.mu.Unlock()

	pn := vfs.NewPathNode(n.name(), nil, src)
	defer pn.DecRef()
	inner, err := vfs.OpenNode(pn, f.Flags()&^(vfs.O_CREAT|vfs.O_EXCL|vfs.O_TRUNC|vfs.O_DIRECTORY))
	if err != nil {
		return err
	}
	f.Private = inner
	return nil
}

func (n *node) Close(f *vfs.File) error {
	if inner, ok := f.Private.(*vfs.File); ok {
		return inner.Close()
	}
	return nil
}

func (n *node) inner(f *vfs.File) (*vfs.File, error) {
	if inner, ok := f.Private.(*vfs.File); ok {
		return inner, nil
	}
	if n.typ == vfs.TypeDirectory {
		return nil, vfs.ErrIsDir
	}
	return nil, vfs.ErrInvalid
}

func (n *node) Read(f *vfs.File, buf []byte, off int64) (int, error) {
	inner, err := n.inner(f)
	if err != nil {
		return 0, err
	}
	return inner.ReadAt(buf, off)
}

func (n *node) Write(f *vfs.File, buf []byte, off int64) (int, error) {
	inner, err := n.inner(f)
	if err != nil {
		return 0, err
	}
	return inner.WriteAt(buf, off)
}
