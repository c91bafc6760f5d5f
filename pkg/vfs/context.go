package vfs

import (
	"errors"
	"strings"
	"sync"

	"kvfs/pkg/logging"
)

var logger = logging.For("vfs")

// Context is the process-wide filesystem state: the boot root and the mount
// table. It is passed explicitly to whoever resolves paths.
type Context struct {
	root *PathNode

	mu     sync.RWMutex
	mounts []*Mount
}

// NewContext boots a tree whose global root is the root of sb.
func NewContext(sb *SuperBlock) *Context {
	if sb.Root() == nil {
		panic("vfs: boot superblock has no root")
	}
	sb.mounted.Store(true)
	return &Context{
		root:   NewPathNode("/", nil, sb.Root()),
		mounts: []*Mount{{SuperBlock: sb}},
	}
}

// Root returns the global root. The caller does not own a reference.
func (c *Context) Root() *PathNode {
	return c.root
}

// Resolve walks path component by component starting at the global root for
// absolute paths and at base (or the root when base is nil) otherwise. The
// caller owns a reference on the returned node.
func (c *Context) Resolve(base *PathNode, path string) (*PathNode, error) {
	n, err := c.resolve(base, path)
	return n, wrap(OpResolve, path, err)
}

func (c *Context) resolve(base *PathNode, path string) (*PathNode, error) {
	if path == "" {
		return nil, ErrInvalid
	}
	cur := base
	if cur == nil || strings.HasPrefix(path, "/") {
		cur = c.root
	}
	cur.IncRef()

	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if !cur.Effective().Type().IsDir() {
				cur.DecRef()
				return nil, ErrNotDir
			}
			if p := cur.Parent(); p != nil {
				p.IncRef()
				cur.DecRef()
				cur = p
			}
			continue
		}
		if len(comp) > MaxNameLen {
			cur.DecRef()
			return nil, ErrNameTooLong
		}
		ino := cur.Inode()
		if !ino.Effective().Type().IsDir() {
			cur.DecRef()
			return nil, ErrNotDir
		}
		next, err := ino.Lookup(cur, comp)
		if err != nil {
			logger.Debug("lookup failed", "dir", cur.Path(), "name", comp, "err", err)
			cur.DecRef()
			return nil, err
		}
		cur.DecRef()
		cur = next
	}
	return cur, nil
}

// Mount covers the directory at path with sb.
func (c *Context) Mount(path string, sb *SuperBlock) (*Mount, error) {
	if sb.Root() == nil {
		return nil, wrap(OpMount, path, ErrInvalid)
	}
	node, err := c.resolve(nil, path)
	if err != nil {
		return nil, wrap(OpMount, path, err)
	}
	target := node.Effective()
	if !target.Type().IsDir() || !sb.Root().Type().IsDir() {
		node.DecRef()
		return nil, wrap(OpMount, path, ErrNotDir)
	}
	if !sb.mounted.CompareAndSwap(false, true) {
		node.DecRef()
		return nil, wrap(OpMount, path, ErrBusy)
	}
	if err := target.setMount(sb); err != nil {
		sb.mounted.Store(false)
		node.DecRef()
		return nil, wrap(OpMount, path, err)
	}

	m := &Mount{Point: node, SuperBlock: sb}
	c.mu.Lock()
	c.mounts = append(c.mounts, m)
	c.mu.Unlock()
	logger.Info("mounted", "fstype", sb.FSType(), "path", node.Path(), "readonly", sb.ReadOnly())
	return m, nil
}

// Mounts lists the mount table, boot filesystem first.
func (c *Context) Mounts() []*Mount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Mount, len(c.mounts))
	copy(out, c.mounts)
	return out
}

// splitLast separates the final component from the directory part.
func splitLast(path string) (dir, name string) {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		if path == "" {
			return "", ""
		}
		return "/", ""
	}
	i := strings.LastIndexByte(trimmed, '/')
	switch {
	case i < 0:
		return ".", trimmed
	case i == 0:
		return "/", trimmed[1:]
	}
	return trimmed[:i], trimmed[i+1:]
}

func validName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return ErrInvalid
	case len(name) > MaxNameLen:
		return ErrNameTooLong
	case strings.ContainsRune(name, 0):
		return ErrInvalid
	}
	return nil
}

func (c *Context) parentOf(base *PathNode, path string) (*PathNode, string, error) {
	dir, name := splitLast(path)
	if err := validName(name); err != nil {
		return nil, "", err
	}
	parent, err := c.resolve(base, dir)
	if err != nil {
		return nil, "", err
	}
	if !parent.Effective().Type().IsDir() {
		parent.DecRef()
		return nil, "", ErrNotDir
	}
	return parent, name, nil
}

// Create makes a new object of type typ at path.
func (c *Context) Create(base *PathNode, path string, typ ObjectType) (*PathNode, error) {
	parent, name, err := c.parentOf(base, path)
	if err != nil {
		return nil, wrap(OpCreate, path, err)
	}
	defer parent.DecRef()
	n, err := parent.Inode().CreateNode(parent, name, typ)
	return n, wrap(OpCreate, path, err)
}

func (c *Context) Mkdir(base *PathNode, path string) error {
	n, err := c.Create(base, path, TypeDirectory)
	if err != nil {
		return err
	}
	n.DecRef()
	return nil
}

// MkdirAll creates path and any missing parents.
func (c *Context) MkdirAll(base *PathNode, path string) error {
	cur := base
	if cur == nil || strings.HasPrefix(path, "/") {
		cur = c.root
	}
	cur.IncRef()
	defer func() { cur.DecRef() }()

	for _, comp := range strings.Split(path, "/") {
		if comp == "" || comp == "." {
			continue
		}
		next, err := c.resolve(cur, comp)
		if errors.Is(err, ErrNotExist) {
			next, err = cur.Inode().CreateNode(cur, comp, TypeDirectory)
		}
		if err != nil {
			return wrap(OpMkdir, path, err)
		}
		cur.DecRef()
		cur = next
		if !cur.Effective().Type().IsDir() {
			return wrap(OpMkdir, path, ErrNotDir)
		}
	}
	return nil
}

// Link gives the object at oldpath the additional name newpath.
func (c *Context) Link(base *PathNode, oldpath, newpath string) error {
	return c.LinkAt(base, oldpath, base, newpath)
}

// LinkAt is Link with each path resolved against its own base.
func (c *Context) LinkAt(oldBase *PathNode, oldpath string, newBase *PathNode, newpath string) error {
	old, err := c.resolve(oldBase, oldpath)
	if err != nil {
		return wrap(OpLink, oldpath, err)
	}
	defer old.DecRef()
	if old.Inode().Type().IsDir() {
		return wrap(OpLink, oldpath, ErrPermission)
	}
	parent, name, err := c.parentOf(newBase, newpath)
	if err != nil {
		return wrap(OpLink, newpath, err)
	}
	defer parent.DecRef()
	return wrap(OpLink, newpath, parent.Inode().Link(name, old.Inode()))
}

// Unlink removes the name at path. Mount points cannot be unlinked.
func (c *Context) Unlink(base *PathNode, path string) error {
	parent, name, err := c.parentOf(base, path)
	if err != nil {
		return wrap(OpUnlink, path, err)
	}
	defer parent.DecRef()
	child, err := parent.Inode().Lookup(parent, name)
	if err != nil {
		return wrap(OpUnlink, path, err)
	}
	busy := child.Inode().Mounted() != nil
	child.DecRef()
	if busy {
		return wrap(OpUnlink, path, ErrBusy)
	}
	return wrap(OpUnlink, path, parent.Inode().Unlink(name))
}

func (c *Context) Stat(base *PathNode, path string) (Metadata, error) {
	n, err := c.resolve(base, path)
	if err != nil {
		return Metadata{}, wrap(OpStat, path, err)
	}
	defer n.DecRef()
	return n.Inode().Metadata(), nil
}

func (c *Context) Truncate(base *PathNode, path string, size int64) error {
	n, err := c.resolve(base, path)
	if err != nil {
		return wrap(OpTruncate, path, err)
	}
	defer n.DecRef()
	return wrap(OpTruncate, path, n.Inode().Truncate(size))
}

// Open resolves path and opens it, creating a regular file first when flags
// ask for it.
func (c *Context) Open(base *PathNode, path string, flags OpenFlags) (*File, error) {
	n, err := c.resolve(base, path)
	switch {
	case err == nil && flags.IsCreate() && flags&O_EXCL != 0:
		n.DecRef()
		return nil, wrap(OpOpen, path, ErrExist)
	case errors.Is(err, ErrNotExist) && flags.IsCreate():
		n, err = c.Create(base, path, TypeRegular)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, wrap(OpOpen, path, err)
	}
	f, err := OpenNode(n, flags)
	n.DecRef()
	return f, wrap(OpOpen, path, err)
}

// ReadDirAll drains the directory at path into decoded records.
func (c *Context) ReadDirAll(base *PathNode, path string) ([]Dirent, error) {
	n, err := c.resolve(base, path)
	if err != nil {
		return nil, wrap(OpReadDir, path, err)
	}
	defer n.DecRef()
	ents, err := ReadDirAll(n.Inode())
	return ents, wrap(OpReadDir, path, err)
}
