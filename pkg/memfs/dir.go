package memfs

import (
	"context"
	"time"

	"kvfs/pkg/vfs"
)

type entry struct {
	name  string
	inode *vfs.Inode
}

// dir keeps its children in insertion order. The read_directory cursor is an
// index into that order, so a concurrent unlink may make a reader skip an
// entry.
type dir struct {
	node
	entries []entry
}

var (
	_ vfs.Linker   = (*dir)(nil)
	_ vfs.Unlinker = (*dir)(nil)
	_ vfs.Releaser = (*dir)(nil)
	_ vfs.Releaser = (*file)(nil)
)

func (d *dir) find(name string) int {
	for i, e := range d.entries {
		if e.name == name {
			return i
		}
	}
	return -1
}

func (d *dir) ReadPage(context.Context, uint64) (*vfs.Page, error) {
	return nil, vfs.ErrIsDir
}

func (d *dir) ReadDirectory(cursor int64, buf []byte) (int, int64, error) {
	if cursor < 0 {
		return 0, cursor, vfs.ErrInvalid
	}
	if cursor >= int64(len(d.entries)) {
		return 0, int64(len(d.entries)), nil
	}
	e := d.entries[cursor]
	n, err := vfs.EncodeDirent(buf, vfs.Dirent{
		Ino:  uint32(e.inode.Ino()),
		Next: cursor + 1,
		Type: e.inode.Type(),
		Name: e.name,
	})
	if err != nil {
		return 0, cursor, err
	}
	d.atime = time.Now()
	return n, cursor + 1, nil
}

func (d *dir) Lookup(parent *vfs.PathNode, name string) (*vfs.PathNode, error) {
	i := d.find(name)
	if i < 0 {
		return nil, vfs.ErrNotExist
	}
	return vfs.NewPathNode(name, parent, d.entries[i].inode), nil
}

// Metadata reports the number of entries as the directory size.
func (d *dir) Metadata() vfs.Metadata {
	return d.metadata(int64(len(d.entries)))
}

func (d *dir) CreateNode(parent *vfs.PathNode, name string, typ vfs.ObjectType) (*vfs.PathNode, error) {
	if typ == vfs.TypeUnknown {
		return nil, vfs.ErrInvalid
	}
	if d.find(name) >= 0 {
		return nil, vfs.ErrExist
	}
	child := d.fs.newInode(typ)
	d.entries = append(d.entries, entry{name: name, inode: child})
	if typ == vfs.TypeDirectory {
		d.nlink.Add(1)
	}
	d.mtime = time.Now()
	logger.Debug("created", "dir", d.ino, "name", name, "type", typ, "ino", child.Ino())
	return vfs.NewPathNode(name, parent, child), nil
}

func (d *dir) Link(name string, target *vfs.Inode) error {
	if target.Type().IsDir() {
		return vfs.ErrPermission
	}
	if d.find(name) >= 0 {
		return vfs.ErrExist
	}
	target.IncRef()
	d.entries = append(d.entries, entry{name: name, inode: target})
	if n, ok := target.Ops().(interface{ links() *node }); ok {
		n.links().nlink.Add(1)
	}
	d.mtime = time.Now()
	return nil
}

func (d *dir) Unlink(name string) error {
	i := d.find(name)
	if i < 0 {
		return vfs.ErrNotExist
	}
	child := d.entries[i].inode
	if child.Type().IsDir() {
		if child.Metadata().Size != 0 {
			return vfs.ErrNotEmpty
		}
		d.nlink.Add(^uint64(0))
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	if n, ok := child.Ops().(interface{ links() *node }); ok {
		n.links().nlink.Add(^uint64(0))
	}
	d.mtime = time.Now()
	child.DecRef()
	return nil
}

func (n *node) links() *node { return n }

func (d *dir) Truncate(int64) error {
	return vfs.ErrNotSupported
}

func (d *dir) Release() {
	for _, e := range d.entries {
		e.inode.DecRef()
	}
	d.entries = nil
}
