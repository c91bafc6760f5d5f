// Package devfs is the synthetic device namespace usually mounted at /dev.
// Drivers register devices by name; opening one forwards file I/O to the
// driver's hooks.
package devfs

import (
	"context"
	"strings"
	"sync"
	"time"

	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

const FSType = "devfs"

var logger = logging.For(FSType)

// FS is one device namespace.
type FS struct {
	sb *vfs.SuperBlock

	// mu serializes registrations; each directory is still only mutated
	// under its own inode lock.
	mu sync.Mutex
}

func New() *FS {
	fs := &FS{sb: vfs.NewSuperBlock(FSType, 0)}
	fs.sb.SetPrivate(fs)
	fs.sb.SetRoot(fs.newDir())
	return fs
}

func (fs *FS) SuperBlock() *vfs.SuperBlock {
	return fs.sb
}

// node holds what every devfs inode reports and rejects.
type node struct {
	ino   uint64
	typ   vfs.ObjectType
	mode  uint32
	ctime time.Time
}

func (n *node) metadata() vfs.Metadata {
	return vfs.Metadata{
		Ino:   n.ino,
		Type:  n.typ,
		Mode:  n.mode,
		Nlink: 1,
		Atime: n.ctime,
		Mtime: n.ctime,
		Ctime: n.ctime,
	}
}

func (n *node) ReadPage(context.Context, uint64) (*vfs.Page, error) {
	return nil, vfs.ErrNotSupported
}

func (n *node) CreateNode(*vfs.PathNode, string, vfs.ObjectType) (*vfs.PathNode, error) {
	return nil, vfs.ErrNotSupported
}

func (n *node) Truncate(int64) error {
	return vfs.ErrNotSupported
}

func (n *node) RawData() ([]byte, error) {
	return nil, vfs.ErrNotSupported
}

func (fs *FS) newDir() *vfs.Inode {
	d := &dir{node: node{ino: fs.sb.NextIno(), typ: vfs.TypeDirectory, mode: 0o755, ctime: time.Now()}}
	return vfs.NewInode(fs.sb, d.ino, d.typ, d)
}

func splitName(name string) ([]string, error) {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	for _, p := range parts {
		switch {
		case p == "" || p == "." || p == "..":
			return nil, vfs.ErrInvalid
		case len(p) > vfs.MaxNameLen:
			return nil, vfs.ErrNameTooLong
		}
	}
	return parts, nil
}

// walk returns the directory inode for parts, creating missing levels when
// create is set. The caller owns a reference on the result.
func (fs *FS) walk(parts []string, create bool) (*vfs.Inode, error) {
	cur := fs.sb.Root()
	cur.IncRef()
	for _, p := range parts {
		var next *vfs.Inode
		err := cur.Locked(func(ops vfs.InodeOperations) error {
			d := ops.(*dir)
			if e := d.find(p); e != nil {
				if !e.inode.Type().IsDir() {
					return vfs.ErrNotDir
				}
				next = e.inode
				next.IncRef()
				return nil
			}
			if !create {
				return vfs.ErrNotExist
			}
			next = fs.newDir()
			d.insert(p, next)
			next.IncRef()
			return nil
		})
		cur.DecRef()
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Register links dev into the namespace, creating intermediate directories,
// and runs its Add hook. A failing Add hook undoes the link.
func (fs *FS) Register(dev *Device) error {
	if dev.Ops == nil {
		return vfs.ErrInvalid
	}
	parts, err := splitName(dev.Name)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.walk(parts[:len(parts)-1], true)
	if err != nil {
		return err
	}
	defer parent.DecRef()

	name := parts[len(parts)-1]
	n := &devnode{node: node{ino: fs.sb.NextIno(), typ: dev.Kind.objectType(), mode: 0o666, ctime: time.Now()}, dev: dev}
	ino := vfs.NewInode(fs.sb, n.ino, n.typ, n)
	err = parent.Locked(func(ops vfs.InodeOperations) error {
		d := ops.(*dir)
		if d.find(name) != nil {
			return vfs.ErrExist
		}
		d.insert(name, ino)
		return nil
	})
	if err != nil {
		ino.DecRef()
		return err
	}
	if dev.Ops.Add != nil {
		if err := dev.Ops.Add(dev); err != nil {
			fs.detach(parent, name)
			return err
		}
	}
	logger.Info("device registered", "name", dev.Name, "kind", n.typ, "rdev", dev.ID)
	return nil
}

// Unregister cuts open files off from the driver, runs the device's Remove
// hook, then unlinks it and drops the namespace's reference on its inode.
func (fs *FS) Unregister(name string) error {
	parts, err := splitName(name)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.walk(parts[:len(parts)-1], false)
	if err != nil {
		return err
	}
	defer parent.DecRef()

	leaf := parts[len(parts)-1]
	var dn *devnode
	err = parent.Locked(func(ops vfs.InodeOperations) error {
		e := ops.(*dir).find(leaf)
		if e == nil {
			return vfs.ErrNotExist
		}
		n, ok := e.inode.Ops().(*devnode)
		if !ok {
			return vfs.ErrIsDir
		}
		dn = n
		return nil
	})
	if err != nil {
		return err
	}
	dn.gone.Store(true)
	if dn.dev.Ops.Remove != nil {
		dn.dev.Ops.Remove(dn.dev)
	}
	fs.detach(parent, leaf)
	logger.Info("device unregistered", "name", name)
	return nil
}

func (fs *FS) detach(parent *vfs.Inode, name string) {
	var gone *vfs.Inode
	parent.Locked(func(ops vfs.InodeOperations) error {
		gone = ops.(*dir).remove(name)
		return nil
	})
	if gone != nil {
		gone.DecRef()
	}
}

// Devices lists the registered device names in registration order per
// directory, depth first.
func (fs *FS) Devices() []string {
	var out []string
	var visit func(ino *vfs.Inode, prefix string)
	visit = func(ino *vfs.Inode, prefix string) {
		var children []entry
		ino.Locked(func(ops vfs.InodeOperations) error {
			for e := ops.(*dir).head; e != nil; e = e.next {
				e.inode.IncRef()
				children = append(children, *e)
			}
			return nil
		})
		for _, c := range children {
			if c.inode.Type().IsDir() {
				visit(c.inode, prefix+c.name+"/")
			} else {
				out = append(out, prefix+c.name)
			}
			c.inode.DecRef()
		}
	}
	visit(fs.sb.Root(), "")
	return out
}
