package vfs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// maxMountDepth bounds how many mounts may be stacked on one inode.
const maxMountDepth = 40

// Inode is the name-independent, shared representation of one storage
// object. Every path node naming it, and every in-flight operation, holds a
// reference.
type Inode struct {
	ino uint64
	typ ObjectType
	sb  *SuperBlock
	ops InodeOperations

	refs atomic.Int64

	// mu serializes every operation against ops. mount is only stored while
	// mu is held but may be loaded without it.
	mu    sync.Mutex
	mount atomic.Pointer[SuperBlock]
}

// NewInode returns an inode holding one reference, owned by the caller.
func NewInode(sb *SuperBlock, ino uint64, typ ObjectType, ops InodeOperations) *Inode {
	i := &Inode{ino: ino, typ: typ, sb: sb, ops: ops}
	i.refs.Store(1)
	return i
}

func (i *Inode) Ino() uint64 { return i.ino }

func (i *Inode) Type() ObjectType { return i.typ }

func (i *Inode) SuperBlock() *SuperBlock { return i.sb }

// Ops returns the backend payload.
func (i *Inode) Ops() InodeOperations { return i.ops }

func (i *Inode) IncRef() {
	if i.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("vfs: IncRef on released inode %d", i.ino))
	}
}

func (i *Inode) DecRef() {
	switch n := i.refs.Add(-1); {
	case n == 0:
		if r, ok := i.ops.(Releaser); ok {
			i.mu.Lock()
			r.Release()
			i.mu.Unlock()
		}
	case n < 0:
		panic(fmt.Sprintf("vfs: DecRef on released inode %d", i.ino))
	}
}

// Refs reports the current reference count.
func (i *Inode) Refs() int64 {
	return i.refs.Load()
}

// Mounted returns the superblock covering this inode, if any.
func (i *Inode) Mounted() *SuperBlock {
	return i.mount.Load()
}

func (i *Inode) setMount(sb *SuperBlock) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mount.Load() != nil {
		return ErrBusy
	}
	i.mount.Store(sb)
	return nil
}

// Effective follows mounts down to the inode operations actually target.
func (i *Inode) Effective() *Inode {
	cur := i
	for depth := 0; ; depth++ {
		sb := cur.mount.Load()
		if sb == nil {
			return cur
		}
		if depth == maxMountDepth {
			panic("vfs: mount chain too deep")
		}
		cur = sb.Root()
	}
}

func (i *Inode) writable() error {
	if i.sb != nil && i.sb.ReadOnly() {
		return ErrNotSupported
	}
	return nil
}

func (i *Inode) ReadPage(ctx context.Context, n uint64) (*Page, error) {
	t := i.Effective()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops.ReadPage(ctx, n)
}

func (i *Inode) ReadDirectory(cursor int64, buf []byte) (int, int64, error) {
	t := i.Effective()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops.ReadDirectory(cursor, buf)
}

func (i *Inode) Lookup(parent *PathNode, name string) (*PathNode, error) {
	t := i.Effective()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops.Lookup(parent, name)
}

func (i *Inode) Metadata() Metadata {
	t := i.Effective()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops.Metadata()
}

func (i *Inode) CreateNode(parent *PathNode, name string, typ ObjectType) (*PathNode, error) {
	t := i.Effective()
	if err := t.writable(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops.CreateNode(parent, name, typ)
}

// Truncate sets a regular file's size. Other types are left to the backend,
// which refuses them with ErrNotSupported whatever the size.
func (i *Inode) Truncate(size int64) error {
	t := i.Effective()
	if err := t.writable(); err != nil {
		return err
	}
	if size < 0 && t.typ == TypeRegular {
		return ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops.Truncate(size)
}

func (i *Inode) RawData() ([]byte, error) {
	t := i.Effective()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops.RawData()
}

func (i *Inode) Link(name string, target *Inode) error {
	t := i.Effective()
	l, ok := t.ops.(Linker)
	if !ok {
		return ErrNotSupported
	}
	if err := t.writable(); err != nil {
		return err
	}
	if target.sb != t.sb {
		return ErrCrossDevice
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return l.Link(name, target)
}

func (i *Inode) Unlink(name string) error {
	t := i.Effective()
	u, ok := t.ops.(Unlinker)
	if !ok {
		return ErrNotSupported
	}
	if err := t.writable(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return u.Unlink(name)
}

// Locked runs fn against this inode's own payload with its lock held. It does
// not follow mounts. Backends use it to mutate their tree outside the
// InodeOperations calls.
func (i *Inode) Locked(fn func(ops InodeOperations) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return fn(i.ops)
}
