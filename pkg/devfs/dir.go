package devfs

import (
	"kvfs/pkg/vfs"
)

// entry is one link in a directory's chain. seq only grows, so a cursor
// stays meaningful after earlier entries are removed.
type entry struct {
	seq   int64
	name  string
	inode *vfs.Inode
	next  *entry
}

type dir struct {
	node
	head, tail *entry
	nextSeq    int64
	count      int
}

func (d *dir) find(name string) *entry {
	for e := d.head; e != nil; e = e.next {
		if e.name == name {
			return e
		}
	}
	return nil
}

func (d *dir) insert(name string, ino *vfs.Inode) {
	e := &entry{seq: d.nextSeq, name: name, inode: ino}
	d.nextSeq++
	if d.tail == nil {
		d.head = e
	} else {
		d.tail.next = e
	}
	d.tail = e
	d.count++
}

func (d *dir) remove(name string) *vfs.Inode {
	var prev *entry
	for e := d.head; e != nil; prev, e = e, e.next {
		if e.name != name {
			continue
		}
		if prev == nil {
			d.head = e.next
		} else {
			prev.next = e.next
		}
		if d.tail == e {
			d.tail = prev
		}
		d.count--
		return e.inode
	}
	return nil
}

func (d *dir) ReadDirectory(cursor int64, buf []byte) (int, int64, error) {
	if cursor < 0 {
		return 0, cursor, vfs.ErrInvalid
	}
	e := d.head
	for e != nil && e.seq < cursor {
		e = e.next
	}
	if e == nil {
		return 0, cursor, nil
	}
	n, err := vfs.EncodeDirent(buf, vfs.Dirent{
		Ino:  uint32(e.inode.Ino()),
		Next: e.seq + 1,
		Type: e.inode.Type(),
		Name: e.name,
	})
	if err != nil {
		return 0, cursor, err
	}
	return n, e.seq + 1, nil
}

func (d *dir) Lookup(parent *vfs.PathNode, name string) (*vfs.PathNode, error) {
	e := d.find(name)
	if e == nil {
		return nil, vfs.ErrNotExist
	}
	return vfs.NewPathNode(name, parent, e.inode), nil
}

func (d *dir) Metadata() vfs.Metadata {
	m := d.metadata()
	m.Size = int64(d.count)
	m.Nlink = 2
	return m
}

func (d *dir) Release() {
	for e := d.head; e != nil; e = e.next {
		e.inode.DecRef()
	}
	d.head, d.tail = nil, nil
}
