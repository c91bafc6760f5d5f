package ext2

import (
	"context"
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"kvfs/pkg/vfs"
)

type node struct {
	fs    *FS
	num   uint32
	raw   Inode
	pages map[uint64]*vfs.Page
}

var _ vfs.InodeOperations = (*node)(nil)

// blockMap translates a logical block of the file to a disk block. Zero
// means a hole.
func (n *node) blockMap(lb uint64) (uint32, error) {
	if lb < DirectBlocks {
		return n.raw.Block[lb], nil
	}
	lb -= DirectBlocks
	per := uint64(n.fs.blockSize / 4)
	span := per
	for _, slot := range []int{IndBlock, DIndBlock, TIndBlock} {
		if lb < span {
			return n.indirect(n.raw.Block[slot], lb, span/per)
		}
		lb -= span
		span *= per
	}
	return 0, vfs.ErrInvalid
}

// indirect walks an indirect tree whose leaves each cover stride blocks at
// the top level.
func (n *node) indirect(blk uint32, idx, stride uint64) (uint32, error) {
	per := uint64(n.fs.blockSize / 4)
	var ptr [4]byte
	for {
		if blk == 0 {
			return 0, nil
		}
		off := int64(blk)*n.fs.blockSize + int64(idx/stride)*4
		if _, err := n.fs.r.ReadAt(ptr[:], off); err != nil {
			return 0, vfs.ErrIO
		}
		blk = binary.LittleEndian.Uint32(ptr[:])
		if stride == 1 {
			return blk, nil
		}
		idx %= stride
		stride /= per
	}
}

func (n *node) ReadPage(ctx context.Context, pg uint64) (*vfs.Page, error) {
	switch n.raw.Type() {
	case vfs.TypeRegular, vfs.TypeSymlink:
	case vfs.TypeDirectory:
		return nil, vfs.ErrIsDir
	default:
		return nil, vfs.ErrNotSupported
	}
	if p, ok := n.pages[pg]; ok {
		return p, nil
	}
	p, err := n.fs.pages.AllocPage(ctx)
	if err != nil {
		return nil, err
	}
	clear(p[:])
	if err := n.fill(p, pg); err != nil {
		n.fs.pages.FreePage(p)
		return nil, err
	}
	n.pages[pg] = p
	return p, nil
}

func (n *node) fill(p *vfs.Page, pg uint64) error {
	if n.fastSymlink() {
		if pg == 0 {
			for i, b := range n.raw.Block {
				binary.LittleEndian.PutUint32(p[i*4:], b)
			}
		}
		return nil
	}
	per := uint64(vfs.PageSize / n.fs.blockSize)
	for i := uint64(0); i < per; i++ {
		blk, err := n.blockMap(pg*per + i)
		if err != nil {
			return err
		}
		if blk == 0 {
			continue
		}
		start := int64(i) * n.fs.blockSize
		if err := n.fs.readBlock(blk, p[start:start+n.fs.blockSize]); err != nil {
			return err
		}
	}
	return nil
}

// fastSymlink reports a symlink whose target is stored in the block array.
func (n *node) fastSymlink() bool {
	return n.raw.Type() == vfs.TypeSymlink && n.raw.Blocks == 0
}

// entryAt parses the directory entry at byte offset off of blk, the block
// holding it.
func (n *node) entryAt(blk []byte, off int) (DirEntry, string, error) {
	var e DirEntry
	if off+DirEntryHeaderSize > len(blk) {
		return e, "", vfs.ErrIO
	}
	e.Inode = binary.LittleEndian.Uint32(blk[off:])
	e.RecLen = binary.LittleEndian.Uint16(blk[off+4:])
	e.NameLen = blk[off+6]
	e.FileType = blk[off+7]
	rl := int(e.RecLen)
	if rl < DirEntryHeaderSize || rl%4 != 0 || off+rl > len(blk) || DirEntryHeaderSize+int(e.NameLen) > rl {
		logger.Warn("corrupt directory entry", "dir", n.num, "offset", off, "rec_len", e.RecLen)
		return e, "", vfs.ErrIO
	}
	name := string(blk[off+DirEntryHeaderSize : off+DirEntryHeaderSize+int(e.NameLen)])
	return e, name, nil
}

// walk calls fn for each live entry from byte offset cursor onwards until fn
// returns false. It returns the offset following the last entry visited.
func (n *node) walk(cursor int64, fn func(e DirEntry, name string, next int64) bool) (int64, error) {
	size := n.raw.FileSize()
	bs := n.fs.blockSize
	buf := make([]byte, bs)
	loaded := int64(-1)
	for cursor < size {
		lb := cursor / bs
		if lb != loaded {
			blk, err := n.blockMap(uint64(lb))
			if err != nil {
				return cursor, err
			}
			if blk == 0 {
				return cursor, vfs.ErrIO
			}
			if err := n.fs.readBlock(blk, buf); err != nil {
				return cursor, err
			}
			loaded = lb
		}
		e, name, err := n.entryAt(buf, int(cursor%bs))
		if err != nil {
			return cursor, err
		}
		next := cursor + int64(e.RecLen)
		if e.Inode != 0 && name != "." && name != ".." {
			if !fn(e, name, next) {
				return next, nil
			}
		}
		cursor = next
	}
	return cursor, nil
}

func (n *node) entryType(e DirEntry) vfs.ObjectType {
	if n.fs.super.FeatureIncompat&IncompatFiletype != 0 && e.FileType != 0 && e.FileType <= uint8(vfs.TypeSymlink) {
		return vfs.ObjectType(e.FileType)
	}
	child, err := n.fs.inode(e.Inode)
	if err != nil {
		return vfs.TypeUnknown
	}
	return child.Type()
}

// ReadDirectory uses byte offsets into the directory data as cursors.
func (n *node) ReadDirectory(cursor int64, buf []byte) (int, int64, error) {
	if !n.raw.Type().IsDir() {
		return 0, cursor, vfs.ErrNotDir
	}
	if cursor < 0 {
		return 0, cursor, vfs.ErrInvalid
	}
	var (
		written int
		encErr  error
	)
	next, err := n.walk(cursor, func(e DirEntry, name string, next int64) bool {
		written, encErr = vfs.EncodeDirent(buf, vfs.Dirent{
			Ino:  e.Inode,
			Next: next,
			Type: n.entryType(e),
			Name: name,
		})
		return false
	})
	switch {
	case err != nil:
		return 0, cursor, err
	case encErr != nil:
		return 0, cursor, encErr
	}
	return written, next, nil
}

func (n *node) Lookup(parent *vfs.PathNode, name string) (*vfs.PathNode, error) {
	if !n.raw.Type().IsDir() {
		return nil, vfs.ErrNotDir
	}
	var found uint32
	_, err := n.walk(0, func(e DirEntry, ename string, _ int64) bool {
		if ename == name {
			found = e.Inode
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == 0 {
		return nil, vfs.ErrNotExist
	}
	child, err := n.fs.inode(found)
	if err != nil {
		return nil, err
	}
	return vfs.NewPathNode(name, parent, child), nil
}

func (n *node) Metadata() vfs.Metadata {
	r := &n.raw
	m := vfs.Metadata{
		Ino:     uint64(n.num),
		Type:    r.Type(),
		Size:    r.FileSize(),
		Mode:    uint32(r.Mode) &^ ModeFmt,
		Nlink:   uint64(r.LinksCount),
		Uid:     uint32(r.Uid),
		Gid:     uint32(r.Gid),
		Blksize: n.fs.blockSize,
		Blocks:  int64(r.Blocks),
		Atime:   time.Unix(int64(r.Atime), 0),
		Mtime:   time.Unix(int64(r.Mtime), 0),
		Ctime:   time.Unix(int64(r.Ctime), 0),
	}
	if r.Type().IsDevice() {
		m.Rdev = decodeDev(r.Block[0], r.Block[1])
	}
	return m
}

// decodeDev handles both the old 8:8 and the new 12:20 encodings.
func decodeDev(old, huge uint32) uint64 {
	if old != 0 {
		return unix.Mkdev(old>>8&0xff, old&0xff)
	}
	return unix.Mkdev(huge&0xfff00>>8, huge&0xff|huge>>12&0xfff00)
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
