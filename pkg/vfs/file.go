package vfs

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned for I/O on a closed or wrongly opened file.
var ErrClosed error = unix.EBADF

// File is an open handle on a resolved path node.
type File struct {
	node  *PathNode
	inode *Inode
	flags OpenFlags

	mu     sync.Mutex
	offset int64
	closed bool

	// Private is per-open state for FileOperations implementations.
	Private any
}

// OpenNode opens n. The file takes its own reference on n.
func OpenNode(n *PathNode, flags OpenFlags) (*File, error) {
	ino := n.Effective()
	typ := ino.Type()
	switch {
	case flags&O_DIRECTORY != 0 && !typ.IsDir():
		return nil, ErrNotDir
	case typ.IsDir() && flags.IsWrite():
		return nil, ErrIsDir
	case flags.IsWrite() && ino.writable() != nil:
		return nil, ErrNotSupported
	}

	n.IncRef()
	f := &File{node: n, inode: ino, flags: flags}
	if fo, ok := ino.ops.(FileOperations); ok {
		if err := fo.Open(f); err != nil {
			n.DecRef()
			return nil, err
		}
	}
	if flags.IsTrunc() && flags.IsWrite() && typ == TypeRegular {
		if err := ino.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (f *File) Node() *PathNode { return f.node }

// Inode is the inode the file was opened on, after mount substitution.
func (f *File) Inode() *Inode { return f.inode }

func (f *File) Flags() OpenFlags { return f.flags }

func (f *File) Stat() (Metadata, error) {
	if f.isClosed() {
		return Metadata{}, ErrClosed
	}
	return f.inode.Metadata(), nil
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *File) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	n, err := f.readAt(context.Background(), b, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) ReadAt(b []byte, off int64) (int, error) {
	return f.ReadAtContext(context.Background(), b, off)
}

func (f *File) ReadAtContext(ctx context.Context, b []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, ErrClosed
	}
	return f.readAt(ctx, b, off)
}

func (f *File) readAt(ctx context.Context, b []byte, off int64) (int, error) {
	if !f.flags.IsRead() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, ErrInvalid
	}
	ino := f.inode
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if fo, ok := ino.ops.(FileOperations); ok {
		return fo.Read(f, b, off)
	}
	switch ino.typ {
	case TypeDirectory:
		return 0, ErrIsDir
	case TypeRegular:
	default:
		return 0, ErrInvalid
	}
	return ino.readPagesLocked(ctx, b, off)
}

func (f *File) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.flags&O_APPEND != 0 {
		f.offset = f.inode.Metadata().Size
	}
	n, err := f.writeAt(context.Background(), b, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) WriteAt(b []byte, off int64) (int, error) {
	return f.WriteAtContext(context.Background(), b, off)
}

func (f *File) WriteAtContext(ctx context.Context, b []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, ErrClosed
	}
	return f.writeAt(ctx, b, off)
}

func (f *File) writeAt(ctx context.Context, b []byte, off int64) (int, error) {
	if !f.flags.IsWrite() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, ErrInvalid
	}
	ino := f.inode
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if fo, ok := ino.ops.(FileOperations); ok {
		return fo.Write(f, b, off)
	}
	switch ino.typ {
	case TypeDirectory:
		return 0, ErrIsDir
	case TypeRegular:
	default:
		return 0, ErrInvalid
	}
	if err := ino.writable(); err != nil {
		return 0, err
	}
	return ino.writePagesLocked(ctx, b, off)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		if f.inode.Type().IsDir() {
			return 0, ErrInvalid
		}
		next = f.inode.Metadata().Size + offset
	default:
		return 0, ErrInvalid
	}
	if next < 0 {
		return 0, ErrInvalid
	}
	f.offset = next
	return next, nil
}

func (f *File) Truncate(size int64) error {
	if f.isClosed() {
		return ErrClosed
	}
	if !f.flags.IsWrite() {
		return ErrInvalid
	}
	return f.inode.Truncate(size)
}

// ReadDirectory fills b with as many records as fit, starting at the file's
// directory cursor, and advances the cursor past them. It returns 0 at the
// end of the directory. For directories the file offset is the cursor, so
// Seek(off, io.SeekStart) restarts from any offset a record reported.
func (f *File) ReadDirectory(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if !f.inode.Type().IsDir() {
		return 0, ErrNotDir
	}
	total := 0
	for total < len(b) {
		n, next, err := f.inode.ReadDirectory(f.offset, b[total:])
		if errors.Is(err, ErrInvalid) && total > 0 {
			break
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
		f.offset = next
	}
	return total, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	var err error
	if fo, ok := f.inode.ops.(FileOperations); ok {
		err = fo.Close(f)
	}
	f.node.DecRef()
	return err
}

// readPagesLocked serves reads of regular files through ReadPage.
func (i *Inode) readPagesLocked(ctx context.Context, b []byte, off int64) (int, error) {
	size := i.ops.Metadata().Size
	if off >= size {
		return 0, io.EOF
	}
	if rem := size - off; int64(len(b)) > rem {
		b = b[:rem]
	}
	n := 0
	for n < len(b) {
		pos := off + int64(n)
		p, err := i.ops.ReadPage(ctx, uint64(pos/PageSize))
		if err != nil {
			return n, err
		}
		n += copy(b[n:], p[pos%PageSize:])
	}
	return n, nil
}

// writePagesLocked copies b into materialized pages and grows the size.
func (i *Inode) writePagesLocked(ctx context.Context, b []byte, off int64) (int, error) {
	var (
		n   int
		err error
	)
	for n < len(b) {
		pos := off + int64(n)
		var p *Page
		if p, err = i.ops.ReadPage(ctx, uint64(pos/PageSize)); err != nil {
			break
		}
		n += copy(p[pos%PageSize:], b[n:])
	}
	if end := off + int64(n); end > i.ops.Metadata().Size {
		if terr := i.ops.Truncate(end); terr != nil && err == nil {
			err = terr
		}
	}
	return n, err
}
