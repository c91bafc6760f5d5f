package vfs

import "context"

// InodeOperations is the capability set every backend implements. An
// operation a backend does not support returns ErrNotSupported explicitly.
//
// The owning Inode's lock is held for the duration of every call, so
// implementations may mutate their own payload freely but must not call back
// into the same Inode's locking methods.
type InodeOperations interface {
	// ReadPage returns page n of the file's data.
	ReadPage(ctx context.Context, n uint64) (*Page, error)

	// ReadDirectory encodes exactly one Directory Entry Record for the entry at
	// cursor into buf and returns the bytes written and the cursor of the next
	// entry. Once the directory is exhausted it returns 0 bytes and a cursor
	// at or past the end. Cursors are positions, not entry identities: if the
	// directory changes between calls an entry may be skipped or repeated.
	ReadDirectory(cursor int64, buf []byte) (n int, next int64, err error)

	// Lookup returns a new path node, child of parent, for name.
	Lookup(parent *PathNode, name string) (*PathNode, error)

	Metadata() Metadata

	// CreateNode allocates a child inode of type typ and links it as name.
	CreateNode(parent *PathNode, name string, typ ObjectType) (*PathNode, error)

	Truncate(size int64) error

	// RawData returns a contiguous view of the file's bytes.
	RawData() ([]byte, error)
}

// FileOperations is implemented by inodes whose open files bypass the page
// path and forward I/O elsewhere, such as to device hooks or host files.
type FileOperations interface {
	Open(f *File) error
	Close(f *File) error
	Read(f *File, buf []byte, off int64) (int, error)
	Write(f *File, buf []byte, off int64) (int, error)
}

// Linker is implemented by directory inodes that accept hard links.
type Linker interface {
	Link(name string, target *Inode) error
}

// Unlinker is implemented by directory inodes that can drop a name.
type Unlinker interface {
	Unlink(name string) error
}

// Releaser is called once the last reference to an inode is dropped.
type Releaser interface {
	Release()
}
