//go:build !linux

package hostfs

import "kvfs/pkg/vfs"

const FSType = "hostfs"

type FS struct{}

// New is only implemented on Linux.
func New(string, vfs.MountFlags) (*FS, error) {
	return nil, vfs.ErrNotSupported
}

func (fs *FS) SuperBlock() *vfs.SuperBlock {
	return nil
}
