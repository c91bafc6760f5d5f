// Package ext2 mounts ext2 images read-only. Files are read a page at a time
// through the inode block map; directories are parsed straight from their
// data blocks.
package ext2

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

const FSType = "ext2"

var logger = logging.For(FSType)

// FS is one mounted image.
type FS struct {
	r     io.ReaderAt
	pages vfs.PageAllocator
	sb    *vfs.SuperBlock

	super     Superblock
	groups    []BlockGroupDescriptor
	blockSize int64
	inodeSize int64

	// Loaded inodes stay cached, and referenced, for the life of the mount so
	// that every name of a file reaches the same *vfs.Inode.
	mu     sync.Mutex
	inodes map[uint32]*vfs.Inode
}

// Mount reads the superblock and descriptor table from r. Pages for file
// data are drawn from pages. The resulting superblock is always read-only.
func Mount(r io.ReaderAt, pages vfs.PageAllocator) (*FS, error) {
	fs := &FS{r: r, pages: pages, inodes: make(map[uint32]*vfs.Inode)}
	if err := readStruct(r, SuperblockOffset, &fs.super); err != nil {
		return nil, fmt.Errorf("ext2: reading superblock: %w", err)
	}
	if err := fs.super.Validate(); err != nil {
		return nil, err
	}
	fs.blockSize = fs.super.BlockSize()
	fs.inodeSize = fs.super.InodeBytes()
	if fs.blockSize > vfs.PageSize {
		return nil, fmt.Errorf("ext2: block size %d exceeds page size: %w", fs.blockSize, vfs.ErrNotSupported)
	}
	if fs.super.State&StateError != 0 {
		logger.Warn("mounting image marked with errors", "policy", fs.super.Errors)
	}

	n := fs.super.GroupCount()
	table := make([]byte, n*BlockGroupDescriptorSize)
	if _, err := r.ReadAt(table, (int64(fs.super.FirstDataBlock)+1)*fs.blockSize); err != nil {
		return nil, fmt.Errorf("ext2: reading group descriptors: %w", err)
	}
	fs.groups = make([]BlockGroupDescriptor, n)
	if err := decode(table, fs.groups); err != nil {
		return nil, fmt.Errorf("ext2: decoding group descriptors: %w", err)
	}

	fs.sb = vfs.NewSuperBlock(FSType, vfs.MountReadOnly)
	fs.sb.SetPrivate(fs)
	root, err := fs.inode(RootIno)
	if err != nil {
		return nil, fmt.Errorf("ext2: loading root: %w", err)
	}
	if !root.Type().IsDir() {
		return nil, fmt.Errorf("ext2: root inode is %s: %w", root.Type(), vfs.ErrNotDir)
	}
	fs.sb.SetRoot(root)
	logger.Info("image opened",
		"volume", cstring(fs.super.VolumeName[:]),
		"block_size", fs.blockSize,
		"groups", n,
		"inodes", fs.super.InodesCount)
	return fs, nil
}

func (fs *FS) SuperBlock() *vfs.SuperBlock {
	return fs.sb
}

// Super returns a copy of the on-disk superblock.
func (fs *FS) Super() Superblock {
	return fs.super
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (fs *FS) readBlock(blk uint32, buf []byte) error {
	if blk >= fs.super.BlocksCount {
		logger.Warn("block out of range", "block", blk)
		return vfs.ErrIO
	}
	_, err := fs.r.ReadAt(buf[:fs.blockSize], int64(blk)*fs.blockSize)
	if err != nil {
		logger.Warn("block read failed", "block", blk, "err", err)
		return vfs.ErrIO
	}
	return nil
}

func (fs *FS) readInode(num uint32) (Inode, error) {
	var raw Inode
	if num == 0 || num > fs.super.InodesCount {
		return raw, vfs.ErrInvalid
	}
	group := (num - 1) / fs.super.InodesPerGroup
	index := (num - 1) % fs.super.InodesPerGroup
	off := int64(fs.groups[group].InodeTable)*fs.blockSize + int64(index)*fs.inodeSize
	if err := readStruct(fs.r, off, &raw); err != nil {
		return raw, vfs.ErrIO
	}
	return raw, nil
}

// inode returns the cached inode for num, loading it on first use. The cache
// owns the returned reference.
func (fs *FS) inode(num uint32) (*vfs.Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino, ok := fs.inodes[num]; ok {
		return ino, nil
	}
	raw, err := fs.readInode(num)
	if err != nil {
		return nil, err
	}
	n := &node{fs: fs, num: num, raw: raw, pages: make(map[uint64]*vfs.Page)}
	ino := vfs.NewInode(fs.sb, uint64(num), raw.Type(), n)
	fs.inodes[num] = ino
	logger.Debug("inode loaded", "ino", num, "type", raw.Type(), "size", raw.FileSize())
	return ino, nil
}

// Statfs summarizes the allocation state.
type Statfs struct {
	BlockSize  int64
	Blocks     uint64
	FreeBlocks uint64
	Inodes     uint64
	FreeInodes uint64
	Groups     int
}

// Statfs counts free blocks and inodes from the bitmaps. Counts that disagree
// with the group descriptors are logged and the bitmap value wins.
func (fs *FS) Statfs() (Statfs, error) {
	st := Statfs{
		BlockSize: fs.blockSize,
		Blocks:    uint64(fs.super.BlocksCount),
		Inodes:    uint64(fs.super.InodesCount),
		Groups:    len(fs.groups),
	}
	buf := make([]byte, fs.blockSize)
	for g, gd := range fs.groups {
		if err := fs.readBlock(gd.BlockBitmap, buf); err != nil {
			return st, err
		}
		free := Bitmap(buf).CountFree(fs.blocksInGroup(g))
		if free != int(gd.FreeBlocksCount) {
			logger.Warn("free block count mismatch", "group", g, "bitmap", free, "descriptor", gd.FreeBlocksCount)
		}
		st.FreeBlocks += uint64(free)

		if err := fs.readBlock(gd.InodeBitmap, buf); err != nil {
			return st, err
		}
		free = Bitmap(buf).CountFree(int(fs.super.InodesPerGroup))
		if free != int(gd.FreeInodesCount) {
			logger.Warn("free inode count mismatch", "group", g, "bitmap", free, "descriptor", gd.FreeInodesCount)
		}
		st.FreeInodes += uint64(free)
	}
	return st, nil
}

func (fs *FS) blocksInGroup(g int) int {
	start := fs.super.FirstDataBlock + uint32(g)*fs.super.BlocksPerGroup
	return int(min(fs.super.BlocksPerGroup, fs.super.BlocksCount-start))
}

// Check reports whether the bitmaps agree with the superblock totals.
func (fs *FS) Check() error {
	st, err := fs.Statfs()
	if err != nil {
		return err
	}
	var errs []error
	if st.FreeBlocks != uint64(fs.super.FreeBlocksCount) {
		errs = append(errs, fmt.Errorf("ext2: %d free blocks in bitmaps, superblock says %d", st.FreeBlocks, fs.super.FreeBlocksCount))
	}
	if st.FreeInodes != uint64(fs.super.FreeInodesCount) {
		errs = append(errs, fmt.Errorf("ext2: %d free inodes in bitmaps, superblock says %d", st.FreeInodes, fs.super.FreeInodesCount))
	}
	return errors.Join(errs...)
}
