package ext2

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io/fs"
	"path"
	"time"

	"kvfs/pkg/vfs"
)

// Options shape a new image.
type Options struct {
	BlockSize int    // 1024, 2048 or 4096
	Blocks    uint32 // total blocks in the image
	Inodes    uint32 // rounded up to fill whole inode table blocks
	Label     string
	Now       time.Time
}

// Builder lays out a fresh ext2 image in memory and populates it. Every block
// group carries a copy of the superblock and descriptor table.
type Builder struct {
	img    []byte
	bs     int64
	super  Superblock
	groups []BlockGroupDescriptor
	now    uint32
}

// NewBuilder formats an empty image holding only the root directory.
func NewBuilder(opts Options) (*Builder, error) {
	var log uint32
	switch opts.BlockSize {
	case 1024:
	case 2048:
		log = 1
	case 4096:
		log = 2
	default:
		return nil, fmt.Errorf("ext2: block size %d: %w", opts.BlockSize, vfs.ErrInvalid)
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	bs := int64(opts.BlockSize)
	var fdb uint32
	if bs == 1024 {
		fdb = 1
	}
	bpg := uint32(8 * bs)
	if opts.Blocks <= fdb {
		return nil, fmt.Errorf("ext2: %d blocks: %w", opts.Blocks, vfs.ErrInvalid)
	}
	ngroups := (opts.Blocks - fdb + bpg - 1) / bpg
	if opts.Inodes == 0 {
		opts.Inodes = max(opts.Blocks/4, 32)
	}
	perBlock := uint32(bs / GoodOldInodeSize)
	ipg := (opts.Inodes + ngroups - 1) / ngroups
	ipg = (ipg + perBlock - 1) / perBlock * perBlock
	ipg = min(max(ipg, perBlock), bpg)

	descBlocks := (ngroups*BlockGroupDescriptorSize + uint32(bs) - 1) / uint32(bs)
	overhead := 1 + descBlocks + 2 + ipg/perBlock
	last := opts.Blocks - fdb - (ngroups-1)*bpg
	if last <= overhead {
		return nil, fmt.Errorf("ext2: last group too small (%d blocks): %w", last, vfs.ErrInvalid)
	}

	b := &Builder{
		img:    make([]byte, int64(opts.Blocks)*bs),
		bs:     bs,
		groups: make([]BlockGroupDescriptor, ngroups),
		now:    uint32(opts.Now.Unix()),
	}
	b.super = Superblock{
		InodesCount:     ipg * ngroups,
		BlocksCount:     opts.Blocks,
		FirstDataBlock:  fdb,
		LogBlockSize:    log,
		LogFragSize:     log,
		BlocksPerGroup:  bpg,
		FragsPerGroup:   bpg,
		InodesPerGroup:  ipg,
		Wtime:           b.now,
		MaxMntCount:     0xffff,
		Magic:           Magic,
		State:           StateValid,
		Errors:          ErrorsContinue,
		LastCheck:       b.now,
		CreatorOS:       OSLinux,
		RevLevel:        DynamicRev,
		FirstIno:        FirstIno,
		InodeSize:       GoodOldInodeSize,
		FeatureIncompat: IncompatFiletype,
		FeatureROCompat: ROCompatLargeFile,
	}
	copy(b.super.VolumeName[:], opts.Label)
	rand.Read(b.super.UUID[:])

	for g := range b.groups {
		base := fdb + uint32(g)*bpg
		gd := &b.groups[g]
		gd.BlockBitmap = base + 1 + descBlocks
		gd.InodeBitmap = gd.BlockBitmap + 1
		gd.InodeTable = gd.InodeBitmap + 1
		bm := b.blockBitmap(g)
		for i := 0; i < int(overhead); i++ {
			bm.Set(i)
		}
		for i := b.blocksInGroup(g); i < int(8*bs); i++ {
			bm.Set(i)
		}
		im := b.inodeBitmap(g)
		for i := int(ipg); i < int(8*bs); i++ {
			im.Set(i)
		}
	}
	for i := 0; i < FirstIno-1; i++ {
		b.inodeBitmap(0).Set(i)
	}
	b.groups[0].UsedDirsCount++
	if err := b.initDir(RootIno, RootIno, 0o755); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Builder) blocksInGroup(g int) int {
	start := b.super.FirstDataBlock + uint32(g)*b.super.BlocksPerGroup
	return int(min(b.super.BlocksPerGroup, b.super.BlocksCount-start))
}

func (b *Builder) block(blk uint32) []byte {
	off := int64(blk) * b.bs
	return b.img[off : off+b.bs]
}

func (b *Builder) blockBitmap(g int) Bitmap { return Bitmap(b.block(b.groups[g].BlockBitmap)) }

func (b *Builder) inodeBitmap(g int) Bitmap { return Bitmap(b.block(b.groups[g].InodeBitmap)) }

func (b *Builder) allocBlock() (uint32, error) {
	for g := range b.groups {
		bm := b.blockBitmap(g)
		if i, ok := bm.FindFirstFree(b.blocksInGroup(g)); ok {
			bm.Set(i)
			return b.super.FirstDataBlock + uint32(g)*b.super.BlocksPerGroup + uint32(i), nil
		}
	}
	return 0, vfs.ErrNoSpace
}

func (b *Builder) allocInode(dir bool) (uint32, error) {
	ipg := b.super.InodesPerGroup
	for g := range b.groups {
		bm := b.inodeBitmap(g)
		if i, ok := bm.FindFirstFree(int(ipg)); ok {
			bm.Set(i)
			if dir {
				b.groups[g].UsedDirsCount++
			}
			return uint32(g)*ipg + uint32(i) + 1, nil
		}
	}
	return 0, vfs.ErrNoSpace
}

func (b *Builder) inodeOffset(num uint32) int64 {
	g := (num - 1) / b.super.InodesPerGroup
	i := (num - 1) % b.super.InodesPerGroup
	return int64(b.groups[g].InodeTable)*b.bs + int64(i)*GoodOldInodeSize
}

func (b *Builder) readInode(num uint32) (Inode, error) {
	var raw Inode
	if num == 0 || num > b.super.InodesCount {
		return raw, vfs.ErrInvalid
	}
	off := b.inodeOffset(num)
	return raw, decode(b.img[off:off+GoodOldInodeSize], &raw)
}

func (b *Builder) writeInode(num uint32, raw *Inode) {
	off := b.inodeOffset(num)
	encode(b.img[off:off+GoodOldInodeSize], raw)
}

func (b *Builder) newInode(mode uint16) Inode {
	return Inode{Mode: mode, Atime: b.now, Ctime: b.now, Mtime: b.now, LinksCount: 1}
}

// dataBlock allocates a block charged to raw.
func (b *Builder) dataBlock(raw *Inode) (uint32, error) {
	blk, err := b.allocBlock()
	if err != nil {
		return 0, err
	}
	raw.Blocks += uint32(b.bs / 512)
	return blk, nil
}

// setBlock points logical block lb of raw at phys, allocating indirect
// blocks on the way.
func (b *Builder) setBlock(raw *Inode, lb uint64, phys uint32) error {
	if lb < DirectBlocks {
		raw.Block[lb] = phys
		return nil
	}
	lb -= DirectBlocks
	per := uint64(b.bs / 4)
	span := per
	for _, slot := range []int{IndBlock, DIndBlock, TIndBlock} {
		if lb < span {
			if raw.Block[slot] == 0 {
				blk, err := b.dataBlock(raw)
				if err != nil {
					return err
				}
				raw.Block[slot] = blk
			}
			return b.setIndirect(raw, raw.Block[slot], lb, span/per, phys)
		}
		lb -= span
		span *= per
	}
	return vfs.ErrNoSpace
}

func (b *Builder) setIndirect(raw *Inode, blk uint32, idx, stride uint64, phys uint32) error {
	per := uint64(b.bs / 4)
	for {
		slot := b.block(blk)[idx/stride*4:]
		if stride == 1 {
			binary.LittleEndian.PutUint32(slot, phys)
			return nil
		}
		next := binary.LittleEndian.Uint32(slot)
		if next == 0 {
			var err error
			if next, err = b.dataBlock(raw); err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(slot, next)
		}
		blk, idx, stride = next, idx%stride, stride/per
	}
}

// mapBlock reads the block map the same way a mounted image does.
func (b *Builder) mapBlock(raw Inode, lb uint64) (uint32, error) {
	n := &node{fs: &FS{r: bytes.NewReader(b.img), blockSize: b.bs}, raw: raw}
	return n.blockMap(lb)
}

func putEntry(blk []byte, off int, e DirEntry, name string) {
	binary.LittleEndian.PutUint32(blk[off:], e.Inode)
	binary.LittleEndian.PutUint16(blk[off+4:], e.RecLen)
	blk[off+6] = e.NameLen
	blk[off+7] = e.FileType
	copy(blk[off+DirEntryHeaderSize:], name)
}

func (b *Builder) initDir(num, parent uint32, perm uint16) error {
	raw := b.newInode(ModeDir | perm)
	raw.LinksCount = 2
	blk, err := b.dataBlock(&raw)
	if err != nil {
		return err
	}
	raw.Block[0] = blk
	raw.SetFileSize(b.bs)
	data := b.block(blk)
	putEntry(data, 0, DirEntry{Inode: num, RecLen: 12, NameLen: 1, FileType: uint8(vfs.TypeDirectory)}, ".")
	putEntry(data, 12, DirEntry{Inode: parent, RecLen: uint16(b.bs - 12), NameLen: 2, FileType: uint8(vfs.TypeDirectory)}, "..")
	b.writeInode(num, &raw)
	return nil
}

// addEntry links child into dir as name, splitting slack off an existing
// record when one has room and growing the directory by a block otherwise.
func (b *Builder) addEntry(dir uint32, name string, child uint32, typ vfs.ObjectType) error {
	if name == "" || len(name) > vfs.MaxNameLen {
		return vfs.ErrInvalid
	}
	raw, err := b.readInode(dir)
	if err != nil {
		return err
	}
	if raw.Type() != vfs.TypeDirectory {
		return vfs.ErrNotDir
	}
	need := DirEntrySize(len(name))
	entry := DirEntry{Inode: child, NameLen: uint8(len(name)), FileType: uint8(typ)}
	nblocks := uint64(raw.FileSize() / b.bs)

	for lb := uint64(0); lb < nblocks; lb++ {
		blk, err := b.mapBlock(raw, lb)
		if err != nil {
			return err
		}
		data := b.block(blk)
		for off := 0; off < len(data); {
			rec := int(binary.LittleEndian.Uint16(data[off+4:]))
			ino := binary.LittleEndian.Uint32(data[off:])
			nlen := int(data[off+6])
			if ino != 0 && string(data[off+8:off+8+nlen]) == name {
				return vfs.ErrExist
			}
			used := 0
			if ino != 0 {
				used = DirEntrySize(nlen)
			}
			if rec-used >= need {
				if used > 0 {
					binary.LittleEndian.PutUint16(data[off+4:], uint16(used))
				}
				entry.RecLen = uint16(rec - used)
				putEntry(data, off+used, entry, name)
				return nil
			}
			off += rec
		}
	}

	blk, err := b.dataBlock(&raw)
	if err != nil {
		return err
	}
	if err := b.setBlock(&raw, nblocks, blk); err != nil {
		return err
	}
	entry.RecLen = uint16(b.bs)
	putEntry(b.block(blk), 0, entry, name)
	raw.SetFileSize(raw.FileSize() + b.bs)
	b.writeInode(dir, &raw)
	return nil
}

// Mkdir creates a directory under parent and returns its inode number.
func (b *Builder) Mkdir(parent uint32, name string, perm uint16) (uint32, error) {
	num, err := b.allocInode(true)
	if err != nil {
		return 0, err
	}
	if err := b.initDir(num, parent, perm); err != nil {
		return 0, err
	}
	if err := b.addEntry(parent, name, num, vfs.TypeDirectory); err != nil {
		return 0, err
	}
	praw, err := b.readInode(parent)
	if err != nil {
		return 0, err
	}
	praw.LinksCount++
	b.writeInode(parent, &praw)
	return num, nil
}

// WriteFile creates a regular file holding data. Blocks that are entirely
// zero are left as holes.
func (b *Builder) WriteFile(parent uint32, name string, data []byte, perm uint16) (uint32, error) {
	num, err := b.allocInode(false)
	if err != nil {
		return 0, err
	}
	raw := b.newInode(ModeReg | perm)
	zero := make([]byte, b.bs)
	for lb := uint64(0); int64(lb)*b.bs < int64(len(data)); lb++ {
		chunk := data[int64(lb)*b.bs : min(int64(len(data)), int64(lb+1)*b.bs)]
		if bytes.Equal(chunk, zero[:len(chunk)]) {
			continue
		}
		blk, err := b.dataBlock(&raw)
		if err != nil {
			return 0, err
		}
		copy(b.block(blk), chunk)
		if err := b.setBlock(&raw, lb, blk); err != nil {
			return 0, err
		}
	}
	raw.SetFileSize(int64(len(data)))
	b.writeInode(num, &raw)
	return num, b.addEntry(parent, name, num, vfs.TypeRegular)
}

// Symlink stores short targets inline in the block array.
func (b *Builder) Symlink(parent uint32, name, target string) (uint32, error) {
	if int64(len(target)) >= b.bs {
		return 0, vfs.ErrNameTooLong
	}
	num, err := b.allocInode(false)
	if err != nil {
		return 0, err
	}
	raw := b.newInode(ModeLink | 0o777)
	if len(target) < NBlocks*4 {
		var inline [NBlocks * 4]byte
		copy(inline[:], target)
		for i := range raw.Block {
			raw.Block[i] = binary.LittleEndian.Uint32(inline[i*4:])
		}
	} else {
		blk, err := b.dataBlock(&raw)
		if err != nil {
			return 0, err
		}
		copy(b.block(blk), target)
		raw.Block[0] = blk
	}
	raw.Size = uint32(len(target))
	b.writeInode(num, &raw)
	return num, b.addEntry(parent, name, num, vfs.TypeSymlink)
}

// Link adds another name for an existing non-directory inode.
func (b *Builder) Link(parent uint32, name string, num uint32) error {
	raw, err := b.readInode(num)
	if err != nil {
		return err
	}
	if raw.Type().IsDir() {
		return vfs.ErrPermission
	}
	if err := b.addEntry(parent, name, num, raw.Type()); err != nil {
		return err
	}
	raw.LinksCount++
	b.writeInode(num, &raw)
	return nil
}

// AddTree copies the directories and regular files of src under parent.
// Other file types are skipped.
func (b *Builder) AddTree(parent uint32, src fs.FS) error {
	dirs := map[string]uint32{".": parent}
	return fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == "." {
			return err
		}
		dir := dirs[path.Dir(p)]
		info, err := d.Info()
		if err != nil {
			return err
		}
		perm := uint16(info.Mode().Perm())
		switch {
		case d.IsDir():
			num, err := b.Mkdir(dir, d.Name(), perm)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			dirs[p] = num
		case d.Type().IsRegular():
			data, err := fs.ReadFile(src, p)
			if err != nil {
				return err
			}
			if _, err := b.WriteFile(dir, d.Name(), data, perm); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		default:
			logger.Debug("skipping", "path", p, "mode", d.Type())
		}
		return nil
	})
}

// Bytes writes the superblock and descriptor copies with up to date counts
// and returns the image.
func (b *Builder) Bytes() []byte {
	var freeBlocks, freeInodes uint32
	for g := range b.groups {
		gd := &b.groups[g]
		gd.FreeBlocksCount = uint16(b.blockBitmap(g).CountFree(b.blocksInGroup(g)))
		gd.FreeInodesCount = uint16(b.inodeBitmap(g).CountFree(int(b.super.InodesPerGroup)))
		freeBlocks += uint32(gd.FreeBlocksCount)
		freeInodes += uint32(gd.FreeInodesCount)
	}
	b.super.FreeBlocksCount = freeBlocks
	b.super.FreeInodesCount = freeInodes

	table := make([]byte, len(b.groups)*BlockGroupDescriptorSize)
	encode(table, b.groups)
	for g := range b.groups {
		base := int64(b.super.FirstDataBlock) + int64(g)*int64(b.super.BlocksPerGroup)
		sb := b.super
		sb.BlockGroupNr = uint16(g)
		off := base * b.bs
		if g == 0 {
			off = SuperblockOffset
		}
		encode(b.img[off:off+SuperblockSize], &sb)
		copy(b.img[(base+1)*b.bs:], table)
	}
	return b.img
}
