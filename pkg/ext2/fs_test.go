package ext2

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"kvfs/pkg/memfs"
	"kvfs/pkg/mm"
	"kvfs/pkg/vfs"
)

// pattern returns n bytes that differ from block to block.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/1024)
	}
	return b
}

type image struct {
	data  []byte
	files map[string][]byte
}

func buildImage(t *testing.T, bs int) image {
	t.Helper()
	b, err := NewBuilder(Options{BlockSize: bs, Blocks: uint32(1 << 20 / bs), Label: "kvfs-test"})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	files := map[string][]byte{
		"hello.txt":    []byte("hello, ext2\n"),
		"docs/big.bin": pattern(300 << 10),
		"docs/sparse":  append(make([]byte, 3*bs), []byte("tail")...),
		"docs/empty":   nil,
	}
	hello, err := b.WriteFile(RootIno, "hello.txt", files["hello.txt"], 0o644)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := b.Mkdir(RootIno, "docs", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"big.bin", "sparse", "empty"} {
		if _, err := b.WriteFile(docs, name, files["docs/"+name], 0o600); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
	links, err := b.Mkdir(RootIno, "links", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Link(links, "hello-again", hello); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Symlink(links, "to-hello", "../hello.txt"); err != nil {
		t.Fatal(err)
	}
	return image{data: b.Bytes(), files: files}
}

func mountImage(t *testing.T, img []byte) (*vfs.Context, *FS) {
	t.Helper()
	pool := mm.NewFramePool(mm.Config{})
	ctx := vfs.NewContext(memfs.New(pool, 0))
	if err := ctx.Mkdir(nil, "/mnt"); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(bytes.NewReader(img), pool)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := ctx.Mount("/mnt", fs.SuperBlock()); err != nil {
		t.Fatal(err)
	}
	return ctx, fs
}

func readFile(t *testing.T, ctx *vfs.Context, path string) []byte {
	t.Helper()
	f, err := ctx.Open(nil, path, vfs.O_RDONLY)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestReadFiles(t *testing.T) {
	for _, bs := range []int{1024, 2048, 4096} {
		t.Run(fmt.Sprint(bs), func(t *testing.T) {
			img := buildImage(t, bs)
			ctx, _ := mountImage(t, img.data)
			for name, want := range img.files {
				got := readFile(t, ctx, "/mnt/"+name)
				if !bytes.Equal(got, want) {
					t.Errorf("%s: read %d bytes, want %d, contents differ", name, len(got), len(want))
				}
			}
		})
	}
}

func TestReadAcrossPages(t *testing.T) {
	img := buildImage(t, 1024)
	ctx, _ := mountImage(t, img.data)
	f, err := ctx.Open(nil, "/mnt/docs/big.bin", vfs.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	want := img.files["docs/big.bin"]
	for _, off := range []int64{0, vfs.PageSize - 3, 12 * 1024, 270 * 1024, int64(len(want)) - 5} {
		got := make([]byte, 10)
		n, err := f.ReadAt(got, off)
		if err != nil && err != io.EOF {
			t.Fatalf("ReadAt(%d): %v", off, err)
		}
		if !bytes.Equal(got[:n], want[off:off+int64(n)]) {
			t.Errorf("ReadAt(%d) = %x", off, got[:n])
		}
	}
}

func TestListing(t *testing.T) {
	img := buildImage(t, 1024)
	ctx, _ := mountImage(t, img.data)
	ents, err := ctx.ReadDirAll(nil, "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	type rec struct {
		Name string
		Type vfs.ObjectType
	}
	var got []rec
	for _, e := range ents {
		got = append(got, rec{e.Name, e.Type})
	}
	want := []rec{{"hello.txt", vfs.TypeRegular}, {"docs", vfs.TypeDirectory}, {"links", vfs.TypeDirectory}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("/mnt (-want +got):\n%s", diff)
	}

	ents, err = ctx.ReadDirAll(nil, "/mnt/links")
	if err != nil {
		t.Fatal(err)
	}
	got = got[:0]
	for _, e := range ents {
		got = append(got, rec{e.Name, e.Type})
	}
	want = []rec{{"hello-again", vfs.TypeRegular}, {"to-hello", vfs.TypeSymlink}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("/mnt/links (-want +got):\n%s", diff)
	}
}

func TestHardLinkAndSymlink(t *testing.T) {
	img := buildImage(t, 1024)
	ctx, _ := mountImage(t, img.data)
	a, err := ctx.Resolve(nil, "/mnt/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer a.DecRef()
	b, err := ctx.Resolve(nil, "/mnt/links/hello-again")
	if err != nil {
		t.Fatal(err)
	}
	defer b.DecRef()
	if a.Inode() != b.Inode() {
		t.Error("hard links resolve to different inodes")
	}
	if st := a.Inode().Metadata(); st.Nlink != 2 || st.Mode != 0o644 {
		t.Errorf("hello.txt nlink=%d mode=%o", st.Nlink, st.Mode)
	}

	l, err := ctx.Resolve(nil, "/mnt/links/to-hello")
	if err != nil {
		t.Fatal(err)
	}
	defer l.DecRef()
	st := l.Inode().Metadata()
	if st.Type != vfs.TypeSymlink || st.Size != int64(len("../hello.txt")) {
		t.Errorf("symlink stat = %+v", st)
	}
	p, err := l.Inode().ReadPage(t.Context(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(p[:st.Size]); got != "../hello.txt" {
		t.Errorf("symlink target %q", got)
	}
}

func TestStatfs(t *testing.T) {
	img := buildImage(t, 1024)
	_, fs := mountImage(t, img.data)
	st, err := fs.Statfs()
	if err != nil {
		t.Fatal(err)
	}
	super := fs.Super()
	if st.FreeBlocks != uint64(super.FreeBlocksCount) || st.FreeInodes != uint64(super.FreeInodesCount) {
		t.Errorf("statfs %+v disagrees with superblock free counts %d/%d", st, super.FreeBlocksCount, super.FreeInodesCount)
	}
	if st.FreeBlocks == 0 || st.FreeBlocks >= st.Blocks {
		t.Errorf("implausible free blocks %d of %d", st.FreeBlocks, st.Blocks)
	}
	// root, hello, docs, 3 files, links, symlink.
	if used := st.Inodes - st.FreeInodes; used != FirstIno-1+7 {
		t.Errorf("used inodes = %d", used)
	}
	if err := fs.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
	if got := cstring(super.VolumeName[:]); got != "kvfs-test" {
		t.Errorf("volume %q", got)
	}
}

func TestMultipleGroups(t *testing.T) {
	b, err := NewBuilder(Options{BlockSize: 1024, Blocks: 2*8192 + 1, Inodes: 32})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{}
	for i := range 20 {
		name := fmt.Sprintf("f%02d", i)
		want[name] = name + " contents"
		if _, err := b.WriteFile(RootIno, name, []byte(want[name]), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
	ctx, fs := mountImage(t, b.Bytes())
	super := fs.Super()
	if super.GroupCount() != 2 {
		t.Fatalf("groups = %d", super.GroupCount())
	}
	for name, contents := range want {
		if got := string(readFile(t, ctx, "/mnt/"+name)); got != contents {
			t.Errorf("%s = %q", name, got)
		}
	}
	n, err := ctx.Resolve(nil, "/mnt/f19")
	if err != nil {
		t.Fatal(err)
	}
	defer n.DecRef()
	if ino := n.Inode().Ino(); ino <= uint64(fs.Super().InodesPerGroup) {
		t.Errorf("f19 has inode %d, expected one from the second group", ino)
	}
	if err := fs.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestReadOnly(t *testing.T) {
	img := buildImage(t, 1024)
	ctx, _ := mountImage(t, img.data)
	if err := ctx.Mkdir(nil, "/mnt/new"); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("mkdir = %v", err)
	}
	if _, err := ctx.Open(nil, "/mnt/hello.txt", vfs.O_WRONLY); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("open for write = %v", err)
	}
	if err := ctx.Truncate(nil, "/mnt/hello.txt", 0); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("truncate = %v", err)
	}
	n, err := ctx.Resolve(nil, "/mnt/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer n.DecRef()
	if _, err := n.Inode().RawData(); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("raw data = %v", err)
	}
	if _, err := ctx.Resolve(nil, "/mnt/missing"); !errors.Is(err, vfs.ErrNotExist) {
		t.Errorf("missing = %v", err)
	}
	if _, err := ctx.Resolve(nil, "/mnt/hello.txt/x"); !errors.Is(err, vfs.ErrNotDir) {
		t.Errorf("through file = %v", err)
	}
}

func TestMountRejects(t *testing.T) {
	img := buildImage(t, 1024).data
	bad := bytes.Clone(img)
	bad[SuperblockOffset+56] = 0
	if _, err := Mount(bytes.NewReader(bad), mm.NewFramePool(mm.Config{})); !errors.Is(err, vfs.ErrInvalid) {
		t.Errorf("bad magic: %v", err)
	}
	bad = bytes.Clone(img)
	bad[SuperblockOffset+96] |= IncompatCompression
	if _, err := Mount(bytes.NewReader(bad), mm.NewFramePool(mm.Config{})); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("compression: %v", err)
	}
	if _, err := Mount(bytes.NewReader(img[:512]), mm.NewFramePool(mm.Config{})); err == nil {
		t.Error("truncated image mounted")
	}
}

func TestAddTree(t *testing.T) {
	src := fstest.MapFS{
		"etc/motd":       {Data: []byte("welcome\n"), Mode: 0o644},
		"etc/conf/a.yml": {Data: []byte("a: 1\n"), Mode: 0o600},
		"bin/tool":       {Data: pattern(5000), Mode: 0o755},
	}
	b, err := NewBuilder(Options{BlockSize: 4096, Blocks: 256})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.AddTree(RootIno, src); err != nil {
		t.Fatalf("AddTree: %v", err)
	}
	ctx, _ := mountImage(t, b.Bytes())
	for name, f := range src {
		if got := readFile(t, ctx, "/mnt/"+name); !bytes.Equal(got, f.Data) {
			t.Errorf("%s differs", name)
		}
	}
	st, err := ctx.Stat(nil, "/mnt/bin/tool")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != 0o755 {
		t.Errorf("mode %o", st.Mode)
	}
}

func TestDirectoryGrowth(t *testing.T) {
	b, err := NewBuilder(Options{BlockSize: 1024, Blocks: 4096})
	if err != nil {
		t.Fatal(err)
	}
	var want []string
	for i := range 120 {
		name := fmt.Sprintf("entry-with-a-longish-name-%03d", i)
		want = append(want, name)
		if _, err := b.WriteFile(RootIno, name, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.WriteFile(RootIno, want[0], nil, 0o644); !errors.Is(err, vfs.ErrExist) {
		t.Errorf("duplicate = %v", err)
	}
	ctx, fs := mountImage(t, b.Bytes())
	root := fs.SuperBlock().Root()
	if root.Metadata().Size <= 1024 {
		t.Fatalf("root did not grow: %d", root.Metadata().Size)
	}
	ents, err := ctx.ReadDirAll(nil, "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range ents {
		got = append(got, e.Name)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}
}
