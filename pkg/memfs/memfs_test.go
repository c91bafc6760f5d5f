package memfs

import (
	"bytes"
	"errors"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kvfs/pkg/mm"
	"kvfs/pkg/vfs"
)

func newTree(t *testing.T, limit int) (*vfs.Context, *mm.FramePool) {
	t.Helper()
	pool := mm.NewFramePool(mm.Config{Limit: limit})
	return vfs.NewContext(New(pool, 0)), pool
}

func TestCreateThenReadDirectory(t *testing.T) {
	ctx, _ := newTree(t, 0)
	d := ctx.Root().Inode()

	n, err := d.CreateNode(ctx.Root(), "a.txt", vfs.TypeRegular)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	defer n.DecRef()

	buf := make([]byte, 64)
	written, next, err := d.ReadDirectory(0, buf)
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	got, size, err := vfs.DecodeDirent(buf[:written])
	if err != nil {
		t.Fatalf("DecodeDirent: %v", err)
	}
	want := vfs.Dirent{Ino: uint32(n.Inode().Ino()), Next: next, Type: vfs.TypeRegular, Name: "a.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if size != written || size%vfs.DirentAlign != 0 {
		t.Errorf("record size %d, written %d", size, written)
	}

	written, again, err := d.ReadDirectory(next, buf)
	if err != nil || written != 0 || again != next {
		t.Errorf("second ReadDirectory = (%d, %d, %v), want (0, %d, nil)", written, again, err, next)
	}
}

func TestCreateDuplicate(t *testing.T) {
	ctx, _ := newTree(t, 0)
	if err := ctx.Mkdir(nil, "/d"); err != nil {
		t.Fatal(err)
	}
	err := ctx.Mkdir(nil, "/d")
	if !errors.Is(err, vfs.ErrExist) {
		t.Fatalf("second Mkdir = %v, want EEXIST", err)
	}
}

func TestWriteReadPages(t *testing.T) {
	ctx, pool := newTree(t, 0)
	f, err := ctx.Open(nil, "/data", vfs.O_RDWR|vfs.O_CREAT)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	payload := bytes.Repeat([]byte("kvfs"), 1500)
	off := int64(vfs.PageSize - 10)
	if n, err := f.WriteAt(payload, off); err != nil || n != len(payload) {
		t.Fatalf("WriteAt = (%d, %v)", n, err)
	}
	st, _ := f.Stat()
	if st.Size != off+int64(len(payload)) {
		t.Errorf("size = %d, want %d", st.Size, off+int64(len(payload)))
	}
	if pool.InUse() != 3 {
		t.Errorf("pages in use = %d, want 3", pool.InUse())
	}

	got := make([]byte, st.Size)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[:off], make([]byte, off)) {
		t.Error("hole before write is not zero-filled")
	}
	if !bytes.Equal(got[off:], payload) {
		t.Error("payload mismatch")
	}
	if _, err := f.ReadAt(got[:1], st.Size); err != io.EOF {
		t.Errorf("read past end = %v, want EOF", err)
	}
}

func TestConcurrentPageFaults(t *testing.T) {
	const pages = 4
	ctx, pool := newTree(t, 0)
	f, err := ctx.Open(nil, "/sparse", vfs.O_RDWR|vfs.O_CREAT)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(pages * vfs.PageSize); err != nil {
		t.Fatal(err)
	}

	const workers = 16
	seen := make([][pages]*vfs.Page, workers)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, pages*vfs.PageSize)
			if _, err := f.ReadAt(buf, 0); err != nil {
				t.Errorf("worker %d: ReadAt: %v", w, err)
			}
			for pg := range pages {
				p, err := f.Inode().ReadPage(context.Background(), uint64(pg))
				if err != nil {
					t.Errorf("worker %d: ReadPage(%d): %v", w, pg, err)
				}
				seen[w][pg] = p
			}
		}()
	}
	wg.Wait()

	if got := pool.InUse(); got != pages {
		t.Errorf("pages in use = %d, want %d", got, pages)
	}
	for w := 1; w < workers; w++ {
		if seen[w] != seen[0] {
			t.Errorf("worker %d saw different frames than worker 0", w)
		}
	}
}

func TestTruncateKeepsPages(t *testing.T) {
	ctx, pool := newTree(t, 0)
	f, err := ctx.Open(nil, "/f", vfs.O_RDWR|vfs.O_CREAT)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(2); err != nil {
		t.Fatal(err)
	}
	st, _ := f.Stat()
	if st.Size != 2 {
		t.Errorf("size = %d, want 2", st.Size)
	}
	if pool.InUse() != 1 {
		t.Errorf("pages in use = %d, want 1", pool.InUse())
	}
}

func TestUnsupported(t *testing.T) {
	ctx, _ := newTree(t, 0)
	if err := ctx.Mkdir(nil, "/d"); err != nil {
		t.Fatal(err)
	}
	n, err := ctx.Resolve(nil, "/d")
	if err != nil {
		t.Fatal(err)
	}
	defer n.DecRef()

	before := n.Inode().Metadata()
	for range 2 {
		if err := n.Inode().Truncate(10); !errors.Is(err, vfs.ErrNotSupported) {
			t.Errorf("Truncate(dir) = %v, want ENOTSUP", err)
		}
		if _, err := n.Inode().RawData(); !errors.Is(err, vfs.ErrNotSupported) {
			t.Errorf("RawData = %v, want ENOTSUP", err)
		}
	}
	if diff := cmp.Diff(before, n.Inode().Metadata()); diff != "" {
		t.Errorf("metadata changed (-before +after):\n%s", diff)
	}
}

func TestLinkUnlinkRelease(t *testing.T) {
	ctx, pool := newTree(t, 0)
	f, err := ctx.Open(nil, "/orig", vfs.O_WRONLY|vfs.O_CREAT)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("shared")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := ctx.Link(nil, "/orig", "/alias"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	st, err := ctx.Stat(nil, "/alias")
	if err != nil {
		t.Fatal(err)
	}
	if st.Nlink != 2 || st.Size != 6 {
		t.Errorf("alias nlink=%d size=%d, want 2 and 6", st.Nlink, st.Size)
	}

	if err := ctx.Unlink(nil, "/orig"); err != nil {
		t.Fatalf("Unlink orig: %v", err)
	}
	if pool.InUse() != 1 {
		t.Errorf("pages freed while a link remains")
	}
	if err := ctx.Unlink(nil, "/alias"); err != nil {
		t.Fatalf("Unlink alias: %v", err)
	}
	if pool.InUse() != 0 {
		t.Errorf("pages in use after last unlink = %d", pool.InUse())
	}
	if _, err := ctx.Stat(nil, "/alias"); !errors.Is(err, vfs.ErrNotExist) {
		t.Errorf("Stat after unlink = %v, want ENOENT", err)
	}
}

func TestUnlinkNonEmptyDir(t *testing.T) {
	ctx, _ := newTree(t, 0)
	if err := ctx.MkdirAll(nil, "/a/b"); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Unlink(nil, "/a"); !errors.Is(err, vfs.ErrNotEmpty) {
		t.Errorf("Unlink(/a) = %v, want ENOTEMPTY", err)
	}
	if err := ctx.Unlink(nil, "/a/b"); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Unlink(nil, "/a"); err != nil {
		t.Errorf("Unlink(/a) after emptying: %v", err)
	}
}

func TestPoolExhaustion(t *testing.T) {
	ctx, _ := newTree(t, 1)
	f, err := ctx.Open(nil, "/big", vfs.O_WRONLY|vfs.O_CREAT)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n, err := f.Write(make([]byte, 2*vfs.PageSize))
	if !errors.Is(err, vfs.ErrNoSpace) {
		t.Fatalf("Write = %v, want ENOSPC", err)
	}
	if n != vfs.PageSize {
		t.Errorf("short write = %d, want %d", n, vfs.PageSize)
	}
	st, _ := f.Stat()
	if st.Size != vfs.PageSize {
		t.Errorf("size = %d, want %d", st.Size, vfs.PageSize)
	}
}
