//go:build linux

package hostfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kvfs/pkg/memfs"
	"kvfs/pkg/mm"
	"kvfs/pkg/vfs"
)

func setup(t *testing.T, flags vfs.MountFlags) (*vfs.Context, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("host data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	fs, err := New(dir, flags)
	if err != nil {
		t.Fatal(err)
	}
	ctx := vfs.NewContext(memfs.New(mm.NewFramePool(mm.Config{}), 0))
	if err := ctx.Mkdir(nil, "/host"); err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.Mount("/host", fs.SuperBlock()); err != nil {
		t.Fatal(err)
	}
	return ctx, dir
}

func TestReadHostFile(t *testing.T) {
	ctx, _ := setup(t, 0)
	f, err := ctx.Open(nil, "/host/a.txt", vfs.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil || string(got) != "host data" {
		t.Errorf("read %q, %v", got, err)
	}
	st, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 9 || st.Type != vfs.TypeRegular || st.Mode != 0o644 {
		t.Errorf("stat = %+v", st)
	}
}

func TestListing(t *testing.T) {
	ctx, _ := setup(t, 0)
	ents, err := ctx.ReadDirAll(nil, "/host")
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
	want := []rec{{"a.txt", vfs.TypeRegular}, {"sub", vfs.TypeDirectory}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}
}

func TestWriteThrough(t *testing.T) {
	ctx, dir := setup(t, 0)
	f, err := ctx.Open(nil, "/host/sub/new.txt", vfs.O_CREAT|vfs.O_WRONLY)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("written")); err != nil {
		t.Fatal(err)
	}
	f.Close()
	got, err := os.ReadFile(filepath.Join(dir, "sub", "new.txt"))
	if err != nil || string(got) != "written" {
		t.Errorf("host sees %q, %v", got, err)
	}

	if err := ctx.Link(nil, "/host/sub/new.txt", "/host/alias"); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Truncate(nil, "/host/alias", 3); err != nil {
		t.Fatal(err)
	}
	st, err := ctx.Stat(nil, "/host/sub/new.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 3 || st.Nlink != 2 {
		t.Errorf("after truncate via link: size %d nlink %d", st.Size, st.Nlink)
	}

	if err := ctx.Unlink(nil, "/host/sub"); !errors.Is(err, vfs.ErrNotEmpty) {
		t.Errorf("rmdir non-empty = %v", err)
	}
	if err := ctx.Unlink(nil, "/host/sub/new.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub", "new.txt")); !os.IsNotExist(err) {
		t.Errorf("host file still present: %v", err)
	}
}

func TestUnlinkFirstName(t *testing.T) {
	ctx, _ := setup(t, 0)
	if _, err := ctx.Stat(nil, "/host/a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Link(nil, "/host/a.txt", "/host/b.txt"); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Unlink(nil, "/host/a.txt"); err != nil {
		t.Fatal(err)
	}

	st, err := ctx.Stat(nil, "/host/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 9 || st.Type != vfs.TypeRegular || st.Nlink != 1 {
		t.Errorf("stat b.txt = size %d type %v nlink %d", st.Size, st.Type, st.Nlink)
	}
	f, err := ctx.Open(nil, "/host/b.txt", vfs.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil || string(got) != "host data" {
		t.Errorf("read b.txt = %q, %v", got, err)
	}
	if err := ctx.Truncate(nil, "/host/b.txt", 4); err != nil {
		t.Errorf("truncate b.txt: %v", err)
	}
}

func TestCreateUnderFile(t *testing.T) {
	ctx, _ := setup(t, 0)
	n, err := ctx.Resolve(nil, "/host/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer n.DecRef()
	if _, err := n.Inode().CreateNode(n, "x", vfs.TypeRegular); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("create under file = %v, want EOPNOTSUPP", err)
	}
}

func TestReadOnlyExport(t *testing.T) {
	ctx, _ := setup(t, vfs.MountReadOnly)
	if _, err := ctx.Open(nil, "/host/a.txt", vfs.O_WRONLY); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("open for write = %v", err)
	}
	if err := ctx.Mkdir(nil, "/host/d"); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("mkdir = %v", err)
	}
	if _, err := ctx.Resolve(nil, "/host/missing"); !errors.Is(err, vfs.ErrNotExist) {
		t.Errorf("missing = %v", err)
	}
}

func TestNewRejectsFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(p, 0); !errors.Is(err, vfs.ErrNotDir) {
		t.Errorf("New(file) = %v", err)
	}
}
