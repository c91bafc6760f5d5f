package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kvfs/pkg/boot"
	"kvfs/pkg/ext2"
	"kvfs/pkg/posix"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64K", 64 << 10},
		{"8M", 8 << 20},
		{"1G", 1 << 30},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseSize(%q) = (%d, %v), want %d", tt.in, got, err, tt.want)
		}
	}
	for _, bad := range []string{"", "M", "-1K", "x"} {
		if _, err := parseSize(bad); err == nil {
			t.Errorf("parseSize(%q) succeeded", bad)
		}
	}
}

func bootImage(t *testing.T) *posix.Process {
	t.Helper()
	b, err := ext2.NewBuilder(ext2.Options{BlockSize: 1024, Blocks: 1024})
	if err != nil {
		t.Fatal(err)
	}
	etc, err := b.Mkdir(ext2.RootIno, "etc", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteFile(etc, "hosts", []byte("127.0.0.1 localhost\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteFile(ext2.RootIno, "README", []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	img := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(img, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := boot.Boot(boot.Config{
		Log:    boot.LogConfig{Level: "off"},
		Mounts: []boot.MountConfig{{Target: "/mnt", FSType: "ext2", Source: img}},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := posix.NewProcess(s.Context)
	t.Cleanup(func() {
		p.Exit()
		s.Close()
	})
	return p
}

func TestCatAndList(t *testing.T) {
	p := bootImage(t)
	var out bytes.Buffer
	if err := cat(&out, p, "/mnt/etc/hosts"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "127.0.0.1 localhost\n" {
		t.Errorf("cat = %q", got)
	}

	out.Reset()
	if err := list(&out, p, "/mnt", false); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"etc", "README"}, strings.Fields(out.String())); diff != "" {
		t.Errorf("ls (-want +got):\n%s", diff)
	}
	if err := cat(&out, p, "/mnt/missing"); err == nil {
		t.Error("cat of missing file succeeded")
	}
}

func TestTree(t *testing.T) {
	p := bootImage(t)
	fd, err := p.Open("/mnt", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(fd)
	var out bytes.Buffer
	if err := tree(&out, p, fd, ""); err != nil {
		t.Fatal(err)
	}
	want := "├── etc\n│   └── hosts\n└── README\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("tree (-want +got):\n%s", diff)
	}
}
