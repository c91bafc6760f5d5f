package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"kvfs/pkg/boot"
	"kvfs/pkg/ext2"
	"kvfs/pkg/posix"
	"kvfs/pkg/vfs"
)

// readDir drains the directory open on fd.
func readDir(p *posix.Process, fd int) ([]vfs.Dirent, error) {
	var out []vfs.Dirent
	buf := make([]byte, 4096)
	for {
		n, err := p.Getdents(fd, buf)
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
		ents, err := vfs.DecodeDirents(buf[:n])
		if err != nil {
			return out, err
		}
		out = append(out, ents...)
	}
}

func pathErr(op, name string, err error) error {
	return fmt.Errorf("%s %s: %w", op, name, err)
}

func lsCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [path...]",
		Short: "List directory entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"/"}
			}
			return withSystem(func(_ *boot.System, p *posix.Process) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
				defer w.Flush()
				for _, name := range args {
					if len(args) > 1 {
						fmt.Fprintf(w, "%s:\n", name)
					}
					if err := list(w, p, name, long); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show mode, links, size and inode")
	return cmd
}

func list(w io.Writer, p *posix.Process, name string, long bool) error {
	fd, err := p.Open(name, int(vfs.O_RDONLY|vfs.O_DIRECTORY))
	if err != nil {
		return pathErr("ls", name, err)
	}
	defer p.Close(fd)
	ents, err := readDir(p, fd)
	if err != nil {
		return pathErr("ls", name, err)
	}
	for _, e := range ents {
		if !long {
			fmt.Fprintln(w, e.Name)
			continue
		}
		md, err := p.Fstatat(fd, e.Name)
		if err != nil {
			return pathErr("stat", path.Join(name, e.Name), err)
		}
		fmt.Fprintf(w, "%v\t%d\t%d\t%d\t%s\n", md.FileMode(), md.Nlink, md.Size, md.Ino, e.Name)
	}
	return nil
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat path...",
		Short: "Print file contents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(_ *boot.System, p *posix.Process) error {
				for _, name := range args {
					if err := cat(cmd.OutOrStdout(), p, name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func cat(w io.Writer, p *posix.Process, name string) error {
	fd, err := p.Open(name, int(vfs.O_RDONLY))
	if err != nil {
		return pathErr("cat", name, err)
	}
	defer p.Close(fd)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.Read(fd, buf)
		if err != nil {
			return pathErr("cat", name, err)
		}
		if n == 0 {
			return nil
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat path...",
		Short: "Show object metadata",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(func(_ *boot.System, p *posix.Process) error {
				w := cmd.OutOrStdout()
				for _, name := range args {
					md, err := p.Stat(name)
					if err != nil {
						return pathErr("stat", name, err)
					}
					fmt.Fprintf(w, "  File: %s\n", name)
					fmt.Fprintf(w, "  Type: %v\tSize: %d\tBlocks: %d\n", md.Type, md.Size, md.Blocks)
					fmt.Fprintf(w, " Inode: %d\tLinks: %d\tMode: %v\n", md.Ino, md.Nlink, md.FileMode())
					if md.Type.IsDevice() {
						fmt.Fprintf(w, "Device: %d,%d\n", unix.Major(md.Rdev), unix.Minor(md.Rdev))
					}
					fmt.Fprintf(w, "Access: %v\nModify: %v\nChange: %v\n", md.Atime, md.Mtime, md.Ctime)
				}
				return nil
			})
		},
	}
}

func treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree [path]",
		Short: "Print the tree below a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "/"
			if len(args) == 1 {
				name = args[0]
			}
			return withSystem(func(_ *boot.System, p *posix.Process) error {
				fd, err := p.Open(name, int(vfs.O_RDONLY|vfs.O_DIRECTORY))
				if err != nil {
					return pathErr("tree", name, err)
				}
				defer p.Close(fd)
				fmt.Fprintln(cmd.OutOrStdout(), name)
				return tree(cmd.OutOrStdout(), p, fd, "")
			})
		},
	}
}

func tree(w io.Writer, p *posix.Process, dirfd int, indent string) error {
	ents, err := readDir(p, dirfd)
	if err != nil {
		return err
	}
	for i, e := range ents {
		branch, next := "├── ", "│   "
		if i == len(ents)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintf(w, "%s%s%s\n", indent, branch, e.Name)
		if e.Type != vfs.TypeDirectory {
			continue
		}
		fd, err := p.Openat(dirfd, e.Name, int(vfs.O_RDONLY|vfs.O_DIRECTORY))
		if err != nil {
			fmt.Fprintf(w, "%s%s[%v]\n", indent, next, err)
			continue
		}
		err = tree(w, p, fd, indent+next)
		p.Close(fd)
		if err != nil {
			return err
		}
	}
	return nil
}

func mountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mounts",
		Short: "Show the mount table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSystem(func(s *boot.System, _ *posix.Process) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "TARGET\tFSTYPE\tMODE")
				for _, m := range s.Context.Mounts() {
					mode := "rw"
					if m.SuperBlock.ReadOnly() {
						mode = "ro"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", m.Path(), m.SuperBlock.FSType(), mode)
				}
				return nil
			})
		},
	}
}

func writeCmd() *cobra.Command {
	var appendMode bool
	cmd := &cobra.Command{
		Use:   "write path",
		Short: "Copy standard input into a file",
		Long: `write copies standard input into path, creating it if needed. The tree
only outlives the command where path lands on a host directory mount.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := vfs.O_WRONLY | vfs.O_CREAT
			if appendMode {
				flags |= vfs.O_APPEND
			} else {
				flags |= vfs.O_TRUNC
			}
			return withSystem(func(_ *boot.System, p *posix.Process) error {
				fd, err := p.Open(args[0], int(flags))
				if err != nil {
					return pathErr("write", args[0], err)
				}
				defer p.Close(fd)
				if appendMode {
					if _, err := p.Lseek(fd, 0, io.SeekEnd); err != nil {
						return pathErr("write", args[0], err)
					}
				}
				buf := make([]byte, 32*1024)
				for {
					n, rerr := cmd.InOrStdin().Read(buf)
					if n > 0 {
						if _, err := p.Write(fd, buf[:n]); err != nil {
							return pathErr("write", args[0], err)
						}
					}
					if errors.Is(rerr, io.EOF) {
						return nil
					}
					if rerr != nil {
						return rerr
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&appendMode, "append", "a", false, "Append instead of truncating")
	return cmd
}

func mkfsCmd() *cobra.Command {
	var (
		blockSize int
		size      string
		label     string
		inodes    uint32
	)
	cmd := &cobra.Command{
		Use:   "mkfs image [srcdir]",
		Short: "Build an ext2 image, optionally filled from a host directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bytes, err := parseSize(size)
			if err != nil {
				return err
			}
			b, err := ext2.NewBuilder(ext2.Options{
				BlockSize: blockSize,
				Blocks:    uint32(bytes / int64(blockSize)),
				Inodes:    inodes,
				Label:     label,
			})
			if err != nil {
				return err
			}
			if len(args) == 2 {
				if err := b.AddTree(ext2.RootIno, os.DirFS(args[1])); err != nil {
					return fmt.Errorf("copy %s: %w", args[1], err)
				}
			}
			return os.WriteFile(args[0], b.Bytes(), 0o644)
		},
	}
	cmd.Flags().IntVar(&blockSize, "block-size", 1024, "Block size: 1024, 2048 or 4096")
	cmd.Flags().StringVar(&size, "size", "8M", "Image size (K, M and G suffixes)")
	cmd.Flags().StringVar(&label, "label", "", "Volume label")
	cmd.Flags().Uint32Var(&inodes, "inodes", 0, "Inode count (default: one per four blocks)")
	return cmd
}

func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	}
	num := strings.TrimRight(s, "KMG")
	var n int64
	if _, err := fmt.Sscanf(num, "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return n * mult, nil
}
