// Package devices holds the stock character devices registered under /dev at
// boot.
package devices

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"kvfs/pkg/devfs"
	"kvfs/pkg/logging"
	"kvfs/pkg/vfs"
)

var logger = logging.For("devices")

// Null discards writes and reads as end of file.
func Null() *devfs.Device {
	return &devfs.Device{Name: "null", Kind: devfs.Char, ID: devfs.Mkdev(1, 3), Ops: &devfs.Operations{
		Read: func(*devfs.Device, *vfs.File, []byte, int64) (int, error) {
			return 0, io.EOF
		},
		Write: func(_ *devfs.Device, _ *vfs.File, buf []byte, _ int64) (int, error) {
			return len(buf), nil
		},
	}}
}

func readZeros(_ *devfs.Device, _ *vfs.File, buf []byte, _ int64) (int, error) {
	clear(buf)
	return len(buf), nil
}

// Zero reads as an endless run of zero bytes and discards writes.
func Zero() *devfs.Device {
	return &devfs.Device{Name: "zero", Kind: devfs.Char, ID: devfs.Mkdev(1, 5), Ops: &devfs.Operations{
		Read: readZeros,
		Write: func(_ *devfs.Device, _ *vfs.File, buf []byte, _ int64) (int, error) {
			return len(buf), nil
		},
	}}
}

// Full reads like Zero and rejects every write with ENOSPC.
func Full() *devfs.Device {
	return &devfs.Device{Name: "full", Kind: devfs.Char, ID: devfs.Mkdev(1, 7), Ops: &devfs.Operations{
		Read: readZeros,
		Write: func(*devfs.Device, *vfs.File, []byte, int64) (int, error) {
			return 0, vfs.ErrNoSpace
		},
	}}
}

// Console forwards reads to in and writes to out. Either may be nil, in which
// case the matching hook is absent.
func Console(in io.Reader, out io.Writer) *devfs.Device {
	ops := &devfs.Operations{}
	if in != nil {
		ops.Read = func(_ *devfs.Device, _ *vfs.File, buf []byte, _ int64) (int, error) {
			return in.Read(buf)
		}
	}
	if out != nil {
		ops.Write = func(_ *devfs.Device, _ *vfs.File, buf []byte, _ int64) (int, error) {
			return out.Write(buf)
		}
	}
	return &devfs.Device{Name: "console", Kind: devfs.Char, ID: devfs.Mkdev(5, 1), Ops: ops}
}

// Kmsg turns every write into a log record.
func Kmsg() *devfs.Device {
	return &devfs.Device{Name: "kmsg", Kind: devfs.Char, ID: devfs.Mkdev(1, 11), Ops: &devfs.Operations{
		Write: func(_ *devfs.Device, _ *vfs.File, buf []byte, _ int64) (int, error) {
			logger.Info(strings.TrimRight(string(buf), "\n"), "source", "kmsg")
			return len(buf), nil
		},
	}}
}

var drivers = map[string]func() *devfs.Device{
	"null":    Null,
	"zero":    Zero,
	"full":    Full,
	"kmsg":    Kmsg,
	"console": func() *devfs.Device { return Console(os.Stdin, os.Stdout) },
}

// New builds a device from the named driver and registers it under name.
func New(driver, name string) (*devfs.Device, error) {
	mk, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown device driver %q (have %s)", driver, strings.Join(Drivers(), ", "))
	}
	d := mk()
	if name != "" {
		d.Name = name
	}
	return d, nil
}

// Drivers lists the known driver names.
func Drivers() []string {
	out := make([]string, 0, len(drivers))
	for k := range drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
