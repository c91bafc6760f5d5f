package vfs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error kinds. Backends return these bare; the Context wraps them in *Error.
var (
	ErrNotExist     error = unix.ENOENT
	ErrNotDir       error = unix.ENOTDIR
	ErrIsDir        error = unix.EISDIR
	ErrNotSupported error = unix.EOPNOTSUPP
	ErrInvalid      error = unix.EINVAL
	ErrNoSpace      error = unix.ENOSPC
	ErrExist        error = unix.EEXIST
	ErrBusy         error = unix.EBUSY
	ErrCrossDevice  error = unix.EXDEV
	ErrNotEmpty     error = unix.ENOTEMPTY
	ErrPermission   error = unix.EPERM
	ErrNameTooLong  error = unix.ENAMETOOLONG
	ErrIO           error = unix.EIO
)

// Error records the operation and path that failed.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Path: path, Err: err}
}

// Errno extracts the errno carried by err. Errors that carry none map to EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

const (
	OpResolve  = "resolve"
	OpLookup   = "lookup"
	OpCreate   = "create"
	OpMkdir    = "mkdir"
	OpLink     = "link"
	OpUnlink   = "unlink"
	OpOpen     = "open"
	OpRead     = "read"
	OpWrite    = "write"
	OpTruncate = "truncate"
	OpReadDir  = "readdir"
	OpMount    = "mount"
	OpStat     = "stat"
)
