package overlay

import (
	"errors"
	"strings"

	"kvfs/pkg/vfs"
)

// WhiteoutStyle selects how a deletion of a lower entry is recorded in the
// upper layer.
type WhiteoutStyle int

const (
	// WhiteoutFilePrefix records a deleted name as an empty ".wh.<name>" file.
	WhiteoutFilePrefix WhiteoutStyle = iota
	// WhiteoutCharDevice records it as a 0/0 character device under the name.
	WhiteoutCharDevice
)

func ParseWhiteoutStyle(s string) (WhiteoutStyle, error) {
	switch strings.ToLower(s) {
	case "", "fileprefix":
		return WhiteoutFilePrefix, nil
	case "chardev":
		return WhiteoutCharDevice, nil
	}
	return 0, errors.New("unknown whiteout style: " + s)
}

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

func isWhiteoutName(name string) bool {
	return strings.HasPrefix(name, whiteoutPrefix)
}

func whiteoutTarget(name string) string {
	return strings.TrimPrefix(name, whiteoutPrefix)
}

func isCharWhiteout(ino *vfs.Inode) bool {
	return ino.Type() == vfs.TypeCharDevice && ino.Metadata().Rdev == 0
}

// lookupIn returns the inode name refers to in dir with a reference the
// caller owns, or nil when there is no such entry.
func lookupIn(dir *vfs.Inode, name string) (*vfs.Inode, error) {
	tmp := vfs.NewPathNode("", nil, dir)
	defer tmp.DecRef()
	pn, err := dir.Lookup(tmp, name)
	if errors.Is(err, vfs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ino := pn.Effective()
	ino.IncRef()
	pn.DecRef()
	return ino, nil
}

func createIn(dir *vfs.Inode, name string, typ vfs.ObjectType) (*vfs.Inode, error) {
	tmp := vfs.NewPathNode("", nil, dir)
	defer tmp.DecRef()
	pn, err := dir.CreateNode(tmp, name, typ)
	if err != nil {
		return nil, err
	}
	ino := pn.Inode()
	ino.IncRef()
	pn.DecRef()
	return ino, nil
}

func exists(dir *vfs.Inode, name string) bool {
	ino, _ := lookupIn(dir, name)
	if ino == nil {
		return false
	}
	ino.DecRef()
	return true
}

// whitedOut reports whether the upper directory u hides name.
func whitedOut(u *vfs.Inode, name string) bool {
	if w, _ := lookupIn(u, whiteoutPrefix+name); w != nil {
		reg := w.Type() == vfs.TypeRegular
		w.DecRef()
		if reg {
			return true
		}
	}
	c, _ := lookupIn(u, name)
	if c == nil {
		return false
	}
	defer c.DecRef()
	return isCharWhiteout(c)
}

func isOpaque(u *vfs.Inode) bool {
	return u != nil && exists(u, opaqueMarker)
}

func createWhiteout(u *vfs.Inode, name string, style WhiteoutStyle) error {
	var (
		ino *vfs.Inode
		err error
	)
	switch style {
	case WhiteoutCharDevice:
		ino, err = createIn(u, name, vfs.TypeCharDevice)
	default:
		ino, err = createIn(u, whiteoutPrefix+name, vfs.TypeRegular)
	}
	if err != nil {
		return err
	}
	ino.DecRef()
	return nil
}

func removeWhiteout(u *vfs.Inode, name string) error {
	if exists(u, whiteoutPrefix+name) {
		if err := u.Unlink(whiteoutPrefix + name); err != nil {
			return err
		}
	}
	if c, _ := lookupIn(u, name); c != nil {
		wh := isCharWhiteout(c)
		c.DecRef()
		if wh {
			return u.Unlink(name)
		}
	}
	return nil
}

func setOpaque(u *vfs.Inode) error {
	ino, err := createIn(u, opaqueMarker, vfs.TypeRegular)
	if err != nil {
		return err
	}
	ino.DecRef()
	return nil
}
