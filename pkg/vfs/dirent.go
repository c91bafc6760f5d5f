package vfs

import (
	"encoding/binary"
)

// Directory Entry Record layout, little-endian, packed:
//
//	0  inode id    u32 (0 if unused)
//	4  next offset u64
//	12 type        u8
//	13 name length u8
//	14 record size u32
//	18 name, then zero padding to a multiple of 8
const (
	DirentHeaderSize = 18
	DirentAlign      = 8
	MaxNameLen       = 255
)

// Dirent is one decoded Directory Entry Record.
type Dirent struct {
	Ino  uint32
	Next int64
	Type ObjectType
	Name string
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// DirentSize is the record size for a name of nameLen bytes.
func DirentSize(nameLen int) int {
	return alignUp(DirentHeaderSize+nameLen, DirentAlign)
}

// Size is the encoded size of d.
func (d Dirent) Size() int {
	return DirentSize(len(d.Name))
}

// EncodeDirent writes d at the start of buf and returns the record size.
func EncodeDirent(buf []byte, d Dirent) (int, error) {
	if len(d.Name) > MaxNameLen {
		return 0, ErrNameTooLong
	}
	reclen := d.Size()
	if len(buf) < reclen {
		return 0, ErrInvalid
	}
	binary.LittleEndian.PutUint32(buf[0:], d.Ino)
	binary.LittleEndian.PutUint64(buf[4:], uint64(d.Next))
	buf[12] = byte(d.Type)
	buf[13] = byte(len(d.Name))
	binary.LittleEndian.PutUint32(buf[14:], uint32(reclen))
	n := copy(buf[DirentHeaderSize:], d.Name)
	clear(buf[DirentHeaderSize+n : reclen])
	return reclen, nil
}

// DecodeDirent parses the record at the start of buf.
func DecodeDirent(buf []byte) (Dirent, int, error) {
	if len(buf) < DirentHeaderSize {
		return Dirent{}, 0, ErrInvalid
	}
	nameLen := int(buf[13])
	reclen := int(binary.LittleEndian.Uint32(buf[14:]))
	if reclen != DirentSize(nameLen) || reclen > len(buf) {
		return Dirent{}, 0, ErrInvalid
	}
	return Dirent{
		Ino:  binary.LittleEndian.Uint32(buf[0:]),
		Next: int64(binary.LittleEndian.Uint64(buf[4:])),
		Type: ObjectType(buf[12]),
		Name: string(buf[DirentHeaderSize : DirentHeaderSize+nameLen]),
	}, reclen, nil
}

// DecodeDirents parses back-to-back records.
func DecodeDirents(buf []byte) ([]Dirent, error) {
	var out []Dirent
	for len(buf) > 0 {
		d, n, err := DecodeDirent(buf)
		if err != nil {
			return out, err
		}
		out = append(out, d)
		buf = buf[n:]
	}
	return out, nil
}

// ReadDirAll enumerates ino from cursor 0 until it reports the end.
func ReadDirAll(ino *Inode) ([]Dirent, error) {
	var (
		out    []Dirent
		cursor int64
		buf    = make([]byte, DirentSize(MaxNameLen))
	)
	for {
		n, next, err := ino.ReadDirectory(cursor, buf)
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
		d, _, err := DecodeDirent(buf[:n])
		if err != nil {
			return out, err
		}
		out = append(out, d)
		cursor = next
	}
}
