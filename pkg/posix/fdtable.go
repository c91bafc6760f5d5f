package posix

import (
	"sync"

	"golang.org/x/sys/unix"

	"kvfs/pkg/vfs"
)

// description is an open file shared by every descriptor dup'ed from it.
type description struct {
	file *vfs.File
	refs int
}

// FDTable maps descriptor numbers to open files. New descriptors take the
// lowest free number.
type FDTable struct {
	mu    sync.RWMutex
	files map[int]*description
	limit int
}

func NewFDTable(limit int) *FDTable {
	return &FDTable{files: make(map[int]*description), limit: limit}
}

func (t *FDTable) lowestFree(from int) (int, error) {
	for fd := from; fd < t.limit; fd++ {
		if _, ok := t.files[fd]; !ok {
			return fd, nil
		}
	}
	return -1, unix.EMFILE
}

// Install gives f a descriptor. On failure f is closed.
func (t *FDTable) Install(f *vfs.File) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, err := t.lowestFree(0)
	if err != nil {
		f.Close()
		return -1, err
	}
	t.files[fd] = &description{file: f, refs: 1}
	return fd, nil
}

func (t *FDTable) Get(fd int) (*vfs.File, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.files[fd]
	if !ok {
		return nil, unix.EBADF
	}
	return d.file, nil
}

// release drops one descriptor's hold; the caller holds t.mu.
func (t *FDTable) release(fd int) error {
	d := t.files[fd]
	delete(t.files, fd)
	if d.refs--; d.refs == 0 {
		return d.file.Close()
	}
	return nil
}

func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[fd]; !ok {
		return unix.EBADF
	}
	return t.release(fd)
}

func (t *FDTable) Dup(oldfd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.files[oldfd]
	if !ok {
		return -1, unix.EBADF
	}
	fd, err := t.lowestFree(0)
	if err != nil {
		return -1, err
	}
	d.refs++
	t.files[fd] = d
	return fd, nil
}

// Dup2 makes newfd refer to oldfd's file, closing whatever newfd held.
func (t *FDTable) Dup2(oldfd, newfd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.files[oldfd]
	if !ok {
		return -1, unix.EBADF
	}
	if newfd < 0 || newfd >= t.limit {
		return -1, unix.EBADF
	}
	if oldfd == newfd {
		return newfd, nil
	}
	if _, ok := t.files[newfd]; ok {
		t.release(newfd)
	}
	d.refs++
	t.files[newfd] = d
	return newfd, nil
}

// Len reports the number of open descriptors.
func (t *FDTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

func (t *FDTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := range t.files {
		t.release(fd)
	}
}
