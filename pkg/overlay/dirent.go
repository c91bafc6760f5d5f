package overlay

import (
	"sort"

	"kvfs/pkg/vfs"
)

// dirMerger collects the names of a merged directory. Upper entries are
// added first; a whiteout hides the name in every layer below it.
type dirMerger struct {
	names     map[string]bool
	whiteouts map[string]bool
}

func newDirMerger() *dirMerger {
	return &dirMerger{names: make(map[string]bool), whiteouts: make(map[string]bool)}
}

func (m *dirMerger) add(name string) {
	if !m.whiteouts[name] {
		m.names[name] = true
	}
}

// addLayer merges the entries of dir. Whiteouts found in this layer only
// apply to layers added after it.
func (m *dirMerger) addLayer(dir *vfs.Inode) error {
	ents, err := vfs.ReadDirAll(dir)
	if err != nil {
		return err
	}
	var hidden []string
	for _, e := range ents {
		switch {
		case e.Name == opaqueMarker:
		case isWhiteoutName(e.Name):
			hidden = append(hidden, whiteoutTarget(e.Name))
		case e.Type == vfs.TypeCharDevice && charWhiteoutAt(dir, e.Name):
			hidden = append(hidden, e.Name)
		default:
			m.add(e.Name)
		}
	}
	for _, name := range hidden {
		m.whiteouts[name] = true
	}
	return nil
}

func charWhiteoutAt(dir *vfs.Inode, name string) bool {
	ino, _ := lookupIn(dir, name)
	if ino == nil {
		return false
	}
	defer ino.DecRef()
	return isCharWhiteout(ino)
}

func (m *dirMerger) sorted() []string {
	out := make([]string, 0, len(m.names))
	for name := range m.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
