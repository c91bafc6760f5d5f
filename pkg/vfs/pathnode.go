package vfs

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// PathNode binds one name in one parent directory to an inode. The triple is
// immutable; a path node goes away when its last reference is dropped.
type PathNode struct {
	name   string
	parent *PathNode
	inode  *Inode

	refs atomic.Int64
}

// NewPathNode returns a path node holding one reference, owned by the caller.
// It takes its own references on parent and inode.
func NewPathNode(name string, parent *PathNode, inode *Inode) *PathNode {
	if inode == nil {
		panic("vfs: path node without inode")
	}
	if parent != nil {
		parent.IncRef()
	}
	inode.IncRef()
	n := &PathNode{name: name, parent: parent, inode: inode}
	n.refs.Store(1)
	return n
}

func (n *PathNode) Name() string { return n.name }

// Parent is nil only for a filesystem root.
func (n *PathNode) Parent() *PathNode { return n.parent }

// Inode returns the inode this name is bound to. Operations on it are
// redirected to a mounted root when one covers it.
func (n *PathNode) Inode() *Inode { return n.inode }

// Effective returns the inode operations through this node target.
func (n *PathNode) Effective() *Inode { return n.inode.Effective() }

func (n *PathNode) IsRoot() bool { return n.parent == nil }

func (n *PathNode) IncRef() {
	if n.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("vfs: IncRef on released path node %q", n.name))
	}
}

func (n *PathNode) DecRef() {
	switch r := n.refs.Add(-1); {
	case r == 0:
		n.inode.DecRef()
		if n.parent != nil {
			n.parent.DecRef()
		}
	case r < 0:
		panic(fmt.Sprintf("vfs: DecRef on released path node %q", n.name))
	}
}

// Path rebuilds the absolute path by walking parents.
func (n *PathNode) Path() string {
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	if len(parts) == 0 {
		return "/"
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

func (n *PathNode) String() string {
	return n.Path()
}
