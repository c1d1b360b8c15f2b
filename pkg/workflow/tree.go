package workflow

import (
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/pkg/errors"
)

// childBlockSize is how many child slots are added when a node's children
// are full.
const childBlockSize = 10

// Root returns the root of n's tree.
func Root(n *Node) *Node {
	if n == nil {
		return nil
	}
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// InsertChild inserts child into parent's children at index. An index that
// is -1 or out of range appends. A child already attached to a tree, or one
// that is an ancestor of parent, is rejected.
func InsertChild(parent *Node, index int, child *Node) error {
	if parent == nil || child == nil {
		return errors.WithMessage(ErrInvalidArgument, "nil workflow")
	}
	if child.parent != nil {
		return errors.WithMessage(ErrInvalidArgument, "workflow already has a parent")
	}
	for p := parent; p != nil; p = p.parent {
		if p == child {
			return errors.WithMessage(ErrInvalidArgument, "workflow cannot be its own ancestor")
		}
	}

	if len(parent.children) == cap(parent.children) {
		grown := make([]*Node, len(parent.children), cap(parent.children)+childBlockSize)
		copy(grown, parent.children)
		parent.children = grown
	}
	if index < 0 || index >= len(parent.children) {
		parent.children = append(parent.children, child)
	} else {
		parent.children = append(parent.children, nil)
		copy(parent.children[index+1:], parent.children[index:])
		parent.children[index] = child
	}
	child.parent = parent
	setLevel(child, parent.level+1)
	return nil
}

func setLevel(n *Node, level int) {
	n.level = level
	for _, c := range n.children {
		setLevel(c, level+1)
	}
}

// RemoveChild detaches the child at index, -1 being the last, and returns it.
// The caller owns the returned node. It returns nil when index is out of
// range.
func RemoveChild(parent *Node, index int) *Node {
	if parent == nil {
		return nil
	}
	if index == -1 {
		index = len(parent.children) - 1
	}
	if index < 0 || index >= len(parent.children) {
		return nil
	}
	child := parent.children[index]
	copy(parent.children[index:], parent.children[index+1:])
	parent.children[len(parent.children)-1] = nil
	parent.children = parent.children[:len(parent.children)-1]
	child.parent = nil
	setLevel(child, 0)
	return child
}

// Free releases n's children, then its documents. A node still attached to a
// parent is left untouched; remove it first.
func (n *Node) Free() {
	if n == nil || n.parent != nil {
		return
	}
	for len(n.children) > 0 {
		RemoveChild(n, 0).Free()
	}
	n.children = nil
	if n.deferred != nil {
		n.deferred.Free()
		n.deferred = nil
	}
	n.action = nil
	n.manifest = nil
	n.properties = document{}
	n.results = map[string]result.Result{}
	n.resultDetails = ""
	n.installedUpdateID = ""
}
