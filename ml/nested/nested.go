// Package nested implements a nested string-keyed tree of values, the
// container shape of training state (model variables, optimizer slots).
//
// The key operations are Flatten and Unflatten, which convert between the
// nested form and a flat sequence of leaves plus a TreeDef, the
// value-independent structural descriptor. Checkpoint readers rely on
// positional correspondence between stored values and TreeDef slots, so the
// traversal order is canonical and documented: depth-first, with keys
// visited in lexicographic order at every level. Both the save and the
// restore paths share this order.
package nested

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Tree is a nested string-keyed mapping with leaves of type T.
// A Tree node is either a leaf holding a value or a branch holding children,
// never both. Use Leaf and Branch to build them.
type Tree[T any] struct {
	value    T
	isLeaf   bool
	children map[string]*Tree[T]
}

// Leaf returns a new leaf node holding value.
func Leaf[T any](value T) *Tree[T] {
	return &Tree[T]{value: value, isLeaf: true}
}

// Branch returns a new empty branch node.
func Branch[T any]() *Tree[T] {
	return &Tree[T]{children: make(map[string]*Tree[T])}
}

// IsLeaf returns whether the node is a leaf.
func (t *Tree[T]) IsLeaf() bool { return t.isLeaf }

// Value returns the leaf value. It panics on a branch node.
func (t *Tree[T]) Value() T {
	if !t.isLeaf {
		exceptions.Panicf("Tree.Value() called on a branch node")
	}
	return t.value
}

// Set adds (or replaces) the child under key. It returns the node itself, so
// calls can be chained when building trees. It panics on a leaf node.
func (t *Tree[T]) Set(key string, child *Tree[T]) *Tree[T] {
	if t.isLeaf {
		exceptions.Panicf("Tree.Set(%q) called on a leaf node", key)
	}
	t.children[key] = child
	return t
}

// Get returns the child under key, or nil if there isn't one (or if the node
// is a leaf).
func (t *Tree[T]) Get(key string) *Tree[T] {
	if t.isLeaf {
		return nil
	}
	return t.children[key]
}

// Keys returns the branch keys in the canonical (lexicographic) order.
func (t *Tree[T]) Keys() []string {
	if t.isLeaf {
		return nil
	}
	keys := maps.Keys(t.children)
	sort.Strings(keys)
	return keys
}

// NumLeaves returns the number of leaves in the tree.
func (t *Tree[T]) NumLeaves() int {
	if t == nil {
		return 0
	}
	if t.isLeaf {
		return 1
	}
	count := 0
	for _, child := range t.children {
		count += child.NumLeaves()
	}
	return count
}

// Flatten returns the leaves of the tree in canonical order, along with the
// TreeDef describing its structure. Unflatten reverses it.
func Flatten[T any](tree *Tree[T]) (leaves []T, def *TreeDef) {
	if tree == nil {
		return nil, nil
	}
	leaves = make([]T, 0, tree.NumLeaves())
	var recurse func(node *Tree[T]) *TreeDef
	recurse = func(node *Tree[T]) *TreeDef {
		if node.isLeaf {
			leaves = append(leaves, node.value)
			return &TreeDef{Leaf: true}
		}
		keys := node.Keys()
		d := &TreeDef{Keys: keys, Children: make([]*TreeDef, 0, len(keys))}
		for _, key := range keys {
			d.Children = append(d.Children, recurse(node.children[key]))
		}
		return d
	}
	def = recurse(tree)
	return
}

// Unflatten rebuilds a tree from the structural descriptor def and the
// leaves in canonical order. It returns an error if the number of leaves
// disagrees with the number of leaf slots in def.
func Unflatten[T any](def *TreeDef, leaves []T) (*Tree[T], error) {
	if def == nil {
		return nil, errors.Errorf("nested.Unflatten: nil TreeDef")
	}
	if numLeaves := def.NumLeaves(); numLeaves != len(leaves) {
		return nil, errors.Errorf(
			"nested.Unflatten: structural descriptor has %d leaf positions, but %d values were given",
			numLeaves, len(leaves))
	}
	next := 0
	var recurse func(d *TreeDef) *Tree[T]
	recurse = func(d *TreeDef) *Tree[T] {
		if d.Leaf {
			leaf := Leaf(leaves[next])
			next++
			return leaf
		}
		node := Branch[T]()
		for ii, key := range d.Keys {
			node.Set(key, recurse(d.Children[ii]))
		}
		return node
	}
	return recurse(def), nil
}

// Map returns a new tree with the same structure, with every leaf replaced
// by fn(leaf).
func Map[A, B any](tree *Tree[A], fn func(A) B) *Tree[B] {
	if tree == nil {
		return nil
	}
	if tree.isLeaf {
		return Leaf(fn(tree.value))
	}
	node := Branch[B]()
	for key, child := range tree.children {
		node.Set(key, Map(child, fn))
	}
	return node
}

// Equal compares two trees: same structure, and every pair of corresponding
// leaves satisfying eq.
func Equal[T any](a, b *Tree[T], eq func(a, b T) bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.isLeaf != b.isLeaf {
		return false
	}
	if a.isLeaf {
		return eq(a.value, b.value)
	}
	if len(a.children) != len(b.children) {
		return false
	}
	for key, childA := range a.children {
		childB, found := b.children[key]
		if !found || !Equal(childA, childB, eq) {
			return false
		}
	}
	return true
}

// String prints the tree structure and leaves, keys in canonical order.
func (t *Tree[T]) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.isLeaf {
		return fmt.Sprintf("%v", t.value)
	}
	parts := make([]string, 0, len(t.children))
	for _, key := range t.Keys() {
		parts = append(parts, fmt.Sprintf("%s: %s", key, t.children[key].String()))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
