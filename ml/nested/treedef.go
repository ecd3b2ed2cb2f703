package nested

import (
	"strings"
)

// TreeDef is the structural descriptor of a Tree, independent of its leaf
// values: it records, for every branch, the sorted keys and the descriptors
// of their children. It is what Unflatten needs to rebuild nesting from a
// flat sequence of leaves.
//
// TreeDef is gob- and json-serializable, so checkpoint formats can store it
// alongside the flattened values.
type TreeDef struct {
	Leaf     bool       `json:"leaf,omitempty"`
	Keys     []string   `json:"keys,omitempty"`
	Children []*TreeDef `json:"children,omitempty"`
}

// NumLeaves returns the number of leaf positions described.
func (d *TreeDef) NumLeaves() int {
	if d == nil {
		return 0
	}
	if d.Leaf {
		return 1
	}
	count := 0
	for _, child := range d.Children {
		count += child.NumLeaves()
	}
	return count
}

// Equal compares two descriptors structurally.
func (d *TreeDef) Equal(other *TreeDef) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Leaf != other.Leaf || len(d.Keys) != len(other.Keys) {
		return false
	}
	for ii, key := range d.Keys {
		if key != other.Keys[ii] {
			return false
		}
		if !d.Children[ii].Equal(other.Children[ii]) {
			return false
		}
	}
	return true
}

// String returns a compact textual signature of the structure, e.g.
// `{mdl_vars:{b:*,w:*},opt_states:{m:*},step:*}`. The signature is what the
// legacy checkpoint format stores to detect saver/restorer structure drift;
// its exact formatting is advisory, Equal is the authoritative comparison.
func (d *TreeDef) String() string {
	if d == nil {
		return "<nil>"
	}
	if d.Leaf {
		return "*"
	}
	parts := make([]string, 0, len(d.Keys))
	for ii, key := range d.Keys {
		parts = append(parts, key+":"+d.Children[ii].String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
