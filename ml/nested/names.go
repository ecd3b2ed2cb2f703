package nested

// KeySeparator joins ancestor keys when deriving a leaf's dotted name.
const KeySeparator = "."

// SanitizeKey substitutes characters that are illegal (or hostile) in
// filesystem paths. The mapping is stable but not injective: callers that
// address storage by derived names must reject colliding results.
func SanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch r {
		case '[':
			out = append(out, '_')
		case ']':
			// Right bracket is dropped, mirroring the `weights[0]` ->
			// `weights_0` convention.
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// FlattenWithNames returns the leaves of the tree in canonical order along
// with each leaf's dotted name: ancestor keys sanitized and joined with
// KeySeparator, under the given prefix (which may be empty).
func FlattenWithNames[T any](tree *Tree[T], prefix string) (names []string, leaves []T) {
	if tree == nil {
		return nil, nil
	}
	numLeaves := tree.NumLeaves()
	names = make([]string, 0, numLeaves)
	leaves = make([]T, 0, numLeaves)
	var recurse func(node *Tree[T], name string)
	recurse = func(node *Tree[T], name string) {
		if node.isLeaf {
			names = append(names, name)
			leaves = append(leaves, node.value)
			return
		}
		for _, key := range node.Keys() {
			childName := SanitizeKey(key)
			if name != "" {
				childName = name + KeySeparator + childName
			}
			recurse(node.children[key], childName)
		}
	}
	recurse(tree, prefix)
	return
}
