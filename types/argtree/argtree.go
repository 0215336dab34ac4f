// Package argtree implements structure-preserving maps over nested argument
// trees: arbitrary nesting of []any sequences and map[string]any mappings
// with opaque leaves.
//
// It is the mechanism behind the conversion of module inputs and outputs
// across the eager/compiled boundary: the tree structure is the module's
// calling convention and must survive the conversion bit-for-bit, only the
// leaves change representation.
package argtree

// Map applies leafFn to every leaf of tree, returning a new tree with the
// same structure. Sequences ([]any) and mappings (map[string]any) are
// recursed into and rebuilt; every other value is a leaf.
//
// A nil tree maps to nil without calling leafFn.
func Map(tree any, leafFn func(leaf any) any) any {
	switch v := tree.(type) {
	case nil:
		return nil
	case []any:
		mapped := make([]any, len(v))
		for ii, elem := range v {
			mapped[ii] = Map(elem, leafFn)
		}
		return mapped
	case map[string]any:
		mapped := make(map[string]any, len(v))
		for key, elem := range v {
			mapped[key] = Map(elem, leafFn)
		}
		return mapped
	default:
		return leafFn(tree)
	}
}

// Visit calls visit on every leaf of tree, in sequence order for []any and
// in unspecified order for map[string]any values.
func Visit(tree any, visit func(leaf any)) {
	switch v := tree.(type) {
	case nil:
	case []any:
		for _, elem := range v {
			Visit(elem, visit)
		}
	case map[string]any:
		for _, elem := range v {
			Visit(elem, visit)
		}
	default:
		visit(tree)
	}
}

// CountIf returns the number of leaves for which pred is true.
func CountIf(tree any, pred func(leaf any) bool) int {
	count := 0
	Visit(tree, func(leaf any) {
		if pred(leaf) {
			count++
		}
	})
	return count
}
