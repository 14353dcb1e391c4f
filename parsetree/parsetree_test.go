package parsetree

import "testing"

func TestSpanUnionsChildren(t *testing.T) {
	a := NewLeaf(0, 0, 2)
	b := NewLeaf(1, 2, 5)
	n := NewInternal(0, "E", []*Node{a, b})

	start, end, ok := n.Span()
	if !ok || start != 0 || end != 5 {
		t.Fatalf("Span() = (%d, %d, %v), want (0, 5, true)", start, end, ok)
	}
}

func TestLeavesPreservesOrder(t *testing.T) {
	a := NewLeaf(0, 0, 1)
	b := NewLeaf(1, 1, 2)
	c := NewLeaf(2, 2, 3)
	mid := NewInternal(0, "T", []*Node{b, c})
	root := NewInternal(1, "E", []*Node{a, mid})

	leaves := root.Leaves()
	if len(leaves) != 3 || leaves[0] != a || leaves[1] != b || leaves[2] != c {
		t.Fatalf("Leaves() = %v, want [a b c] in order", leaves)
	}
}

func TestSkipEmptyRemovesChildlessInternalNodes(t *testing.T) {
	empty := NewInternal(0, "Opt", nil)
	leaf := NewLeaf(0, 0, 1)
	root := NewInternal(1, "S", []*Node{leaf, empty})

	pruned := SkipEmpty(root)
	if pruned == nil {
		t.Fatalf("SkipEmpty(root) = nil, want non-nil")
	}
	if len(pruned.Children) != 1 || pruned.Children[0] != leaf {
		t.Fatalf("SkipEmpty(root).Children = %v, want [leaf]", pruned.Children)
	}
}

func TestSkipEmptyWholeTreeVanishes(t *testing.T) {
	empty := NewInternal(0, "S", nil)
	if got := SkipEmpty(empty); got != nil {
		t.Fatalf("SkipEmpty(empty) = %v, want nil", got)
	}
}

func TestSkipEmptyPreservesLeafOrderAndSpans(t *testing.T) {
	a := NewLeaf(0, 0, 1)
	b := NewLeaf(1, 3, 4)
	empty1 := NewInternal(0, "Opt", nil)
	empty2 := NewInternal(0, "Opt", nil)
	root := NewInternal(1, "S", []*Node{empty1, a, empty2, b})

	pruned := SkipEmpty(root)
	leaves := pruned.Leaves()
	if len(leaves) != 2 || leaves[0] != a || leaves[1] != b {
		t.Fatalf("Leaves() after SkipEmpty = %v, want [a b]", leaves)
	}
}

func TestCollapseSingleReplacesChainsWithLeaf(t *testing.T) {
	leaf := NewLeaf(0, 0, 1)
	inner := NewInternal(0, "Atom", []*Node{leaf})
	outer := NewInternal(1, "Term", []*Node{inner})

	collapsed := CollapseSingle(outer)
	if collapsed != leaf {
		t.Fatalf("CollapseSingle(outer) = %v, want leaf itself", collapsed)
	}
}

func TestCollapseSinglePreservesMultiChildNodes(t *testing.T) {
	a := NewLeaf(0, 0, 1)
	b := NewLeaf(1, 1, 2)
	root := NewInternal(0, "E", []*Node{a, b})

	collapsed := CollapseSingle(root)
	if collapsed.NodeKind != Internal || len(collapsed.Children) != 2 {
		t.Fatalf("CollapseSingle(root) = %+v, want unchanged 2-child internal node", collapsed)
	}
}

func TestCollapseSinglePreservesLeafOrderAndSpans(t *testing.T) {
	a := NewLeaf(0, 0, 1)
	b := NewLeaf(1, 1, 2)
	wrapA := NewInternal(0, "Atom", []*Node{a})
	root := NewInternal(1, "E", []*Node{wrapA, b})

	collapsed := CollapseSingle(root)
	leaves := collapsed.Leaves()
	if len(leaves) != 2 || leaves[0] != a || leaves[1] != b {
		t.Fatalf("Leaves() after CollapseSingle = %v, want [a b]", leaves)
	}
}
