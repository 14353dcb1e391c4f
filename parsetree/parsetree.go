// Package parsetree builds the concrete parse tree LR1Parser.Parse
// produces and the two pruning transforms spec.md §4.4 requires:
// SkipEmpty removes internal nodes reduced from an empty right-hand side,
// and CollapseSingle replaces a single-child internal node with that
// child. Both preserve left-to-right leaf order and byte spans.
package parsetree

// Kind distinguishes a leaf (one lexeme) from an internal node (one
// reduction).
type Kind int

const (
	Leaf Kind = iota
	Internal
)

// Node is one parse tree node. Leaf nodes carry a terminal Kind and byte
// span; internal nodes carry the production they were reduced from and
// their children in left-to-right order.
type Node struct {
	NodeKind Kind

	// Leaf fields.
	TerminalKind int32
	Start, End   int

	// Internal fields.
	Production int32
	LHSName    string
	Children   []*Node
}

// NewLeaf constructs a leaf node for the lexeme of terminalKind spanning
// bytes [start, end).
func NewLeaf(terminalKind int32, start, end int) *Node {
	return &Node{NodeKind: Leaf, TerminalKind: terminalKind, Start: start, End: end}
}

// NewInternal constructs an internal node for a reduction by production,
// labeled lhsName, over children in left-to-right order.
func NewInternal(production int32, lhsName string, children []*Node) *Node {
	return &Node{NodeKind: Internal, Production: production, LHSName: lhsName, Children: children}
}

// Span returns the byte range a node covers: a leaf's own span, or the
// union of its children's spans for an internal node. An internal node
// with no children has no span and returns (0, 0, false).
func (n *Node) Span() (start, end int, ok bool) {
	if n.NodeKind == Leaf {
		return n.Start, n.End, true
	}
	if len(n.Children) == 0 {
		return 0, 0, false
	}
	first, _, _ := n.Children[0].Span()
	_, last, _ := n.Children[len(n.Children)-1].Span()
	return first, last, true
}

// Leaves collects every leaf under n, in left-to-right order.
func (n *Node) Leaves() []*Node {
	var out []*Node
	n.collectLeaves(&out)
	return out
}

func (n *Node) collectLeaves(out *[]*Node) {
	if n.NodeKind == Leaf {
		*out = append(*out, n)
		return
	}
	for _, c := range n.Children {
		c.collectLeaves(out)
	}
}

// SkipEmpty removes internal nodes that have no children (reductions from
// an empty right-hand side) anywhere in the tree, recursively. It returns
// nil if n itself is removed — callers at the root should treat a nil
// result as "the whole tree vanished", which only happens when the
// grammar's start symbol itself reduces to empty.
func SkipEmpty(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.NodeKind == Leaf {
		return n
	}
	if len(n.Children) == 0 {
		return nil
	}

	kept := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if pruned := SkipEmpty(c); pruned != nil {
			kept = append(kept, pruned)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &Node{NodeKind: Internal, Production: n.Production, LHSName: n.LHSName, Children: kept}
}

// CollapseSingle replaces every internal node with exactly one child by
// that child, recursively, bottom-up. A chain of single-child internal
// nodes collapses all the way down to the first node with zero or more
// than one child.
func CollapseSingle(n *Node) *Node {
	if n == nil || n.NodeKind == Leaf {
		return n
	}

	children := make([]*Node, len(n.Children))
	for i, c := range n.Children {
		children[i] = CollapseSingle(c)
	}
	if len(children) == 1 {
		return children[0]
	}
	return &Node{NodeKind: Internal, Production: n.Production, LHSName: n.LHSName, Children: children}
}
