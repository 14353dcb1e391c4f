package automaton

import (
	"sort"
	"strconv"
	"strings"
)

// Tag labels an NFA accept state. It generalizes the plain match/no-match
// bit regex needs into the (kind, priority, declaration order) a lexer DFA
// needs for longest-match tie-breaking (spec.md §3/§4.3): regex compilation
// uses a single Tag{} value for every pattern, while lexdfa assigns one Tag
// per token kind.
type Tag struct {
	Kind      int32
	Priority  int
	DeclOrder int
}

// Less reports whether t should win a tie over other when both are
// reachable from the same DFA state: higher priority wins, then earlier
// declaration order (spec.md §3 LexerDFA / §4.3).
func (t Tag) Less(other Tag) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	return t.DeclOrder < other.DeclOrder
}

// NFA is a Thompson-construction nondeterministic automaton over bytes,
// built up from fragments (Concat/Union/Star/...) and compiled to a DFA via
// subset construction (NFA.Subsets). Every edge consumes exactly one byte
// or is an epsilon edge; there is no notion of runes at this layer — regex
// unicode support is implemented one level up by encoding rune ranges into
// UTF-8 byte-edge fragments before they reach here.
type NFA struct {
	eps    [][]int32
	byByte []map[byte][]int32
	accept []*Tag
}

// NewNFA creates an empty NFA with a single state, intended as the initial
// fragment's start/accept pair is constructed by the caller.
func NewNFA() *NFA {
	return &NFA{}
}

// AddState appends a fresh state and returns its id.
func (n *NFA) AddState() int32 {
	n.eps = append(n.eps, nil)
	n.byByte = append(n.byByte, nil)
	n.accept = append(n.accept, nil)
	return int32(len(n.eps) - 1)
}

// AddEpsilon adds an epsilon edge from -> to.
func (n *NFA) AddEpsilon(from, to int32) {
	n.eps[from] = append(n.eps[from], to)
}

// AddByte adds a byte-consuming edge from -> to on b.
func (n *NFA) AddByte(from int32, b byte, to int32) {
	if n.byByte[from] == nil {
		n.byByte[from] = make(map[byte][]int32)
	}
	n.byByte[from][b] = append(n.byByte[from][b], to)
}

// AddByteRange adds byte-consuming edges for every byte in [lo, hi].
func (n *NFA) AddByteRange(from int32, lo, hi byte, to int32) {
	for b := int(lo); b <= int(hi); b++ {
		n.AddByte(from, byte(b), to)
	}
}

// SetAccept tags state as accepting with tag.
func (n *NFA) SetAccept(state int32, tag Tag) {
	n.accept[state] = &tag
}

func (n *NFA) epsilonClosure(states []int32) []int32 {
	seen := make(map[int32]bool, len(states))
	stack := append([]int32(nil), states...)
	for _, s := range states {
		seen[s] = true
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range n.eps[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	out := make([]int32, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func subsetKey(states []int32) string {
	var b strings.Builder
	for i, s := range states {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(s)))
	}
	return b.String()
}

// winningTag returns the Tag that should decide the resulting DFA state's
// accept status, or nil if no state in the subset accepts.
func (n *NFA) winningTag(states []int32) *Tag {
	var best *Tag
	for _, s := range states {
		tag := n.accept[s]
		if tag == nil {
			continue
		}
		if best == nil || best.Less(*tag) {
			best = tag
		}
	}
	return best
}

// Subsets compiles the NFA to a DFA via subset construction, starting from
// start. It returns the DFA together with a parallel slice giving the
// winning Tag for each DFA state (nil for non-accepting states), so callers
// needing tagged accept states (lexdfa) can recover which pattern matched,
// while plain regex compilation can simply ignore the tag slice.
func (n *NFA) Subsets(start int32) (*DFA, []*Tag) {
	b := NewBuilder()
	tags := []*Tag{nil}

	startSet := n.epsilonClosure([]int32{start})
	ids := map[string]int32{subsetKey(startSet): b.StartState()}
	b.SetMatch(b.StartState(), n.winningTag(startSet) != nil)
	tags[b.StartState()] = n.winningTag(startSet)

	queue := []struct {
		id   int32
		set  []int32
	}{{b.StartState(), startSet}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for bt := 0; bt < 256; bt++ {
			var targets []int32
			for _, s := range cur.set {
				targets = append(targets, n.byByte[s][byte(bt)]...)
			}
			if len(targets) == 0 {
				continue
			}
			closure := n.epsilonClosure(targets)
			key := subsetKey(closure)
			next, ok := ids[key]
			if !ok {
				next = b.AddState()
				ids[key] = next
				tag := n.winningTag(closure)
				b.SetMatch(next, tag != nil)
				tags = append(tags, tag)
				queue = append(queue, struct {
					id  int32
					set []int32
				}{next, closure})
			}
			b.SetTransition(cur.id, byte(bt), next)
		}
	}

	return b.Finalize(), tags
}
