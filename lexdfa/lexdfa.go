// Package lexdfa compiles a set of prioritized byte-pattern rules into a
// single tagged DFA and performs longest-match tokenization over it
// (spec.md §4.3 LexerDFA), grounded on the teacher's terminal matcher
// (x/grammar/terminal.go's terminalMatcher/trieNode) generalized from a
// literal+range trie to full regex patterns via the automaton package's
// tagged subset construction.
package lexdfa

import (
	"fmt"

	"github.com/ollama/ollama/automaton"
	"github.com/ollama/ollama/regex"
)

// Rule is one lexer pattern: a byte regex labeled with a token Kind, a
// priority (higher wins a tie at the same match length), and its
// declaration order (breaks ties when priority also ties, lower wins —
// spec.md §4.3).
type Rule struct {
	Kind     int32
	Source   string
	Priority int
}

// CompileError reports that a rule's pattern failed to compile.
type CompileError struct {
	Kind int32
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("lexdfa: rule kind %d: %v", e.Kind, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// DFA is a tagged DFA over a set of Rules: every accept state carries the
// Kind, Priority and DeclOrder of the winning rule at that state, chosen
// by automaton.NFA.Subsets the same way a regex DFA resolves overlaps.
type DFA struct {
	dfa  *automaton.DFA
	tags []*automaton.Tag
}

// Compile builds a tagged DFA from rules. Declaration order is the index
// of each rule within the slice.
func Compile(rules []Rule) (*DFA, error) {
	nfa := automaton.NewNFA()
	start := nfa.AddState()

	for declOrder, rule := range rules {
		s, a, err := regex.AddPattern(nfa, rule.Source)
		if err != nil {
			return nil, &CompileError{Kind: rule.Kind, Err: err}
		}
		nfa.AddEpsilon(start, s)
		nfa.SetAccept(a, automaton.Tag{Kind: rule.Kind, Priority: rule.Priority, DeclOrder: declOrder})
	}

	dfa, tags := nfa.Subsets(start)
	return &DFA{dfa: dfa, tags: tags}, nil
}

// Start returns the DFA's start state.
func (d *DFA) Start() int32 { return d.dfa.Start() }

// Step advances state by one byte, returning automaton.Dead on no
// transition.
func (d *DFA) Step(state int32, b byte) int32 { return d.dfa.Step(state, b) }

// Run drives the DFA over bytes from its start state, returning
// automaton.Dead early on a dead transition.
func (d *DFA) Run(bytes []byte) int32 { return d.dfa.Run(d.dfa.Start(), bytes) }

// Live reports whether any byte string extends state towards a match.
func (d *DFA) Live(state int32) bool { return d.dfa.Live(state) }

// Tag returns the winning rule tag at state, or nil if state is not an
// accept state.
func (d *DFA) Tag(state int32) *automaton.Tag { return d.tags[state] }

// Automaton exposes the underlying byte DFA, e.g. for driving it from a
// vocab.Trie the way constraint.RegexConstraint does.
func (d *DFA) Automaton() *automaton.DFA { return d.dfa }

// Token is one lexeme produced by Lex: the winning rule's Kind and the
// matched byte span [Start, End) within the input.
type Token struct {
	Kind  int32
	Start int
	End   int
}

// LexError reports that no rule matched at Position, including when a
// partial match was live but never reached an accept state before input
// ran out or a dead transition was hit.
type LexError struct {
	Position int
}

func (e *LexError) Error() string {
	return fmt.Sprintf("lexdfa: no match at byte position %d", e.Position)
}

// Lex tokenizes input greedily left-to-right using longest match, with
// Priority then DeclOrder breaking ties among rules matching the same
// longest span (spec.md §4.3). It returns a *LexError wrapping the
// position where no rule could match.
func (d *DFA) Lex(input []byte) ([]Token, error) {
	var tokens []Token
	pos := 0
	for pos < len(input) {
		tok, n := d.longestMatchAt(input[pos:])
		if n == 0 {
			return tokens, &LexError{Position: pos}
		}
		tok.Start = pos
		tok.End = pos + n
		tokens = append(tokens, tok)
		pos += n
	}
	return tokens, nil
}

// longestMatchAt finds the longest prefix of input that lands on an
// accept state, returning the winning token (Start/End left zero) and the
// number of bytes consumed. n == 0 means no rule matched even a single
// byte. Since the DFA run visits exactly one state per length, the last
// accept state seen is necessarily the longest match; its tag was already
// resolved against competing rules by Subsets when the DFA was built.
func (d *DFA) longestMatchAt(input []byte) (Token, int) {
	state := d.dfa.Start()
	var best *automaton.Tag
	bestLen := 0

	for i, b := range input {
		state = d.dfa.Step(state, b)
		if state == automaton.Dead {
			break
		}
		if tag := d.tags[state]; tag != nil {
			best = tag
			bestLen = i + 1
		}
	}

	if best == nil {
		return Token{}, 0
	}
	return Token{Kind: best.Kind}, bestLen
}
