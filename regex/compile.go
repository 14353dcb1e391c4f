// Package regex compiles regex source into a byte-level automaton.DFA.
//
// Parsing is delegated to the standard library's regexp/syntax, the parser
// the wider Go regex ecosystem builds on (see DESIGN.md); Thompson
// construction and subset construction to a DFA are this package's own
// implementation, grounded on the lazy-DFA state layout referenced in
// other_examples/coregx-coregex and the teacher's own terminal/trie
// matching in x/grammar/terminal.go.
//
// Because spec.md's Non-goals exclude Unicode-level classification ("all
// operations are over raw bytes"), rune-level constructs from regexp/syntax
// are lowered to byte-edge fragments: literals keep their exact UTF-8 byte
// sequence, but character classes are clamped to the single-byte domain
// [0x00, 0xFF] — a class's portion above U+00FF (which regexp/syntax
// represents explicitly, e.g. the tail of a negated class like [^"\\])
// becomes the byte range [0x80, 0xFF] rather than an enumeration of every
// multi-byte rune it covers, since this engine has no notion of runes once
// compiled.
package regex

import (
	"fmt"
	"regexp/syntax"
	"unicode/utf8"

	"github.com/ollama/ollama/automaton"
)

// CompileError reports that a regex source string failed to compile,
// either because regexp/syntax rejected it or because this package's
// byte-level lowering could not represent some construct.
type CompileError struct {
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("regex: failed to compile %q: %v", e.Source, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compile parses source as a regular expression and compiles it to a byte
// DFA (spec.md §4.2's "compile DFA" step of RegexConstraint.new).
func Compile(source string) (*automaton.DFA, error) {
	nfa := automaton.NewNFA()
	start, accept, err := AddPattern(nfa, source)
	if err != nil {
		return nil, err
	}
	nfa.SetAccept(accept, automaton.Tag{})

	dfa, _ := nfa.Subsets(start)
	return dfa, nil
}

// AddPattern compiles source into fresh states of an existing nfa (Thompson
// construction) and returns its start and accept states, without marking
// the accept state — the caller decides the Tag, so multiple patterns can
// share one NFA as lexdfa's multi-pattern lexer does (spec.md §4.3).
func AddPattern(nfa *automaton.NFA, source string) (start, accept int32, err error) {
	re, err := syntax.Parse(source, syntax.Perl)
	if err != nil {
		return 0, 0, &CompileError{Source: source, Err: err}
	}
	re = re.Simplify()

	c := &compiler{nfa: nfa}
	s := c.nfa.AddState()
	frag, err := c.compile(re)
	if err != nil {
		return 0, 0, &CompileError{Source: source, Err: err}
	}
	c.nfa.AddEpsilon(s, frag.start)
	return s, frag.accept, nil
}

// fragment is a Thompson-construction fragment: bytes flow in at start and,
// on a full match of the fragment, reach accept.
type fragment struct {
	start, accept int32
}

type compiler struct {
	nfa *automaton.NFA
}

func (c *compiler) compile(re *syntax.Regexp) (fragment, error) {
	switch re.Op {
	case syntax.OpEmptyMatch, syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText, syntax.OpWordBoundary, syntax.OpNoWordBoundary:
		return c.epsilonFragment(), nil

	case syntax.OpLiteral:
		return c.compileLiteral(re.Rune)

	case syntax.OpCharClass:
		return c.compileCharClass(re.Rune)

	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		return c.compileAnyByte(), nil

	case syntax.OpConcat:
		return c.compileConcat(re.Sub)

	case syntax.OpAlternate:
		return c.compileAlternate(re.Sub)

	case syntax.OpStar:
		return c.compileStar(re.Sub[0])

	case syntax.OpPlus:
		return c.compilePlus(re.Sub[0])

	case syntax.OpQuest:
		return c.compileQuest(re.Sub[0])

	case syntax.OpRepeat:
		return c.compileRepeat(re.Sub[0], re.Min, re.Max)

	case syntax.OpCapture:
		return c.compile(re.Sub[0])

	default:
		return fragment{}, fmt.Errorf("unsupported regex construct: %v", re.Op)
	}
}

func (c *compiler) epsilonFragment() fragment {
	s := c.nfa.AddState()
	a := c.nfa.AddState()
	c.nfa.AddEpsilon(s, a)
	return fragment{s, a}
}

func (c *compiler) compileAnyByte() fragment {
	s := c.nfa.AddState()
	a := c.nfa.AddState()
	c.nfa.AddByteRange(s, 0x00, 0xFF, a)
	return fragment{s, a}
}

func (c *compiler) compileLiteral(runes []rune) (fragment, error) {
	s := c.nfa.AddState()
	cur := s
	for _, r := range runes {
		buf := make([]byte, utf8.UTFMax)
		n := utf8.EncodeRune(buf, r)
		for _, b := range buf[:n] {
			next := c.nfa.AddState()
			c.nfa.AddByte(cur, b, next)
			cur = next
		}
	}
	return fragment{s, cur}, nil
}

// compileCharClass lowers a regexp/syntax rune-range class (pairs of
// lo,hi in re.Rune) into byte-edge alternatives, clamped to [0x00, 0xFF]
// (see the package doc comment on byte-vs-rune semantics).
func (c *compiler) compileCharClass(pairs []rune) (fragment, error) {
	s := c.nfa.AddState()
	a := c.nfa.AddState()

	for i := 0; i+1 < len(pairs); i += 2 {
		lo, hi := pairs[i], pairs[i+1]
		if lo > 0xFF {
			continue
		}
		if hi > 0xFF {
			hi = 0xFF
		}
		c.nfa.AddByteRange(s, byte(lo), byte(hi), a)
	}
	return fragment{s, a}, nil
}

func (c *compiler) compileConcat(subs []*syntax.Regexp) (fragment, error) {
	if len(subs) == 0 {
		return c.epsilonFragment(), nil
	}
	first, err := c.compile(subs[0])
	if err != nil {
		return fragment{}, err
	}
	cur := first
	for _, sub := range subs[1:] {
		next, err := c.compile(sub)
		if err != nil {
			return fragment{}, err
		}
		c.nfa.AddEpsilon(cur.accept, next.start)
		cur.accept = next.accept
	}
	return cur, nil
}

func (c *compiler) compileAlternate(subs []*syntax.Regexp) (fragment, error) {
	s := c.nfa.AddState()
	a := c.nfa.AddState()
	for _, sub := range subs {
		frag, err := c.compile(sub)
		if err != nil {
			return fragment{}, err
		}
		c.nfa.AddEpsilon(s, frag.start)
		c.nfa.AddEpsilon(frag.accept, a)
	}
	return fragment{s, a}, nil
}

func (c *compiler) compileStar(sub *syntax.Regexp) (fragment, error) {
	inner, err := c.compile(sub)
	if err != nil {
		return fragment{}, err
	}
	s := c.nfa.AddState()
	a := c.nfa.AddState()
	c.nfa.AddEpsilon(s, inner.start)
	c.nfa.AddEpsilon(inner.accept, inner.start)
	c.nfa.AddEpsilon(s, a)
	c.nfa.AddEpsilon(inner.accept, a)
	return fragment{s, a}, nil
}

func (c *compiler) compilePlus(sub *syntax.Regexp) (fragment, error) {
	inner, err := c.compile(sub)
	if err != nil {
		return fragment{}, err
	}
	a := c.nfa.AddState()
	c.nfa.AddEpsilon(inner.accept, inner.start)
	c.nfa.AddEpsilon(inner.accept, a)
	return fragment{inner.start, a}, nil
}

func (c *compiler) compileQuest(sub *syntax.Regexp) (fragment, error) {
	inner, err := c.compile(sub)
	if err != nil {
		return fragment{}, err
	}
	s := c.nfa.AddState()
	a := c.nfa.AddState()
	c.nfa.AddEpsilon(s, inner.start)
	c.nfa.AddEpsilon(inner.accept, a)
	c.nfa.AddEpsilon(s, a)
	return fragment{s, a}, nil
}

func (c *compiler) compileRepeat(sub *syntax.Regexp, min, max int) (fragment, error) {
	if max == -1 {
		// {min,} == min copies followed by a star.
		subs := make([]*syntax.Regexp, 0, min+1)
		for i := 0; i < min; i++ {
			subs = append(subs, sub)
		}
		star := &syntax.Regexp{Op: syntax.OpStar, Sub: []*syntax.Regexp{sub}, Flags: sub.Flags}
		subs = append(subs, star)
		return c.compileConcat(subs)
	}

	subs := make([]*syntax.Regexp, 0, min+1)
	for i := 0; i < min; i++ {
		subs = append(subs, sub)
	}
	if extra := max - min; extra > 0 {
		// Nest the optional tail so "present" implies all earlier
		// optionals are present too: sub(sub(sub)?)? rather than
		// three independently-optional copies, which would wrongly
		// allow e.g. the 2nd optional present while the 1st is not.
		var tail *syntax.Regexp
		for i := 0; i < extra; i++ {
			var body *syntax.Regexp
			if tail == nil {
				body = sub
			} else {
				body = &syntax.Regexp{Op: syntax.OpConcat, Sub: []*syntax.Regexp{sub, tail}, Flags: sub.Flags}
			}
			tail = &syntax.Regexp{Op: syntax.OpQuest, Sub: []*syntax.Regexp{body}, Flags: sub.Flags}
		}
		subs = append(subs, tail)
	}
	return c.compileConcat(subs)
}
