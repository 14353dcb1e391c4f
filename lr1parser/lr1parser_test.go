package lr1parser

import (
	"errors"
	"testing"

	"github.com/ollama/ollama/lexdfa"
	"github.com/ollama/ollama/lr1"
)

// kinds for the tiny "num (+ num)*" grammar used across these tests.
const (
	kindNum = iota
	kindPlus
	kindWS
	kindEOF
)

// buildSumParser builds a parser for:
//
//	S -> E
//	E -> E '+' num | num
func buildSumParser(t *testing.T) *Parser {
	t.Helper()
	lex, err := lexdfa.Compile([]lexdfa.Rule{
		{Kind: kindNum, Source: "[0-9]+"},
		{Kind: kindPlus, Source: `\+`},
		{Kind: kindWS, Source: "[ ]+"},
	})
	if err != nil {
		t.Fatalf("lexdfa.Compile: %v", err)
	}

	b := lr1.NewBuilder(4, 2, []string{"num", "+", "ws", "eof"})
	s0 := b.AddState()
	s1 := b.AddState()
	s2 := b.AddState()
	s3 := b.AddState()
	s4 := b.AddState()

	pNum := b.AddProduction(lr1.Production{LHSName: "E", RHS: []lr1.Symbol{{Type: lr1.SymTerminal, ID: kindNum}}})
	pPlus := b.AddProduction(lr1.Production{LHSName: "E", RHS: []lr1.Symbol{
		{Type: lr1.SymNonTerminal, ID: 1}, {Type: lr1.SymTerminal, ID: kindPlus}, {Type: lr1.SymTerminal, ID: kindNum},
	}})

	b.SetAction(s0, lr1.Kind(kindNum), lr1.Action{Type: lr1.ActionShift, Target: s1})
	b.SetAction(s1, lr1.Kind(kindPlus), lr1.Action{Type: lr1.ActionReduce, Target: pNum})
	b.SetAction(s1, lr1.Kind(kindEOF), lr1.Action{Type: lr1.ActionReduce, Target: pNum})
	b.SetGoto(s0, lr1.NonTerminal(1), s2)
	b.SetAction(s2, lr1.Kind(kindPlus), lr1.Action{Type: lr1.ActionShift, Target: s3})
	b.SetAction(s2, lr1.Kind(kindEOF), lr1.Action{Type: lr1.ActionAccept})
	b.SetAction(s3, lr1.Kind(kindNum), lr1.Action{Type: lr1.ActionShift, Target: s4})
	b.SetAction(s4, lr1.Kind(kindPlus), lr1.Action{Type: lr1.ActionReduce, Target: pPlus})
	b.SetAction(s4, lr1.Kind(kindEOF), lr1.Action{Type: lr1.ActionReduce, Target: pPlus})
	b.SetGoto(s0, lr1.NonTerminal(0), s2)
	b.SetStartState(s0)

	table := b.Build()
	return New(lex, table, lr1.Kind(kindEOF), kindWS)
}

func TestParseFullExpression(t *testing.T) {
	p := buildSumParser(t)
	tree, err := p.Parse([]byte("12 + 3 + 45"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	leaves := tree.Leaves()
	if len(leaves) != 3 {
		t.Fatalf("got %d leaves, want 3: %+v", len(leaves), leaves)
	}
	if leaves[0].TerminalKind != kindNum || leaves[1].TerminalKind != kindNum || leaves[2].TerminalKind != kindNum {
		t.Fatalf("leaf kinds = %v, %v, %v, want all num", leaves[0].TerminalKind, leaves[1].TerminalKind, leaves[2].TerminalKind)
	}
	if leaves[0].Start != 0 || leaves[0].End != 2 {
		t.Fatalf("first leaf span = [%d,%d), want [0,2)", leaves[0].Start, leaves[0].End)
	}
}

func TestParseSingleNumber(t *testing.T) {
	p := buildSumParser(t)
	tree, err := p.Parse([]byte("7"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tree.Leaves()) != 1 {
		t.Fatalf("got %d leaves, want 1", len(tree.Leaves()))
	}
}

func TestParseIncompleteAtEOF(t *testing.T) {
	p := buildSumParser(t)
	_, err := p.Parse([]byte("12 +"))
	var incomplete *IncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Parse(\"12 +\") error = %v, want *IncompleteError", err)
	}
}

func TestParseSyntaxErrorOnBadToken(t *testing.T) {
	p := buildSumParser(t)
	_, err := p.Parse([]byte("+ 3"))
	var syn *SyntaxError
	if !errors.As(err, &syn) {
		t.Fatalf("Parse(\"+ 3\") error = %v, want *SyntaxError", err)
	}
}

func TestParseLexErrorOnUnknownByte(t *testing.T) {
	p := buildSumParser(t)
	_, err := p.Parse([]byte("12 @ 3"))
	var lexErr *LexError
	if !errors.As(err, &lexErr) {
		t.Fatalf("Parse(\"12 @ 3\") error = %v, want *LexError", err)
	}
}

func TestPrefixParseStopsBeforeLiveTail(t *testing.T) {
	p := buildSumParser(t)
	tree, suffix, err := p.PrefixParse([]byte("12 + 3"))
	if err != nil {
		t.Fatalf("PrefixParse: %v", err)
	}
	// "3" is still live (could extend to "34", "345", ...), so it must
	// not be committed: the suffix starts at the space before it.
	if string(suffix) != " 3" {
		t.Fatalf("suffix = %q, want %q", suffix, " 3")
	}
	if tree == nil {
		t.Fatalf("expected a partial tree")
	}
}

func TestPrefixParseDigitCommittedOnceFollowedByNonDigit(t *testing.T) {
	p := buildSumParser(t)
	// The space right after "3" proves the digit run is over (it can't
	// extend across whitespace), so "3" itself is committed. The
	// trailing space is its own lexeme and is still live — it could
	// extend into more whitespace — so it stays pending.
	_, suffix, err := p.PrefixParse([]byte("12 + 3 "))
	if err != nil {
		t.Fatalf("PrefixParse: %v", err)
	}
	if string(suffix) != " " {
		t.Fatalf("suffix = %q, want %q", suffix, " ")
	}
}

func TestPrefixParseEmptyInput(t *testing.T) {
	p := buildSumParser(t)
	tree, suffix, err := p.PrefixParse(nil)
	if err != nil {
		t.Fatalf("PrefixParse(nil): %v", err)
	}
	if len(suffix) != 0 {
		t.Fatalf("suffix = %q, want empty", suffix)
	}
	if len(tree.Leaves()) != 0 {
		t.Fatalf("expected no leaves yet")
	}
}
