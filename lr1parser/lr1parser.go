// Package lr1parser combines a lexdfa.DFA and an lr1.Table into the
// LR1Parser of spec.md §4.4: Parse consumes a complete byte buffer and
// returns its parse tree, while PrefixParse consumes as much of a
// (possibly still-growing) byte buffer as can be unambiguously committed
// and reports the rest as a pending suffix — the incremental half
// LR1Constraint drives byte-by-byte.
package lr1parser

import (
	"fmt"

	"github.com/ollama/ollama/automaton"
	"github.com/ollama/ollama/lexdfa"
	"github.com/ollama/ollama/lr1"
	"github.com/ollama/ollama/parsetree"
)

// LexError reports that no lexer rule matched starting at Position.
type LexError struct {
	Position int
}

func (e *LexError) Error() string {
	return fmt.Sprintf("lr1parser: no lexer rule matches at byte position %d", e.Position)
}

// SyntaxError reports that the LR(1) table had no action for the state on
// top of the stack and Lookahead's kind.
type SyntaxError struct {
	Position  int
	Lookahead lr1.Kind
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("lr1parser: unexpected token kind %d at byte position %d", e.Lookahead, e.Position)
}

// IncompleteError reports that input ended before the parser reached an
// accepting configuration, without any lexical or syntactic
// inconsistency — the input is a valid prefix of some longer string the
// grammar accepts.
type IncompleteError struct {
	Position int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("lr1parser: input incomplete at byte position %d", e.Position)
}

// Parser drives a lexdfa.DFA and an lr1.Table together.
type Parser struct {
	lexer *lexdfa.DFA
	table *lr1.Table
	eof   lr1.Kind
	skip  map[int32]bool
}

// New builds a Parser. eof is the reserved terminal Kind the table uses
// to decide ActionAccept once input is exhausted; skipKinds names lexer
// token kinds (e.g. whitespace, comments) that are lexed but never
// offered to the LR(1) engine.
func New(lexer *lexdfa.DFA, table *lr1.Table, eof lr1.Kind, skipKinds ...int32) *Parser {
	skip := make(map[int32]bool, len(skipKinds))
	for _, k := range skipKinds {
		skip[k] = true
	}
	return &Parser{lexer: lexer, table: table, eof: eof, skip: skip}
}

// Parse tokenizes input to completion and parses it, requiring the whole
// buffer to be consumed and the parser to reach ActionAccept.
func (p *Parser) Parse(input []byte) (*parsetree.Node, error) {
	toks, err := p.lexer.Lex(input)
	if err != nil {
		var lexErr *lexdfa.LexError
		if asLexError(err, &lexErr) {
			return nil, &LexError{Position: lexErr.Position}
		}
		return nil, err
	}

	toks = filterSkipped(toks, p.skip)

	nodes, stack := p.newRun()
	if err := p.driveTokens(stack, &nodes, toks); err != nil {
		return nil, err
	}

	root, err := p.finishAtEOF(stack, &nodes, len(input))
	if err != nil {
		return nil, err
	}
	return root, nil
}

// PrefixParse consumes as much of input as can be committed without
// assuming anything about bytes that might still be appended, and
// returns the tree built so far together with suffix, the trailing
// bytes of input that were not committed: a lexeme that is still live in
// the lexer DFA and could extend further, plus anything not yet
// attempted. Re-feeding suffix into a fresh PrefixParse call on a longer
// input reproduces the same tree, which is why suffix is returned as
// bytes rather than an offset into input (spec.md §6).
//
// PrefixParse never returns IncompleteError: running out of committed
// input simply stops the parse where it stands. It returns LexError or
// SyntaxError only for input that is already inconsistent with the
// grammar regardless of what bytes follow.
func (p *Parser) PrefixParse(input []byte) (tree *parsetree.Node, suffix []byte, err error) {
	toks, spans, pos, _, lexErr := ScanCommitted(p.lexer, input)
	if lexErr != nil {
		return nil, nil, lexErr
	}

	kept := make([]lexdfa.Token, 0, len(toks))
	keptSpans := make([][2]int, 0, len(spans))
	for i, tok := range toks {
		if p.skip[tok.Kind] {
			continue
		}
		kept = append(kept, tok)
		keptSpans = append(keptSpans, spans[i])
	}

	nodes, stack := p.newRun()
	if err := p.driveSpannedTokens(stack, &nodes, kept, keptSpans); err != nil {
		return nil, nil, err
	}

	return partialTree(stack, nodes), input[pos:], nil
}

func (p *Parser) newRun() ([]*parsetree.Node, *lr1.Stack) {
	return nil, lr1.NewStack(p.table.StartState(), -1)
}

func (p *Parser) driveTokens(stack *lr1.Stack, nodes *[]*parsetree.Node, toks []lexdfa.Token) error {
	spans := make([][2]int, len(toks))
	for i, tok := range toks {
		spans[i] = [2]int{tok.Start, tok.End}
	}
	return p.driveSpannedTokens(stack, nodes, toks, spans)
}

func (p *Parser) driveSpannedTokens(stack *lr1.Stack, nodes *[]*parsetree.Node, toks []lexdfa.Token, spans [][2]int) error {
	for i, tok := range toks {
		for {
			state, _ := stack.Top()
			act := p.table.Action(state, lr1.Kind(tok.Kind))
			switch act.Type {
			case lr1.ActionShift:
				leaf := parsetree.NewLeaf(tok.Kind, spans[i][0], spans[i][1])
				stack.Push(act.Target, addNode(nodes, leaf))
			case lr1.ActionReduce:
				if err := p.reduce(stack, nodes, act.Target); err != nil {
					return err
				}
				continue
			default:
				return &SyntaxError{Position: spans[i][0], Lookahead: lr1.Kind(tok.Kind)}
			}
			break
		}
	}
	return nil
}

// finishAtEOF repeatedly reduces using the eof lookahead until the parser
// accepts, returning the single root node it built.
func (p *Parser) finishAtEOF(stack *lr1.Stack, nodes *[]*parsetree.Node, eofPosition int) (*parsetree.Node, error) {
	for {
		state, _ := stack.Top()
		act := p.table.Action(state, p.eof)
		switch act.Type {
		case lr1.ActionReduce:
			if err := p.reduce(stack, nodes, act.Target); err != nil {
				return nil, err
			}
		case lr1.ActionAccept:
			_, node := stack.Top()
			return (*nodes)[node], nil
		default:
			// Every token actually observed was already admissible
			// (driveTokens would have reported a SyntaxError on the
			// spot otherwise); failing to accept once only EOF
			// remains means the grammar needed more tokens, not that
			// the ones seen so far were wrong.
			return nil, &IncompleteError{Position: eofPosition}
		}
	}
}

func (p *Parser) reduce(stack *lr1.Stack, nodes *[]*parsetree.Node, production int32) error {
	prod := p.table.Production(production)
	childIDs := stack.Pop(len(prod.RHS))
	children := make([]*parsetree.Node, len(childIDs))
	for i, id := range childIDs {
		children[i] = (*nodes)[id]
	}
	internal := parsetree.NewInternal(production, prod.LHSName, children)

	backState, _ := stack.Top()
	target := p.table.Goto(backState, prod.LHS)
	if target < 0 {
		return &SyntaxError{Lookahead: lr1.Kind(-1)}
	}
	stack.Push(target, addNode(nodes, internal))
	return nil
}

func addNode(nodes *[]*parsetree.Node, n *parsetree.Node) int32 {
	*nodes = append(*nodes, n)
	return int32(len(*nodes) - 1)
}

// partialTree wraps whatever has been shifted/reduced onto the stack
// above its bottom sentinel frame into a single synthetic node, so
// PrefixParse always has something tree-shaped to return even when
// nothing has reduced to the grammar's start symbol yet.
func partialTree(stack *lr1.Stack, nodes []*parsetree.Node) *parsetree.Node {
	sig := stack.Signature()
	if len(sig) <= 1 {
		return parsetree.NewInternal(-1, "", nil)
	}
	// Reconstruct the node ids above the bottom frame by popping a
	// scratch copy; Pop returns them in bottom-to-top order already.
	scratch := stack.Snapshot()
	ids := scratch.Pop(len(sig) - 1)
	if len(ids) == 1 {
		return nodes[ids[0]]
	}
	children := make([]*parsetree.Node, len(ids))
	for i, id := range ids {
		children[i] = nodes[id]
	}
	return parsetree.NewInternal(-1, "", children)
}

// scanCommitted tokenizes input the way PrefixParse needs using lexer,
// stopping before any lexeme whose match could still be extended by bytes
// that have not arrived yet, per spec.md §4.4's prefix semantics for a
// still-growing buffer. pos is the byte offset where scanning stopped;
// pendingState is the lexer DFA state reached by replaying input[pos:]
// from its start, i.e. the partial-lexeme state LR1Constraint resumes
// from without needing to store or re-scan the pending bytes themselves.
func ScanCommitted(lexer *lexdfa.DFA, input []byte) (toks []lexdfa.Token, spans [][2]int, pos int, pendingState int32, err *LexError) {
	for pos < len(input) {
		tok, n, pending := matchPending(lexer, input, pos)
		if pending {
			break
		}
		if n == 0 {
			return toks, spans, pos, lexer.Start(), &LexError{Position: pos}
		}
		toks = append(toks, tok)
		spans = append(spans, [2]int{pos, pos + n})
		pos += n
	}
	return toks, spans, pos, lexer.Run(input[pos:]), nil
}

// matchPending runs the lexer DFA from input[from:], reporting pending =
// true whenever it runs off the end of the buffer while still live —
// meaning a longer match remains possible if more bytes arrive, so
// nothing found during this scan may be committed yet.
func matchPending(lexer *lexdfa.DFA, input []byte, from int) (tok lexdfa.Token, n int, pending bool) {
	state := lexer.Start()
	bestLen := -1
	var bestKind int32
	i := 0
	for from+i < len(input) {
		b := input[from+i]
		state = lexer.Step(state, b)
		if state == automaton.Dead {
			break
		}
		i++
		if tag := lexer.Tag(state); tag != nil {
			bestKind = tag.Kind
			bestLen = i
		}
	}

	ranOffEnd := from+i >= len(input)
	stillLive := state != automaton.Dead && lexer.Live(state)
	if ranOffEnd && stillLive {
		return lexdfa.Token{}, 0, true
	}
	if bestLen < 0 {
		return lexdfa.Token{}, 0, false
	}
	return lexdfa.Token{Kind: bestKind}, bestLen, false
}

func filterSkipped(toks []lexdfa.Token, skip map[int32]bool) []lexdfa.Token {
	if len(skip) == 0 {
		return toks
	}
	out := make([]lexdfa.Token, 0, len(toks))
	for _, tok := range toks {
		if !skip[tok.Kind] {
			out = append(out, tok)
		}
	}
	return out
}

func asLexError(err error, target **lexdfa.LexError) bool {
	le, ok := err.(*lexdfa.LexError)
	if !ok {
		return false
	}
	*target = le
	return true
}
