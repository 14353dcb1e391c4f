package constraint

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ollama/ollama/automaton"
	"github.com/ollama/ollama/lexdfa"
	"github.com/ollama/ollama/lr1"
	"github.com/ollama/ollama/lr1parser"
	"github.com/ollama/ollama/vocab"
)

// defaultCacheSize bounds the number of distinct PDA configurations whose
// continuation sets are cached. The original Rust implementation this
// module descends from defaults its lru::LruCache to 8192; halved here
// since a Go map entry plus a []uint32 slice header costs more per entry
// than the Rust bitset it replaces, for a comparable memory footprint
// (see DESIGN.md).
const defaultCacheSize = 4096

// pdaSignature is the (lexer_state, parser_stack_signature) pair that
// fully determines an LR1Constraint's future behavior. pending_bytes from
// spec.md §3 is deliberately not carried here: the lexer DFA state
// already determines every future transition a partial lexeme's bytes
// could produce, so storing the bytes themselves would be redundant (see
// DESIGN.md's resolution of this point).
//
// states holds the parser stack's state ids, bottom to top. Every
// transformation below (shiftStates, reduceStates) returns a new slice
// rather than mutating its input, so a pdaSignature can be shared freely
// across sibling branches of a vocab.Trie walk without cloning.
type pdaSignature struct {
	lexState int32
	states   []int32
}

// LR1Constraint implements Constraint by driving a lexer DFA and an
// LR(1) table together as a single pushdown automaton (spec.md §4.5).
// Unlike RegexConstraint it cannot precompute a continuation table up
// front — the configuration space is unbounded — so it memoizes
// Get() results by configuration in a bounded LRU cache instead.
type LR1Constraint struct {
	lexer *lexdfa.DFA
	table *lr1.Table
	vocab *vocab.Vocab
	eof   lr1.Kind
	skip  map[int32]bool

	cache *lruCache

	lexState int32
	states   []int32
	invalid  bool
}

// LR1Option configures LR1Constraint construction.
type LR1Option func(*lr1Config)

type lr1Config struct {
	cacheSize int
	skipKinds []int32
}

// WithCacheSize overrides the LRU cache's capacity.
func WithCacheSize(n int) LR1Option {
	return func(c *lr1Config) { c.cacheSize = n }
}

// WithSkipKinds names lexer token kinds (whitespace, comments) that are
// lexed but never offered to the LR(1) engine.
func WithSkipKinds(kinds ...int32) LR1Option {
	return func(c *lr1Config) { c.skipKinds = kinds }
}

// NewLR1Constraint builds a constraint over lexer and table, reset to the
// empty prefix.
func NewLR1Constraint(lexer *lexdfa.DFA, table *lr1.Table, v *vocab.Vocab, eof lr1.Kind, opts ...LR1Option) *LR1Constraint {
	cfg := lr1Config{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	skip := make(map[int32]bool, len(cfg.skipKinds))
	for _, k := range cfg.skipKinds {
		skip[k] = true
	}

	c := &LR1Constraint{
		lexer: lexer,
		table: table,
		vocab: v,
		eof:   eof,
		skip:  skip,
		cache: newLRUCache(cfg.cacheSize),
	}
	c.Reset(nil)
	return c
}

// Reset replays prefix through the lexer and LR(1) table from scratch:
// every fully committed lexeme is shifted (and any reductions it
// triggers are applied), and the trailing bytes that could still extend
// the final lexeme are left as pending, positioning the lexer DFA state
// accordingly (spec.md §4.4's prefix semantics, reused verbatim from
// lr1parser.ScanCommitted).
func (c *LR1Constraint) Reset(prefix []byte) {
	c.states = []int32{c.table.StartState()}
	c.lexState = c.lexer.Start()
	c.invalid = false

	toks, _, _, pendingState, lexErr := lr1parser.ScanCommitted(c.lexer, prefix)
	if lexErr != nil {
		c.invalid = true
		return
	}

	for _, tok := range toks {
		states, ok := c.commit(c.states, tok.Kind)
		if !ok {
			c.invalid = true
			return
		}
		c.states = states
	}

	c.lexState = pendingState
	if c.lexState == automaton.Dead {
		c.invalid = true
	}
}

// Get returns the sorted, ascending vocabulary indices admissible from
// the current configuration, consulting and populating the LRU cache.
//
// If the configuration already accepts (IsMatch) and every terminal kind
// that could still shift from here is a skip kind (whitespace, comments),
// Get returns nil rather than the literal continuation set: the parse is
// already complete, and the only thing left to "admit" is more trailing
// whitespace a caller driving constrained generation has no reason to
// keep emitting (see onlySkippableMatching, DESIGN.md).
func (c *LR1Constraint) Get() []uint32 {
	if c.invalid {
		return nil
	}
	if c.IsMatch() && c.onlySkippableMatching(c.states) {
		return nil
	}

	key := configKey(c.lexState, c.states)
	if cached, ok := c.cache.get(key); ok {
		return cached
	}

	var indices []uint32
	start := pdaSignature{lexState: c.lexState, states: c.states}
	vocab.Walk(c.vocab.Trie(), start,
		func(sig pdaSignature, b byte) (pdaSignature, bool) {
			return c.step(sig, b)
		},
		func(index int32, sig pdaSignature) {
			indices = append(indices, uint32(index))
		},
	)
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	c.cache.put(key, indices)
	return indices
}

// Next advances the constraint by vocabulary token index, byte by byte,
// committing completed lexemes through the LR(1) table exactly as Get's
// trie walk would have for the same bytes.
func (c *LR1Constraint) Next(index uint32) {
	if c.invalid {
		return
	}
	token := c.vocab.Token(index) // panics if index is out of range

	sig := pdaSignature{lexState: c.lexState, states: c.states}
	for i := 0; i < len(token); i++ {
		next, ok := c.step(sig, token[i])
		if !ok {
			c.invalid = true
			return
		}
		sig = next
	}
	c.lexState = sig.lexState
	c.states = sig.states
}

// IsMatch reports whether the current configuration has no pending
// partial lexeme and the LR(1) table would accept with eof as the next
// token.
func (c *LR1Constraint) IsMatch() bool {
	if c.invalid || c.lexState != c.lexer.Start() {
		return false
	}
	return acceptsAtEOF(c.table, c.states, c.eof)
}

// IsInvalid reports the sticky invalid flag.
func (c *LR1Constraint) IsInvalid() bool {
	return c.invalid
}

// Clone returns an independent copy of runtime state, sharing the
// compiled lexer, table, vocab, and LRU cache with the receiver. Cheap:
// states is never mutated in place (see pdaSignature's doc comment), so
// the clone can share its backing array until either side advances.
func (c *LR1Constraint) Clone() Constraint {
	clone := *c
	return &clone
}

// step applies one byte to a PDA configuration (spec.md §4.5). Two
// situations force a lexeme to be committed through the LR(1) table
// immediately rather than deferred to some later byte: the current byte
// runs a live lexeme into a dead transition, or it lands the lexeme on
// an accept state that cannot be extended by any further byte (e.g. a
// single-character punctuation token) — waiting for a "next byte" in
// that case would mean never committing it at all whenever the vocab
// token ends exactly there. Whenever a lexeme's accept state is still
// live, committing is deferred, since a longer match may still be the
// grammatically required one (maximal munch with one token of
// lookahead, matching an LR(1) grammar's own lookahead discipline).
func (c *LR1Constraint) step(sig pdaSignature, b byte) (pdaSignature, bool) {
	if next := c.lexer.Step(sig.lexState, b); next != automaton.Dead {
		if c.lexer.Live(next) {
			return pdaSignature{lexState: next, states: sig.states}, true
		}
		tag := c.lexer.Tag(next)
		if tag == nil {
			return pdaSignature{}, false
		}
		states, ok := c.commit(sig.states, tag.Kind)
		if !ok {
			return pdaSignature{}, false
		}
		return pdaSignature{lexState: c.lexer.Start(), states: states}, true
	}

	tag := c.lexer.Tag(sig.lexState)
	if tag == nil {
		return pdaSignature{}, false
	}
	states, ok := c.commit(sig.states, tag.Kind)
	if !ok {
		return pdaSignature{}, false
	}
	return c.beginLexeme(states, b)
}

// beginLexeme starts a fresh lexeme with b against the lexer's start
// state, resolving it immediately if b alone already forces a
// non-extendable match (see step's doc comment).
func (c *LR1Constraint) beginLexeme(states []int32, b byte) (pdaSignature, bool) {
	s := c.lexer.Step(c.lexer.Start(), b)
	if s == automaton.Dead {
		return pdaSignature{}, false
	}
	if c.lexer.Live(s) {
		return pdaSignature{lexState: s, states: states}, true
	}
	tag := c.lexer.Tag(s)
	if tag == nil {
		return pdaSignature{}, false
	}
	next, ok := c.commit(states, tag.Kind)
	if !ok {
		return pdaSignature{}, false
	}
	return pdaSignature{lexState: c.lexer.Start(), states: next}, true
}

// onlySkippableMatching reports whether every non-eof terminal kind that
// can still shift from states (after whatever reductions precede the
// shift) is a skip kind. Only meaningful once IsMatch() already holds for
// states: it distinguishes "the grammar accepts here, and could also keep
// going, but only into more whitespace" from "the grammar accepts here
// and a real continuation (another member, another digit, ...) is still
// live too".
func (c *LR1Constraint) onlySkippableMatching(states []int32) bool {
	for kind := int32(0); kind < int32(c.table.NumKinds()); kind++ {
		if lr1.Kind(kind) == c.eof || c.skip[kind] {
			continue
		}
		if _, ok := shiftStates(c.table, states, kind); ok {
			return false
		}
	}
	return true
}

// commit shifts kind through the LR(1) table (applying whatever
// reductions precede the shift), or leaves states untouched for a
// skipped kind (whitespace, comments) that is lexed but never offered
// to the grammar.
func (c *LR1Constraint) commit(states []int32, kind int32) ([]int32, bool) {
	if c.skip[kind] {
		return states, true
	}
	return shiftStates(c.table, states, kind)
}

// shiftStates drives states (bottom to top) by kind: zero or more
// reductions followed by exactly one shift, returning the new stack and
// false if the table has no action for (top, kind). It never mutates
// states; every pop/push allocates a fresh slice.
func shiftStates(table *lr1.Table, states []int32, kind int32) ([]int32, bool) {
	for {
		top := states[len(states)-1]
		act := table.Action(top, lr1.Kind(kind))
		switch act.Type {
		case lr1.ActionShift:
			return pushState(states, act.Target), true
		case lr1.ActionReduce:
			next, ok := reduceStates(table, states, act.Target)
			if !ok {
				return nil, false
			}
			states = next
		default:
			return nil, false
		}
	}
}

// acceptsAtEOF reports whether driving states with eof as the lookahead
// reaches ActionAccept, without mutating states.
func acceptsAtEOF(table *lr1.Table, states []int32, eof lr1.Kind) bool {
	for {
		top := states[len(states)-1]
		act := table.Action(top, eof)
		switch act.Type {
		case lr1.ActionAccept:
			return true
		case lr1.ActionReduce:
			next, ok := reduceStates(table, states, act.Target)
			if !ok {
				return false
			}
			states = next
		default:
			return false
		}
	}
}

func reduceStates(table *lr1.Table, states []int32, production int32) ([]int32, bool) {
	prod := table.Production(production)
	popped := popStates(states, len(prod.RHS))
	back := popped[len(popped)-1]
	target := table.Goto(back, prod.LHS)
	if target < 0 {
		return nil, false
	}
	return pushState(popped, target), true
}

func popStates(states []int32, n int) []int32 {
	return append([]int32(nil), states[:len(states)-n]...)
}

func pushState(states []int32, s int32) []int32 {
	out := make([]int32, len(states)+1)
	copy(out, states)
	out[len(states)] = s
	return out
}

// configKey renders a PDA configuration into a cache key. Built the same
// way automaton's subset-construction key is (comma-joined small
// integers), since the same tradeoff applies: a string key is simpler to
// reason about than a rolling hash and collisions are not a concern at
// this cache's scale.
func configKey(lexState int32, states []int32) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(lexState)))
	for _, s := range states {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(int(s)))
	}
	return b.String()
}
