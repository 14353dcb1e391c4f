// Package lr1 holds the immutable LR(1) action/goto table and the
// productions needed to build parse trees from reductions (spec.md §3
// LR1Table). Building tables from grammar source is out of scope per
// spec.md §1 — this package only represents the resulting table as opaque,
// already-compiled data, constructed via Builder the way any parser
// generator's emitted artifact would be.
package lr1

import "fmt"

// Kind identifies a lexeme's token-kind, as produced by a lexdfa.DFA.
type Kind int32

// NonTerminal identifies a grammar nonterminal.
type NonTerminal int32

// SymbolType distinguishes the two kinds of symbols that appear on a
// production's right-hand side.
type SymbolType int

const (
	SymTerminal SymbolType = iota
	SymNonTerminal
)

// Symbol is one element of a production's right-hand side.
type Symbol struct {
	Type SymbolType
	// ID is a Kind when Type == SymTerminal, or a NonTerminal otherwise.
	ID int32
}

// Production is (lhs, rhs) — an LR(1) grammar rule, enumerated so
// ParseTree construction knows how many stack frames a reduction pops and
// what to label the resulting internal node (spec.md §3).
type Production struct {
	LHS     NonTerminal
	LHSName string
	RHS     []Symbol
}

// ActionType distinguishes the four LR(1) action kinds (spec.md §3).
type ActionType int

const (
	ActionError ActionType = iota
	ActionShift
	ActionReduce
	ActionAccept
)

// Action is the table's (state, kind) -> action result.
type Action struct {
	Type ActionType
	// Target is the destination state for ActionShift, or the
	// production index for ActionReduce. Unused otherwise.
	Target int32
}

// Table is the immutable LR(1) action/goto table plus productions.
type Table struct {
	action      [][]Action
	goTo        [][]int32
	productions []Production

	numKinds        int
	numNonTerminals int
	startState      int32

	kindNames []string
}

// Builder incrementally constructs a Table.
type Builder struct {
	action      [][]Action
	goTo        [][]int32
	productions []Production

	numKinds        int
	numNonTerminals int
	startState      int32
	kindNames       []string
}

// NewBuilder creates a Builder for a table with numKinds terminal kinds and
// numNonTerminals nonterminals. kindNames, if non-nil, gives a display name
// per Kind id (used only for diagnostics).
func NewBuilder(numKinds, numNonTerminals int, kindNames []string) *Builder {
	return &Builder{
		numKinds:        numKinds,
		numNonTerminals: numNonTerminals,
		kindNames:       kindNames,
	}
}

// AddState appends a new LR(1) state and returns its id. All of its
// actions default to ActionError and its gotos to -1 (none).
func (b *Builder) AddState() int32 {
	actions := make([]Action, b.numKinds)
	gotos := make([]int32, b.numNonTerminals)
	for i := range gotos {
		gotos[i] = -1
	}
	b.action = append(b.action, actions)
	b.goTo = append(b.goTo, gotos)
	return int32(len(b.action) - 1)
}

// AddProduction registers a production and returns its index, used as the
// Target of ActionReduce actions.
func (b *Builder) AddProduction(p Production) int32 {
	b.productions = append(b.productions, p)
	return int32(len(b.productions) - 1)
}

// SetAction sets the action for (state, kind).
func (b *Builder) SetAction(state int32, kind Kind, action Action) {
	b.action[state][kind] = action
}

// SetGoto sets the goto target for (state, nonterminal).
func (b *Builder) SetGoto(state int32, nt NonTerminal, target int32) {
	b.goTo[state][nt] = target
}

// SetStartState sets the table's initial state.
func (b *Builder) SetStartState(state int32) {
	b.startState = state
}

// Build finalizes the table.
func (b *Builder) Build() *Table {
	return &Table{
		action:          b.action,
		goTo:            b.goTo,
		productions:     b.productions,
		numKinds:        b.numKinds,
		numNonTerminals: b.numNonTerminals,
		startState:      b.startState,
		kindNames:       b.kindNames,
	}
}

// StartState returns the table's initial state.
func (t *Table) StartState() int32 {
	return t.startState
}

// Action returns the action for (state, kind).
func (t *Table) Action(state int32, kind Kind) Action {
	return t.action[state][kind]
}

// Goto returns the goto target for (state, nt), or -1 if none.
func (t *Table) Goto(state int32, nt NonTerminal) int32 {
	return t.goTo[state][nt]
}

// Production returns the production registered at index.
func (t *Table) Production(index int32) Production {
	return t.productions[index]
}

// NumKinds returns the number of terminal kinds the table was built for.
func (t *Table) NumKinds() int {
	return t.numKinds
}

// KindName returns a display name for kind, or a numeric fallback.
func (t *Table) KindName(kind Kind) string {
	if int(kind) < len(t.kindNames) {
		return t.kindNames[kind]
	}
	return fmt.Sprintf("kind#%d", kind)
}
