// Package fixtures provides hand-built LR(1) tables and lexer DFAs shared
// across this module's tests. Grammar/table generation from textual
// grammar source is explicitly out of scope for the library itself (the
// product only ever consumes already-built lr1.Table and lexdfa.DFA
// values); the tables below were derived by hand the same way an
// external grammar compiler would emit them, grounded on the RFC-7159
// JSON grammar embedded in grammar/grammar.go's jsonTerms, restricted to
// object values (no arrays) to keep the canonical LR(0) automaton small
// enough to hand-verify: 18 states, built via SLR(1) FOLLOW sets, with no
// shift/reduce or reduce/reduce conflicts.
package fixtures

import (
	"github.com/ollama/ollama/lexdfa"
	"github.com/ollama/ollama/lr1"
	"github.com/ollama/ollama/lr1parser"
)

// Terminal kinds of the JSON-object grammar.
const (
	KindString = iota
	KindNumber
	KindTrue
	KindFalse
	KindNull
	KindLBrace
	KindRBrace
	KindComma
	KindColon
	KindWS
	KindEOF
)

// Nonterminals of the JSON-object grammar.
const (
	NTValue lr1.NonTerminal = iota
	NTObject
	NTMembers
	NTPair
)

// JSONObjectLexer builds the lexer DFA for:
//
//	string -> "([^"\\]|\\.)*"
//	number -> -?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?
//	true | false | null | { | } | , | : | whitespace
func JSONObjectLexer() (*lexdfa.DFA, error) {
	return lexdfa.Compile([]lexdfa.Rule{
		{Kind: KindString, Source: `"([^"\\]|\\.)*"`, Priority: 0},
		{Kind: KindNumber, Source: `-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?`, Priority: 0},
		{Kind: KindTrue, Source: "true", Priority: 10},
		{Kind: KindFalse, Source: "false", Priority: 10},
		{Kind: KindNull, Source: "null", Priority: 10},
		{Kind: KindLBrace, Source: `\{`, Priority: 0},
		{Kind: KindRBrace, Source: `\}`, Priority: 0},
		{Kind: KindComma, Source: `,`, Priority: 0},
		{Kind: KindColon, Source: `:`, Priority: 0},
		{Kind: KindWS, Source: `[ \t\n\r]+`, Priority: 0},
	})
}

// Production indices, in declaration order, matching JSONObjectTable.
const (
	PValueIsObject = iota
	PValueIsString
	PValueIsNumber
	PValueIsTrue
	PValueIsFalse
	PValueIsNull
	PObjectEmpty
	PObjectMembers
	PMembersOnePair
	PMembersAppend
	PPair
)

// JSONObjectTable builds the LR(1) action/goto table for:
//
//	Value   -> Object | string | number | true | false | null
//	Object  -> '{' '}' | '{' Members '}'
//	Members -> Pair | Members ',' Pair
//	Pair    -> string ':' Value
func JSONObjectTable() *lr1.Table {
	b := lr1.NewBuilder(11, 4, []string{
		"string", "number", "true", "false", "null",
		"{", "}", ",", ":", "ws", "eof",
	})

	i0 := b.AddState()
	i1 := b.AddState() // S' -> Value .
	i2 := b.AddState() // Value -> Object .
	i3 := b.AddState() // Value -> string .
	i4 := b.AddState() // Value -> number .
	i5 := b.AddState() // Value -> true .
	i6 := b.AddState() // Value -> false .
	i7 := b.AddState() // Value -> null .
	i8 := b.AddState() // Object -> '{' . ...
	i9 := b.AddState() // Object -> '{' '}' .
	i10 := b.AddState() // Object -> '{' Members . '}'
	i11 := b.AddState() // Members -> Pair .
	i12 := b.AddState() // Pair -> string . ':' Value
	i13 := b.AddState() // Object -> '{' Members '}' .
	i14 := b.AddState() // Members -> Members ',' . Pair
	i15 := b.AddState() // Pair -> string ':' . Value
	i16 := b.AddState() // Members -> Members ',' Pair .
	i17 := b.AddState() // Pair -> string ':' Value .

	pValueObject := b.AddProduction(lr1.Production{LHS: NTValue, LHSName: "Value", RHS: []lr1.Symbol{{Type: lr1.SymNonTerminal, ID: int32(NTObject)}}})
	pValueString := b.AddProduction(lr1.Production{LHS: NTValue, LHSName: "Value", RHS: []lr1.Symbol{{Type: lr1.SymTerminal, ID: KindString}}})
	pValueNumber := b.AddProduction(lr1.Production{LHS: NTValue, LHSName: "Value", RHS: []lr1.Symbol{{Type: lr1.SymTerminal, ID: KindNumber}}})
	pValueTrue := b.AddProduction(lr1.Production{LHS: NTValue, LHSName: "Value", RHS: []lr1.Symbol{{Type: lr1.SymTerminal, ID: KindTrue}}})
	pValueFalse := b.AddProduction(lr1.Production{LHS: NTValue, LHSName: "Value", RHS: []lr1.Symbol{{Type: lr1.SymTerminal, ID: KindFalse}}})
	pValueNull := b.AddProduction(lr1.Production{LHS: NTValue, LHSName: "Value", RHS: []lr1.Symbol{{Type: lr1.SymTerminal, ID: KindNull}}})
	pObjectEmpty := b.AddProduction(lr1.Production{LHS: NTObject, LHSName: "Object", RHS: []lr1.Symbol{
		{Type: lr1.SymTerminal, ID: KindLBrace}, {Type: lr1.SymTerminal, ID: KindRBrace},
	}})
	pObjectMembers := b.AddProduction(lr1.Production{LHS: NTObject, LHSName: "Object", RHS: []lr1.Symbol{
		{Type: lr1.SymTerminal, ID: KindLBrace}, {Type: lr1.SymNonTerminal, ID: int32(NTMembers)}, {Type: lr1.SymTerminal, ID: KindRBrace},
	}})
	pMembersOne := b.AddProduction(lr1.Production{LHS: NTMembers, LHSName: "Members", RHS: []lr1.Symbol{
		{Type: lr1.SymNonTerminal, ID: int32(NTPair)},
	}})
	pMembersAppend := b.AddProduction(lr1.Production{LHS: NTMembers, LHSName: "Members", RHS: []lr1.Symbol{
		{Type: lr1.SymNonTerminal, ID: int32(NTMembers)}, {Type: lr1.SymTerminal, ID: KindComma}, {Type: lr1.SymNonTerminal, ID: int32(NTPair)},
	}})
	pPair := b.AddProduction(lr1.Production{LHS: NTPair, LHSName: "Pair", RHS: []lr1.Symbol{
		{Type: lr1.SymTerminal, ID: KindString}, {Type: lr1.SymTerminal, ID: KindColon}, {Type: lr1.SymNonTerminal, ID: int32(NTValue)},
	}})
	// FOLLOW(Value) = FOLLOW(Object) = {eof, '}', ','}.
	valueFollow := []int32{KindEOF, KindRBrace, KindComma}
	// FOLLOW(Members) = FOLLOW(Pair) = {'}', ','}.
	membersFollow := []int32{KindRBrace, KindComma}

	valueStartingShifts := func(state int32, objectTarget, valueTarget int32) {
		b.SetAction(state, lr1.Kind(KindString), lr1.Action{Type: lr1.ActionShift, Target: i3})
		b.SetAction(state, lr1.Kind(KindNumber), lr1.Action{Type: lr1.ActionShift, Target: i4})
		b.SetAction(state, lr1.Kind(KindTrue), lr1.Action{Type: lr1.ActionShift, Target: i5})
		b.SetAction(state, lr1.Kind(KindFalse), lr1.Action{Type: lr1.ActionShift, Target: i6})
		b.SetAction(state, lr1.Kind(KindNull), lr1.Action{Type: lr1.ActionShift, Target: i7})
		b.SetAction(state, lr1.Kind(KindLBrace), lr1.Action{Type: lr1.ActionShift, Target: i8})
		b.SetGoto(state, NTValue, valueTarget)
		b.SetGoto(state, NTObject, objectTarget)
	}

	valueStartingShifts(i0, i2, i1)
	b.SetAction(i1, lr1.Kind(KindEOF), lr1.Action{Type: lr1.ActionAccept})

	for _, k := range valueFollow {
		b.SetAction(i2, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pValueObject})
		b.SetAction(i3, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pValueString})
		b.SetAction(i4, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pValueNumber})
		b.SetAction(i5, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pValueTrue})
		b.SetAction(i6, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pValueFalse})
		b.SetAction(i7, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pValueNull})
		b.SetAction(i9, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pObjectEmpty})
		b.SetAction(i13, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pObjectMembers})
	}

	b.SetAction(i8, lr1.Kind(KindRBrace), lr1.Action{Type: lr1.ActionShift, Target: i9})
	b.SetAction(i8, lr1.Kind(KindString), lr1.Action{Type: lr1.ActionShift, Target: i12})
	b.SetGoto(i8, lr1.NonTerminal(NTMembers), i10)
	b.SetGoto(i8, lr1.NonTerminal(NTPair), i11)

	for _, k := range membersFollow {
		b.SetAction(i11, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pMembersOne})
		b.SetAction(i16, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pMembersAppend})
		b.SetAction(i17, lr1.Kind(k), lr1.Action{Type: lr1.ActionReduce, Target: pPair})
	}

	b.SetAction(i10, lr1.Kind(KindRBrace), lr1.Action{Type: lr1.ActionShift, Target: i13})
	b.SetAction(i10, lr1.Kind(KindComma), lr1.Action{Type: lr1.ActionShift, Target: i14})

	b.SetAction(i12, lr1.Kind(KindColon), lr1.Action{Type: lr1.ActionShift, Target: i15})

	b.SetAction(i14, lr1.Kind(KindString), lr1.Action{Type: lr1.ActionShift, Target: i12})
	b.SetGoto(i14, lr1.NonTerminal(NTPair), i16)

	valueStartingShifts(i15, i2, i17)

	b.SetStartState(i0)
	return b.Build()
}

// NewJSONObjectParser builds a full lr1parser.Parser for the JSON-object
// grammar, whitespace-skipping.
func NewJSONObjectParser() (*lr1parser.Parser, error) {
	lex, err := JSONObjectLexer()
	if err != nil {
		return nil, err
	}
	table := JSONObjectTable()
	return lr1parser.New(lex, table, lr1.Kind(KindEOF), KindWS), nil
}
