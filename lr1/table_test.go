package lr1

import "testing"

// buildSum builds the table for the tiny grammar:
//
//	S -> E
//	E -> E '+' num | num
//
// kinds: 0 = num, 1 = '+'. nonterminals: 0 = S, 1 = E.
func buildSum() *Table {
	b := NewBuilder(2, 2, []string{"num", "+"})

	s0 := b.AddState() // . E
	s1 := b.AddState() // num .
	s2 := b.AddState() // E .  (accept on eof, shift on '+')
	s3 := b.AddState() // E '+' .
	s4 := b.AddState() // E '+' num .

	pNum := b.AddProduction(Production{LHSName: "E", RHS: []Symbol{{Type: SymTerminal, ID: 0}}})
	pPlus := b.AddProduction(Production{LHSName: "E", RHS: []Symbol{
		{Type: SymNonTerminal, ID: 1}, {Type: SymTerminal, ID: 1}, {Type: SymTerminal, ID: 0},
	}})

	b.SetAction(s0, Kind(0), Action{Type: ActionShift, Target: s1})
	b.SetAction(s1, Kind(1), Action{Type: ActionReduce, Target: pNum})
	b.SetGoto(s0, NonTerminal(1), s2)
	b.SetAction(s2, Kind(1), Action{Type: ActionShift, Target: s3})
	b.SetAction(s3, Kind(0), Action{Type: ActionShift, Target: s4})
	b.SetAction(s4, Kind(1), Action{Type: ActionReduce, Target: pPlus})
	b.SetGoto(s0, NonTerminal(0), s2)

	b.SetStartState(s0)
	return b.Build()
}

func TestTableBasicShape(t *testing.T) {
	tbl := buildSum()
	if tbl.StartState() != 0 {
		t.Fatalf("StartState() = %d, want 0", tbl.StartState())
	}
	if got := tbl.Action(1, Kind(1)); got.Type != ActionReduce {
		t.Fatalf("Action(1, '+') = %+v, want reduce", got)
	}
	if got := tbl.Goto(0, NonTerminal(1)); got != 2 {
		t.Fatalf("Goto(0, E) = %d, want 2", got)
	}
	if name := tbl.KindName(Kind(0)); name != "num" {
		t.Fatalf("KindName(0) = %q, want num", name)
	}
	if name := tbl.KindName(Kind(99)); name != "kind#99" {
		t.Fatalf("KindName(99) = %q, want fallback", name)
	}
}

func TestStackSignatureAndSnapshot(t *testing.T) {
	s := NewStack(0, 0)
	s.Push(1, 1)
	s.Push(2, 2)

	snap := s.Snapshot()

	popped := s.Pop(2)
	if len(popped) != 2 || popped[0] != 1 || popped[1] != 2 {
		t.Fatalf("Pop(2) = %v, want [1 2]", popped)
	}
	s.Push(2, 3)

	sig := s.Signature()
	if len(sig) != 2 || sig[0] != 0 || sig[1] != 2 {
		t.Fatalf("Signature() = %v, want [0 2]", sig)
	}

	s.Restore(snap)
	sig = s.Signature()
	if len(sig) != 3 || sig[2] != 2 {
		t.Fatalf("Signature() after Restore = %v, want [0 1 2]", sig)
	}
}
