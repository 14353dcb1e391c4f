package automaton

import "testing"

// buildAB builds a tiny DFA accepting exactly "ab".
func buildAB() *DFA {
	b := NewBuilder()
	s0 := b.StartState()
	s1 := b.AddState()
	s2 := b.AddState()
	b.SetTransition(s0, 'a', s1)
	b.SetTransition(s1, 'b', s2)
	b.SetMatch(s2, true)
	return b.Finalize()
}

func TestDFARunMatch(t *testing.T) {
	d := buildAB()
	end := d.Run(d.Start(), []byte("ab"))
	if end == Dead {
		t.Fatalf("expected live state, got Dead")
	}
	if !d.IsMatch(end) {
		t.Fatalf("expected match state")
	}
}

func TestDFADeadIsAbsorbingAndNotLive(t *testing.T) {
	d := buildAB()
	end := d.Run(d.Start(), []byte("ac"))
	if end != Dead {
		t.Fatalf("expected dead state, got %d", end)
	}
	if d.Live(Dead) {
		t.Fatalf("dead state must never be live")
	}
	if d.Step(Dead, 'x') != Dead {
		t.Fatalf("dead state must be absorbing")
	}
}

func TestDFALiveness(t *testing.T) {
	d := buildAB()
	if !d.Live(d.Start()) {
		t.Fatalf("start state should be live: can still reach match")
	}
	mid := d.Step(d.Start(), 'a')
	if !d.Live(mid) {
		t.Fatalf("mid state should be live")
	}
}
