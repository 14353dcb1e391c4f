package constraint

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/ollama/ollama/automaton"
	"github.com/ollama/ollama/vocab"
)

// RegexConstraint implements Constraint over a compiled regex DFA, holding
// a precomputed continuation table (spec.md §4.2).
type RegexConstraint struct {
	dfa   *automaton.DFA
	vocab *vocab.Vocab

	// continuations[state] is the sorted set of vocab indices
	// admissible from state. Shared, read-only once built.
	continuations [][]uint32

	state   int32
	invalid bool
}

// RegexOption configures RegexConstraint construction, following the
// functional-options pattern used by the teacher's EngineOption
// (x/grammar/engine.go).
type RegexOption func(*regexConfig)

type regexConfig struct {
	workers int
	logger  *slog.Logger
}

// WithWorkers sets how many goroutines precompute the continuation table
// across, partitioned by DFA state (spec.md §5: precomputation is
// embarrassingly parallel over states). n <= 1 runs sequentially.
func WithWorkers(n int) RegexOption {
	return func(c *regexConfig) { c.workers = n }
}

// WithLogger attaches a structured logger for precomputation progress.
func WithLogger(l *slog.Logger) RegexOption {
	return func(c *regexConfig) { c.logger = l }
}

// NewRegexConstraint precomputes the continuation table for dfa against v
// and returns a constraint reset to the empty prefix.
func NewRegexConstraint(dfa *automaton.DFA, v *vocab.Vocab, opts ...RegexOption) *RegexConstraint {
	cfg := regexConfig{workers: runtime.GOMAXPROCS(0), logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	continuations := precomputeContinuations(dfa, v, cfg)

	c := &RegexConstraint{dfa: dfa, vocab: v, continuations: continuations}
	c.Reset(nil)
	return c
}

func precomputeContinuations(dfa *automaton.DFA, v *vocab.Vocab, cfg regexConfig) [][]uint32 {
	n := dfa.NumStates()
	out := make([][]uint32, n)

	workers := cfg.workers
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	var wg sync.WaitGroup
	states := make(chan int32, n)
	for s := int32(0); s < int32(n); s++ {
		states <- s
	}
	close(states)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range states {
				out[s] = continuationsForState(dfa, v, s)
			}
		}()
	}
	wg.Wait()

	cfg.logger.Debug("regex continuation table precomputed", "states", n, "workers", workers)
	return out
}

func continuationsForState(dfa *automaton.DFA, v *vocab.Vocab, state int32) []uint32 {
	if !dfa.Live(state) {
		return nil
	}

	var indices []uint32
	vocab.Walk(v.Trie(), state,
		func(s int32, b byte) (int32, bool) {
			next := dfa.Step(s, b)
			return next, next != automaton.Dead
		},
		func(index int32, s int32) {
			if dfa.Live(s) {
				indices = append(indices, uint32(index))
			}
		},
	)
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// Reset repositions the constraint by running the DFA over prefix from the
// start state (spec.md §4.2 reset).
func (c *RegexConstraint) Reset(prefix []byte) {
	c.state = c.dfa.Run(c.dfa.Start(), prefix)
	c.invalid = c.state == automaton.Dead
}

// Get returns C(current_state): the precomputed continuation set, sorted
// ascending, or nil if invalid.
func (c *RegexConstraint) Get() []uint32 {
	if c.invalid {
		return nil
	}
	return c.continuations[c.state]
}

// Next drives the DFA over vocab[index]'s bytes, marking invalid on a dead
// transition.
func (c *RegexConstraint) Next(index uint32) {
	if c.invalid {
		return
	}
	token := c.vocab.Token(index) // panics if index is out of range
	next := c.dfa.Run(c.state, []byte(token))
	if next == automaton.Dead {
		c.invalid = true
		return
	}
	c.state = next
}

// IsMatch reports whether the current state accepts and the constraint is
// not invalid.
func (c *RegexConstraint) IsMatch() bool {
	return !c.invalid && c.dfa.IsMatch(c.state)
}

// IsInvalid reports the sticky invalid flag.
func (c *RegexConstraint) IsInvalid() bool {
	return c.invalid
}

// Clone returns an independent copy of runtime state, sharing the compiled
// DFA, vocab, and continuation table.
func (c *RegexConstraint) Clone() Constraint {
	clone := *c
	return &clone
}
