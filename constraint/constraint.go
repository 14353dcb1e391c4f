// Package constraint implements the two constraint engines described by
// spec.md §4.2 and §4.5: RegexConstraint precomputes a continuation table
// over a compiled regex DFA, and LR1Constraint drives a lexer DFA paired
// with an LR(1) table incrementally, caching admissible continuations by
// PDA configuration.
package constraint

// Constraint is the common operation set both engines expose, matching
// spec.md §6's callable surface and §9's "tagged variant, no inheritance"
// design note — in Go the tag is simply the dynamic type held in this
// interface value.
type Constraint interface {
	// Reset repositions the constraint at prefix, recomputing from the
	// start state. It may leave the constraint invalid.
	Reset(prefix []byte)
	// Get returns the sorted, ascending vocabulary indices admissible
	// from the current configuration. Empty if invalid.
	Get() []uint32
	// Next advances the constraint by vocabulary token index. It panics
	// if index is out of range for the vocabulary (spec.md §7:
	// programming errors are fatal); it marks the constraint invalid,
	// rather than panicking, if index is in range but inadmissible.
	Next(index uint32)
	// IsMatch reports whether the current configuration is an accepting
	// one and the constraint is not invalid.
	IsMatch() bool
	// IsInvalid reports whether the sticky invalid flag is set.
	IsInvalid() bool
	// Clone returns an independent copy of runtime state, sharing all
	// immutable tables with the receiver.
	Clone() Constraint
}
