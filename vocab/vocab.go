// Package vocab holds the fixed byte-level vocabulary that constrained
// decoding walks token-by-token, plus a byte-trie over it used to drive DFA
// simulations without re-scanning shared prefixes.
package vocab

import "fmt"

// Vocab is an ordered, immutable sequence of byte strings. The index of a
// token in the slice is its external identity everywhere in this module.
type Vocab struct {
	tokens []string
	trie   *Trie
}

// New builds a Vocab from an ordered list of byte strings and derives its
// trie. tokens is copied; the returned Vocab shares no mutable state with
// the caller.
func New(tokens []string) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("vocab: empty token list")
	}
	owned := make([]string, len(tokens))
	copy(owned, tokens)

	t := newTrie()
	for i, tok := range owned {
		t.insert(tok, int32(i))
	}

	return &Vocab{tokens: owned, trie: t}, nil
}

// Len returns the number of tokens in the vocabulary.
func (v *Vocab) Len() int {
	return len(v.tokens)
}

// Token returns the byte string for the given index. It panics if index is
// out of range, matching the "programming errors are fatal" policy of
// spec.md §7.
func (v *Vocab) Token(index uint32) string {
	if int(index) >= len(v.tokens) {
		panic(fmt.Sprintf("vocab: index %d out of range [0, %d)", index, len(v.tokens)))
	}
	return v.tokens[index]
}

// Trie returns the shared, read-only trie over this vocabulary's tokens.
func (v *Vocab) Trie() *Trie {
	return v.trie
}
