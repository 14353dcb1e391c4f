package fixtures

import (
	"errors"
	"testing"

	"github.com/ollama/ollama/lr1parser"
)

func TestJSONObjectParsesNestedValue(t *testing.T) {
	p, err := NewJSONObjectParser()
	if err != nil {
		t.Fatalf("NewJSONObjectParser: %v", err)
	}

	tree, err := p.Parse([]byte(`{"a": true, "b": {"c": null}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	leaves := tree.Leaves()
	if len(leaves) == 0 {
		t.Fatalf("expected a non-empty parse tree")
	}
	if leaves[0].TerminalKind != KindString {
		t.Fatalf("first leaf kind = %d, want KindString", leaves[0].TerminalKind)
	}
}

func TestJSONObjectEmptyObject(t *testing.T) {
	p, err := NewJSONObjectParser()
	if err != nil {
		t.Fatalf("NewJSONObjectParser: %v", err)
	}
	tree, err := p.Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tree.Leaves()) != 2 {
		t.Fatalf("got %d leaves, want 2 ('{' and '}')", len(tree.Leaves()))
	}
}

func TestJSONObjectRejectsTrailingComma(t *testing.T) {
	p, err := NewJSONObjectParser()
	if err != nil {
		t.Fatalf("NewJSONObjectParser: %v", err)
	}
	_, err = p.Parse([]byte(`{"a": true,}`))
	var syn *lr1parser.SyntaxError
	if !errors.As(err, &syn) {
		t.Fatalf("Parse(trailing comma) error = %v, want *SyntaxError", err)
	}
}

func TestJSONObjectIncompleteInput(t *testing.T) {
	p, err := NewJSONObjectParser()
	if err != nil {
		t.Fatalf("NewJSONObjectParser: %v", err)
	}
	_, err = p.Parse([]byte(`{"a": tr`))
	if err == nil {
		t.Fatalf("expected an error for truncated input")
	}
}

func TestJSONObjectPrefixParseTracksOpenBrace(t *testing.T) {
	p, err := NewJSONObjectParser()
	if err != nil {
		t.Fatalf("NewJSONObjectParser: %v", err)
	}
	tree, suffix, err := p.PrefixParse([]byte(`{"a": tru`))
	if err != nil {
		t.Fatalf("PrefixParse: %v", err)
	}
	// "tru" is still a live prefix of "true", so it must not be
	// committed yet.
	if string(suffix) != "tru" {
		t.Fatalf("suffix = %q, want %q", suffix, "tru")
	}
	if len(tree.Leaves()) != 3 {
		t.Fatalf("got %d committed leaves, want 3 ('{', string, ':')", len(tree.Leaves()))
	}
}
