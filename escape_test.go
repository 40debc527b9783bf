package gocci

import (
	"testing"

	"github.com/gocci/gocci/internal/protocol"
)

func TestEscapeStringPseudoIDs(t *testing.T) {
	tests := []struct {
		name string
		id   int
		in   string
		want string
	}{
		{"no backslash escapes doubles quotes only", NoBackslashEscapesTrue, "O'Brien\n", "O''Brien\n"},
		{"backslash escapes newline", NoBackslashEscapesFalse, "O'Brien\n", `O''Brien\n`},
		{"backslash escapes nul cr backslash", NoBackslashEscapesFalse, "a\x00b\rc\\d", `a\0b\rc\\d`},
		{"plain text untouched", NoBackslashEscapesTrue, "hello", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EscapeString(tt.id, tt.in)
			if err != nil {
				t.Fatalf("escape: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

// Escaping an already-escaped string under no_backslash_escapes is not
// idempotent: each quote doubles again, nothing else changes.
func TestEscapeStringRedoublesEscapedQuotes(t *testing.T) {
	once, err := EscapeString(NoBackslashEscapesTrue, "O'Brien")
	if err != nil {
		t.Fatalf("escape: %v", err)
	}
	twice, err := EscapeString(NoBackslashEscapesTrue, once)
	if err != nil {
		t.Fatalf("escape: %v", err)
	}
	if twice != "O''''Brien" {
		t.Fatalf("got %q", twice)
	}
}

func TestEscapeStringLazyServerFetch(t *testing.T) {
	d := newFakeDriver()
	d.params[protocol.ParamNoBackslashEscapes] = 1
	id, _, _ := mustConnect(t, d)
	defer Disconnect(id)

	got, err := EscapeString(id, "O'Brien\n")
	if err != nil {
		t.Fatalf("escape: %v", err)
	}
	if got != "O''Brien\n" {
		t.Fatalf("got %q", got)
	}
	fetches := d.reqs[0].calls("getdbparameter")
	if fetches != 1 {
		t.Fatalf("expected one lazy parameter fetch, got %d", fetches)
	}

	// cached after the first use
	if _, err := EscapeString(id, "x"); err != nil {
		t.Fatalf("escape: %v", err)
	}
	if d.reqs[0].calls("getdbparameter") != fetches {
		t.Fatal("no_backslash_escapes must be cached per connection")
	}
}
