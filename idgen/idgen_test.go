package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatalf("Parse(%q): %v", id, err)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("rule_", UUIDv7())()
	if !strings.HasPrefix(id, "rule_") {
		t.Fatalf("missing prefix: %q", id)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("r")
	if a, b := gen(), gen(); a != "r1" || b != "r2" {
		t.Fatalf("sequence: got %q %q", a, b)
	}
}

func TestToken(t *testing.T) {
	seen := make(map[string]struct{}, 200)
	for i := 0; i < 200; i++ {
		tok := Token()
		if !strings.HasPrefix(tok, "sp_") || len(tok) != 35 {
			t.Fatalf("token shape: %q", tok)
		}
		for _, c := range tok[3:] {
			if !strings.ContainsRune(base36, c) {
				t.Fatalf("token alphabet: unexpected %q in %q", c, tok)
			}
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token at %d", i)
		}
		seen[tok] = struct{}{}
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
