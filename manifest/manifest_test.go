package manifest

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecode_SkipsBadEntries(t *testing.T) {
	doc := `{
	  "meta": {"generatedAt": "2026-01-02T03:04:05Z", "siteId": "s1", "domain": "example.com", "version": 1},
	  "rules": {
	    "/good":   {"ruleId": "r1", "title": "Hello"},
	    "/broken": {"ruleId": 42},
	    "/noid":   {"title": "orphan"},
	    "/empty":  {"ruleId": "r3"},
	    "/redir":  {"ruleId": "r4", "redirect": "/x", "status": 301}
	  }
	}`
	m, skipped, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]string{"/good", "/redir"}, m.Paths()); diff != "" {
		t.Fatalf("paths (-want +got):\n%s", diff)
	}
	var got []string
	for _, s := range skipped {
		got = append(got, s.Path)
	}
	if diff := cmp.Diff([]string{"/broken", "/empty", "/noid"}, got); diff != "" {
		t.Fatalf("skipped (-want +got):\n%s", diff)
	}
	if m.Meta.SiteID != "s1" || m.Meta.Version != 1 {
		t.Fatalf("meta: %+v", m.Meta)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, doc := range []string{`not json`, `[]`, `{}`} {
		if _, _, err := Decode([]byte(doc)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) err = %v", doc, err)
		}
	}
}

func TestETag_IgnoresGeneratedAt(t *testing.T) {
	a := New("s1", "example.com", time.Unix(1, 0))
	a.Rules["/x"] = Entry{RuleID: "r1", Title: "T"}
	b := New("s1", "example.com", time.Unix(9999, 0))
	b.Rules["/x"] = Entry{RuleID: "r1", Title: "T"}
	if a.ETag() != b.ETag() {
		t.Fatal("etag depends on generatedAt")
	}
	b.Rules["/x"] = Entry{RuleID: "r2", Title: "T"}
	if a.ETag() == b.ETag() {
		t.Fatal("etag ignores rule change")
	}
}
