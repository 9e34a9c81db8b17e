// Package manifest is the wire document served to agents: the compiled,
// path-keyed projection of a site's active rules.
//
//	{
//	  "meta":  {"generatedAt": "...", "siteId": "...", "domain": "...", "version": 1},
//	  "rules": {"/pricing": {"title": "...", "ruleId": "..."}}
//	}
//
// Decoding is per entry: one malformed entry is skipped and reported, the
// rest of the document is kept.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Version is the manifest format version written by this server.
const Version = 1

// Meta describes the document.
type Meta struct {
	GeneratedAt time.Time `json:"generatedAt"`
	SiteID      string    `json:"siteId"`
	Domain      string    `json:"domain"`
	Version     int       `json:"version"`
}

// Link is one anchor of a link injection.
type Link struct {
	Href   string `json:"href"`
	Anchor string `json:"anchor"`
}

// Injection is an HTML fragment inserted in the page body.
type Injection struct {
	HTML     string `json:"html"`
	Position string `json:"position,omitempty"` // "body-end" (default) or "body-start"
}

// Entry is the flattened instruction set for one path. A redirect entry
// carries only Redirect and Status.
type Entry struct {
	RuleID          string          `json:"ruleId"`
	Type            string          `json:"type,omitempty"`
	Redirect        string          `json:"redirect,omitempty"`
	Status          int             `json:"status,omitempty"`
	Title           string          `json:"title,omitempty"`
	MetaDescription string          `json:"metaDescription,omitempty"`
	Inject          *Injection      `json:"inject,omitempty"`
	Links           []Link          `json:"links,omitempty"`
	StructuredData  json.RawMessage `json:"structuredData,omitempty"`
	Defense         bool            `json:"defense,omitempty"`
}

// IsRedirect reports whether the entry short-circuits the response.
func (e Entry) IsRedirect() bool { return e.Redirect != "" }

// Empty reports whether the entry carries no instruction at all.
func (e Entry) Empty() bool {
	return e.Redirect == "" && e.Title == "" && e.MetaDescription == "" &&
		e.Inject == nil && len(e.Links) == 0 && len(e.StructuredData) == 0
}

// Manifest is the full document.
type Manifest struct {
	Meta  Meta             `json:"meta"`
	Rules map[string]Entry `json:"rules"`
}

// New returns an empty manifest for a site.
func New(siteID, domain string, generatedAt time.Time) *Manifest {
	return &Manifest{
		Meta: Meta{
			GeneratedAt: generatedAt.UTC(),
			SiteID:      siteID,
			Domain:      domain,
			Version:     Version,
		},
		Rules: make(map[string]Entry),
	}
}

// Paths returns the rule paths in lexical order.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Rules))
	for p := range m.Rules {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ETag is a strong validator over the rules only, so a recompiled manifest
// with identical rules keeps its tag across generatedAt changes.
func (m *Manifest) ETag() string {
	h := sha256.New()
	for _, p := range m.Paths() {
		b, _ := json.Marshal(m.Rules[p])
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return `"` + hex.EncodeToString(h.Sum(nil))[:32] + `"`
}

// ErrMalformed is returned when the document envelope itself cannot be read.
var ErrMalformed = errors.New("manifest: malformed document")

// EntryError describes one skipped entry.
type EntryError struct {
	Path string
	Err  error
}

func (e EntryError) Error() string {
	return fmt.Sprintf("manifest: entry %q: %v", e.Path, e.Err)
}

type rawManifest struct {
	Meta  Meta                       `json:"meta"`
	Rules map[string]json.RawMessage `json:"rules"`
}

// Decode parses a manifest. Entries that fail to decode, carry no ruleId or
// no instruction are skipped and returned as EntryErrors; only an unreadable
// envelope is an error.
func Decode(data []byte) (*Manifest, []EntryError, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Rules == nil && raw.Meta.SiteID == "" {
		return nil, nil, fmt.Errorf("%w: missing meta and rules", ErrMalformed)
	}

	m := &Manifest{Meta: raw.Meta, Rules: make(map[string]Entry, len(raw.Rules))}
	var skipped []EntryError
	for path, body := range raw.Rules {
		var e Entry
		if err := json.Unmarshal(body, &e); err != nil {
			skipped = append(skipped, EntryError{Path: path, Err: err})
			continue
		}
		if e.RuleID == "" {
			skipped = append(skipped, EntryError{Path: path, Err: errors.New("missing ruleId")})
			continue
		}
		if e.Empty() {
			skipped = append(skipped, EntryError{Path: path, Err: errors.New("no instruction")})
			continue
		}
		m.Rules[path] = e
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Path < skipped[j].Path })
	return m, skipped, nil
}

// LogSkipped reports skipped entries on logger.
func LogSkipped(logger *slog.Logger, siteID string, skipped []EntryError) {
	for _, s := range skipped {
		logger.Warn("manifest: entry skipped", "site_id", siteID, "path", s.Path, "error", s.Err)
	}
}
