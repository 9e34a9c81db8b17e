// Package rule defines the rule types the control loop creates and the
// tagged payload variant each type carries.
//
// A payload is one of Redirect, Metadata, ContentInjection, LinkInjection,
// Schema or Defense. The set is closed: Payload has an unexported method,
// so only this package can add variants, and Entry flattens each one into
// exactly the manifest fields it owns. A redirect entry therefore never
// carries injection fields.
package rule

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the wire name of a rule type.
type Type string

const (
	TypeRedirect         Type = "redirect"
	TypeMetadata         Type = "metadata-rewrite"
	TypeContentInjection Type = "content-injection"
	TypeLinkInjection    Type = "link-injection"
	TypeSchema           Type = "schema-injection"
	TypeDefense          Type = "defense-rule"
)

// Types lists every rule type.
var Types = []Type{TypeRedirect, TypeMetadata, TypeContentInjection, TypeLinkInjection, TypeSchema, TypeDefense}

// Source records what created a rule.
type Source string

const (
	SourceStrategic   Source = "strategic"
	SourceDefense     Source = "defense"
	SourceManual      Source = "manual"
	SourceRemediation Source = "remediation"
)

var (
	ErrUnknownType  = errors.New("rule: unknown type")
	ErrEmptyPayload = errors.New("rule: payload has no effective field")
	ErrInvalid      = errors.New("rule: invalid payload")
)

var typeAliases = map[string]Type{
	"metadata":  TypeMetadata,
	"meta":      TypeMetadata,
	"content":   TypeContentInjection,
	"links":     TypeLinkInjection,
	"schema":    TypeSchema,
	"defense":   TypeDefense,
	"redirects": TypeRedirect,
}

// ParseType accepts canonical names and their case or underscore variants
// ("METADATA_REWRITE", "Metadata_Rewrite", "schema").
func ParseType(s string) (Type, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	for _, t := range Types {
		if norm == string(t) {
			return t, nil
		}
	}
	if t, ok := typeAliases[norm]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// NormalizePath returns the canonical form of a site-relative path: leading
// slash, no query or fragment, no trailing slash except for the root.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// PathVariants returns the stored spellings that refer to the same path:
// with and without the leading slash.
func PathVariants(p string) []string {
	n := NormalizePath(p)
	if n == "/" {
		return []string{"/", ""}
	}
	return []string{n, strings.TrimPrefix(n, "/")}
}
