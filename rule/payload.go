package rule

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/seopilot/horosafe"
	"github.com/hazyhaar/seopilot/manifest"
)

// Payload is the sealed set of type-specific rule payloads.
type Payload interface {
	Type() Type
	validate() error
	flatten(e *manifest.Entry)
}

// Redirect sends the visitor elsewhere. Nothing else applies to the path.
type Redirect struct {
	To     string `json:"to"`
	Status int    `json:"status,omitempty"`
}

func (Redirect) Type() Type { return TypeRedirect }

func (r Redirect) validate() error {
	if r.To == "" {
		return ErrEmptyPayload
	}
	if err := horosafe.ValidateRedirect(r.To); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch r.Status {
	case 0, 301, 302, 307, 308:
		return nil
	}
	return fmt.Errorf("%w: redirect status %d", ErrInvalid, r.Status)
}

func (r Redirect) flatten(e *manifest.Entry) {
	e.Redirect = r.To
	e.Status = r.Status
	if e.Status == 0 {
		e.Status = 301
	}
}

// Metadata rewrites the document title and/or meta description.
type Metadata struct {
	Title           string `json:"title,omitempty"`
	MetaDescription string `json:"metaDescription,omitempty"`
}

func (Metadata) Type() Type { return TypeMetadata }

func (m Metadata) validate() error {
	if strings.TrimSpace(m.Title) == "" && strings.TrimSpace(m.MetaDescription) == "" {
		return ErrEmptyPayload
	}
	return nil
}

func (m Metadata) flatten(e *manifest.Entry) {
	e.Title = m.Title
	e.MetaDescription = m.MetaDescription
}

// Injection positions.
const (
	PositionBodyEnd   = "body-end"
	PositionBodyStart = "body-start"
)

// ContentInjection inserts an HTML fragment into the body.
type ContentInjection struct {
	HTML     string `json:"html"`
	Position string `json:"position,omitempty"`
}

func (ContentInjection) Type() Type { return TypeContentInjection }

func (c ContentInjection) validate() error {
	if strings.TrimSpace(c.HTML) == "" {
		return ErrEmptyPayload
	}
	switch c.Position {
	case "", PositionBodyEnd, PositionBodyStart:
		return nil
	}
	return fmt.Errorf("%w: position %q", ErrInvalid, c.Position)
}

func (c ContentInjection) flatten(e *manifest.Entry) {
	pos := c.Position
	if pos == "" {
		pos = PositionBodyEnd
	}
	e.Inject = &manifest.Injection{HTML: c.HTML, Position: pos}
}

// Link is one internal link to add.
type Link struct {
	Href   string `json:"href"`
	Anchor string `json:"anchor"`
}

// LinkInjection appends a block of links to the body.
type LinkInjection struct {
	Links []Link `json:"links"`
}

func (LinkInjection) Type() Type { return TypeLinkInjection }

func (l LinkInjection) validate() error {
	if len(l.Links) == 0 {
		return ErrEmptyPayload
	}
	for _, lk := range l.Links {
		if lk.Href == "" || strings.TrimSpace(lk.Anchor) == "" {
			return fmt.Errorf("%w: link needs href and anchor", ErrInvalid)
		}
		if err := horosafe.ValidateRedirect(lk.Href); err != nil {
			return fmt.Errorf("%w: link href %q", ErrInvalid, lk.Href)
		}
	}
	return nil
}

func (l LinkInjection) flatten(e *manifest.Entry) {
	e.Links = make([]manifest.Link, len(l.Links))
	for i, lk := range l.Links {
		e.Links[i] = manifest.Link{Href: lk.Href, Anchor: lk.Anchor}
	}
}

// Schema injects JSON-LD structured data.
type Schema struct {
	StructuredData json.RawMessage `json:"structuredData"`
}

func (Schema) Type() Type { return TypeSchema }

func (s Schema) validate() error {
	trimmed := bytes.TrimSpace(s.StructuredData)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return ErrEmptyPayload
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: structuredData is not JSON", ErrInvalid)
	}
	return nil
}

func (s Schema) flatten(e *manifest.Entry) {
	e.StructuredData = compactJSON(s.StructuredData)
}

// Defense wraps a regular payload created by a defense cycle.
type Defense struct {
	Cause string
	Inner Payload
}

func (Defense) Type() Type { return TypeDefense }

func (d Defense) validate() error {
	if d.Inner == nil {
		return ErrEmptyPayload
	}
	if _, nested := d.Inner.(Defense); nested {
		return fmt.Errorf("%w: nested defense payload", ErrInvalid)
	}
	return d.Inner.validate()
}

func (d Defense) flatten(e *manifest.Entry) {
	d.Inner.flatten(e)
	e.Defense = true
}

type defenseWire struct {
	Cause     string          `json:"cause,omitempty"`
	InnerType Type            `json:"innerType"`
	Inner     json.RawMessage `json:"inner"`
}

// MarshalJSON encodes the inner payload together with its type.
func (d Defense) MarshalJSON() ([]byte, error) {
	if d.Inner == nil {
		return nil, ErrEmptyPayload
	}
	inner, err := json.Marshal(d.Inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(defenseWire{Cause: d.Cause, InnerType: d.Inner.Type(), Inner: inner})
}

// Unwrap returns the payload that governs the page: the inner payload of
// a Defense, the payload itself otherwise.
func Unwrap(p Payload) Payload {
	if d, ok := p.(Defense); ok {
		return d.Inner
	}
	return p
}

// Validate checks a payload built in code.
func Validate(p Payload) error {
	if p == nil {
		return ErrEmptyPayload
	}
	return p.validate()
}

// DecodePayload decodes and validates raw JSON as the variant for t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyPayload
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeRedirect:
		var v struct {
			Redirect
			Alias string `json:"redirect"`
		}
		err = json.Unmarshal(raw, &v)
		if v.To == "" {
			v.To = v.Alias
		}
		p = v.Redirect
	case TypeMetadata:
		var v struct {
			Metadata
			Description string `json:"description"`
		}
		err = json.Unmarshal(raw, &v)
		if v.MetaDescription == "" {
			v.MetaDescription = v.Description
		}
		p = v.Metadata
	case TypeContentInjection:
		var v ContentInjection
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeLinkInjection:
		var v LinkInjection
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeSchema:
		var v Schema
		err = json.Unmarshal(raw, &v)
		if err == nil && len(v.StructuredData) == 0 {
			// bare JSON-LD object without the structuredData envelope
			var probe map[string]json.RawMessage
			if json.Unmarshal(raw, &probe) == nil && probe["@context"] != nil {
				v.StructuredData = raw
			}
		}
		p = v
	case TypeDefense:
		var w defenseWire
		if err = json.Unmarshal(raw, &w); err != nil {
			break
		}
		if w.InnerType == TypeDefense {
			return nil, fmt.Errorf("%w: nested defense payload", ErrInvalid)
		}
		inner, ierr := DecodePayload(w.InnerType, w.Inner)
		if ierr != nil {
			return nil, fmt.Errorf("rule: defense inner: %w", ierr)
		}
		p = Defense{Cause: w.Cause, Inner: inner}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode returns the canonical JSON of p.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, ErrEmptyPayload
	}
	return json.Marshal(p)
}

// Hash identifies a payload for duplicate suppression: type plus
// canonical JSON.
func Hash(p Payload) (string, error) {
	b, err := Encode(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(string(p.Type())+"\x00"), b...))
	return hex.EncodeToString(sum[:]), nil
}

// Entry flattens p into a manifest entry for ruleID.
func Entry(ruleID string, p Payload) manifest.Entry {
	e := manifest.Entry{RuleID: ruleID, Type: string(Unwrap(p).Type())}
	p.flatten(&e)
	return e
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
