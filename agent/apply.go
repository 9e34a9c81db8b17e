package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/seopilot/horosafe"
	"github.com/hazyhaar/seopilot/manifest"
)

// Marker attributes identify elements the agent owns, so a second Apply
// replaces them instead of adding copies.
const (
	attrRule   = "data-seopilot-rule"
	attrKind   = "data-seopilot-kind"
	attrSchema = "data-seopilot"
)

var ugc = bluemonday.UGCPolicy()

// Apply mutates doc according to e and returns the rendered document. Only
// the fields present in e are touched. Applying the same entry twice gives
// the same bytes as applying it once. Redirect entries are not applied
// here; they never reach the document.
func Apply(doc []byte, e manifest.Entry) ([]byte, error) {
	if e.IsRedirect() {
		return doc, nil
	}
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return doc, fmt.Errorf("agent: parse document: %w", err)
	}
	head := findFirst(root, atom.Head)
	body := findFirst(root, atom.Body)
	if head == nil || body == nil {
		return doc, fmt.Errorf("agent: document has no head or body")
	}

	if e.Title != "" {
		setTitle(head, root, e.Title)
	}
	if e.MetaDescription != "" {
		setMetaDescription(head, root, e.MetaDescription)
	}
	if len(e.StructuredData) > 0 {
		if err := setStructuredData(head, root, e.StructuredData); err != nil {
			return doc, err
		}
	}
	if e.Inject != nil && strings.TrimSpace(e.Inject.HTML) != "" {
		if err := inject(body, e.RuleID, e.Inject); err != nil {
			return doc, err
		}
	}
	if len(e.Links) > 0 {
		injectLinks(body, e.RuleID, e.Links)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return doc, fmt.Errorf("agent: render document: %w", err)
	}
	return buf.Bytes(), nil
}

func setTitle(head, root *html.Node, title string) {
	n := findFirst(root, atom.Title)
	if n == nil {
		n = element(atom.Title)
		head.AppendChild(n)
	}
	replaceText(n, title)
}

func setMetaDescription(head, root *html.Node, desc string) {
	var meta *html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta && strings.EqualFold(attr(n, "name"), "description") {
			meta = n
			return false
		}
		return true
	})
	if meta == nil {
		meta = element(atom.Meta, html.Attribute{Key: "name", Val: "description"})
		head.AppendChild(meta)
	}
	setAttr(meta, "content", desc)
}

func setStructuredData(head, root *html.Node, data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return fmt.Errorf("agent: structured data: %w", err)
	}
	// "</" inside a JSON string may be written "<\/"; it keeps the script
	// element from being closed by the payload.
	text := strings.ReplaceAll(buf.String(), "</", `<\/`)

	var script *html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script && hasAttr(n, attrSchema) {
			script = n
			return false
		}
		return true
	})
	if script == nil {
		script = element(atom.Script,
			html.Attribute{Key: "type", Val: "application/ld+json"},
			html.Attribute{Key: attrSchema, Val: ""},
		)
		head.AppendChild(script)
	}
	replaceText(script, text)
	return nil
}

func inject(body *html.Node, ruleID string, in *manifest.Injection) error {
	removeOwned(body, "content")

	wrapper := element(atom.Div,
		html.Attribute{Key: attrRule, Val: ruleID},
		html.Attribute{Key: attrKind, Val: "content"},
	)
	nodes, err := html.ParseFragment(strings.NewReader(ugc.Sanitize(in.HTML)), body)
	if err != nil {
		return fmt.Errorf("agent: parse injection: %w", err)
	}
	for _, n := range nodes {
		wrapper.AppendChild(n)
	}
	if in.Position == "body-start" && body.FirstChild != nil {
		body.InsertBefore(wrapper, body.FirstChild)
	} else {
		body.AppendChild(wrapper)
	}
	return nil
}

func injectLinks(body *html.Node, ruleID string, links []manifest.Link) {
	removeOwned(body, "links")

	ul := element(atom.Ul)
	for _, l := range links {
		if horosafe.ValidateRedirect(l.Href) != nil || strings.TrimSpace(l.Anchor) == "" {
			continue
		}
		a := element(atom.A, html.Attribute{Key: "href", Val: l.Href})
		a.AppendChild(&html.Node{Type: html.TextNode, Data: l.Anchor})
		li := element(atom.Li)
		li.AppendChild(a)
		ul.AppendChild(li)
	}
	if ul.FirstChild == nil {
		return
	}
	nav := element(atom.Nav,
		html.Attribute{Key: attrRule, Val: ruleID},
		html.Attribute{Key: attrKind, Val: "links"},
	)
	nav.AppendChild(ul)
	body.AppendChild(nav)
}

// removeOwned detaches every element the agent previously inserted for kind.
func removeOwned(root *html.Node, kind string) {
	var owned []*html.Node
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && attr(n, attrKind) == kind && hasAttr(n, attrRule) {
			owned = append(owned, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(root)
	for _, n := range owned {
		n.Parent.RemoveChild(n)
	}
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func replaceText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

func findFirst(root *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return false
		}
		return true
	})
	return found
}

// walk visits nodes depth-first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
