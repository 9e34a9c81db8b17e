package synth

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/seopilot/rule"
)

// maxExcerpt bounds each page excerpt in the prompt.
const maxExcerpt = 2000

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Prompt renders in as instructions for a language model. Page excerpts
// are converted from HTML to markdown.
func Prompt(in Input) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "You optimise the website %s for search.\n", in.Domain)
	switch in.Mode {
	case ModeDefense:
		fmt.Fprintf(&b, "DEFENSE MODE: traffic dropped %.1f%%. %s\n", in.DropPct, in.Alert)
		b.WriteString("Propose only conservative, low-risk fixes that protect existing rankings.\n")
	default:
		if in.Flat {
			b.WriteString("Rankings are flat: bolder changes are acceptable (divergenceScore up to 1).\n")
		} else {
			b.WriteString("Rankings are moving: keep changes conservative (divergenceScore at most 0.7).\n")
		}
	}

	if p := in.Performance; p != nil {
		fmt.Fprintf(&b, "\n## Performance\nclicks=%d impressions=%d ctr=%.4f position=%.1f\n",
			p.Clicks, p.Impressions, p.CTR, p.Position)
	}
	if len(in.Rankings) > 0 {
		b.WriteString("\n## Rankings\n")
		for _, r := range in.Rankings {
			fmt.Fprintf(&b, "- %q: %d\n", r.Keyword, r.Position)
		}
	}
	if len(in.ActiveRules) > 0 {
		b.WriteString("\n## Active rules\n")
		for _, r := range in.ActiveRules {
			fmt.Fprintf(&b, "- %s %s\n", r.Type, r.Path)
		}
	}
	if len(in.Issues) > 0 {
		b.WriteString("\n## Issues\n")
		for _, is := range in.Issues {
			fmt.Fprintf(&b, "- %s on %s: %s\n", is.Kind, is.Path, is.Detail)
			if is.Excerpt == "" {
				continue
			}
			md, err := mdConverter.ConvertString(is.Excerpt, converter.WithDomain("https://"+in.Domain))
			if err != nil {
				return "", fmt.Errorf("synth: convert excerpt for %s: %w", is.Path, err)
			}
			if len(md) > maxExcerpt {
				md = md[:maxExcerpt]
			}
			b.WriteString("\n```markdown\n")
			b.WriteString(md)
			b.WriteString("\n```\n")
		}
	}

	b.WriteString("\n## Output\nAnswer with JSON only: {\"candidates\": [{\"targetPath\", \"type\", \"payload\", \"reasoning\", \"confidence\", \"divergenceScore\"}]}.\n")
	b.WriteString("Allowed types and payloads:\n")
	for _, t := range []rule.Type{rule.TypeRedirect, rule.TypeMetadata, rule.TypeContentInjection, rule.TypeLinkInjection, rule.TypeSchema} {
		fmt.Fprintf(&b, "- %s: %s\n", t, payloadHint[t])
	}
	return b.String(), nil
}

var payloadHint = map[rule.Type]string{
	rule.TypeRedirect:         `{"to": "/target", "status": 301}`,
	rule.TypeMetadata:         `{"title": "...", "metaDescription": "..."}`,
	rule.TypeContentInjection: `{"html": "<p>...</p>", "position": "body-end"}`,
	rule.TypeLinkInjection:    `{"links": [{"href": "/page", "anchor": "text"}]}`,
	rule.TypeSchema:           `{"structuredData": {"@context": "https://schema.org", ...}}`,
}
