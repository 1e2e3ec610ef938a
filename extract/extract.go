package extract

import (
	"fmt"
	nurl "net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/foragehq/forage/models"
)

// Pipeline applies compiled schemas to fetched HTML. It is safe for
// concurrent use; the Markdown converter it carries is goroutine-safe
// and reused across jobs.
type Pipeline struct {
	md *converter.Converter
}

// NewPipeline returns a Pipeline ready for concurrent extraction.
func NewPipeline() *Pipeline {
	return &Pipeline{md: newMarkdownConverter()}
}

// Extract resolves every schema field against content and reports how
// much of the schema matched:
//
//	ok      every field resolved (optional gaps still count as ok)
//	partial at least one required field found no match
//	failed  the content was empty or not parseable as HTML
//
// Fields that found no match are present in Records with a nil value,
// and each gap is described in Diagnostics. Fields are resolved in
// sorted name order, so identical (content, schema) pairs produce
// byte-identical results.
func (p *Pipeline) Extract(content, finalURL string, schema *Schema) *models.ExtractionResult {
	res := &models.ExtractionResult{
		Status:  models.StatusOK,
		Records: make(map[string]any, schema.Len()),
	}
	if strings.TrimSpace(content) == "" {
		res.Status = models.StatusFailed
		res.Diagnostics = append(res.Diagnostics, "document is empty")
		return res
	}
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		res.Status = models.StatusFailed
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("document is not parseable html: %v", err))
		return res
	}

	for _, r := range schema.rules {
		value, found, diag := p.resolve(r, doc, content, finalURL)
		if diag != "" {
			res.Diagnostics = append(res.Diagnostics, diag)
		}
		if !found {
			res.Records[r.name] = nil
			if r.required {
				res.Status = models.StatusPartial
			}
			continue
		}
		res.Records[r.name] = value
	}

	if text := recordText(res.Records); text != "" {
		res.Fingerprint = fmt.Sprintf("%016x", Fingerprint(text))
		res.Tokens = EstimateTokens(text)
	}
	return res
}

// resolve evaluates a single rule. It returns the field value, whether
// the rule matched, and an optional diagnostic describing a gap.
func (p *Pipeline) resolve(r rule, doc *html.Node, rawHTML, finalURL string) (any, bool, string) {
	nodes := r.selectNodes(doc)
	if len(nodes) == 0 {
		return nil, false, gapDiag(r, "no match for selector")
	}

	switch r.transform {
	case TransformText:
		return nodeText(nodes[0]), true, ""

	case TransformHTML:
		h, err := nodeHTML(nodes[0])
		if err != nil {
			return nil, false, gapDiag(r, fmt.Sprintf("render failed: %v", err))
		}
		return h, true, ""

	case TransformAttr:
		for _, attr := range nodes[0].Attr {
			if attr.Key == r.attribute {
				return strings.TrimSpace(attr.Val), true, ""
			}
		}
		return nil, false, gapDiag(r, fmt.Sprintf("attribute %q not present on match", r.attribute))

	case TransformList:
		items := make([]string, 0, len(nodes))
		for _, n := range nodes {
			if t := nodeText(n); t != "" {
				items = append(items, t)
			}
		}
		return items, true, ""

	case TransformNumber:
		text := nodeText(nodes[0])
		n, ok := parseNumber(text)
		if !ok {
			return nil, false, gapDiag(r, fmt.Sprintf("text %q is not numeric", text))
		}
		return n, true, ""

	case TransformMarkdown:
		h, err := nodeHTML(nodes[0])
		if err != nil {
			return nil, false, gapDiag(r, fmt.Sprintf("render failed: %v", err))
		}
		md, err := p.md.ConvertString(h, converter.WithDomain(hostOf(finalURL)))
		if err != nil {
			return nil, false, gapDiag(r, fmt.Sprintf("markdown conversion failed: %v", err))
		}
		return strings.TrimSpace(md), true, ""

	case TransformReadability:
		return readableText(rawHTML, finalURL, doc), true, ""

	case TransformLinks:
		return collectLinks(nodes[0], finalURL), true, ""
	}

	// Compile rejects unknown transforms; this is unreachable.
	return nil, false, gapDiag(r, fmt.Sprintf("unknown transform %q", r.transform))
}

// selectNodes runs the rule's selector against the document. Rules
// without a selector (whole-document transforms) match the root.
func (r rule) selectNodes(doc *html.Node) []*html.Node {
	switch {
	case r.css != nil:
		return cascadia.QueryAll(doc, r.css)
	case r.xp != nil:
		return htmlquery.QuerySelectorAll(doc, r.xp)
	default:
		return []*html.Node{doc}
	}
}

func gapDiag(r rule, msg string) string {
	kind := "optional"
	if r.required {
		kind = "required"
	}
	return fmt.Sprintf("%s field %q: %s", kind, r.name, msg)
}

func hostOf(rawURL string) string {
	u, err := nurl.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
