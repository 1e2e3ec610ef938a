package extract

import (
	"bytes"
	"fmt"
	"log/slog"
	nurl "net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// minReadableLength is the minimum readability output (in characters)
// accepted as main content. Anything shorter means the algorithm failed
// to find an article body and we fall back to plain document text.
const minReadableLength = 50

// newMarkdownConverter builds the shared, goroutine-safe Markdown
// converter used by the markdown transform:
//
//   - base plugin: strips script, style, iframe, noscript, head, meta,
//     link, input, textarea and HTML comments.
//   - commonmark plugin: standard Markdown rendering.
//   - table plugin: keeps table structure with minimal cell padding so
//     wide tables stay compact.
func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}

// nodeText returns the trimmed inner text of a node.
func nodeText(n *html.Node) string {
	return strings.TrimSpace(htmlquery.InnerText(n))
}

// nodeHTML renders a node back to its outer HTML.
func nodeHTML(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseNumber extracts the first numeric value from text such as
// "$1,299.99" or "1 234,56 kr". Currency symbols, units and grouping
// separators are stripped; when both comma and dot survive the comma is
// treated as the thousands separator, a lone comma as the decimal mark.
func parseNumber(text string) (float64, bool) {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == '.' || r == ',' || r == '-':
			return r
		default:
			return -1
		}
	}, text)
	if clean == "" {
		return 0, false
	}
	dots := strings.Count(clean, ".")
	commas := strings.Count(clean, ",")
	switch {
	case commas == 0:
	case dots > 0 || commas > 1:
		// Dot decimal mark or repeated commas: commas group thousands.
		clean = strings.ReplaceAll(clean, ",", "")
	default:
		// A lone comma is a decimal mark unless it groups exactly three
		// trailing digits ("12,345").
		if i := strings.IndexByte(clean, ','); len(clean)-i-1 == 3 {
			clean = strings.Replace(clean, ",", "", 1)
		} else {
			clean = strings.Replace(clean, ",", ".", 1)
		}
	}
	n, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// readableText runs the Mozilla readability algorithm over the whole
// document and returns the main-content plain text. When the algorithm
// errors or produces too little text it falls back to the document's
// inner text, so the field resolves as long as the page has any text
// at all.
func readableText(rawHTML, sourceURL string, doc *html.Node) string {
	u, err := nurl.Parse(sourceURL)
	if err != nil {
		u = &nurl.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), u)
	if err != nil {
		slog.Debug("readability failed, using document text", "url", sourceURL, "error", err)
		return nodeText(doc)
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) < minReadableLength {
		return nodeText(doc)
	}
	return text
}

// collectLinks gathers every anchor href under root (root included,
// when the scoping selector matched an anchor itself), resolves it
// against base, and returns absolute http(s) URLs with fragments
// stripped, de-duplicated in document order.
func collectLinks(root *html.Node, base string) []string {
	baseURL, err := nurl.Parse(base)
	if err != nil {
		baseURL = nil
	}

	scope := goquery.NewDocumentFromNode(root).Selection
	anchors := scope.Filter("a[href]").AddSelection(scope.Find("a[href]"))

	links := make([]string, 0, anchors.Length())
	seen := make(map[string]struct{}, anchors.Length())
	anchors.Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs, ok := resolveLink(baseURL, href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

func resolveLink(base *nurl.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	u, err := nurl.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// SameOrigin filters urls down to the ones sharing pageURL's host,
// preserving order. Used by the link-mapping operation.
func SameOrigin(urls []string, pageURL string) []string {
	page, err := nurl.Parse(pageURL)
	if err != nil {
		return urls
	}
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := nurl.Parse(raw)
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Host, page.Host) {
			out = append(out, u.String())
		}
	}
	return out
}

// numberString formats a parsed number the way it entered the record,
// for fingerprint text only.
func numberString(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// recordText flattens a resolved field value into plain text for the
// content fingerprint and token estimate. Fields are visited in sorted
// name order so the flattened text is deterministic.
func recordText(records map[string]any) string {
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		switch v := records[name].(type) {
		case nil:
			continue
		case string:
			if v != "" {
				sb.WriteString(v)
				sb.WriteByte('\n')
			}
		case []string:
			for _, item := range v {
				sb.WriteString(item)
				sb.WriteByte('\n')
			}
		case float64:
			sb.WriteString(numberString(v))
			sb.WriteByte('\n')
		default:
			fmt.Fprintf(&sb, "%v\n", v)
		}
	}
	return strings.TrimSpace(sb.String())
}
