// Package extract converts raw HTML into structured records driven by
// a declarative schema: field name → selection rule (CSS or XPath) plus
// an optional transform. Extraction never fails a job; it always
// returns a result whose status reports how much of the schema
// resolved. Output is deterministic for identical (content, schema)
// inputs.
package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"

	"github.com/foragehq/forage/models"
)

// Transform names accepted in a field rule. Text is the default.
const (
	TransformText        = "text"        // trimmed inner text of the first match
	TransformHTML        = "html"        // outer HTML of the first match
	TransformAttr        = "attr"        // named attribute of the first match
	TransformList        = "list"        // trimmed inner text of every match
	TransformNumber      = "number"      // first match parsed as a float
	TransformMarkdown    = "markdown"    // first match converted to Markdown
	TransformReadability = "readability" // main-content text of the document
	TransformLinks       = "links"       // absolute anchor URLs under the match
)

var knownTransforms = map[string]struct{}{
	TransformText:        {},
	TransformHTML:        {},
	TransformAttr:        {},
	TransformList:        {},
	TransformNumber:      {},
	TransformMarkdown:    {},
	TransformReadability: {},
	TransformLinks:       {},
}

// rule is one compiled schema field. Exactly one of css and xp is set
// when the rule carries a selector; readability and links rules may
// select nothing and operate on the whole document.
type rule struct {
	name      string
	css       cascadia.Sel
	xp        *xpath.Expr
	attribute string
	transform string
	required  bool
}

// Schema is a compiled extraction schema. Rules are ordered by field
// name so extraction walks them deterministically.
type Schema struct {
	rules []rule
}

// Len reports the number of fields in the schema.
func (s *Schema) Len() int { return len(s.rules) }

// Compile validates and compiles a schema. Selectors are parsed once
// here so a bad schema is rejected as SCHEMA_MISMATCH before any fetch
// is attempted, and so extraction itself never re-parses them.
func Compile(fields map[string]models.FieldRule) (*Schema, error) {
	if len(fields) == 0 {
		return nil, models.NewScrapeError(models.ErrCodeSchemaMismatch, "schema must define at least one field", nil)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &Schema{rules: make([]rule, 0, len(names))}
	for _, name := range names {
		r, err := compileRule(name, fields[name])
		if err != nil {
			return nil, err
		}
		s.rules = append(s.rules, r)
	}
	return s, nil
}

func compileRule(name string, f models.FieldRule) (rule, error) {
	r := rule{
		name:      name,
		attribute: f.Attribute,
		transform: f.Transform,
		required:  f.IsRequired(),
	}
	if r.transform == "" {
		r.transform = TransformText
	}
	if _, ok := knownTransforms[r.transform]; !ok {
		return rule{}, schemaErr(name, fmt.Sprintf("unknown transform %q", r.transform))
	}
	if r.transform == TransformAttr && r.attribute == "" {
		return rule{}, schemaErr(name, "attr transform requires an attribute name")
	}

	sel := strings.TrimSpace(f.Selector)
	if sel == "" {
		// Readability and links default to the whole document; every
		// other transform needs something to select.
		if r.transform == TransformReadability || r.transform == TransformLinks {
			return r, nil
		}
		return rule{}, schemaErr(name, "selector is required")
	}

	// CutPrefix leaves sel untouched when the prefix is absent, which
	// covers the bare "//..." spelling.
	if expr, ok := strings.CutPrefix(sel, "xpath:"); ok || strings.HasPrefix(sel, "//") {
		xp, err := xpath.Compile(strings.TrimSpace(expr))
		if err != nil {
			return rule{}, schemaErr(name, fmt.Sprintf("invalid xpath %q: %v", expr, err))
		}
		r.xp = xp
		return r, nil
	}

	css, err := cascadia.Parse(sel)
	if err != nil {
		return rule{}, schemaErr(name, fmt.Sprintf("invalid selector %q: %v", sel, err))
	}
	r.css = css
	return r, nil
}

func schemaErr(field, msg string) *models.ScrapeError {
	return models.NewScrapeError(models.ErrCodeSchemaMismatch, fmt.Sprintf("field %q: %s", field, msg), nil)
}
