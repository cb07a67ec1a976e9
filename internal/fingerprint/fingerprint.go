// Package fingerprint captures multi-tier identity descriptors from
// live elements. Generation is read-only: it never mutates the element
// and is re-run whenever a node is newly tracked or re-matched, so
// volatile fields (current value, bounds) stay fresh.
package fingerprint

import (
	"time"

	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/internal/dom"
)

// testIDAttrs are explicit-identifier attributes, in preference order.
var testIDAttrs = []string{"data-testid", "data-test-id", "data-test", "data-qa", "data-cy"}

// Options bound fingerprint capture.
type Options struct {
	// MaxAncestors caps the upward path walk; the walk also stops at
	// the first landmark container. Default 5.
	MaxAncestors int
}

func (o *Options) defaults() {
	if o.MaxAncestors <= 0 {
		o.MaxAncestors = 5
	}
}

// Generator captures fingerprints from elements of one document.
type Generator struct {
	doc  dom.Document
	opts Options
}

// New creates a Generator for doc.
func New(doc dom.Document, opts Options) *Generator {
	opts.defaults()
	return &Generator{doc: doc, opts: opts}
}

// Generate captures a fingerprint for el. The returned fingerprint has
// no ID: ids are assigned by the tracker, never derived from the DOM.
func (g *Generator) Generate(el dom.Element) ident.Fingerprint {
	fp := ident.Fingerprint{
		Tag:        el.Tag(),
		CapturedAt: time.Now(),
	}

	g.explicit(el, &fp)
	g.semantic(el, &fp)
	g.content(el, &fp)
	g.structural(el, &fp)
	g.context(el, &fp)
	g.geometric(el, &fp)

	return fp
}

func (g *Generator) explicit(el dom.Element, fp *ident.Fingerprint) {
	for _, attr := range testIDAttrs {
		if v, ok := el.Attr(attr); ok && v != "" {
			fp.TestID = v
			break
		}
	}
	if id, ok := el.Attr("id"); ok && id != "" && !IsGeneratedToken(id) {
		fp.StableID = id
	}
}

func (g *Generator) semantic(el dom.Element, fp *ident.Fingerprint) {
	fp.Role = Role(el)
	fp.Label = AccessibleLabel(el)
	for p := el.Parent(); p != nil; p = p.Parent() {
		if p.Tag() == "form" {
			if name, ok := p.Attr("name"); ok {
				fp.FormName = name
			}
			break
		}
	}
}

func (g *Generator) content(el dom.Element, fp *ident.Fingerprint) {
	fp.Text = dom.Capture(el.Text())
	if v, ok := el.Attr("placeholder"); ok {
		fp.Placeholder = dom.Capture(v)
	}
	if v, ok := el.Attr("value"); ok {
		fp.Value = dom.Capture(v)
	}
	if v, ok := el.Attr("href"); ok {
		fp.Href = v
	}
}

func (g *Generator) structural(el dom.Element, fp *ident.Fingerprint) {
	if cls, ok := el.Attr("class"); ok {
		fp.Classes = FilterClasses(cls)
	}
	fp.SiblingIndex = el.SiblingIndex()
	fp.ChildCount = len(el.Children())

	// Walk upward until a landmark container or the depth cap; the
	// element itself is not part of its own path.
	for p, depth := el.Parent(), 0; p != nil && depth < g.opts.MaxAncestors; p, depth = p.Parent(), depth+1 {
		step := ident.PathStep{Tag: p.Tag(), Index: p.SiblingIndex()}
		if role, ok := p.Attr("role"); ok {
			step.Role = role
		}
		fp.Path = append(fp.Path, step)
		if dom.IsLandmark(p) {
			break
		}
	}
}

func (g *Generator) context(el dom.Element, fp *ident.Fingerprint) {
	parent := el.Parent()
	if parent == nil {
		return
	}
	siblings := parent.Children()
	pos := -1
	for i, s := range siblings {
		if dom.SameNode(s, el) {
			pos = i
			break
		}
	}
	if pos > 0 {
		fp.PrevText = dom.Capture(siblings[pos-1].Text())
	}
	if pos >= 0 && pos+1 < len(siblings) {
		fp.NextText = dom.Capture(siblings[pos+1].Text())
	}
	fp.ParentText = dom.Capture(parent.OwnText())
}

func (g *Generator) geometric(el dom.Element, fp *ident.Fingerprint) {
	r, ok := el.Bounds()
	if !ok {
		return
	}
	fp.Bounds = &r
	if w, h := g.doc.Viewport(); w > 0 && h > 0 {
		cx, cy := r.Center()
		fp.ViewportX = cx / w
		fp.ViewportY = cy / h
	}
	if r.H > 0 {
		fp.Aspect = r.W / r.H
	}
}

// Role resolves the element's explicit or implicit ARIA role.
func Role(el dom.Element) string {
	if role, ok := el.Attr("role"); ok && role != "" {
		return role
	}
	switch el.Tag() {
	case "button":
		return "button"
	case "a":
		if _, ok := el.Attr("href"); ok {
			return "link"
		}
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "nav":
		return "navigation"
	case "main":
		return "main"
	case "form":
		return "form"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	case "input":
		switch t, _ := el.Attr("type"); t {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "button", "submit", "reset":
			return "button"
		case "range":
			return "slider"
		default:
			return "textbox"
		}
	}
	return ""
}

// AccessibleLabel resolves the element's accessible name from the
// strongest available source.
func AccessibleLabel(el dom.Element) string {
	if v, ok := el.Attr("aria-label"); ok && v != "" {
		return dom.Capture(v)
	}
	if v, ok := el.Attr("alt"); ok && v != "" {
		return dom.Capture(v)
	}
	if v, ok := el.Attr("title"); ok && v != "" {
		return dom.Capture(v)
	}
	switch el.Tag() {
	case "button", "a", "h1", "h2", "h3", "h4", "h5", "h6", "label", "option", "summary":
		return dom.Capture(el.Text())
	}
	return ""
}
