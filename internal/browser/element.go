package browser

import (
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/internal/dom"
)

// wrap builds an element handle keyed by the node's CDP backend id.
// The backend id is stable for the node's lifetime and never reused
// while the page lives, which is exactly the Key contract.
func (t *Tab) wrap(el *rod.Element) dom.Element {
	if el == nil {
		return nil
	}
	node, err := proto.DOMDescribeNode{ObjectID: el.Object.ObjectID}.Call(t.page)
	if err != nil {
		// Node already gone: no key worth correlating.
		return nil
	}
	return &pageEl{
		t:   t,
		el:  el,
		key: fmt.Sprintf("b%d", node.Node.BackendNodeID),
		tag: strings.ToLower(node.Node.NodeName),
	}
}

// pageEl is a non-owning handle over a live Chrome element. Every
// accessor degrades to a zero value when the node has gone away; the
// tracker confirms liveness through Attached, not through errors.
type pageEl struct {
	t   *Tab
	el  *rod.Element
	key string
	tag string
}

func (e *pageEl) Tag() string { return e.tag }

func (e *pageEl) Attr(name string) (string, bool) {
	v, err := e.el.Attribute(name)
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (e *pageEl) OwnText() string {
	res, err := e.el.Eval(`() => {
		let s = '';
		for (const c of this.childNodes) {
			if (c.nodeType === 3) s += c.textContent + ' ';
		}
		return s;
	}`)
	if err != nil {
		return ""
	}
	return dom.CleanText(res.Value.Str())
}

func (e *pageEl) Text() string {
	s, err := e.el.Text()
	if err != nil {
		return ""
	}
	return dom.CleanText(s)
}

func (e *pageEl) Parent() dom.Element {
	p, err := e.el.Parent()
	if err != nil {
		return nil
	}
	return e.t.wrap(p)
}

func (e *pageEl) Children() []dom.Element {
	els, err := e.el.Elements(":scope > *")
	if err != nil {
		return nil
	}
	out := make([]dom.Element, 0, len(els))
	for _, c := range els {
		if w := e.t.wrap(c); w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (e *pageEl) SiblingIndex() int {
	res, err := e.el.Eval(`() => {
		let i = 0;
		for (let s = this.previousElementSibling; s; s = s.previousElementSibling) {
			if (s.tagName === this.tagName) i++;
		}
		return i;
	}`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

func (e *pageEl) Bounds() (ident.Rect, bool) {
	res, err := e.el.Eval(`() => {
		const r = this.getBoundingClientRect();
		return [r.x, r.y, r.width, r.height];
	}`)
	if err != nil {
		return ident.Rect{}, false
	}
	arr := res.Value.Arr()
	if len(arr) != 4 {
		return ident.Rect{}, false
	}
	r := ident.Rect{X: arr[0].Num(), Y: arr[1].Num(), W: arr[2].Num(), H: arr[3].Num()}
	if r.W == 0 && r.H == 0 {
		return ident.Rect{}, false
	}
	return r, true
}

func (e *pageEl) Attached() bool {
	res, err := e.el.Eval(`() => this.isConnected`)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

func (e *pageEl) Enabled() bool {
	res, err := e.el.Eval(`() => !(this.disabled === true || this.closest('fieldset[disabled]') !== null)`)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

func (e *pageEl) Key() string { return e.key }

// tombstone stands in for a removed node in a mutation record. It
// carries the tag for logging and nothing else; the tracker identifies
// the affected identities by sweeping for detached handles.
type tombstone struct {
	tag string
}

func (z tombstone) Tag() string                { return z.tag }
func (z tombstone) Attr(string) (string, bool) { return "", false }
func (z tombstone) OwnText() string            { return "" }
func (z tombstone) Text() string               { return "" }
func (z tombstone) Parent() dom.Element        { return nil }
func (z tombstone) Children() []dom.Element    { return nil }
func (z tombstone) SiblingIndex() int          { return 0 }
func (z tombstone) Bounds() (ident.Rect, bool) { return ident.Rect{}, false }
func (z tombstone) Attached() bool             { return false }
func (z tombstone) Enabled() bool              { return false }
func (z tombstone) Key() string                { return "" }
