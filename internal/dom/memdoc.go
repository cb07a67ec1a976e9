package dom

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domtrack/ident"
)

// MemDoc is an in-memory document backed by an x/net/html tree. It
// implements Page and exposes mutation methods that emit the same raw
// notifications a live page would, which makes it the reference host
// for tests and for seeding a tracker from a stored snapshot.
//
// All tree access is serialised on an internal mutex so handles may be
// used from the tracker loop while a test mutates the document.
type MemDoc struct {
	mu      sync.Mutex
	root    *html.Node
	keys    map[*html.Node]string
	nextKey int
	bounds  map[*html.Node]ident.Rect

	viewW, viewH float64

	mutCh  chan Mutation
	frames []func()

	// Actions records dispatched interactions for assertions.
	Actions []ActionRecord
}

// ActionRecord is one dispatched interaction on a MemDoc.
type ActionRecord struct {
	Kind  string // click | set_value | toggle | select | scroll
	Key   string // element key
	Value string
}

// ParseMemDoc builds a MemDoc from an HTML document string.
func ParseMemDoc(src string) (*MemDoc, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("dom: parse document: %w", err)
	}
	return &MemDoc{
		root:   root,
		keys:   make(map[*html.Node]string),
		bounds: make(map[*html.Node]ident.Rect),
		viewW:  1280,
		viewH:  800,
		mutCh:  make(chan Mutation, 4096),
	}, nil
}

// MustParseMemDoc is ParseMemDoc for fixtures; panics on error.
func MustParseMemDoc(src string) *MemDoc {
	d, err := ParseMemDoc(src)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *MemDoc) keyLocked(n *html.Node) string {
	if k, ok := d.keys[n]; ok {
		return k
	}
	d.nextKey++
	k := "m" + strconv.Itoa(d.nextKey)
	d.keys[n] = k
	return k
}

func (d *MemDoc) el(n *html.Node) *memEl {
	if n == nil {
		return nil
	}
	return &memEl{d: d, n: n}
}

// Root returns the <html> element.
func (d *MemDoc) Root() Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return d.el(c)
		}
	}
	return nil
}

// ByTag returns all elements with tag, in document order.
func (d *MemDoc) ByTag(tag string) []Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Element
	walkNodes(d.root, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, d.el(n))
		}
	})
	return out
}

// First returns the first element with tag, or nil.
func (d *MemDoc) First(tag string) Element {
	els := d.ByTag(tag)
	if len(els) == 0 {
		return nil
	}
	return els[0]
}

// ByAttr returns the first element whose attribute equals value.
func (d *MemDoc) ByAttr(name, value string) Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found *html.Node
	walkNodes(d.root, func(n *html.Node) {
		if found != nil || n.Type != html.ElementNode {
			return
		}
		for _, a := range n.Attr {
			if a.Key == name && a.Val == value {
				found = n
				return
			}
		}
	})
	if found == nil {
		return nil
	}
	return d.el(found)
}

// Viewport returns the simulated viewport size.
func (d *MemDoc) Viewport() (float64, float64) {
	return d.viewW, d.viewH
}

// SetViewport overrides the simulated viewport size.
func (d *MemDoc) SetViewport(w, h float64) {
	d.mu.Lock()
	d.viewW, d.viewH = w, h
	d.mu.Unlock()
}

// --- Source ---

// Mutations returns the raw mutation channel.
func (d *MemDoc) Mutations() <-chan Mutation { return d.mutCh }

// OnNextFrame queues fn for the next Frame call.
func (d *MemDoc) OnNextFrame(fn func()) {
	d.mu.Lock()
	d.frames = append(d.frames, fn)
	d.mu.Unlock()
}

// Frame simulates one render cycle: runs all callbacks queued before
// this call. Callbacks queued during execution wait for the next Frame.
func (d *MemDoc) Frame() {
	d.mu.Lock()
	pending := d.frames
	d.frames = nil
	d.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (d *MemDoc) emit(m Mutation) {
	select {
	case d.mutCh <- m:
	default:
		// Test documents never fill the buffer; tolerate overflow the
		// way a live observer would, by dropping the oldest signal.
		select {
		case <-d.mutCh:
		default:
		}
		d.mutCh <- m
	}
}

// --- Mutation API (simulates host-page changes) ---

// AppendHTML parses a fragment and appends its elements to parent,
// emitting one added-mutation per top-level element. Returns the first
// appended element.
func (d *MemDoc) AppendHTML(parent Element, fragment string) (Element, error) {
	p := parent.(*memEl)
	nodes, err := html.ParseFragment(strings.NewReader(fragment), p.n)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}

	d.mu.Lock()
	var first *html.Node
	var muts []Mutation
	for _, n := range nodes {
		p.n.AppendChild(n)
		if n.Type != html.ElementNode {
			continue
		}
		if first == nil {
			first = n
		}
		muts = append(muts, Mutation{
			Kind:     MutAdded,
			Target:   d.el(n),
			Fragment: renderNode(n),
		})
	}
	d.mu.Unlock()

	for _, m := range muts {
		d.emit(m)
	}
	if first == nil {
		return nil, fmt.Errorf("dom: fragment contains no element")
	}
	return d.el(first), nil
}

// Remove detaches el from the tree and emits a removed-mutation. The
// handle stays readable (tag, attributes) but reports Attached false.
func (d *MemDoc) Remove(el Element) {
	e := el.(*memEl)
	d.mu.Lock()
	if e.n.Parent != nil {
		e.n.Parent.RemoveChild(e.n)
	}
	d.mu.Unlock()
	d.emit(Mutation{Kind: MutRemoved, Target: e})
}

// SetAttr sets an attribute and emits an attr-mutation.
func (d *MemDoc) SetAttr(el Element, name, value string) {
	e := el.(*memEl)
	d.mu.Lock()
	set := false
	for i := range e.n.Attr {
		if e.n.Attr[i].Key == name {
			e.n.Attr[i].Val = value
			set = true
			break
		}
	}
	if !set {
		e.n.Attr = append(e.n.Attr, html.Attribute{Key: name, Val: value})
	}
	d.mu.Unlock()
	d.emit(Mutation{Kind: MutAttr, Target: e, AttrName: name})
}

// SetText replaces el's direct text content and emits a text-mutation.
func (d *MemDoc) SetText(el Element, text string) {
	e := el.(*memEl)
	d.mu.Lock()
	var next *html.Node
	for c := e.n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.TextNode {
			e.n.RemoveChild(c)
		}
	}
	e.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	d.mu.Unlock()
	d.emit(Mutation{Kind: MutText, Target: e})
}

// SetBounds assigns a bounding box to el, standing in for layout.
func (d *MemDoc) SetBounds(el Element, r ident.Rect) {
	e := el.(*memEl)
	d.mu.Lock()
	d.bounds[e.n] = r
	d.mu.Unlock()
}

// --- Actor ---

func (d *MemDoc) record(kind string, el Element, value string) error {
	key := el.Key()
	d.mu.Lock()
	d.Actions = append(d.Actions, ActionRecord{Kind: kind, Key: key, Value: value})
	d.mu.Unlock()
	return nil
}

func (d *MemDoc) Click(el Element) error { return d.record("click", el, "") }

func (d *MemDoc) SetValue(el Element, value string) error {
	if err := d.record("set_value", el, value); err != nil {
		return err
	}
	d.SetAttr(el, "value", value)
	return nil
}

func (d *MemDoc) Toggle(el Element) error {
	if err := d.record("toggle", el, ""); err != nil {
		return err
	}
	if _, ok := el.Attr("checked"); ok {
		d.SetAttr(el, "checked", "")
		return nil
	}
	d.SetAttr(el, "checked", "checked")
	return nil
}

func (d *MemDoc) Select(el Element, value string) error {
	if err := d.record("select", el, value); err != nil {
		return err
	}
	d.SetAttr(el, "value", value)
	return nil
}

func (d *MemDoc) ScrollIntoView(el Element) error { return d.record("scroll", el, "") }

// --- Element handle ---

type memEl struct {
	d *MemDoc
	n *html.Node
}

func (e *memEl) Tag() string {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.n.Data
}

func (e *memEl) Attr(name string) (string, bool) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	for _, a := range e.n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (e *memEl) OwnText() string {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	var b strings.Builder
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	}
	return CleanText(b.String())
}

func (e *memEl) Text() string {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	var b strings.Builder
	collectText(e.n, &b)
	return CleanText(b.String())
}

func (e *memEl) Parent() Element {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	for p := e.n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return e.d.el(p)
		}
	}
	return nil
}

func (e *memEl) Children() []Element {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	var out []Element
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, e.d.el(c))
		}
	}
	return out
}

func (e *memEl) SiblingIndex() int {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	idx := 0
	for s := e.n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == e.n.Data {
			idx++
		}
	}
	return idx
}

func (e *memEl) Bounds() (ident.Rect, bool) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	if r, ok := e.d.bounds[e.n]; ok {
		return r, true
	}
	// Fixture shorthand: data-rect="x,y,w,h".
	for _, a := range e.n.Attr {
		if a.Key == "data-rect" {
			if r, ok := parseRect(a.Val); ok {
				return r, true
			}
		}
	}
	return ident.Rect{}, false
}

func (e *memEl) Attached() bool {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	for n := e.n; n != nil; n = n.Parent {
		if n == e.d.root {
			return true
		}
	}
	return false
}

func (e *memEl) Enabled() bool {
	_, disabled := e.Attr("disabled")
	return !disabled
}

func (e *memEl) Key() string {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.d.keyLocked(e.n)
}

// --- helpers ---

func walkNodes(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkNodes(c, fn)
	}
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func renderNode(n *html.Node) string {
	var b strings.Builder
	if err := html.Render(&b, n); err != nil {
		return ""
	}
	return b.String()
}

func parseRect(s string) (ident.Rect, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return ident.Rect{}, false
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return ident.Rect{}, false
		}
		vals[i] = v
	}
	return ident.Rect{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, true
}
