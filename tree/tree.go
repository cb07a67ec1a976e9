// Package tree projects the live document into a hierarchical mirror
// of tracked nodes for a display surface. Containers that carry no
// text, label or landmark role are elided with their children promoted
// in place; interactive elements absorb their descendant text into a
// single consolidated label.
package tree

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	domtrack "github.com/hazyhaar/domtrack"
	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/internal/dom"
	"github.com/hazyhaar/domtrack/internal/fingerprint"
)

// DefaultCollabTimeout bounds how long a snapshot waits on the
// labeling and extraction collaborators before falling back to
// original labels.
const DefaultCollabTimeout = 300 * time.Millisecond

// Node is one entry in the mirror tree. ID is set only for elements
// the tracker holds an identity for.
type Node struct {
	ID        string       `json:"id,omitempty"`
	Tag       string       `json:"tag"`
	Role      string       `json:"role,omitempty"`
	Label     string       `json:"label,omitempty"`
	Status    ident.Status `json:"status,omitempty"`
	Important bool         `json:"important,omitempty"`
	Children  []*Node      `json:"children,omitempty"`
}

// Elements never worth mirroring.
var skipTags = map[string]bool{
	"script": true, "style": true, "template": true,
	"noscript": true, "head": true, "meta": true, "link": true,
	"title": true, "base": true,
}

// Elements whose descendant text collapses into their own label.
var interactiveTags = map[string]bool{
	"button": true, "a": true, "input": true,
	"select": true, "textarea": true, "summary": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true,
	"textbox": true, "combobox": true, "listbox": true, "switch": true,
	"menuitem": true, "tab": true, "slider": true,
}

var headingTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// Builder maintains the mirror tree. It holds only derived, disposable
// view structures: everything it shows is rebuilt from the tracker's
// node set and the live document, never from retained element
// references of its own.
type Builder struct {
	tr        *domtrack.Tracker
	doc       dom.Document
	extractor domtrack.ContentExtractor
	labeler   domtrack.Labeler
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	dirty  bool
	root   *Node
	byID   map[string]*Node
	handle int
}

// Option customises a Builder.
type Option func(*Builder)

// WithExtractor attaches a content-extraction collaborator. Its text
// replaces the captured label of tracked headings when available.
func WithExtractor(e domtrack.ContentExtractor) Option {
	return func(b *Builder) { b.extractor = e }
}

// WithLabeler attaches a labeling collaborator. Nodes it marks get
// Important and, when provided, replacement labels.
func WithLabeler(l domtrack.Labeler) Option {
	return func(b *Builder) { b.labeler = l }
}

// WithCollabTimeout bounds collaborator calls per snapshot.
func WithCollabTimeout(d time.Duration) Option {
	return func(b *Builder) { b.timeout = d }
}

// WithLogger sets the logger for collaborator failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New creates a Builder mirroring tr's view of doc and subscribes it
// to tracker events. Display-field updates are applied in place;
// structural events mark the mirror stale for the next Snapshot.
func New(tr *domtrack.Tracker, doc dom.Document, opts ...Option) *Builder {
	b := &Builder{
		tr:      tr,
		doc:     doc,
		timeout: DefaultCollabTimeout,
		logger:  slog.Default(),
		dirty:   true,
		byID:    map[string]*Node{},
	}
	for _, o := range opts {
		o(b)
	}
	b.handle = tr.AddListener(ident.EventAny, b.onEvent)
	return b
}

// Close unsubscribes the builder from tracker events.
func (b *Builder) Close() {
	b.tr.RemoveListener(ident.EventAny, b.handle)
}

// onEvent runs on the tracker loop. It must only touch builder state.
func (b *Builder) onEvent(ev ident.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Type {
	case ident.EventNodeUpdated:
		// Display-only change: patch the mirror in place if we have
		// the node, otherwise wait for the next rebuild.
		if n, ok := b.byID[ev.ID]; ok && ev.Node != nil {
			n.Label = displayLabel(*ev.Node)
			return
		}
		b.dirty = true
	case ident.EventNodeAdded, ident.EventNodeRemoved, ident.EventNodeMatched:
		// Structure changed, or an identity moved to a new element.
		b.dirty = true
	}
}

// Snapshot returns the current mirror, rebuilding it first if tracker
// events invalidated it. The returned tree is a deep copy the caller
// may keep. ctx bounds collaborator calls only; the structural rebuild
// itself is synchronous and local.
func (b *Builder) Snapshot(ctx context.Context) *Node {
	b.mu.Lock()
	stale := b.dirty || b.root == nil
	if stale {
		b.dirty = false
	}
	b.mu.Unlock()

	if stale {
		// Tracker calls happen outside b.mu: the tracker loop may be
		// blocked in onEvent waiting for that same mutex.
		keyIdx := b.tr.KeyIndex()
		infos := map[string]ident.NodeInfo{}
		inventory := b.tr.Nodes()
		for _, in := range inventory {
			infos[in.ID] = in
		}

		byID := map[string]*Node{}
		root := b.build(b.doc.Root(), keyIdx, infos, byID)
		if root == nil {
			root = &Node{Tag: "html"}
		}
		b.collaborate(ctx, root, byID, inventory)

		b.mu.Lock()
		b.root, b.byID = root, byID
		b.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.root)
}

// Node returns the mirror entry for a tracked id, or nil.
func (b *Builder) Node(id string) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.byID[id])
}

// build projects el and its subtree. The root element is always kept;
// below it, project decides per element.
func (b *Builder) build(el dom.Element, keyIdx map[string]string, infos map[string]ident.NodeInfo, byID map[string]*Node) *Node {
	if el == nil {
		return nil
	}
	n := b.mirror(el, keyIdx, infos, byID)
	for _, c := range el.Children() {
		n.Children = append(n.Children, b.project(c, keyIdx, infos, byID)...)
	}
	return n
}

// project returns the mirror nodes el contributes to its parent:
// one node, its promoted children, or nothing.
func (b *Builder) project(el dom.Element, keyIdx map[string]string, infos map[string]ident.NodeInfo, byID map[string]*Node) []*Node {
	tag := el.Tag()
	if skipTags[tag] {
		return nil
	}

	role := fingerprint.Role(el)
	if interactiveTags[tag] || interactiveRoles[role] {
		// Consolidate: the whole descendant text, icon labels
		// included, becomes this one node. No child nodes.
		return []*Node{b.mirror(el, keyIdx, infos, byID)}
	}

	var kids []*Node
	for _, c := range el.Children() {
		kids = append(kids, b.project(c, keyIdx, infos, byID)...)
	}

	ownText := dom.CleanText(el.OwnText())
	label := fingerprint.AccessibleLabel(el)
	if ownText == "" && label == "" && !dom.IsLandmark(el) {
		// Bare container: promote the children, preserving order.
		return kids
	}

	n := b.mirror(el, keyIdx, infos, byID)
	n.Children = kids
	return []*Node{n}
}

// mirror creates the Node for one element and indexes it when tracked.
func (b *Builder) mirror(el dom.Element, keyIdx map[string]string, infos map[string]ident.NodeInfo, byID map[string]*Node) *Node {
	n := &Node{
		Tag:  el.Tag(),
		Role: fingerprint.Role(el),
	}

	if interactiveTags[n.Tag] || interactiveRoles[n.Role] {
		n.Label = consolidate(el)
	} else if label := fingerprint.AccessibleLabel(el); label != "" {
		n.Label = label
	} else {
		n.Label = dom.Capture(el.OwnText())
	}

	if id, ok := keyIdx[el.Key()]; ok {
		n.ID = id
		if info, ok := infos[id]; ok {
			n.Status = info.Status
			if n.Label == "" {
				n.Label = info.Label
			}
		}
		byID[id] = n
	}
	return n
}

// collaborate applies the labeling and extraction collaborators to a
// freshly built mirror. Every failure path leaves the mirror showing
// everything with original labels.
func (b *Builder) collaborate(ctx context.Context, root *Node, byID map[string]*Node, inventory []ident.NodeInfo) {
	if b.labeler == nil && b.extractor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if b.labeler != nil {
		hl, err := b.labeler.Label(ctx, inventory)
		if err != nil {
			b.logger.Debug("tree: labeler unavailable, keeping original labels", "error", err)
		} else {
			for _, id := range hl.Important {
				if n, ok := byID[id]; ok {
					n.Important = true
				}
			}
			for id, label := range hl.Labels {
				if n, ok := byID[id]; ok && label != "" {
					n.Label = label
				}
			}
		}
	}

	if b.extractor != nil {
		for _, info := range inventory {
			if !headingTags[info.Tag] {
				continue
			}
			n, ok := byID[info.ID]
			if !ok {
				continue
			}
			text, err := b.extractor.Extract(ctx, info)
			if err != nil {
				b.logger.Debug("tree: extractor failed", "id", info.ID, "error", err)
				continue
			}
			if text != "" {
				n.Label = dom.Capture(text)
			}
		}
	}
}

// consolidate flattens an interactive element's descendant text into
// one label, folding in the accessible names of embedded icons.
func consolidate(el dom.Element) string {
	if v, ok := el.Attr("aria-label"); ok && v != "" {
		return dom.Capture(v)
	}
	var parts []string
	var walk func(e dom.Element)
	walk = func(e dom.Element) {
		if t := dom.CleanText(e.OwnText()); t != "" {
			parts = append(parts, t)
		}
		for _, c := range e.Children() {
			switch c.Tag() {
			case "img", "svg":
				if name := iconName(c); name != "" {
					parts = append(parts, name)
				}
			default:
				walk(c)
			}
		}
	}
	walk(el)
	return dom.Capture(strings.Join(parts, " "))
}

func iconName(el dom.Element) string {
	for _, attr := range []string{"aria-label", "alt", "title"} {
		if v, ok := el.Attr(attr); ok && v != "" {
			return dom.CleanText(v)
		}
	}
	return ""
}

func displayLabel(fp ident.Fingerprint) string {
	switch {
	case fp.Label != "":
		return fp.Label
	case fp.Text != "":
		return fp.Text
	case fp.Placeholder != "":
		return fp.Placeholder
	default:
		return fp.Value
	}
}

func clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Children = make([]*Node, len(n.Children))
	for i, c := range n.Children {
		out.Children[i] = clone(c)
	}
	return &out
}
