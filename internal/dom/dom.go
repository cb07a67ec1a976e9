// Package dom abstracts the live document the tracker observes.
//
// The tracker never owns page nodes: it holds Element handles whose
// underlying node belongs entirely to the host document, and it must
// verify liveness explicitly via Attached rather than trusting the
// handle. Two implementations exist: an in-memory document parsed from
// HTML (tests, snapshot seeding) and a go-rod/CDP adapter for live
// Chrome pages.
package dom

import "github.com/hazyhaar/domtrack/ident"

// Element is a non-owning handle to one element node.
type Element interface {
	// Tag returns the lowercase tag name.
	Tag() string
	// Attr returns an attribute value; ok is false when absent.
	Attr(name string) (value string, ok bool)
	// OwnText returns the element's direct text content, normalised.
	OwnText() string
	// Text returns the full visible subtree text, normalised.
	Text() string
	// Parent returns the parent element, or nil at the root.
	Parent() Element
	// Children returns element children in document order.
	Children() []Element
	// SiblingIndex returns the index among same-tag element siblings.
	SiblingIndex() int
	// Bounds returns the bounding box, ok false when layout is unknown.
	Bounds() (ident.Rect, bool)
	// Attached reports whether the node is still part of the live tree.
	// A handle alone is not proof of attachment.
	Attached() bool
	// Enabled reports whether the element accepts interaction.
	Enabled() bool
	// Key returns an identity key stable for the lifetime of the
	// underlying node, used to correlate handles. Never reused while
	// the document lives.
	Key() string
}

// SameNode reports whether two handles reference the same underlying node.
func SameNode(a, b Element) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Key() == b.Key()
}

// Document is a queryable view of the page.
type Document interface {
	// Root returns the document root element (html or equivalent).
	Root() Element
	// ByTag returns all elements with the tag, in document order.
	ByTag(tag string) []Element
	// Viewport returns the viewport dimensions in pixels.
	Viewport() (w, h float64)
}

// Actor dispatches user-equivalent interactions on elements. Each
// action produces the same observable side effects a real user
// interaction would (focus, value change, input/change notifications),
// so host-page logic reacts normally.
type Actor interface {
	Click(el Element) error
	SetValue(el Element, value string) error
	Toggle(el Element) error
	Select(el Element, value string) error
	ScrollIntoView(el Element) error
}

// MutationKind classifies a raw mutation notification.
type MutationKind string

const (
	MutAdded   MutationKind = "added"
	MutRemoved MutationKind = "removed"
	MutAttr    MutationKind = "attr"
	MutText    MutationKind = "text"
)

// Mutation is one raw change notification from the document. For
// removals Target is a detached handle; its fingerprint was captured
// while it was live.
type Mutation struct {
	Kind     MutationKind
	Target   Element
	AttrName string
	// Fragment carries the serialised subtree HTML for additions when
	// the source provides it (CDP insert events do).
	Fragment string
}

// Source delivers mutation notifications and render-cycle callbacks.
// Both are delivered asynchronously but from a single logical stream:
// the tracker serialises all processing on its own loop.
type Source interface {
	// Mutations returns the raw mutation channel.
	Mutations() <-chan Mutation
	// OnNextFrame schedules fn after the next render cycle. The
	// in-memory document exposes a test-pumpable implementation; the
	// browser adapter uses requestAnimationFrame.
	OnNextFrame(fn func())
}

// Page is the full surface the tracker requires from a host document.
type Page interface {
	Document
	Actor
	Source
}
