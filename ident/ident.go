// Package ident defines the structured types emitted by domtrack.
// These are the public API contract: any consumer (display surfaces,
// MCP clients, custom pipelines) imports this package to receive and
// process tracked-node identities and lifecycle events.
package ident

import "time"

// Status is the lifecycle state of a tracked node.
//
// Transitions are one-way: active → searching → {active, lost}.
// A lost node is terminal; if the element reappears later with an
// identical fingerprint it becomes a brand-new tracked node.
type Status string

const (
	StatusActive    Status = "active"
	StatusSearching Status = "searching"
	StatusLost      Status = "lost"
)

// Tier names an attribute stability tier of a fingerprint, highest
// stability first. Match breakdowns and configuration weights are
// keyed by tier.
type Tier string

const (
	TierExplicit   Tier = "explicit"   // test id, stable id attribute
	TierSemantic   Tier = "semantic"   // role, accessible label, form name
	TierContent    Tier = "content"    // visible text, placeholder, value, href
	TierStructural Tier = "structural" // tag, ancestor path, sibling index
	TierContext    Tier = "context"    // adjacent sibling / parent text
	TierGeometric  Tier = "geometric"  // bounding box, viewport position
)

// Tiers lists all tiers in descending stability order.
var Tiers = []Tier{
	TierExplicit, TierSemantic, TierContent,
	TierStructural, TierContext, TierGeometric,
}

// Rect is an element bounding box in page coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area returns the rectangle surface, never negative.
func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// Center returns the rectangle midpoint.
func (r Rect) Center() (x, y float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

// PathStep is one ancestor level in a fingerprint's structural path:
// the tag, the role if any, and the element's index among same-tag
// siblings at that level.
type PathStep struct {
	Tag   string `json:"tag"`
	Role  string `json:"role,omitempty"`
	Index int    `json:"index"`
}

// Fingerprint is the multi-tier identity descriptor of one element.
//
// The ID is assigned by the tracker process (UUIDv7), never derived
// from DOM attributes and never reused. All other fields are identity
// signals captured from the element; empty means "no data", which the
// matcher treats as tier-absent rather than tier-mismatch.
type Fingerprint struct {
	ID string `json:"id"`

	// Explicit identifiers.
	TestID   string `json:"test_id,omitempty"`   // data-testid and equivalents
	StableID string `json:"stable_id,omitempty"` // id attribute, if not machine-generated

	// Semantic / ARIA.
	Role     string `json:"role,omitempty"`
	Label    string `json:"label,omitempty"` // accessible label
	FormName string `json:"form_name,omitempty"`

	// Content.
	Text        string `json:"text,omitempty"` // visible text, normalised and capped
	Placeholder string `json:"placeholder,omitempty"`
	Value       string `json:"value,omitempty"` // current value (volatile, refreshed on re-match)
	Href        string `json:"href,omitempty"`

	// Structural.
	Tag          string     `json:"tag"`
	Classes      []string   `json:"classes,omitempty"` // machine-generated tokens filtered out
	Path         []PathStep `json:"path,omitempty"`    // ancestors up to the nearest landmark
	SiblingIndex int        `json:"sibling_index"`
	ChildCount   int        `json:"child_count"`

	// Local context.
	PrevText   string `json:"prev_text,omitempty"` // preceding sibling text, truncated
	NextText   string `json:"next_text,omitempty"`
	ParentText string `json:"parent_text,omitempty"`

	// Geometric.
	Bounds   *Rect   `json:"bounds,omitempty"`
	ViewportX float64 `json:"viewport_x,omitempty"` // bounds centre relative to viewport width [0,1]
	ViewportY float64 `json:"viewport_y,omitempty"`
	Aspect   float64 `json:"aspect,omitempty"` // width / height

	CapturedAt time.Time `json:"captured_at"`
}

// HasTier reports whether the fingerprint carries any data for the tier.
func (f *Fingerprint) HasTier(t Tier) bool {
	switch t {
	case TierExplicit:
		return f.TestID != "" || f.StableID != ""
	case TierSemantic:
		return f.Role != "" || f.Label != "" || f.FormName != ""
	case TierContent:
		return f.Text != "" || f.Placeholder != "" || f.Value != "" || f.Href != ""
	case TierStructural:
		return f.Tag != ""
	case TierContext:
		return f.PrevText != "" || f.NextText != "" || f.ParentText != ""
	case TierGeometric:
		return f.Bounds != nil
	}
	return false
}

// TierCount returns how many tiers carry data. Used to rank nodes when
// configured caps force the tracker to drop the least-identifiable ones.
func (f *Fingerprint) TierCount() int {
	n := 0
	for _, t := range Tiers {
		if f.HasTier(t) {
			n++
		}
	}
	return n
}

// MatchResult is one candidate's score against a fingerprint.
type MatchResult struct {
	Confidence float64          `json:"confidence"` // [0,1]
	Breakdown  map[Tier]float64 `json:"breakdown"`  // per-tier scores, only tiers with data
	Distance   float64          `json:"distance"`   // geometric centre distance, tie-break key
	Order      int              `json:"order"`      // candidate insertion order, final tie-break
}

// EventType classifies tracker events.
type EventType string

const (
	EventNodeAdded   EventType = "node_added"
	EventNodeRemoved EventType = "node_removed"
	EventNodeMatched EventType = "node_matched" // re-identified after disappearance
	EventNodeUpdated EventType = "node_updated" // in-place attribute/value change
	EventBatchError  EventType = "batch_error"

	// EventAny subscribes a listener to every event type.
	EventAny EventType = "*"
)

// Event is one append-only tracker signal. Events are never retracted,
// only followed by later events about the same id. Seq is monotonically
// increasing per tracker; all events of one flush share a Flush number
// and are delivered before any event of the next flush.
type Event struct {
	Type       EventType    `json:"type"`
	ID         string       `json:"id,omitempty"` // tracked-node id
	Node       *Fingerprint `json:"node,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
	Changed    []string     `json:"changed,omitempty"` // changed display fields
	Err        string       `json:"error,omitempty"`   // batch_error only
	Flush      uint64       `json:"flush"`
	Seq        uint64       `json:"seq"`
	Timestamp  int64        `json:"timestamp"` // epoch milliseconds
}

// ActionType names an action the display surface can forward to a
// tracked node.
type ActionType string

const (
	ActionClick       ActionType = "click"
	ActionSetValue    ActionType = "set_value"
	ActionToggle      ActionType = "toggle_checked"
	ActionSetSelected ActionType = "set_selected"
	ActionScrollTo    ActionType = "scroll_into_view"
)

// FailReason explains a failed action. Actions fail with a reason code,
// they never panic across the API boundary.
type FailReason string

const (
	FailNone     FailReason = ""
	FailNotFound FailReason = "not_found" // id unknown or element gone for good
	FailDetached FailReason = "detached"  // element detached and re-identification failed
	FailDisabled FailReason = "disabled"  // element resolved but not interactable
)

// ActionResult is the outcome of one forwarded action.
type ActionResult struct {
	OK     bool       `json:"ok"`
	Reason FailReason `json:"reason,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// Failure builds a failed ActionResult.
func Failure(reason FailReason, detail string) ActionResult {
	return ActionResult{OK: false, Reason: reason, Detail: detail}
}

// Success is the zero-friction OK result.
var Success = ActionResult{OK: true}

// NodeInfo is one entry of the flattened element inventory handed to
// the importance/labeling collaborator and to display surfaces.
type NodeInfo struct {
	ID      string `json:"id"`
	Tag     string `json:"tag"`
	Role    string `json:"role,omitempty"`
	Label   string `json:"label,omitempty"`
	Context string `json:"context,omitempty"` // structural context, e.g. landmark path
	Status  Status `json:"status"`
}
