package domtrack

import (
	"fmt"

	"github.com/hazyhaar/domtrack/ident"
)

// Click forwards a click to the tracked node.
func (t *Tracker) Click(id string) ident.ActionResult {
	return t.Do(id, ident.ActionClick, "")
}

// SetValue sets a text value on the tracked node, with the same
// observable effects a user edit would have.
func (t *Tracker) SetValue(id, value string) ident.ActionResult {
	return t.Do(id, ident.ActionSetValue, value)
}

// ToggleChecked flips a boolean control.
func (t *Tracker) ToggleChecked(id string) ident.ActionResult {
	return t.Do(id, ident.ActionToggle, "")
}

// SetSelected sets a selection value.
func (t *Tracker) SetSelected(id, value string) ident.ActionResult {
	return t.Do(id, ident.ActionSetSelected, value)
}

// ScrollIntoView scrolls the tracked node into the viewport.
func (t *Tracker) ScrollIntoView(id string) ident.ActionResult {
	return t.Do(id, ident.ActionScrollTo, "")
}

// Do forwards an action to a tracked node by id. Resolution failures
// come back as explicit results with a reason code; nothing on this
// path panics across the API boundary.
func (t *Tracker) Do(id string, action ident.ActionType, value string) (res ident.ActionResult) {
	ok := t.do(func() { res = t.dispatch(id, action, value) })
	if !ok {
		return ident.Failure(ident.FailNotFound, "tracker not running")
	}
	return res
}

// dispatch runs on the tracker loop.
func (t *Tracker) dispatch(id string, action ident.ActionType, value string) ident.ActionResult {
	n := t.nodes[id]
	if n == nil {
		return ident.Failure(ident.FailNotFound, "unknown id")
	}

	el := t.resolve(id)
	if el == nil {
		return ident.Failure(ident.FailDetached, "element detached, re-identification failed")
	}
	if !el.Enabled() {
		return ident.Failure(ident.FailDisabled, "element is disabled")
	}

	var err error
	switch action {
	case ident.ActionClick:
		err = t.page.Click(el)
	case ident.ActionSetValue:
		err = t.page.SetValue(el, value)
	case ident.ActionToggle:
		err = t.page.Toggle(el)
	case ident.ActionSetSelected:
		err = t.page.Select(el, value)
	case ident.ActionScrollTo:
		err = t.page.ScrollIntoView(el)
	default:
		return ident.Failure(ident.FailNotFound, fmt.Sprintf("unknown action %q", action))
	}
	if err != nil {
		// The element resolved a moment ago; a dispatch failure means
		// it went away mid-action.
		return ident.Failure(ident.FailDetached, err.Error())
	}
	return ident.Success
}
