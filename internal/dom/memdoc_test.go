package dom

import (
	"testing"

	"github.com/hazyhaar/domtrack/ident"
)

const fixture = `<html><body>
<nav><a href="/home">Home</a></nav>
<main>
  <h1>Welcome</h1>
  <form name="signup">
    <input type="text" placeholder="Email" data-rect="100,200,300,40">
    <button id="register" disabled>Register Now</button>
  </form>
</main>
</body></html>`

func TestMemDoc_Query(t *testing.T) {
	d := MustParseMemDoc(fixture)

	btn := d.ByAttr("id", "register")
	if btn == nil {
		t.Fatal("button not found by id")
	}
	if got := btn.Tag(); got != "button" {
		t.Errorf("Tag: got %q, want button", got)
	}
	if got := btn.Text(); got != "Register Now" {
		t.Errorf("Text: got %q, want Register Now", got)
	}
	if btn.Enabled() {
		t.Error("disabled button reported Enabled")
	}

	input := d.First("input")
	r, ok := input.Bounds()
	if !ok {
		t.Fatal("input data-rect not parsed")
	}
	if r != (ident.Rect{X: 100, Y: 200, W: 300, H: 40}) {
		t.Errorf("Bounds: got %+v", r)
	}

	form := d.First("form")
	if got := len(form.Children()); got != 2 {
		t.Errorf("form children: got %d, want 2", got)
	}
	if p := input.Parent(); p == nil || p.Tag() != "form" {
		t.Errorf("input parent: got %v", p)
	}
}

func TestMemDoc_KeysStable(t *testing.T) {
	d := MustParseMemDoc(fixture)
	a := d.First("button").Key()
	b := d.ByAttr("id", "register").Key()
	if a != b {
		t.Errorf("same node, different keys: %q vs %q", a, b)
	}
	if a == d.First("input").Key() {
		t.Error("different nodes share a key")
	}
}

func TestMemDoc_MutationsEmitted(t *testing.T) {
	d := MustParseMemDoc(fixture)
	body := d.First("body")

	added, err := d.AppendHTML(body, `<button id="new">Click</button>`)
	if err != nil {
		t.Fatal(err)
	}
	m := <-d.Mutations()
	if m.Kind != MutAdded {
		t.Fatalf("kind: got %s, want added", m.Kind)
	}
	if !SameNode(m.Target, added) {
		t.Error("added mutation targets a different node")
	}
	if m.Fragment == "" {
		t.Error("added mutation carries no fragment HTML")
	}

	d.Remove(added)
	m = <-d.Mutations()
	if m.Kind != MutRemoved {
		t.Fatalf("kind: got %s, want removed", m.Kind)
	}
	if m.Target.Attached() {
		t.Error("removed element still reports Attached")
	}
	if got := m.Target.Text(); got != "Click" {
		t.Errorf("detached handle text: got %q, want Click", got)
	}

	btn := d.ByAttr("id", "register")
	d.SetAttr(btn, "class", "primary")
	m = <-d.Mutations()
	if m.Kind != MutAttr || m.AttrName != "class" {
		t.Errorf("attr mutation: got %+v", m)
	}
}

func TestMemDoc_FrameScheduling(t *testing.T) {
	d := MustParseMemDoc(fixture)
	ran := 0
	d.OnNextFrame(func() {
		ran++
		d.OnNextFrame(func() { ran++ })
	})

	d.Frame()
	if ran != 1 {
		t.Fatalf("first frame: ran %d callbacks, want 1", ran)
	}
	// The callback queued during the frame waits for the next one.
	d.Frame()
	if ran != 2 {
		t.Fatalf("second frame: ran %d callbacks, want 2", ran)
	}
}

func TestMemDoc_Actions(t *testing.T) {
	d := MustParseMemDoc(fixture)
	input := d.First("input")

	if err := d.SetValue(input, "a@b.c"); err != nil {
		t.Fatal(err)
	}
	if v, _ := input.Attr("value"); v != "a@b.c" {
		t.Errorf("value attr: got %q", v)
	}
	// SetValue must also surface as an attr mutation, like a host page
	// reacting to input.
	m := <-d.Mutations()
	if m.Kind != MutAttr || m.AttrName != "value" {
		t.Errorf("mutation after SetValue: got %+v", m)
	}
	if len(d.Actions) != 1 || d.Actions[0].Kind != "set_value" {
		t.Errorf("action log: got %+v", d.Actions)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct{ in, want string }{
		{"  hello   world \n", "hello world"},
		{"zero\u200bwidth", "zerowidth"},
		{"\ufeffbom\u00ad joined\u200d", "bom joined"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanText(tt.in); got != tt.want {
			t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFragmentText(t *testing.T) {
	got := FragmentText(`<div><span>Save</span> &amp; <b>Exit</b></div>`)
	if got != "Save & Exit" {
		t.Errorf("FragmentText: got %q, want %q", got, "Save & Exit")
	}
}

func TestIsLandmark(t *testing.T) {
	d := MustParseMemDoc(`<html><body><nav></nav><div role="navigation"></div><div></div></body></html>`)
	if !IsLandmark(d.First("nav")) {
		t.Error("nav not a landmark")
	}
	divs := d.ByTag("div")
	if !IsLandmark(divs[0]) {
		t.Error("role=navigation not a landmark")
	}
	if IsLandmark(divs[1]) {
		t.Error("plain div reported as landmark")
	}
}
