package domtrack

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/internal/dom"
	"github.com/hazyhaar/domtrack/internal/store"
)

func startTest(t *testing.T, src string, cfg Config, opts ...Option) (*Tracker, *dom.MemDoc) {
	t.Helper()
	doc := dom.MustParseMemDoc(src)
	tr := New(doc, cfg, opts...)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { tr.Stop() })
	return tr, doc
}

// record subscribes a non-blocking event recorder. Register before the
// mutations under test; seed events are not captured.
func record(tr *Tracker) <-chan ident.Event {
	ch := make(chan ident.Event, 256)
	tr.AddListener(ident.EventAny, func(ev ident.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

// waitEvent pumps render frames until the wanted event type arrives.
func waitEvent(t *testing.T, ch <-chan ident.Event, doc *dom.MemDoc, want ident.EventType, timeout time.Duration) ident.Event {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-tick.C:
			doc.Frame()
		case <-deadline:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func drain(ch <-chan ident.Event) []ident.Event {
	var out []ident.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func soleID(t *testing.T, tr *Tracker, tag string) string {
	t.Helper()
	for _, n := range tr.Nodes() {
		if n.Tag == tag {
			return n.ID
		}
	}
	t.Fatalf("no tracked %s", tag)
	return ""
}

func TestSeedScansInitialTree(t *testing.T) {
	tr, _ := startTest(t, `<html><body>
		<button>Save</button>
		<a href="/h">Home</a>
		<input type="text" placeholder="Email">
		<p>not tracked</p>
		<div role="tab">Tab One</div>
	</body></html>`, Config{})

	nodes := tr.Nodes()
	if len(nodes) != 4 {
		t.Fatalf("tracked: got %d, want 4", len(nodes))
	}
	for _, n := range nodes {
		if n.Status != ident.StatusActive {
			t.Errorf("node %s: status %q, want active", n.ID, n.Status)
		}
		if n.ID == "" {
			t.Error("node without id")
		}
	}
	if s := tr.Stats(); s.Active != 4 || s.Added != 4 {
		t.Errorf("stats: %+v", s)
	}
}

// A framework re-render destroys a button and creates a visually
// equivalent replacement elsewhere. The identity must survive as one
// node-matched, with no added or removed events.
func TestReplacementKeepsIdentity(t *testing.T) {
	tr, doc := startTest(t, `<html><body>
		<div id="left"><button class="css-1a2b3c">Register Now</button></div>
		<div id="right"></div>
	</body></html>`, Config{})

	id := soleID(t, tr, "button")
	before := tr.Stats()
	ch := record(tr)

	doc.Remove(doc.First("button"))
	if _, err := doc.AppendHTML(doc.ByAttr("id", "right"), `<button class="css-9z8y7x">Join Now</button>`); err != nil {
		t.Fatalf("append: %v", err)
	}

	ev := waitEvent(t, ch, doc, ident.EventNodeMatched, 2*time.Second)
	if ev.ID != id {
		t.Fatalf("matched id: got %s, want %s", ev.ID, id)
	}
	if ev.Confidence <= 0 {
		t.Errorf("confidence: got %v, want > 0", ev.Confidence)
	}

	after := tr.Stats()
	if after.Added != before.Added {
		t.Errorf("added: got %d, want %d (replacement must not create a node)", after.Added, before.Added)
	}
	if after.Lost != before.Lost {
		t.Errorf("lost: got %d, want %d", after.Lost, before.Lost)
	}
	if after.Matched != before.Matched+1 {
		t.Errorf("matched: got %d, want %d", after.Matched, before.Matched+1)
	}
	for _, e := range drain(ch) {
		if e.Type == ident.EventNodeAdded || e.Type == ident.EventNodeRemoved {
			t.Errorf("spurious %s for %s", e.Type, e.ID)
		}
	}
}

// Generated class churn on a live element changes no display field and
// must stay silent.
func TestClassChurnEmitsNothing(t *testing.T) {
	tr, doc := startTest(t, `<html><body><button class="css-1a2b3c">Save</button></body></html>`, Config{})

	ch := record(tr)
	doc.SetAttr(doc.First("button"), "class", "css-4d5e6f sc-xKoPq")

	// Let the flush run.
	deadline := time.After(400 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for loop := true; loop; {
		select {
		case <-tick.C:
			doc.Frame()
		case <-deadline:
			loop = false
		}
	}

	if evs := drain(ch); len(evs) != 0 {
		t.Fatalf("events on class churn: %+v", evs)
	}
	if s := tr.Stats(); s.Updated != 0 {
		t.Errorf("updated: got %d, want 0", s.Updated)
	}
}

func TestTextChangeEmitsUpdate(t *testing.T) {
	tr, doc := startTest(t, `<html><body><button>Register Now</button></body></html>`, Config{})

	id := soleID(t, tr, "button")
	ch := record(tr)
	doc.SetText(doc.First("button"), "Join Now")

	ev := waitEvent(t, ch, doc, ident.EventNodeUpdated, 2*time.Second)
	if ev.ID != id {
		t.Fatalf("updated id: got %s, want %s", ev.ID, id)
	}
	if len(ev.Changed) == 0 {
		t.Error("no changed fields on update event")
	}
	if ev.Node == nil || ev.Node.Text != "Join Now" {
		t.Errorf("updated fingerprint: %+v", ev.Node)
	}
}

// A burst of mutations coalesces into a single flush.
func TestBurstCoalescesIntoOneFlush(t *testing.T) {
	tr, doc := startTest(t, `<html><body><div id="list"></div></body></html>`, Config{})

	before := tr.Stats()
	list := doc.ByAttr("id", "list")
	for i := 0; i < 50; i++ {
		if _, err := doc.AppendHTML(list, `<button>Item</button>`); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// No frame pumping: only the hard timeout can trigger the flush.
	waitUntil(t, 2*time.Second, func() bool {
		return tr.Stats().Added == before.Added+50
	})
	if got := tr.Stats().Flushes - before.Flushes; got != 1 {
		t.Fatalf("flushes: got %d, want 1", got)
	}
}

// A node that disappears for good survives the grace window as
// searching, then goes lost with a node-removed event.
func TestGraceExpiryLosesNode(t *testing.T) {
	tr, doc := startTest(t, `<html><body><button>Gone</button></body></html>`,
		Config{GracePeriod: 60 * time.Millisecond})

	id := soleID(t, tr, "button")
	ch := record(tr)
	doc.Remove(doc.First("button"))

	ev := waitEvent(t, ch, doc, ident.EventNodeRemoved, 2*time.Second)
	if ev.ID != id {
		t.Fatalf("removed id: got %s, want %s", ev.ID, id)
	}

	// The id is dead from here on.
	if el := tr.GetElement(id); el != nil {
		t.Error("GetElement after loss: want nil")
	}
	if res := tr.Click(id); res.OK || res.Reason != ident.FailNotFound {
		t.Errorf("click after loss: %+v, want not_found", res)
	}
}

// Reappearance after loss is a new identity, never a resurrection.
func TestReappearanceAfterLossIsNewNode(t *testing.T) {
	tr, doc := startTest(t, `<html><body><div id="c"><button class="x">Pay</button></div></body></html>`,
		Config{GracePeriod: 60 * time.Millisecond})

	id := soleID(t, tr, "button")
	ch := record(tr)
	doc.Remove(doc.First("button"))
	waitEvent(t, ch, doc, ident.EventNodeRemoved, 2*time.Second)

	if _, err := doc.AppendHTML(doc.ByAttr("id", "c"), `<button class="x">Pay</button>`); err != nil {
		t.Fatalf("append: %v", err)
	}
	ev := waitEvent(t, ch, doc, ident.EventNodeAdded, 2*time.Second)
	if ev.ID == id {
		t.Fatal("reappeared node reused the lost id")
	}
}

// Removing a container detaches tracked descendants without individual
// notifications; re-adding an equivalent subtree within the grace
// window re-identifies them.
func TestContainerRemovalAndReturn(t *testing.T) {
	tr, doc := startTest(t, `<html><body>
		<div id="modal"><button data-testid="confirm">Confirm</button></div>
	</body></html>`, Config{})

	id := soleID(t, tr, "button")
	ch := record(tr)

	doc.Remove(doc.ByAttr("id", "modal"))
	if _, err := doc.AppendHTML(doc.First("body"), `<div id="modal2"><button data-testid="confirm">Confirm</button></div>`); err != nil {
		t.Fatalf("append: %v", err)
	}

	ev := waitEvent(t, ch, doc, ident.EventNodeMatched, 2*time.Second)
	if ev.ID != id {
		t.Fatalf("matched id: got %s, want %s", ev.ID, id)
	}
}

// GetElement must verify attachment, re-identify on demand, and be
// idempotent.
func TestGetElementReidentifies(t *testing.T) {
	tr, doc := startTest(t, `<html><body>
		<div id="a"><button>Buy</button></div><div id="b"></div>
	</body></html>`, Config{})

	id := soleID(t, tr, "button")

	doc.Remove(doc.First("button"))
	if _, err := doc.AppendHTML(doc.ByAttr("id", "b"), `<button>Buy</button>`); err != nil {
		t.Fatalf("append: %v", err)
	}

	el := tr.GetElement(id)
	if el == nil {
		t.Fatal("GetElement: got nil, want re-identified element")
	}
	if !el.Attached() {
		t.Fatal("GetElement returned a detached element")
	}
	again := tr.GetElement(id)
	if again == nil || !dom.SameNode(el, again) {
		t.Fatal("GetElement not idempotent")
	}
}

func TestActions(t *testing.T) {
	tr, doc := startTest(t, `<html><body>
		<button>Go</button>
		<input type="text" placeholder="Name">
		<input type="checkbox" id="opt">
		<select><option value="fr">fr</option></select>
	</body></html>`, Config{})

	var btn, input, check, sel string
	for _, n := range tr.Nodes() {
		switch {
		case n.Tag == "button":
			btn = n.ID
		case n.Tag == "input" && n.Role == "textbox":
			input = n.ID
		case n.Tag == "input" && n.Role == "checkbox":
			check = n.ID
		case n.Tag == "select":
			sel = n.ID
		}
	}

	if res := tr.Click(btn); !res.OK {
		t.Fatalf("click: %+v", res)
	}
	if res := tr.SetValue(input, "Ada"); !res.OK {
		t.Fatalf("set_value: %+v", res)
	}
	if res := tr.ToggleChecked(check); !res.OK {
		t.Fatalf("toggle: %+v", res)
	}
	if res := tr.SetSelected(sel, "fr"); !res.OK {
		t.Fatalf("set_selected: %+v", res)
	}
	if res := tr.ScrollIntoView(btn); !res.OK {
		t.Fatalf("scroll: %+v", res)
	}

	kinds := make([]string, len(doc.Actions))
	for i, a := range doc.Actions {
		kinds[i] = a.Kind
	}
	want := []string{"click", "set_value", "toggle", "select", "scroll"}
	if len(kinds) != len(want) {
		t.Fatalf("actions: got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("action[%d]: got %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestActionOnDisabledElement(t *testing.T) {
	tr, _ := startTest(t, `<html><body><button disabled>Nope</button></body></html>`, Config{})

	id := soleID(t, tr, "button")
	res := tr.Click(id)
	if res.OK || res.Reason != ident.FailDisabled {
		t.Fatalf("click disabled: %+v, want disabled failure", res)
	}
}

func TestActionOnVanishedElementIsDetached(t *testing.T) {
	tr, doc := startTest(t, `<html><body><button data-testid="pay">Pay</button></body></html>`, Config{})

	id := soleID(t, tr, "button")
	doc.Remove(doc.First("button"))

	// The map still knows the id but the handle is dead and the live
	// tree offers no replacement to re-identify against.
	res := tr.Click(id)
	if res.OK || res.Reason != ident.FailDetached {
		t.Fatalf("click vanished: %+v, want detached failure", res)
	}
}

func TestAddedCandidateTextFallsBackToFragment(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body><button data-testid="pay"></button></body></html>`)
	tr := New(doc, Config{})

	// The live element has no text yet; the insert notification's
	// serialised subtree carries what the framework was about to fill.
	cands := tr.addedCandidates([]dom.Mutation{{
		Kind:     dom.MutAdded,
		Target:   doc.First("button"),
		Fragment: `<button data-testid="pay">Pay now</button>`,
	}})
	if len(cands) != 1 {
		t.Fatalf("candidates: got %d, want 1", len(cands))
	}
	if cands[0].FP.Text != "Pay now" {
		t.Errorf("candidate text: got %q, want %q", cands[0].FP.Text, "Pay now")
	}
}

func TestFractionalRescanRateAllowsImmediateScan(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body></body></html>`)
	tr := New(doc, Config{RescanPerSec: 0.5})
	if !tr.limiter.Allow() {
		t.Error("first rescan denied at fractional rate")
	}
}

func TestMaxTrackedCapsSeed(t *testing.T) {
	tr, _ := startTest(t, `<html><body>
		<button data-testid="a">A</button>
		<button data-testid="b">B</button>
		<button>plain</button>
	</body></html>`, Config{MaxTracked: 2})

	nodes := tr.Nodes()
	if len(nodes) != 2 {
		t.Fatalf("tracked: got %d, want 2", len(nodes))
	}
	// The explicit-tier fingerprints survive the cap.
	for _, n := range nodes {
		if n.Label == "plain" {
			t.Error("least identifiable node survived the cap")
		}
	}
}

// Fingerprints persisted under a session id are re-adopted on restart,
// so identity survives a reload.
func TestSessionPersistenceAcrossRestart(t *testing.T) {
	src := `<html><body>
		<button data-testid="pay">Pay</button>
		<a href="/h">Home</a>
	</body></html>`
	s := store.OpenMemory(t)

	tr1, _ := startTest(t, src, Config{SessionID: "sess"}, WithStore(s))
	ids1 := map[string]string{}
	for _, n := range tr1.Nodes() {
		ids1[n.Tag] = n.ID
	}
	tr1.Stop()

	tr2, _ := startTest(t, src, Config{SessionID: "sess"}, WithStore(s))
	for _, n := range tr2.Nodes() {
		if ids1[n.Tag] != n.ID {
			t.Errorf("%s: got id %s, want persisted %s", n.Tag, n.ID, ids1[n.Tag])
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	tr, _ := startTest(t, `<html><body><button>X</button></body></html>`, Config{})

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	tr.Stop()
	tr.Stop()

	if res := tr.Click("whatever"); res.OK {
		t.Error("action after stop succeeded")
	}
}

func TestRemoveListener(t *testing.T) {
	tr, doc := startTest(t, `<html><body><button>X</button></body></html>`, Config{})

	var got int
	h := tr.AddListener(ident.EventNodeUpdated, func(ident.Event) { got++ })
	tr.RemoveListener(ident.EventNodeUpdated, h)

	doc.SetText(doc.First("button"), "Y")
	waitUntil(t, 2*time.Second, func() bool { return tr.Stats().Updated == 1 })
	if got != 0 {
		t.Errorf("removed listener fired %d times", got)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}
