package tree

import (
	"context"
	"errors"
	"testing"
	"time"

	domtrack "github.com/hazyhaar/domtrack"
	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/internal/dom"
)

func startTracker(t *testing.T, doc *dom.MemDoc) *domtrack.Tracker {
	t.Helper()
	tr := domtrack.New(doc, domtrack.Config{})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func tags(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Tag
	}
	return out
}

func findTag(n *Node, tag string) *Node {
	if n == nil {
		return nil
	}
	if n.Tag == tag {
		return n
	}
	for _, c := range n.Children {
		if got := findTag(c, tag); got != nil {
			return got
		}
	}
	return nil
}

func TestBareContainersArePromoted(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body>
		<div><div><div>
			<button>First</button>
			<a href="/x">Second</a>
		</div></div></div>
	</body></html>`)
	tr := startTracker(t, doc)
	b := New(tr, doc)
	defer b.Close()

	snap := b.Snapshot(context.Background())

	// Every wrapper div has no text, label or landmark role, so the
	// two interactive nodes surface directly under body.
	body := findTag(snap, "body")
	if body == nil {
		t.Fatal("no body node in mirror")
	}
	got := tags(body.Children)
	if len(got) != 2 || got[0] != "button" || got[1] != "a" {
		t.Fatalf("body children: got %v, want [button a]", got)
	}
}

func TestLabeledContainerIsKept(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body>
		<nav><a href="/">Home</a></nav>
		<div aria-label="Filters"><button>Apply</button></div>
	</body></html>`)
	tr := startTracker(t, doc)
	b := New(tr, doc)
	defer b.Close()

	snap := b.Snapshot(context.Background())
	body := findTag(snap, "body")
	if body == nil {
		t.Fatal("no body node in mirror")
	}

	got := tags(body.Children)
	if len(got) != 2 || got[0] != "nav" || got[1] != "div" {
		t.Fatalf("body children: got %v, want [nav div]", got)
	}
	if body.Children[1].Label != "Filters" {
		t.Errorf("div label: got %q, want %q", body.Children[1].Label, "Filters")
	}
}

func TestInteractiveSubtreeConsolidation(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body>
		<button><span><img alt="cart"></span><span>Checkout</span></button>
	</body></html>`)
	tr := startTracker(t, doc)
	b := New(tr, doc)
	defer b.Close()

	snap := b.Snapshot(context.Background())
	btn := findTag(snap, "button")
	if btn == nil {
		t.Fatal("no button node in mirror")
	}
	if len(btn.Children) != 0 {
		t.Fatalf("button children: got %d, want 0", len(btn.Children))
	}
	if btn.Label != "cart Checkout" {
		t.Errorf("button label: got %q, want %q", btn.Label, "cart Checkout")
	}
}

func TestTrackedNodesCarryIdentity(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body>
		<button>Save</button><p>plain text</p>
	</body></html>`)
	tr := startTracker(t, doc)
	b := New(tr, doc)
	defer b.Close()

	snap := b.Snapshot(context.Background())
	btn := findTag(snap, "button")
	if btn == nil {
		t.Fatal("no button node in mirror")
	}
	if btn.ID == "" {
		t.Error("tracked button has no id")
	}
	if btn.Status != ident.StatusActive {
		t.Errorf("button status: got %q, want %q", btn.Status, ident.StatusActive)
	}
	if p := findTag(snap, "p"); p == nil {
		t.Fatal("no p node in mirror")
	} else if p.ID != "" {
		t.Errorf("untracked p has id %q", p.ID)
	}
}

func TestSnapshotReflectsLabelChange(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body><button>Register Now</button></body></html>`)
	tr := startTracker(t, doc)
	b := New(tr, doc)
	defer b.Close()
	b.Snapshot(context.Background())

	updated := make(chan struct{}, 1)
	tr.AddListener(ident.EventNodeUpdated, func(ev ident.Event) {
		select {
		case updated <- struct{}{}:
		default:
		}
	})

	doc.SetText(doc.First("button"), "Join Now")
	doc.Frame()
	doc.Frame()
	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("no node_updated event")
	}

	snap := b.Snapshot(context.Background())
	btn := findTag(snap, "button")
	if btn == nil {
		t.Fatal("no button node in mirror")
	}
	if btn.Label != "Join Now" {
		t.Errorf("button label: got %q, want %q", btn.Label, "Join Now")
	}
}

func TestLabelerMarksAndRenames(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body>
		<button>Ok</button><a href="/d">Docs</a>
	</body></html>`)
	tr := startTracker(t, doc)

	labeler := domtrack.LabelerFunc(func(ctx context.Context, nodes []ident.NodeInfo) (domtrack.Highlight, error) {
		var hl domtrack.Highlight
		for _, n := range nodes {
			if n.Tag == "button" {
				hl.Important = append(hl.Important, n.ID)
				hl.Labels = map[string]string{n.ID: "Confirm"}
			}
		}
		return hl, nil
	})
	b := New(tr, doc, WithLabeler(labeler))
	defer b.Close()

	snap := b.Snapshot(context.Background())
	btn := findTag(snap, "button")
	if btn == nil {
		t.Fatal("no button node in mirror")
	}
	if !btn.Important {
		t.Error("button not marked important")
	}
	if btn.Label != "Confirm" {
		t.Errorf("button label: got %q, want %q", btn.Label, "Confirm")
	}
	if a := findTag(snap, "a"); a == nil || a.Important {
		t.Error("anchor should exist unmarked")
	}
}

func TestFailingLabelerDegradesToOriginals(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body><button>Ok</button></body></html>`)
	tr := startTracker(t, doc)

	labeler := domtrack.LabelerFunc(func(ctx context.Context, nodes []ident.NodeInfo) (domtrack.Highlight, error) {
		return domtrack.Highlight{}, errors.New("collaborator down")
	})
	b := New(tr, doc, WithLabeler(labeler))
	defer b.Close()

	snap := b.Snapshot(context.Background())
	btn := findTag(snap, "button")
	if btn == nil {
		t.Fatal("no button node in mirror")
	}
	if btn.Label != "Ok" {
		t.Errorf("button label: got %q, want %q", btn.Label, "Ok")
	}
	if btn.Important {
		t.Error("failed labeler must not mark nodes")
	}
}

func TestSlowLabelerIsBounded(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body><button>Ok</button></body></html>`)
	tr := startTracker(t, doc)

	labeler := domtrack.LabelerFunc(func(ctx context.Context, nodes []ident.NodeInfo) (domtrack.Highlight, error) {
		<-ctx.Done()
		return domtrack.Highlight{}, ctx.Err()
	})
	b := New(tr, doc, WithLabeler(labeler), WithCollabTimeout(20*time.Millisecond))
	defer b.Close()

	start := time.Now()
	snap := b.Snapshot(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("snapshot blocked on slow labeler for %v", elapsed)
	}
	if btn := findTag(snap, "button"); btn == nil || btn.Label != "Ok" {
		t.Fatal("fallback mirror missing original button")
	}
}

func TestExtractorEnrichesHeadings(t *testing.T) {
	doc := dom.MustParseMemDoc(`<html><body><h1>Intro</h1></body></html>`)
	tr := startTracker(t, doc)

	ex := domtrack.ExtractorFunc(func(ctx context.Context, info ident.NodeInfo) (string, error) {
		return "Introduction to the product", nil
	})
	b := New(tr, doc, WithExtractor(ex))
	defer b.Close()

	snap := b.Snapshot(context.Background())
	h := findTag(snap, "h1")
	if h == nil {
		t.Fatal("no h1 node in mirror")
	}
	if h.Label != "Introduction to the product" {
		t.Errorf("h1 label: got %q, want %q", h.Label, "Introduction to the product")
	}
}
