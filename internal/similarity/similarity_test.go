package similarity

import (
	"testing"

	"github.com/hazyhaar/domtrack/ident"
)

func TestToken(t *testing.T) {
	tests := []struct {
		a, b     string
		min, max float64
	}{
		{"submit", "submit", 1, 1},
		{"", "", 0, 0},
		{"submit", "", 0, 0},
		{"btn-submit-2", "btn-submit-3", 0.85, 1},
		{"login", "logout", 0.5, 0.95},
		{"abc", "xyz", 0, 0.01},
	}
	for _, tt := range tests {
		got := Token(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("Token(%q, %q) = %.3f, want in [%.2f, %.2f]",
				tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestToken_PrefixBeatsSuffix(t *testing.T) {
	// Same edit distance, but the shared prefix should score higher.
	pre := Token("field1", "field2")
	suf := Token("1field", "2field")
	if pre <= suf {
		t.Errorf("prefix agreement %.3f not favoured over suffix %.3f", pre, suf)
	}
}

func TestTokenSet(t *testing.T) {
	tests := []struct {
		a, b     string
		min, max float64
	}{
		{"Register Now", "Register Now", 1, 1},
		{"Register Now", "Now Register", 1, 1},
		{"Register Now", "Join Now", 0.3, 0.8},
		{"Add to cart", "Add to basket", 0.4, 0.9},
		{"Sign in", "Privacy policy", 0, 0.3},
		{"", "anything here", 0, 0},
	}
	for _, tt := range tests {
		got := TokenSet(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("TokenSet(%q, %q) = %.3f, want in [%.2f, %.2f]",
				tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestText_Dispatch(t *testing.T) {
	// Single tokens must route to the edit-distance scorer: token-set
	// scoring of equal single words would also give 1, so probe with a
	// near-miss where the scorers disagree.
	if got := Text("submit", "submitt"); got < 0.8 {
		t.Errorf("Text single-token near-miss = %.3f, want >= 0.8", got)
	}
	if got := Text("Register Now", "Now Register"); got != 1 {
		t.Errorf("Text multi-word reorder = %.3f, want 1", got)
	}
}

func TestBigram(t *testing.T) {
	if got := Bigram("night", "night"); got != 1 {
		t.Errorf("identical: got %.3f, want 1", got)
	}
	if got := Bigram("night", "nacht"); got <= 0 || got >= 1 {
		t.Errorf("related: got %.3f, want in (0,1)", got)
	}
	if got := Bigram("a", "b"); got != 0 {
		t.Errorf("too short: got %.3f, want 0", got)
	}
}

func TestOverlap(t *testing.T) {
	a := ident.Rect{X: 0, Y: 0, W: 100, H: 100}
	if got := Overlap(a, a); got != 1 {
		t.Errorf("self overlap: got %.3f, want 1", got)
	}
	b := ident.Rect{X: 50, Y: 0, W: 100, H: 100}
	got := Overlap(a, b)
	if got <= 0.3 || got >= 0.4 {
		// intersection 50x100=5000, union 15000 → 1/3
		t.Errorf("half shift: got %.3f, want ~0.333", got)
	}
	c := ident.Rect{X: 500, Y: 500, W: 10, H: 10}
	if got := Overlap(a, c); got != 0 {
		t.Errorf("disjoint: got %.3f, want 0", got)
	}
}

func TestProximity(t *testing.T) {
	a := ident.Rect{X: 0, Y: 0, W: 10, H: 10}
	if got := Proximity(a, a); got != 1 {
		t.Errorf("same centre: got %.3f, want 1", got)
	}
	far := ident.Rect{X: 2000, Y: 2000, W: 10, H: 10}
	if got := Proximity(a, far); got != 0 {
		t.Errorf("beyond radius: got %.3f, want 0", got)
	}
	near := ident.Rect{X: 100, Y: 0, W: 10, H: 10}
	if got := Proximity(a, near); got <= 0.5 {
		t.Errorf("near: got %.3f, want > 0.5", got)
	}
}

func TestAllScoresInRange(t *testing.T) {
	strs := []string{"", "a", "Register Now", "btn btn-primary", "日本語テキスト"}
	for _, a := range strs {
		for _, b := range strs {
			for name, got := range map[string]float64{
				"Token":    Token(a, b),
				"TokenSet": TokenSet(a, b),
				"Text":     Text(a, b),
				"Bigram":   Bigram(a, b),
			} {
				if got < 0 || got > 1 {
					t.Errorf("%s(%q, %q) = %.3f out of [0,1]", name, a, b, got)
				}
			}
		}
	}
}
