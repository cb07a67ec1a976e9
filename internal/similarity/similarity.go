// Package similarity provides the pure scoring functions used by the
// matcher: string similarity for tokens and labels, and 2-D geometry
// scoring for bounding boxes. Every function is total and returns a
// value in [0,1], 1 meaning identical. Inputs are short (captured text
// is capped upstream), so the quadratic worst cases stay cheap.
package similarity

import (
	"math"
	"strings"

	"github.com/hazyhaar/domtrack/ident"
)

// prefixWeight is the per-character bonus for a shared prefix, applied
// over at most prefixMax leading characters. Mirrors the intuition that
// identifiers and labels diverge at the tail ("btn-submit-2" vs
// "btn-submit-3") far more often than at the head.
const (
	prefixWeight = 0.1
	prefixMax    = 4
)

// Token scores two short single tokens using normalised edit distance
// plus a shared-prefix bonus.
func Token(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	ar, br := []rune(a), []rune(b)
	maxLen := len(ar)
	if len(br) > maxLen {
		maxLen = len(br)
	}
	base := 1 - float64(levenshtein(ar, br))/float64(maxLen)
	if base <= 0 {
		return 0
	}

	prefix := 0
	for prefix < len(ar) && prefix < len(br) && prefix < prefixMax && ar[prefix] == br[prefix] {
		prefix++
	}
	score := base + float64(prefix)*prefixWeight*(1-base)
	if score > 1 {
		score = 1
	}
	return score
}

// levenshtein computes edit distance with a single rolling row.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur := row[j]
			m := row[j-1] + 1 // insertion
			if row[j]+1 < m {
				m = row[j] + 1 // deletion
			}
			if prev+cost < m {
				m = prev + cost // substitution
			}
			row[j] = m
			prev = cur
		}
	}
	return row[len(b)]
}

// TokenSet scores two multi-word strings by token overlap, tolerant of
// reordering. The score blends set intersection-over-union with the
// mean best-pairing similarity of the unmatched tokens, so "Join Now"
// vs "Now Join" scores 1 and "Register Now" vs "Join Now" still gets
// credit for the shared token.
func TokenSet(a, b string) float64 {
	at, bt := fields(a), fields(b)
	if len(at) == 0 || len(bt) == 0 {
		return 0
	}

	aset := make(map[string]bool, len(at))
	for _, t := range at {
		aset[t] = true
	}
	bset := make(map[string]bool, len(bt))
	for _, t := range bt {
		bset[t] = true
	}

	inter := 0
	for t := range aset {
		if bset[t] {
			inter++
		}
	}
	union := len(aset) + len(bset) - inter
	jaccard := float64(inter) / float64(union)

	// Best-pairing credit for tokens without an exact twin.
	var rest []string
	for t := range aset {
		if !bset[t] {
			rest = append(rest, t)
		}
	}
	if len(rest) == 0 {
		return jaccard
	}
	sum := 0.0
	for _, t := range rest {
		best := 0.0
		for u := range bset {
			if s := Token(t, u); s > best {
				best = s
			}
		}
		sum += best
	}
	fuzzy := sum / float64(len(rest))

	return clamp01(jaccard + (1-jaccard)*fuzzy*0.5)
}

// Text dispatches on word count: single tokens on both sides use the
// edit-distance scorer, anything longer the token-set scorer.
func Text(a, b string) float64 {
	if strings.IndexByte(a, ' ') < 0 && strings.IndexByte(b, ' ') < 0 {
		return Token(a, b)
	}
	return TokenSet(a, b)
}

// Bigram is the Sørensen–Dice coefficient over character bigrams, a
// cheap secondary signal robust to small edits anywhere in the string.
func Bigram(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ab, bb := bigrams(a), bigrams(b)
	if len(ab) == 0 || len(bb) == 0 {
		return 0
	}
	inter := 0
	for g, n := range ab {
		if m, ok := bb[g]; ok {
			if m < n {
				inter += m
			} else {
				inter += n
			}
		}
	}
	total := 0
	for _, n := range ab {
		total += n
	}
	for _, n := range bb {
		total += n
	}
	return float64(2*inter) / float64(total)
}

func bigrams(s string) map[string]int {
	r := []rune(strings.ToLower(s))
	if len(r) < 2 {
		return nil
	}
	out := make(map[string]int, len(r)-1)
	for i := 0; i+1 < len(r); i++ {
		out[string(r[i:i+2])]++
	}
	return out
}

// Overlap is intersection-over-union of two bounding boxes.
func Overlap(a, b ident.Rect) float64 {
	ix := math.Max(0, math.Min(a.X+a.W, b.X+b.W)-math.Max(a.X, b.X))
	iy := math.Max(0, math.Min(a.Y+a.H, b.Y+b.H)-math.Max(a.Y, b.Y))
	inter := ix * iy
	if inter <= 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// ProximityRadius is the centre distance in pixels beyond which
// Proximity scores 0. Elements relocated further than this during a
// reconciliation pass are geometrically unrelated.
const ProximityRadius = 500.0

// Proximity scores centre distance between two boxes, linearly decaying
// to 0 at ProximityRadius.
func Proximity(a, b ident.Rect) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	d := math.Hypot(ax-bx, ay-by)
	if d >= ProximityRadius {
		return 0
	}
	return 1 - d/ProximityRadius
}

// Distance returns the raw centre distance, used by the matcher as a
// tie-break key.
func Distance(a, b ident.Rect) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(ax-bx, ay-by)
}

// Geometry blends overlap and proximity into one geometric score.
// Overlap dominates when boxes intersect; proximity carries the score
// for disjoint but nearby boxes.
func Geometry(a, b ident.Rect) float64 {
	o := Overlap(a, b)
	p := Proximity(a, b)
	if o > 0 {
		return clamp01(0.6*o + 0.4*p)
	}
	return p * 0.8
}

func fields(s string) []string {
	raw := strings.Fields(strings.ToLower(s))
	out := raw[:0]
	for _, t := range raw {
		t = strings.Trim(t, ".,:;!?\"'()[]")
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
