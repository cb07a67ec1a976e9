// Package match scores candidate elements against fingerprints and
// selects the best re-identification. Scoring is a weighted average
// over attribute tiers; explicit identifiers are authoritative, not
// merely weighted — a conflicting test id rejects a candidate outright
// however well the rest aligns.
package match

import (
	"math"

	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/internal/dom"
	"github.com/hazyhaar/domtrack/internal/similarity"
)

// DefaultThreshold is the minimum confidence for an accepted match.
const DefaultThreshold = 0.6

// DefaultWeights is the tier weight table, highest stability heaviest.
var DefaultWeights = map[ident.Tier]float64{
	ident.TierExplicit:   3.0,
	ident.TierSemantic:   2.0,
	ident.TierContent:    1.5,
	ident.TierStructural: 1.0,
	ident.TierContext:    0.75,
	ident.TierGeometric:  0.5,
}

// Candidate pairs a live element with its freshly captured fingerprint.
type Candidate struct {
	Element dom.Element
	FP      ident.Fingerprint
}

// Match is an accepted re-identification.
type Match struct {
	Candidate Candidate
	Result    ident.MatchResult
}

// Matcher holds the scoring configuration.
type Matcher struct {
	weights   map[ident.Tier]float64
	threshold float64
}

// New creates a Matcher. Zero threshold and nil weights select defaults.
func New(weights map[ident.Tier]float64, threshold float64) *Matcher {
	if weights == nil {
		weights = DefaultWeights
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{weights: weights, threshold: threshold}
}

// Threshold returns the accept threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Best scores every candidate against fp and returns the best match at
// or above the threshold. Ties break by geometric proximity, then by
// candidate order, so results are deterministic.
func (m *Matcher) Best(fp ident.Fingerprint, candidates []Candidate) (Match, bool) {
	best := Match{Result: ident.MatchResult{Confidence: -1}}
	for i, c := range candidates {
		res := m.Score(fp, c.FP)
		res.Order = i
		if !better(res, best.Result) {
			continue
		}
		best = Match{Candidate: c, Result: res}
	}
	if best.Result.Confidence < m.threshold {
		return Match{}, false
	}
	return best, true
}

func better(a, b ident.MatchResult) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Order < b.Order
}

// Score computes the weighted tier average of b against a. Tiers absent
// on both sides are skipped, never penalised. A tag mismatch or an
// explicit-identifier conflict scores 0 immediately.
func (m *Matcher) Score(a, b ident.Fingerprint) ident.MatchResult {
	res := ident.MatchResult{
		Breakdown: make(map[ident.Tier]float64),
		Distance:  centreDistance(a, b),
	}

	// Tag match is a hard prerequisite.
	if a.Tag != b.Tag {
		return res
	}

	explicitScore, conflict := scoreExplicit(a, b)
	if conflict {
		return res
	}

	var sum, wsum float64
	add := func(tier ident.Tier, score float64, present bool) {
		if !present {
			return
		}
		w := m.weights[tier]
		res.Breakdown[tier] = score
		sum += w * score
		wsum += w
	}

	add(ident.TierExplicit, explicitScore, a.HasTier(ident.TierExplicit) || b.HasTier(ident.TierExplicit))
	add(ident.TierSemantic, scoreSemantic(a, b), a.HasTier(ident.TierSemantic) || b.HasTier(ident.TierSemantic))
	add(ident.TierContent, scoreContent(a, b), a.HasTier(ident.TierContent) || b.HasTier(ident.TierContent))
	add(ident.TierStructural, scoreStructural(a, b), true) // tag always present
	add(ident.TierContext, scoreContext(a, b), a.HasTier(ident.TierContext) || b.HasTier(ident.TierContext))
	add(ident.TierGeometric, scoreGeometric(a, b), a.Bounds != nil || b.Bounds != nil)

	if wsum > 0 {
		res.Confidence = sum / wsum
	}
	return res
}

// scoreExplicit returns the explicit tier score and whether the
// identifiers conflict. Both sides carrying different non-empty values
// for the same identifier is a conflict.
func scoreExplicit(a, b ident.Fingerprint) (score float64, conflict bool) {
	matched, total := 0, 0
	for _, pair := range [][2]string{{a.TestID, b.TestID}, {a.StableID, b.StableID}} {
		av, bv := pair[0], pair[1]
		if av == "" && bv == "" {
			continue
		}
		total++
		if av != "" && bv != "" {
			if av != bv {
				return 0, true
			}
			matched++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(matched) / float64(total), false
}

func scoreSemantic(a, b ident.Fingerprint) float64 {
	var s fieldSet
	if a.Role != "" || b.Role != "" {
		s.add(exact(a.Role, b.Role))
	}
	if a.Label != "" || b.Label != "" {
		s.add(textSim(a.Label, b.Label))
	}
	if a.FormName != "" || b.FormName != "" {
		s.add(similarity.Token(a.FormName, b.FormName))
	}
	return s.avg()
}

func scoreContent(a, b ident.Fingerprint) float64 {
	var s fieldSet
	if a.Text != "" || b.Text != "" {
		s.add(textSim(a.Text, b.Text))
	}
	if a.Placeholder != "" || b.Placeholder != "" {
		s.add(textSim(a.Placeholder, b.Placeholder))
	}
	if a.Value != "" || b.Value != "" {
		s.add(textSim(a.Value, b.Value))
	}
	if a.Href != "" || b.Href != "" {
		s.add(similarity.Bigram(a.Href, b.Href))
	}
	return s.avg()
}

func scoreStructural(a, b ident.Fingerprint) float64 {
	var s fieldSet
	if len(a.Classes) > 0 || len(b.Classes) > 0 {
		s.add(similarity.TokenSet(join(a.Classes), join(b.Classes)))
	}
	if len(a.Path) > 0 || len(b.Path) > 0 {
		s.add(pathSim(a.Path, b.Path))
	}
	s.add(closeness(a.SiblingIndex, b.SiblingIndex))
	s.add(closeness(a.ChildCount, b.ChildCount))
	return s.avg()
}

func scoreContext(a, b ident.Fingerprint) float64 {
	var s fieldSet
	if a.PrevText != "" || b.PrevText != "" {
		s.add(textSim(a.PrevText, b.PrevText))
	}
	if a.NextText != "" || b.NextText != "" {
		s.add(textSim(a.NextText, b.NextText))
	}
	if a.ParentText != "" || b.ParentText != "" {
		s.add(textSim(a.ParentText, b.ParentText))
	}
	return s.avg()
}

func scoreGeometric(a, b ident.Fingerprint) float64 {
	if a.Bounds == nil || b.Bounds == nil {
		return 0
	}
	var s fieldSet
	s.add(similarity.Geometry(*a.Bounds, *b.Bounds))
	if a.Aspect > 0 && b.Aspect > 0 {
		hi, lo := a.Aspect, b.Aspect
		if lo > hi {
			hi, lo = lo, hi
		}
		s.add(lo / hi)
	}
	return s.avg()
}

// pathSim compares ancestor paths pairwise from the element outward.
func pathSim(a, b []ident.PathStep) float64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		if i >= len(a) || i >= len(b) {
			continue // missing level scores 0
		}
		step := 0.0
		if a[i].Tag == b[i].Tag {
			step = 0.6
			if a[i].Role == b[i].Role {
				step += 0.2
			}
			step += 0.2 * closeness(a[i].Index, b[i].Index)
		}
		sum += step
	}
	return sum / float64(n)
}

// textSim blends the dispatching text scorer with the bigram signal.
func textSim(a, b string) float64 {
	if a == "" && b == "" {
		return 0
	}
	return 0.7*similarity.Text(a, b) + 0.3*similarity.Bigram(a, b)
}

func exact(a, b string) float64 {
	if a != "" && a == b {
		return 1
	}
	return 0
}

// closeness maps integer distance to [0,1]: equal 1, decaying with gap.
func closeness(a, b int) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	return 1 / float64(1+d)
}

func centreDistance(a, b ident.Fingerprint) float64 {
	if a.Bounds == nil || b.Bounds == nil {
		return math.Inf(1)
	}
	return similarity.Distance(*a.Bounds, *b.Bounds)
}

func join(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

// fieldSet accumulates sub-field scores within one tier.
type fieldSet struct {
	sum float64
	n   int
}

func (s *fieldSet) add(v float64) {
	s.sum += v
	s.n++
}

func (s *fieldSet) avg() float64 {
	if s.n == 0 {
		return 0
	}
	return s.sum / float64(s.n)
}
