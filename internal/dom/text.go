package dom

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxCapturedText caps every captured text field. Longer page text adds
// no identity signal and inflates persisted fingerprints.
const MaxCapturedText = 100

var (
	multiSpaceRe = regexp.MustCompile(`\s+`)
	stripPolicy  = bluemonday.StrictPolicy()
)

// CleanText normalises captured text: removes zero-width characters,
// collapses whitespace, trims.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Capture cleans and caps text for storage in a fingerprint.
func Capture(text string) string {
	return Truncate(CleanText(text), MaxCapturedText)
}

// Truncate caps s at max runes.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// FragmentText extracts the visible text of a serialised HTML fragment,
// as carried by insert mutations. Tags are stripped, entities decoded.
func FragmentText(fragment string) string {
	if fragment == "" {
		return ""
	}
	return Capture(html.UnescapeString(stripPolicy.Sanitize(fragment)))
}
