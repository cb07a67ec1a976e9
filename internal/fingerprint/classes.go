package fingerprint

import (
	"regexp"
	"strings"
)

// Build-tool class patterns. CSS-in-JS and bundlers mint a fresh token
// on every build, so these carry zero identity signal across renders.
var generatedClassRes = []*regexp.Regexp{
	regexp.MustCompile(`^(css|sc|jss|jsx|emotion|svelte|astro|vue|ng)-[A-Za-z0-9_-]+$`),
	regexp.MustCompile(`^_[A-Za-z0-9]+_[A-Za-z0-9]+$`),            // CSS modules: _button_x7f2a
	regexp.MustCompile(`.+(--|__)[a-z0-9]{5,}$`),                  // BEM-shaped hash suffix
	regexp.MustCompile(`^[A-Za-z0-9_-]*-[a-f0-9]{5,}$`),           // name-8f3ab2c
}

// IsGeneratedToken reports whether a class or id token looks
// machine-generated: a build-tool pattern, or short random alphanumeric
// noise (digits mixed into a token too short to be a word).
func IsGeneratedToken(tok string) bool {
	if tok == "" {
		return true
	}
	for _, re := range generatedClassRes {
		if re.MatchString(tok) {
			return true
		}
	}

	// Random-alphanumeric heuristic: tokens like "xR3k9q" or "a1b2c3".
	hasDigit, hasAlpha, hasUpper, hasLower := false, false, false, false
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'a' && r <= 'z':
			hasAlpha, hasLower = true, true
		case r >= 'A' && r <= 'Z':
			hasAlpha, hasUpper = true, true
		}
	}
	if hasDigit && hasAlpha && len(tok) <= 12 {
		// Words with a trailing counter ("step2", "col3") keep their
		// signal; interleaved digits do not.
		if interleaved(tok) {
			return true
		}
	}
	if hasUpper && hasLower && hasDigit {
		return true
	}
	return false
}

// interleaved reports whether digits appear before the final run of
// the token, i.e. mixed into the body rather than suffixed.
func interleaved(tok string) bool {
	lastAlpha := -1
	firstDigit := -1
	for i, r := range tok {
		if r >= '0' && r <= '9' {
			if firstDigit < 0 {
				firstDigit = i
			}
		} else {
			lastAlpha = i
		}
	}
	return firstDigit >= 0 && firstDigit < lastAlpha
}

// FilterClasses splits a class attribute and drops machine-generated
// tokens so they never contribute to matching.
func FilterClasses(classAttr string) []string {
	var out []string
	for _, tok := range strings.Fields(classAttr) {
		if !IsGeneratedToken(tok) {
			out = append(out, tok)
		}
	}
	return out
}
