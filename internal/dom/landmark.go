package dom

// landmarkTags are containers that bound ancestor-path capture: once a
// fingerprint's upward walk reaches one of these, further ancestors add
// noise, not identity.
var landmarkTags = map[string]bool{
	"main":    true,
	"nav":     true,
	"form":    true,
	"header":  true,
	"footer":  true,
	"aside":   true,
	"article": true,
	"section": false, // too generic to bound a path
	"body":    true,
	"dialog":  true,
}

// landmarkRoles are the ARIA equivalents.
var landmarkRoles = map[string]bool{
	"main":          true,
	"navigation":    true,
	"form":          true,
	"banner":        true,
	"contentinfo":   true,
	"complementary": true,
	"search":        true,
	"dialog":        true,
}

// IsLandmark reports whether an element is a landmark container.
func IsLandmark(el Element) bool {
	if landmarkTags[el.Tag()] {
		return true
	}
	if role, ok := el.Attr("role"); ok && landmarkRoles[role] {
		return true
	}
	return false
}
