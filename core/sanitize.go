package core

import "strings"

// Unicode bidirectional control characters stripped from event payloads.
// These can reorder or hide text in logs and downstream UIs, so they are
// removed from every string leaf before an event is persisted.
//
// Covered ranges: U+202A..U+202E (embedding/override) and
// U+2066..U+2069 (isolates).
func isBidiControl(r rune) bool {
	return (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069)
}

// StripBidi removes bidi control codepoints from a single string.
func StripBidi(s string) string {
	// Fast path: most strings carry no controls.
	if !strings.ContainsFunc(s, isBidiControl) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isBidiControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeTree strips bidi controls from every string leaf of a value tree.
func SanitizeTree(v interface{}) interface{} {
	return WalkStrings(v, StripBidi)
}
