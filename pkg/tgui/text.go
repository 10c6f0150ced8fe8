package tgui

import (
	"strings"
	"unicode/utf8"
)

// TruncRunes returns s truncated to at most n runes, with "…" appended when
// it was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

var trailingNoise = []string{"See more", "See translation", "הצג עוד", "ראה עוד", "הצג תרגום"}

// Squash collapses whitespace runs and drops trailing "See more" style UI
// text that scrapers pick up with the post body.
func Squash(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for changed := true; changed; {
		changed = false
		for _, n := range trailingNoise {
			if strings.HasSuffix(s, n) {
				s = strings.TrimSpace(strings.TrimSuffix(s, n))
				changed = true
			}
		}
	}
	return s
}
