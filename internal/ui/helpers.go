package ui

import "unicode/utf8"

// shortIDLen is enough to tell aria2 GIDs apart on one screen.
const shortIDLen = 8

// ShortID trims a task id for display in the dashboard table.
func ShortID(id string) string {
	if utf8.RuneCountInString(id) <= shortIDLen {
		return id
	}
	count := 0
	for i := range id {
		if count >= shortIDLen {
			return id[:i]
		}
		count++
	}
	return id
}

// TruncateWithEllipsis cuts s to maxRunes and appends an ellipsis when
// something was dropped.
func TruncateWithEllipsis(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxRunes]) + "…"
}
