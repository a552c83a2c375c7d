// Package stringutil provides common string utility functions.
package stringutil

// Truncate returns at most maxLen bytes of s.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateEllipsis truncates s to maxLen bytes, marking the cut with "...".
// Used when clipped text is shown to a model or a user and the cut should
// be visible.
func TruncateEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
