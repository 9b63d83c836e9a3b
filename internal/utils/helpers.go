package utils

import (
	"fmt"
	"strings"
)

// FormatDuration formats a duration in seconds as a human-readable string
// (e.g. 3661 → "1h1m1s", 42 → "42s").
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60

	var b strings.Builder
	if h > 0 {
		fmt.Fprintf(&b, "%dh", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dm", m)
	}
	if s > 0 || b.Len() == 0 {
		fmt.Fprintf(&b, "%ds", s)
	}
	return b.String()
}

// TruncateString truncates s to at most max characters, appending an
// ellipsis when something was cut.
func TruncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// Do not split a multi-byte rune at the cut point.
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// TruncateBody keeps the first 2 KiB of an upstream body for logging.
func TruncateBody(body string) string {
	return TruncateString(body, 2048)
}
