package models

import (
	"strings"
	"unicode/utf8"
)

// Column widths, in characters, of the free-text fields that take caller or
// gateway supplied text.
const (
	MaxTrackingNumberLen = 50
	MaxNotesLen          = 255
	MaxFailureReasonLen  = 500
	MaxAddressLen        = 500
)

const ellipsis = "..."

// Clip makes s valid UTF-8 and shortens it to at most max characters, cutting
// on a rune boundary and marking the cut with an ellipsis.
func Clip(s string, max int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= len(ellipsis) {
		return string(runes[:max])
	}
	return string(runes[:max-len(ellipsis)]) + ellipsis
}
