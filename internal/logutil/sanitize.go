package logutil

import (
	"fmt"
	"strings"
)

// maxLogField bounds how much of a single user-provided value ends up in a
// log line.
const maxLogField = 128

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a client cannot forge log entries, and truncates long values.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			result.WriteRune(' ')
		case r < 32 || r == 0x7f:
			// drop
		default:
			result.WriteRune(r)
		}
	}
	out := result.String()
	if len(out) > maxLogField {
		out = out[:maxLogField] + "..."
	}
	return out
}

// ByteCount describes a terminal payload for logs without including it.
func ByteCount(p []byte) string {
	return fmt.Sprintf("%d bytes", len(p))
}
