package util

import "fmt"

// MaxStoredErrorLen caps error messages persisted with usage records.
// Upstream failures can return whole HTML pages as the response body.
const MaxStoredErrorLen = 1024

// Truncate shortens s to maxLen, appending the original size so the
// full length stays visible in logs and stored records.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
