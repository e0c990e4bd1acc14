package log

import "strings"

// RedactString masks token material so it can be attached to error payloads
// without leaking the credential. Short values are fully masked.
func RedactString(s string) string {
	const keep = 4
	if len(s) <= keep*2 {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + strings.Repeat("*", len(s)-keep*2) + s[len(s)-keep:]
}
