// Package prompt loads, cleans and partitions the prompt list for a run.
package prompt

import (
	"regexp"
	"strings"
)

var (
	// leadingControl matches a leading run of control tokens, each optionally
	// followed by ':' or '-' and whitespace. Tokens may be fused ("Deleteprompt").
	leadingControl = regexp.MustCompile(`(?i)^\s*((?:prompt|delete|query)\s*[:\-]?\s*)+`)

	// leadingBare catches fused residue with no separator at all.
	leadingBare = regexp.MustCompile(`(?i)^(?:prompt|delete|query)+`)

	bracketsAndZW = strings.NewReplacer("\u200b", "", "[", "", "]", "")
)

// Sanitize normalizes raw prompt text and strips any leading control
// directives ("prompt", "delete", "query", fused or separated by ':'/'-').
// It never fails and is idempotent; empty input yields "".
func Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	s := strings.TrimSpace(bracketsAndZW.Replace(raw))

	for {
		next := strings.TrimSpace(leadingControl.ReplaceAllString(s, ""))
		if next == s {
			break
		}
		s = next
	}

	s = strings.TrimSpace(leadingBare.ReplaceAllString(s, ""))

	return strings.Join(strings.Fields(s), " ")
}
