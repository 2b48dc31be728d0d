// Package tokenutil estimates token counts for context-window decisions.
package tokenutil

import "unicode/utf8"

// CharsPerToken is the characters-per-token ratio used for estimates.
const CharsPerToken = 4

// EstimateTokens returns ceil(characters / 4) for content.
func EstimateTokens(content string) int {
	n := utf8.RuneCountInString(content)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// EstimateAll estimates the combined token count of parts, counting
// characters across all of them before rounding.
func EstimateAll(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += utf8.RuneCountInString(p)
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}
