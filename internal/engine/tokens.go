package engine

import "strings"

// EstimateTokens approximates the token cost of rendering text into a
// prompt. The estimate is deterministic so budget checks are repeatable:
// roughly one token per four characters, but never fewer tokens than
// words, which keeps short multi-word strings from being undercounted.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byChars := (len(text) + 3) / 4
	byWords := len(strings.Fields(text))
	if byWords > byChars {
		return byWords
	}
	return byChars
}
