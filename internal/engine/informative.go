package engine

import "strings"

// Phrases that carry no memorable content on their own. Candidates whose
// whole text is one of these are not worth an embedding call.
var fillerPhrases = map[string]struct{}{
	"ok":          {},
	"okay":        {},
	"yes":         {},
	"no":          {},
	"sure":        {},
	"thanks":      {},
	"thank you":   {},
	"hi":          {},
	"hello":       {},
	"hey":         {},
	"bye":         {},
	"goodbye":     {},
	"lol":         {},
	"hmm":         {},
	"i see":       {},
	"got it":      {},
	"sounds good": {},
}

// LooksInformative is a cheap pre-filter for candidate text: it rejects
// empty strings, bare punctuation, and common filler phrases. It errs on
// the side of accepting; the write gate's confidence and novelty checks
// do the real filtering.
func LooksInformative(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	normalized := strings.ToLower(strings.Trim(trimmed, ".!?,:;"))
	if normalized == "" {
		return false
	}
	if _, ok := fillerPhrases[normalized]; ok {
		return false
	}

	// Anything with a handful of words is presumed to carry information.
	return len(normalized) >= 3 || len(strings.Fields(normalized)) > 1
}
