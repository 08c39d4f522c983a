package matcher

import (
	"strings"

	"bandi/internal/textnorm"
)

// MatchKeywords returns the keywords that occur in any of texts. Comparison ignores case
// and accents. A '+' inside a keyword splits it into parts that must all occur, in any
// order; spaces are part of the phrase.
func MatchKeywords(keywords []string, texts ...string) []string {
	haystack := textnorm.Key(strings.Join(texts, " "))
	if haystack == "" {
		return nil
	}
	var out []string
	for _, kw := range keywords {
		if matchRule(kw, haystack) {
			out = append(out, kw)
		}
	}
	return out
}

// MatchesAny reports whether at least one keyword occurs in texts.
func MatchesAny(keywords []string, texts ...string) bool {
	return len(MatchKeywords(keywords, texts...)) > 0
}

func matchRule(pattern, haystack string) bool {
	tokens := tokenizePattern(pattern)
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !strings.Contains(haystack, tok) {
			return false
		}
	}
	return true
}

func tokenizePattern(pattern string) []string {
	var out []string
	for _, part := range strings.Split(pattern, "+") {
		if k := textnorm.Key(part); k != "" {
			out = append(out, k)
		}
	}
	return out
}
