// Package textnorm folds text for accent and case insensitive comparison.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold strips diacritics and applies Unicode case folding, so "Attività" and "ATTIVITA"
// fold to the same string.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

// Clean trims s and collapses every whitespace run to a single space.
func Clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Key folds and cleans s.
func Key(s string) string {
	return Clean(Fold(s))
}
