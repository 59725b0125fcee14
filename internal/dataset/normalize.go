package dataset

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, strips accents by decomposing it and dropping
// every non-ASCII rune, and trims surrounding space. "Crème Brûlée" becomes
// "creme brulee".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.Predicate(isNonASCII)))
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		// The chain never fails on valid input; fall back to a plain filter.
		out = strings.Map(func(r rune) rune {
			if isNonASCII(r) {
				return -1
			}
			return r
		}, strings.ToLower(s))
	}
	return strings.TrimSpace(out)
}

func isNonASCII(r rune) bool {
	return r > unicode.MaxASCII
}
