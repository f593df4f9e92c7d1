// Package textnorm holds the pure text transforms the extractor and the
// release gate share: quote normalization and content cleaning. Both are
// idempotent, which is what lets them sit on both sides of every
// quote-containment check.
package textnorm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// quoteReplacer maps Unicode quote variants to their ASCII counterparts.
// Smart-quote auto-correction in source documents must never break
// provenance checks.
var quoteReplacer = strings.NewReplacer(
	"‘", "'", // left single
	"’", "'", // right single
	"‚", "'", // single low-9
	"‛", "'", // single high-reversed-9
	"‹", "'", // single left angle
	"›", "'", // single right angle
	"ʼ", "'", // modifier apostrophe
	"“", `"`, // left double
	"”", `"`, // right double
	"„", `"`, // double low-9
	"‟", `"`, // double high-reversed-9
	"«", `"`, // left guillemet
	"»", `"`, // right guillemet
	"″", `"`, // double prime
)

// NormalizeQuotes maps all Unicode quote variants to ASCII and applies NFC
// so that composed and decomposed diacritics (common in Croatian text)
// compare equal. Idempotent.
func NormalizeQuotes(s string) string {
	return quoteReplacer.Replace(norm.NFC.String(s))
}

// CollapseWhitespace folds every run of whitespace into a single space and
// trims the ends. Used by the whitespace-tolerant quote match tier.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContainsNormalized reports whether needle occurs in haystack after both
// sides pass quote normalization.
func ContainsNormalized(haystack, needle string) bool {
	return strings.Contains(NormalizeQuotes(haystack), NormalizeQuotes(needle))
}
