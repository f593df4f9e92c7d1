package extract

import (
	"regexp"
	"strings"
)

// RepairJSONQuote recomputes exact_quote for JSON-source evidence: the
// LLM tends to paraphrase JSON fragments, so the quote is replaced by a
// verbatim key:value fragment of the raw content that contains the
// extracted value. Matching is numerically tolerant of thousand-separator
// whitespace and of '.' vs ',' variants. Returns the repaired quote and
// whether a fragment was found.
func RepairJSONQuote(rawContent, extractedValue string) (string, bool) {
	digits := digitRuns(extractedValue)
	if len(digits) == 0 {
		// Non-numeric values are matched verbatim.
		idx := strings.Index(rawContent, extractedValue)
		if idx < 0 {
			return "", false
		}
		return expandFragment(rawContent, idx, idx+len(extractedValue)), true
	}

	re, err := tolerantNumberRe(digits)
	if err != nil {
		return "", false
	}
	loc := re.FindStringIndex(rawContent)
	if loc == nil {
		return "", false
	}
	return expandFragment(rawContent, loc[0], loc[1]), true
}

// digitRuns strips everything but digits, preserving their order.
func digitRuns(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// tolerantNumberRe builds a pattern matching the digit sequence with any
// of [.,\s] interleaved between digits.
func tolerantNumberRe(digits string) (*regexp.Regexp, error) {
	var b strings.Builder
	for i, r := range digits {
		if i > 0 {
			b.WriteString(`[.,\s]*`)
		}
		b.WriteRune(r)
	}
	return regexp.Compile(b.String())
}

// expandFragment widens [start,end) to the enclosing "key": value span:
// backwards over the value to the key's opening quote, forward to the end
// of the value token.
func expandFragment(raw string, start, end int) string {
	left := start
	quotes := 0
	for left > 0 {
		c := raw[left-1]
		if c == '{' || c == ',' || c == '\n' {
			break
		}
		if c == '"' {
			quotes++
			if quotes == 2 {
				left--
				break
			}
		}
		left--
	}
	right := end
	for right < len(raw) {
		c := raw[right]
		if c == ',' || c == '}' || c == '\n' || c == ']' {
			break
		}
		right++
	}
	return strings.TrimSpace(raw[left:right])
}
