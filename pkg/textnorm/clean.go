package textnorm

import (
	"regexp"
	"strings"
)

// CleanStats summarizes a cleaning pass.
type CleanStats struct {
	OriginalLength int     `json:"original_length"`
	CleanedLength  int     `json:"cleaned_length"`
	ReductionPct   float64 `json:"reduction_percent"`
	NewsItemsFound int     `json:"news_items_found"`
}

var (
	scriptRe   = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleRe    = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	commentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
	navRe      = regexp.MustCompile(`(?is)<(nav|header|footer|aside)\b[^>]*>.*?</(nav|header|footer|aside)>`)
	tagRe      = regexp.MustCompile(`(?s)<[^>]+>`)
	// &lt;, &gt;, and &amp; stay encoded: decoding them can fabricate markup
	// or fresh entities that a second cleaning pass would treat differently,
	// breaking idempotence.
	entityRe   = regexp.MustCompile(`&(nbsp|quot|#160);`)
	blankRe    = regexp.MustCompile(`\n{3,}`)
	spaceRunRe = regexp.MustCompile(`[ \t]{2,}`)
	newsItemRe = regexp.MustCompile(`(?im)^\s*(Članak\s+\d+\.|\(\d+\))`)
)

var entities = map[string]string{
	"&nbsp;": " ",
	"&#160;": " ",
	"&quot;": `"`,
}

// Clean strips navigation, script, style, and boilerplate markup from raw
// content, preserving article-number markers ("Članak 1.", paragraph
// numerals "(1)") that downstream quote grounding relies on. Idempotent:
// Clean(Clean(x)) == Clean(x). The url parameter exists for host-specific
// heuristics; the default pass is host-independent.
func Clean(raw, url string) string {
	s := raw
	s = scriptRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	s = commentRe.ReplaceAllString(s, "")
	s = navRe.ReplaceAllString(s, "")

	// Block-level tags become line breaks so article structure survives.
	s = regexp.MustCompile(`(?i)</(p|div|li|tr|h[1-6]|article|section)>`).ReplaceAllString(s, "\n")
	s = regexp.MustCompile(`(?i)<br\s*/?>`).ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")

	s = entityRe.ReplaceAllStringFunc(s, func(m string) string {
		if r, ok := entities[m]; ok {
			return r
		}
		return " "
	})

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = spaceRunRe.ReplaceAllString(strings.TrimSpace(line), " ")
		out = append(out, line)
	}
	s = strings.Join(out, "\n")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Stats computes the before/after report for a cleaning pass.
func Stats(raw, cleaned string) CleanStats {
	st := CleanStats{
		OriginalLength: len(raw),
		CleanedLength:  len(cleaned),
		NewsItemsFound: len(newsItemRe.FindAllString(cleaned, -1)),
	}
	if st.OriginalLength > 0 {
		st.ReductionPct = 100 * float64(st.OriginalLength-st.CleanedLength) / float64(st.OriginalLength)
	}
	return st
}
