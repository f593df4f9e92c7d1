package textnorm

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuotes(t *testing.T) {
	cases := map[string]string{
		"‘single’":        "'single'",
		"“double”":        `"double"`,
		"„low nine”":      `"low nine"`,
		"«guillemets»":    `"guillemets"`,
		"‹angled›":        "'angled'",
		"plain 'ascii'":   "plain 'ascii'",
		`mixed “a” ‘b’ x`: `mixed "a" 'b' x`,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeQuotes(in))
	}
}

func TestNormalizeQuotesNFC(t *testing.T) {
	// decomposed Č (C + combining caron) must equal the composed form
	decomposed := "C\u030Clanak"
	composed := "\u010Clanak"
	assert.Equal(t, NormalizeQuotes(composed), NormalizeQuotes(decomposed))
}

func TestContainsNormalized(t *testing.T) {
	source := "Porezna stopa iznosi „25 %” za sve obveznike."
	assert.True(t, ContainsNormalized(source, `iznosi "25 %"`))
	assert.False(t, ContainsNormalized(source, `iznosi "26 %"`))
}

func TestCleanRemovesBoilerplate(t *testing.T) {
	raw := `<html><head><style>body{color:red}</style><script>alert(1)</script></head>
<body><nav><a href="/">Home</a></nav>
<article><h1>Zakon o PDV-u</h1>
<p>Članak 1.</p>
<p>(1) Stopa PDV-a iznosi 25%.</p>
</article>
<footer>© 2026</footer></body></html>`

	cleaned := Clean(raw, "https://porezna.gov.hr/zakon")
	assert.NotContains(t, cleaned, "alert(1)")
	assert.NotContains(t, cleaned, "color:red")
	assert.NotContains(t, cleaned, "Home")
	assert.NotContains(t, cleaned, "©")
	assert.Contains(t, cleaned, "Članak 1.")
	assert.Contains(t, cleaned, "(1) Stopa PDV-a iznosi 25%.")
}

func TestCleanIdempotent(t *testing.T) {
	raw := `<div><p>Članak 2.</p><p>(1)&nbsp;Prag iznosi  40.000,00&nbsp;EUR</p></div>`
	once := Clean(raw, "")
	assert.Equal(t, once, Clean(once, ""))
}

func TestStats(t *testing.T) {
	raw := "<p>Članak 1.</p><p>(1) text</p><script>x</script>"
	cleaned := Clean(raw, "")
	st := Stats(raw, cleaned)
	assert.Equal(t, len(raw), st.OriginalLength)
	assert.Equal(t, len(cleaned), st.CleanedLength)
	assert.Greater(t, st.ReductionPct, 0.0)
	assert.Equal(t, 2, st.NewsItemsFound)
}

func TestIdempotenceProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("normalize(normalize(x)) == normalize(x)", prop.ForAll(
		func(s string) bool {
			once := NormalizeQuotes(s)
			return NormalizeQuotes(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("clean(clean(x)) == clean(x)", prop.ForAll(
		func(s string) bool {
			once := Clean(s, "")
			return Clean(once, "") == once
		},
		gen.AlphaString(),
	))

	properties.Property("collapse is idempotent", prop.ForAll(
		func(s string) bool {
			once := CollapseWhitespace(s)
			return CollapseWhitespace(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
