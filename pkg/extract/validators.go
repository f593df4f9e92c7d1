package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/textnorm"
)

// defaultCurrencyRe accepts Croatian/European money forms: grouped or
// plain digits, optional decimal part, optional currency token.
var defaultCurrencyRe = regexp.MustCompile(
	`^\d{1,3}(?:[.,\s]\d{3})*(?:[.,]\d+)?\s*(?:EUR|HRK|€|eura?)?$`)

// dateLayouts are the calendar forms extraction values arrive in.
var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2.1.2006",
	"02.01.2006.",
	"2. 1. 2006.",
}

// ValidatorConfig tunes the deterministic checks.
type ValidatorConfig struct {
	// AllowedDomains is the closed domain allow-list.
	AllowedDomains map[string]bool
	// CurrencyRe overrides the currency shape; nil means the default.
	CurrencyRe *regexp.Regexp
	// RequireQuoteInBoth demands the quote appear in the raw content AND
	// the cleaned content, not just one of them.
	RequireQuoteInBoth bool
}

// DefaultAllowedDomains is the built-in domain allow-list.
func DefaultAllowedDomains() map[string]bool {
	return map[string]bool{
		"vat":           true,
		"income_tax":    true,
		"corporate_tax": true,
		"excise":        true,
		"contributions": true,
		"fiscalization": true,
		"pausal":        true,
		"thresholds":    true,
		"deadlines":     true,
		"surtax":        true,
	}
}

func (c ValidatorConfig) currencyRe() *regexp.Regexp {
	if c.CurrencyRe != nil {
		return c.CurrencyRe
	}
	return defaultCurrencyRe
}

// ValidateExtraction runs the deterministic checks in order and returns
// the rejection reason of the first failure, or "" on pass.
func (c ValidatorConfig) ValidateExtraction(ex *Extraction, rawContent, cleanedContent string) (string, error) {
	inRaw := textnorm.ContainsNormalized(rawContent, ex.ExactQuote)
	inCleaned := textnorm.ContainsNormalized(cleanedContent, ex.ExactQuote)
	quoteOK := inRaw || inCleaned
	if c.RequireQuoteInBoth {
		quoteOK = inRaw && inCleaned
	}
	if !quoteOK {
		return model.RejectNoQuoteMatch, fmt.Errorf("quote not found in source content")
	}

	switch model.ValueType(ex.ValueType) {
	case model.ValuePercentage:
		v, err := parseNumeric(ex.ExtractedValue)
		if err != nil || v < 0 || v > 100 {
			return model.RejectOutOfRange, fmt.Errorf("percentage %q outside [0,100]", ex.ExtractedValue)
		}
	case model.ValueCurrency:
		if !c.currencyRe().MatchString(strings.TrimSpace(ex.ExtractedValue)) {
			return model.RejectInvalidCurrency, fmt.Errorf("currency %q has invalid shape", ex.ExtractedValue)
		}
	case model.ValueDate:
		if _, err := parseDate(ex.ExtractedValue); err != nil {
			return model.RejectInvalidDate, fmt.Errorf("date %q does not parse: %w", ex.ExtractedValue, err)
		}
	case model.ValueThreshold, model.ValueText:
		// No shape constraint beyond the quote check.
	default:
		return model.RejectValidationFailed, fmt.Errorf("unknown value type %q", ex.ValueType)
	}
	return "", nil
}

// parseNumeric reads a number tolerating European decimal commas and
// grouping separators.
func parseNumeric(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	s = strings.ReplaceAll(s, " ", "")
	// "1.234,56" -> "1234.56"; "25,5" -> "25.5"
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", s)
}
