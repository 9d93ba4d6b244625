package util

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	symbolAmountPattern = regexp.MustCompile(`(US\$|CA\$|A\$|[$€£¥])\s?(\d{1,3}(?:[,.]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)`)
	codeAmountPattern   = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|CAD|AUD|JPY|CHF)\s?(\d{1,3}(?:[,.]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)\b`)
	amountCodePattern   = regexp.MustCompile(`(?i)\b(\d{1,3}(?:[,.\s]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)\s?(USD|EUR|GBP|CAD|AUD|JPY|CHF)\b`)

	symbolCurrency = map[string]string{
		"$":   "USD",
		"US$": "USD",
		"CA$": "CAD",
		"A$":  "AUD",
		"€":   "EUR",
		"£":   "GBP",
		"¥":   "JPY",
	}
)

type ParsedAmount struct {
	Amount   *float64
	Currency string
	Raw      string
}

func (p ParsedAmount) Found() bool { return p.Amount != nil }

// ParseAmount returns the first currency-qualified amount in input.
// Bare numbers are ignored: invoice numbers and dates look like amounts.
func ParseAmount(input string) ParsedAmount {
	line := strings.ReplaceAll(input, "\u00A0", " ")

	if m := symbolAmountPattern.FindStringSubmatch(line); len(m) == 3 {
		if v, ok := parseNumber(m[2]); ok {
			return ParsedAmount{Amount: &v, Currency: symbolCurrency[m[1]], Raw: strings.TrimSpace(m[0])}
		}
	}
	if m := codeAmountPattern.FindStringSubmatch(line); len(m) == 3 {
		if v, ok := parseNumber(m[2]); ok {
			return ParsedAmount{Amount: &v, Currency: strings.ToUpper(m[1]), Raw: strings.TrimSpace(m[0])}
		}
	}
	if m := amountCodePattern.FindStringSubmatch(line); len(m) == 3 {
		if v, ok := parseNumber(m[1]); ok {
			return ParsedAmount{Amount: &v, Currency: strings.ToUpper(m[2]), Raw: strings.TrimSpace(m[0])}
		}
	}
	return ParsedAmount{}
}

// ParseLooseAmount accepts bare numbers as well ("2450.50", "1 200,00").
func ParseLooseAmount(input string) (float64, bool) {
	if parsed := ParseAmount(input); parsed.Found() {
		return *parsed.Amount, true
	}
	cleaned := strings.TrimSpace(strings.Trim(strings.TrimSpace(input), "$€£¥"))
	return parseNumber(cleaned)
}

func parseNumber(token string) (float64, bool) {
	norm := normalizeNumericToken(token)
	v, err := strconv.ParseFloat(norm, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func normalizeNumericToken(token string) string {
	compact := strings.ReplaceAll(strings.TrimSpace(token), " ", "")
	if regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?$`).MatchString(compact) {
		compact = strings.ReplaceAll(compact, ".", "")
		return strings.ReplaceAll(compact, ",", ".")
	}
	if regexp.MustCompile(`^\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?$`).MatchString(compact) {
		return strings.ReplaceAll(compact, ",", "")
	}
	if strings.Contains(compact, ",") && !strings.Contains(compact, ".") {
		return strings.ReplaceAll(compact, ",", ".")
	}
	return compact
}
