package util

import (
	"regexp"
	"strings"
)

var (
	reQuotes       = regexp.MustCompile(`["'` + "`" + `«»]`)
	reNonAllowed   = regexp.MustCompile(`[^a-z0-9\s&]`)
	reSpaces       = regexp.MustCompile(`\s+`)
	vendorSuffixes = []string{"inc", "llc", "ltd", "limited", "corp", "corporation", "co", "gmbh", "plc", "sa", "bv"}
)

// NormalizeVendor lowercases a vendor name and strips punctuation and common
// legal suffixes so that "Stripe, Inc." and "stripe" compare equal.
func NormalizeVendor(input string) string {
	s := strings.ToLower(input)
	s = reQuotes.ReplaceAllString(s, " ")
	s = reNonAllowed.ReplaceAllString(s, " ")
	s = reSpaces.ReplaceAllString(s, " ")
	parts := strings.Fields(s)
	for len(parts) > 1 && isVendorSuffix(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, " ")
}

func isVendorSuffix(token string) bool {
	for _, s := range vendorSuffixes {
		if token == s {
			return true
		}
	}
	return false
}

func NormalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func Tokenize(input string) []string {
	norm := NormalizeVendor(input)
	parts := strings.Split(norm, " ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len([]rune(p)) >= 2 {
			out = append(out, p)
		}
	}
	return out
}

func DiceCoefficient(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	pairs := func(s string) []string {
		r := []rune(s)
		if len(r) < 2 {
			return nil
		}
		out := make([]string, 0, len(r)-1)
		for i := 0; i < len(r)-1; i++ {
			out = append(out, string(r[i:i+2]))
		}
		return out
	}

	aPairs := pairs(a)
	bPairs := pairs(b)
	if len(aPairs) == 0 || len(bPairs) == 0 {
		return 0
	}

	bCount := map[string]int{}
	for _, p := range bPairs {
		bCount[p]++
	}
	inter := 0
	for _, p := range aPairs {
		if bCount[p] > 0 {
			inter++
			bCount[p]--
		}
	}

	return float64(2*inter) / float64(len(aPairs)+len(bPairs))
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func FloatPtr(v float64) *float64 { return &v }
