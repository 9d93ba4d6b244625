package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		want     float64
		currency string
	}{
		{name: "dollar with thousands", input: "Amount due: $2,450.50", want: 2450.50, currency: "USD"},
		{name: "euro european format", input: "Total €1.234,56 incl. VAT", want: 1234.56, currency: "EUR"},
		{name: "pound no decimals", input: "£300 outstanding", want: 300, currency: "GBP"},
		{name: "code prefix", input: "Balance USD 99.99", want: 99.99, currency: "USD"},
		{name: "code suffix", input: "Pay 1 200,00 EUR by Friday", want: 1200, currency: "EUR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed := ParseAmount(tc.input)
			require.True(t, parsed.Found())
			assert.InDelta(t, tc.want, *parsed.Amount, 0.001)
			assert.Equal(t, tc.currency, parsed.Currency)
		})
	}
}

func TestParseAmountIgnoresBareNumbers(t *testing.T) {
	assert.False(t, ParseAmount("Invoice #12345 dated 2026-03-01").Found())
}

func TestParseLooseAmount(t *testing.T) {
	v, ok := ParseLooseAmount("2450.50")
	require.True(t, ok)
	assert.InDelta(t, 2450.50, v, 0.001)

	_, ok = ParseLooseAmount("n/a")
	assert.False(t, ok)
}
