package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeVendor(t *testing.T) {
	assert.Equal(t, "stripe", NormalizeVendor("Stripe, Inc."))
	assert.Equal(t, "acme supplies", NormalizeVendor("  ACME   Supplies LLC "))
	assert.Equal(t, "co", NormalizeVendor("Co"))
}

func TestDiceCoefficient(t *testing.T) {
	assert.Equal(t, 1.0, DiceCoefficient("stripe", "stripe"))
	assert.Equal(t, 0.0, DiceCoefficient("", "stripe"))
	assert.Greater(t, DiceCoefficient("amazon web services", "amazon web service"), 0.9)
	assert.Less(t, DiceCoefficient("stripe", "github"), 0.5)
}
