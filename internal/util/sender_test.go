package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSenderParsing(t *testing.T) {
	from := `"Stripe Billing" <Billing@Stripe.com>`
	assert.Equal(t, "billing@stripe.com", SenderAddress(from))
	assert.Equal(t, "Stripe Billing", SenderName(from))
	assert.Equal(t, "stripe.com", SenderDomain(from))
	assert.Equal(t, "billing", SenderLocalPart(from))

	assert.Equal(t, "stripe.com", SenderDomain("billing@stripe.com"))
	assert.Equal(t, "", SenderName("billing@stripe.com"))
	assert.Equal(t, "", SenderDomain("not an address"))
}

func TestVendorFromDomain(t *testing.T) {
	assert.Equal(t, "Stripe", VendorFromDomain("stripe.com"))
	assert.Equal(t, "Stripe", VendorFromDomain("mail.stripe.com"))
	assert.Equal(t, "Acme", VendorFromDomain("acme.co.uk"))
	assert.Equal(t, "", VendorFromDomain("localhost"))
}

func TestDomainMatches(t *testing.T) {
	assert.True(t, DomainMatches("billing.stripe.com", "stripe.com"))
	assert.True(t, DomainMatches("stripe.com", "STRIPE.COM"))
	assert.False(t, DomainMatches("notstripe.com", "stripe.com"))
	assert.False(t, DomainMatches("", "stripe.com"))
}
