package queue

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
)

func TestCanonicalizeFallbacks(t *testing.T) {
	item, err := Canonicalize(map[string]any{
		"email_id":    "msg-1",
		"threadId":    "thread-9",
		"subject":     "Invoice #12345",
		"from":        `"Stripe Billing" <billing@stripe.com>`,
		"received_at": "2026-03-01T10:00:00Z",
		"amount":      "$2,450.50",
		"confidence":  97,
	})
	require.NoError(t, err)

	assert.Equal(t, "msg-1", item.ID)
	assert.Equal(t, "thread-9", item.ThreadID)
	assert.Equal(t, "Stripe Billing", item.Detected.Vendor)
	require.NotNil(t, item.Detected.Amount)
	assert.Equal(t, 2450.50, *item.Detected.Amount)
	assert.Equal(t, "USD", item.Detected.Currency)
	assert.InDelta(t, 0.97, item.Confidence, 1e-9)
	assert.Equal(t, internal.StatusPending, item.Status)
	assert.Equal(t, internal.SourceManual, item.Source)
	require.NotNil(t, item.ReceivedAt)
	assert.Equal(t, 2026, item.ReceivedAt.Year())
}

func TestCanonicalizeVendorPrecedence(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{"detected", map[string]any{"id": "1", "vendor": "Top", "detected": map[string]any{"vendor": "Nested"}}, "Nested"},
		{"top level", map[string]any{"id": "1", "vendor": "Top", "vendor_name": "Other"}, "Top"},
		{"vendor name", map[string]any{"id": "1", "vendor_name": "Other", "sender": "Acme AP <ap@acme.com>"}, "Other"},
		{"display name", map[string]any{"id": "1", "sender": "Acme AP <ap@acme.com>"}, "Acme AP"},
		{"domain", map[string]any{"id": "1", "sender": "invoices@mail.acme.co.uk"}, "Acme"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item, err := Canonicalize(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, item.Detected.Vendor)
		})
	}
}

func TestCanonicalizeIDPrecedence(t *testing.T) {
	item, err := Canonicalize(map[string]any{"thread_id": "t", "message_id": "m"})
	require.NoError(t, err)
	assert.Equal(t, "t", item.ID)

	_, err = Canonicalize(map[string]any{"subject": "no id"})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestCanonicalizeConfidence(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want float64
	}{
		{0.5, 0.5},
		{1, 1},
		{85.0, 0.85},
		{"72%", 0.72},
		{json.Number("0.9"), 0.9},
	} {
		item, err := Canonicalize(map[string]any{"id": "x", "confidence": tc.in})
		require.NoError(t, err, "%v", tc.in)
		assert.InDelta(t, tc.want, item.Confidence, 1e-9, "%v", tc.in)
	}

	for _, bad := range []any{-0.1, 150.0, math.NaN(), "high", true} {
		_, err := Canonicalize(map[string]any{"id": "x", "confidence": bad})
		assert.ErrorIs(t, err, ErrInvalidConfidence, "%v", bad)
	}
}

func TestCanonicalizeFromJSON(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "abc",
		"source": "remote",
		"status": "approved",
		"detected": {"vendor": "Globex", "amount": 1200, "currency": "eur", "invoice_number": "G-7", "due_date": "2026-04-01"}
	}`), &raw))

	item, err := Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusApproved, item.Status)
	assert.Equal(t, internal.DetectedFields{
		Vendor:        "Globex",
		Amount:        item.Detected.Amount,
		Currency:      "EUR",
		InvoiceNumber: "G-7",
		DueDate:       "2026-04-01",
	}, item.Detected)
	require.NotNil(t, item.Detected.Amount)
	assert.Equal(t, 1200.0, *item.Detected.Amount)
}

func TestCanonicalizeManualItemStartsPending(t *testing.T) {
	item, err := Canonicalize(map[string]any{"id": "x", "status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, internal.SourceManual, item.Source)
	assert.Equal(t, internal.StatusPending, item.Status)

	item, err = Canonicalize(map[string]any{"id": "x", "source": "manual", "status": "approved"})
	require.NoError(t, err)
	assert.Equal(t, internal.StatusPending, item.Status)

	item, err = Canonicalize(map[string]any{"id": "x", "source": "scan", "status": "needs_review"})
	require.NoError(t, err)
	assert.Equal(t, internal.StatusNeedsReview, item.Status)
}
