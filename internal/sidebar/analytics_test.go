package sidebar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
)

func TestComputeAnalytics(t *testing.T) {
	amount := func(v float64) *float64 { return &v }
	synced := time.Now()
	items := []internal.CandidateItem{
		{ID: "a", Tier: internal.TierHigh, Confidence: 1, Status: internal.StatusPending, SyncedAt: &synced,
			Detected: internal.DetectedFields{Vendor: "Stripe", Amount: amount(100), Currency: "usd"}},
		{ID: "b", Tier: internal.TierMedium, Confidence: 0.8, Status: internal.StatusApproved, IsDuplicate: true,
			Detected: internal.DetectedFields{Vendor: "Stripe", Amount: amount(50), Currency: "USD"}},
		{ID: "c", Tier: internal.TierLow, Confidence: 0.6, Status: internal.StatusRejected,
			Detected: internal.DetectedFields{Vendor: "Acme", Amount: amount(999), Currency: "EUR"}},
		{ID: "d", Tier: internal.TierHigh, Confidence: 1, Status: internal.StatusPosted,
			Detected: internal.DetectedFields{Amount: amount(20)}},
	}

	got := ComputeAnalytics(items)
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 1, got.ByStatus[internal.StatusPending])
	assert.Equal(t, 1, got.ByStatus[internal.StatusRejected])
	assert.Equal(t, 0, got.ByStatus[internal.StatusPaid])
	assert.Equal(t, map[string]float64{"USD": 150, "UNKNOWN": 20}, got.TotalsByCurrency)
	assert.InDelta(t, 0.85, got.AverageConfidence, 1e-9)
	assert.InDelta(t, 0.5, got.AutoQueuedRatio, 1e-9)
	assert.Equal(t, 1, got.Duplicates)
	assert.Equal(t, 3, got.Unsynced)

	require.Len(t, got.TopVendors, 2)
	assert.Equal(t, VendorTotal{Vendor: "Stripe", Count: 2, Amount: 150}, got.TopVendors[0])
	assert.Equal(t, "Unknown", got.TopVendors[1].Vendor)
}

func TestComputeAnalyticsEmpty(t *testing.T) {
	got := ComputeAnalytics(nil)
	assert.Zero(t, got.Total)
	assert.Zero(t, got.AverageConfidence)
	assert.Len(t, got.ByStatus, len(internal.AllStatuses))
}
