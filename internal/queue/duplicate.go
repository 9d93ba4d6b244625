package queue

import (
	"fmt"
	"math"
	"time"

	"apqueue/internal"
	"apqueue/internal/util"
)

type DuplicatePolicy struct {
	VendorSimilarity float64
	AmountTolerance  float64
	Window           time.Duration
}

func DefaultDuplicatePolicy() DuplicatePolicy {
	return DuplicatePolicy{
		VendorSimilarity: 0.9,
		AmountTolerance:  0.01,
		Window:           7 * 24 * time.Hour,
	}
}

// findDuplicate looks for another item with the same vendor and amount close
// in time. Only distinct ids are compared; same-id re-detection is a merge.
func findDuplicate(candidate internal.CandidateItem, others []*internal.CandidateItem, policy DuplicatePolicy) (*internal.CandidateItem, bool) {
	vendor := util.NormalizeVendor(candidate.Detected.Vendor)
	if vendor == "" || candidate.Detected.Amount == nil {
		return nil, false
	}

	for _, other := range others {
		if other.ID == candidate.ID || other.Status == internal.StatusRejected {
			continue
		}
		if other.Detected.Amount == nil {
			continue
		}
		if math.Abs(*other.Detected.Amount-*candidate.Detected.Amount) > policy.AmountTolerance {
			continue
		}
		if candidate.Detected.Currency != "" && other.Detected.Currency != "" && candidate.Detected.Currency != other.Detected.Currency {
			continue
		}
		if util.DiceCoefficient(vendor, util.NormalizeVendor(other.Detected.Vendor)) < policy.VendorSimilarity {
			continue
		}
		if !datesClose(candidate, *other, policy.Window) {
			continue
		}
		return other, true
	}
	return nil, false
}

func datesClose(a, b internal.CandidateItem, window time.Duration) bool {
	if a.ReceivedAt != nil && b.ReceivedAt != nil {
		delta := a.ReceivedAt.Sub(*b.ReceivedAt)
		if delta < 0 {
			delta = -delta
		}
		return delta <= window
	}
	if a.Detected.DueDate != "" && b.Detected.DueDate != "" {
		return a.Detected.DueDate == b.Detected.DueDate
	}
	return true
}

func duplicateWarning(other internal.CandidateItem) string {
	amount := ""
	if other.Detected.Amount != nil {
		amount = fmt.Sprintf(" %.2f", *other.Detected.Amount)
		if other.Detected.Currency != "" {
			amount = " " + other.Detected.Currency + amount
		}
	}
	return fmt.Sprintf("Possible duplicate of %s (%s%s, %s)", other.ID, other.Detected.Vendor, amount, other.Status)
}
