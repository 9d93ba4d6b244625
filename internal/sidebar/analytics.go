package sidebar

import (
	"sort"
	"strings"

	"apqueue/internal"
)

type VendorTotal struct {
	Vendor string  `json:"vendor"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

type Analytics struct {
	Total             int                     `json:"total"`
	ByStatus          map[internal.Status]int `json:"byStatus"`
	TotalsByCurrency  map[string]float64      `json:"totalsByCurrency"`
	AverageConfidence float64                 `json:"averageConfidence"`
	AutoQueuedRatio   float64                 `json:"autoQueuedRatio"`
	Duplicates        int                     `json:"duplicates"`
	Unsynced          int                     `json:"unsynced"`
	TopVendors        []VendorTotal           `json:"topVendors"`
}

const topVendorCount = 5

// ComputeAnalytics summarizes the queue. Rejected items are counted by status
// but left out of money totals.
func ComputeAnalytics(items []internal.CandidateItem) Analytics {
	out := Analytics{
		Total:            len(items),
		ByStatus:         make(map[internal.Status]int, len(internal.AllStatuses)),
		TotalsByCurrency: map[string]float64{},
	}
	for _, status := range internal.AllStatuses {
		out.ByStatus[status] = 0
	}
	if len(items) == 0 {
		return out
	}

	confidence := 0.0
	auto := 0
	vendors := map[string]*VendorTotal{}
	for _, item := range items {
		out.ByStatus[item.Status]++
		confidence += item.Confidence
		if item.Tier == internal.TierHigh {
			auto++
		}
		if item.IsDuplicate {
			out.Duplicates++
		}
		if item.SyncedAt == nil {
			out.Unsynced++
		}
		if item.Status == internal.StatusRejected {
			continue
		}

		name := strings.TrimSpace(item.Detected.Vendor)
		if name == "" {
			name = "Unknown"
		}
		v, ok := vendors[name]
		if !ok {
			v = &VendorTotal{Vendor: name}
			vendors[name] = v
		}
		v.Count++

		if item.Detected.Amount != nil {
			currency := strings.ToUpper(item.Detected.Currency)
			if currency == "" {
				currency = "UNKNOWN"
			}
			out.TotalsByCurrency[currency] += *item.Detected.Amount
			v.Amount += *item.Detected.Amount
		}
	}
	out.AverageConfidence = confidence / float64(len(items))
	out.AutoQueuedRatio = float64(auto) / float64(len(items))

	for _, v := range vendors {
		out.TopVendors = append(out.TopVendors, *v)
	}
	sort.Slice(out.TopVendors, func(i, j int) bool {
		a, b := out.TopVendors[i], out.TopVendors[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		return a.Vendor < b.Vendor
	})
	if len(out.TopVendors) > topVendorCount {
		out.TopVendors = out.TopVendors[:topVendorCount]
	}
	return out
}
