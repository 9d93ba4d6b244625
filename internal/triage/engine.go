package triage

import (
	"apqueue/internal"
)

// Thresholds are the lower confidence bounds of each queued tier.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

var DefaultThresholds = Thresholds{High: 0.95, Medium: 0.70, Low: 0.50}

// WithHigh moves the auto-queue bound. Values outside (Medium, 1] are ignored.
func (t Thresholds) WithHigh(high float64) Thresholds {
	if high > t.Medium && high <= 1 {
		t.High = high
	}
	return t
}

func (t Thresholds) Tier(confidence float64) internal.Tier {
	switch {
	case confidence >= t.High:
		return internal.TierHigh
	case confidence >= t.Medium:
		return internal.TierMedium
	case confidence >= t.Low:
		return internal.TierLow
	default:
		return internal.TierDiscard
	}
}

func TierFor(confidence float64) internal.Tier {
	return DefaultThresholds.Tier(confidence)
}

// StatusFor returns the initial queue status for a tier; false means the
// email is not queued.
func StatusFor(tier internal.Tier) (internal.Status, bool) {
	switch tier {
	case internal.TierHigh:
		return internal.StatusPending, true
	case internal.TierMedium, internal.TierLow:
		return internal.StatusNeedsReview, true
	default:
		return "", false
	}
}

type Result struct {
	Score      int                     `json:"score"`
	Confidence float64                 `json:"confidence"`
	Tier       internal.Tier           `json:"tier"`
	Detected   internal.DetectedFields `json:"detected"`
	Signals    []Signal                `json:"signals"`
}

type Engine struct {
	vendors    *VendorDirectory
	thresholds Thresholds
}

func NewEngine(vendors *VendorDirectory) *Engine {
	if vendors == nil {
		vendors = DefaultVendorDirectory()
	}
	return &Engine{vendors: vendors, thresholds: DefaultThresholds}
}

func (e *Engine) Vendors() *VendorDirectory {
	return e.vendors
}

// Classify is a pure function of the email and the vendor directory.
func (e *Engine) Classify(email Email) Result {
	return e.ClassifyWith(email, e.thresholds)
}

func (e *Engine) ClassifyWith(email Email, thresholds Thresholds) Result {
	sender, vendorName := senderSignal(email.Sender, e.vendors)
	signals := []Signal{
		subjectSignal(email.Subject),
		sender,
		attachmentSignal(email.Attachments),
		amountSignal(email.Body),
		dateSignal(email.Body),
	}

	score := 0
	for _, s := range signals {
		score += s.Weight
	}
	score = max(0, min(score, maxScore))
	confidence := float64(score) / maxScore

	vendor, known := internal.VendorConfig{}, false
	if vendorName != "" {
		vendor, known = e.vendors.LookupName(vendorName)
	}

	return Result{
		Score:      score,
		Confidence: confidence,
		Tier:       thresholds.Tier(confidence),
		Detected:   extractFields(email, vendor, known),
		Signals:    signals,
	}
}
