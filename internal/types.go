package internal

import (
	"math"
	"strings"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusNeedsReview Status = "needs_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusPosted      Status = "posted"
	StatusPaid        Status = "paid"
	StatusError       Status = "error"
)

var AllStatuses = []Status{
	StatusPending, StatusNeedsReview, StatusApproved, StatusRejected,
	StatusPosted, StatusPaid, StatusError,
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type Tier string

const (
	TierHigh    Tier = "high"
	TierMedium  Tier = "medium"
	TierLow     Tier = "low"
	TierDiscard Tier = "discard"
)

type ItemSource string

const (
	SourceScan   ItemSource = "scan"
	SourceManual ItemSource = "manual"
	SourceRemote ItemSource = "remote"
)

// DetectedFields is the canonical shape of everything extracted from an email.
// A nil Amount and empty strings mean "not detected yet".
type DetectedFields struct {
	Vendor        string   `json:"vendor,omitempty"`
	Amount        *float64 `json:"amount,omitempty"`
	Currency      string   `json:"currency,omitempty"`
	InvoiceNumber string   `json:"invoiceNumber,omitempty"`
	DueDate       string   `json:"dueDate,omitempty"`
	GLCode        string   `json:"glCode,omitempty"`
}

// MergeMissing fills the empty fields of d from other. Populated fields are
// never replaced.
func (d DetectedFields) MergeMissing(other DetectedFields) DetectedFields {
	out := d
	if strings.TrimSpace(out.Vendor) == "" {
		out.Vendor = other.Vendor
	}
	if out.Amount == nil && other.Amount != nil {
		v := *other.Amount
		out.Amount = &v
	}
	if out.Currency == "" {
		out.Currency = other.Currency
	}
	if out.InvoiceNumber == "" {
		out.InvoiceNumber = other.InvoiceNumber
	}
	if out.DueDate == "" {
		out.DueDate = other.DueDate
	}
	if out.GLCode == "" {
		out.GLCode = other.GLCode
	}
	return out
}

// Override replaces fields of d with the populated fields of other.
func (d DetectedFields) Override(other DetectedFields) DetectedFields {
	return other.MergeMissing(d)
}

func (d DetectedFields) IsEmpty() bool {
	return d == DetectedFields{}
}

type CandidateItem struct {
	ID         string     `json:"id"`
	ThreadID   string     `json:"threadId,omitempty"`
	Subject    string     `json:"subject"`
	Sender     string     `json:"sender"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
	Source     ItemSource `json:"source,omitempty"`

	Detected   DetectedFields `json:"detected"`
	Confidence float64        `json:"confidence"`
	Tier       Tier           `json:"tier,omitempty"`
	Status     Status         `json:"status"`

	IsDuplicate      bool   `json:"isDuplicate,omitempty"`
	DuplicateWarning string `json:"duplicateWarning,omitempty"`

	ErrorMessage string     `json:"errorMessage,omitempty"`
	RemoteID     string     `json:"remoteId,omitempty"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`

	DetectedAt *time.Time `json:"detectedAt,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
	PostedAt   *time.Time `json:"postedAt,omitempty"`
	PaidAt     *time.Time `json:"paidAt,omitempty"`
	ErrorAt    *time.Time `json:"errorAt,omitempty"`
}

// Clone returns a deep copy so snapshots never alias store state.
func (c CandidateItem) Clone() CandidateItem {
	out := c
	if c.Detected.Amount != nil {
		v := *c.Detected.Amount
		out.Detected.Amount = &v
	}
	out.ReceivedAt = cloneTime(c.ReceivedAt)
	out.SyncedAt = cloneTime(c.SyncedAt)
	out.DetectedAt = cloneTime(c.DetectedAt)
	out.ApprovedAt = cloneTime(c.ApprovedAt)
	out.RejectedAt = cloneTime(c.RejectedAt)
	out.PostedAt = cloneTime(c.PostedAt)
	out.PaidAt = cloneTime(c.PaidAt)
	out.ErrorAt = cloneTime(c.ErrorAt)
	return out
}

// StampFor returns a pointer to the audit timestamp slot for status, or nil
// when the status has no audit timestamp.
func (c *CandidateItem) StampFor(status Status) **time.Time {
	switch status {
	case StatusApproved:
		return &c.ApprovedAt
	case StatusRejected:
		return &c.RejectedAt
	case StatusPosted:
		return &c.PostedAt
	case StatusPaid:
		return &c.PaidAt
	case StatusError:
		return &c.ErrorAt
	default:
		return nil
	}
}

type ActivityEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ItemID    string    `json:"itemId,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type VendorConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Domains []string `json:"domains" yaml:"domains"`
	GLCode  string   `json:"glCode,omitempty" yaml:"gl_code"`
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	ThreadID   string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}

type MessageRow struct {
	ID         int
	Provider   string
	MessageID  string
	ThreadID   string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
}

// ClampConfidence forces c into [0,1]. NaN becomes 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
