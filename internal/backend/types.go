package backend

import (
	"time"

	"apqueue/internal"
)

type ERPStatus struct {
	Connected   bool   `json:"connected"`
	ERP         string `json:"erp,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	LastSyncAt  string `json:"last_sync_at,omitempty"`
}

type AgingBucket struct {
	Label  string  `json:"label"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

type AgingSummary struct {
	Buckets  []AgingBucket `json:"buckets"`
	Total    float64       `json:"total"`
	Currency string        `json:"currency,omitempty"`
}

type PushResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RemoteItem is the backend's record for one queued email.
type RemoteItem struct {
	ID           string     `json:"id"`
	RemoteID     string     `json:"remote_id,omitempty"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	ErrorAt      *time.Time `json:"error_at,omitempty"`
}

// Stamps returns the audit timestamps the backend reported.
func (r RemoteItem) Stamps() map[internal.Status]time.Time {
	out := map[internal.Status]time.Time{}
	for status, at := range map[internal.Status]*time.Time{
		internal.StatusApproved: r.ApprovedAt,
		internal.StatusRejected: r.RejectedAt,
		internal.StatusPosted:   r.PostedAt,
		internal.StatusPaid:     r.PaidAt,
		internal.StatusError:    r.ErrorAt,
	} {
		if at != nil && !at.IsZero() {
			out[status] = *at
		}
	}
	return out
}

type pushPayload struct {
	OrganizationID string   `json:"organization_id"`
	UserEmail      string   `json:"user_email,omitempty"`
	EmailID        string   `json:"email_id"`
	ThreadID       string   `json:"thread_id,omitempty"`
	Subject        string   `json:"subject"`
	Sender         string   `json:"sender"`
	ReceivedAt     string   `json:"received_at,omitempty"`
	Vendor         string   `json:"vendor,omitempty"`
	Amount         *float64 `json:"amount,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	InvoiceNumber  string   `json:"invoice_number,omitempty"`
	DueDate        string   `json:"due_date,omitempty"`
	GLCode         string   `json:"gl_code,omitempty"`
	Confidence     float64  `json:"confidence"`
	Status         string   `json:"status"`
}

func newPushPayload(org, user string, item internal.CandidateItem) pushPayload {
	p := pushPayload{
		OrganizationID: org,
		UserEmail:      user,
		EmailID:        item.ID,
		ThreadID:       item.ThreadID,
		Subject:        item.Subject,
		Sender:         item.Sender,
		Vendor:         item.Detected.Vendor,
		Amount:         item.Detected.Amount,
		Currency:       item.Detected.Currency,
		InvoiceNumber:  item.Detected.InvoiceNumber,
		DueDate:        item.Detected.DueDate,
		GLCode:         item.Detected.GLCode,
		Confidence:     item.Confidence,
		Status:         string(item.Status),
	}
	if item.ReceivedAt != nil {
		p.ReceivedAt = item.ReceivedAt.UTC().Format(time.RFC3339)
	}
	return p
}
