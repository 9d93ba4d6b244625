package triage

import (
	"path/filepath"
	"strings"
	"time"
)

type AttachmentKind string

const (
	AttachmentPDF         AttachmentKind = "pdf"
	AttachmentSpreadsheet AttachmentKind = "spreadsheet"
	AttachmentImage       AttachmentKind = "image"
	AttachmentOther       AttachmentKind = "other"
)

type Attachment struct {
	Name        string
	ContentType string
	// Text is the extracted text content, when the format supports it.
	Text string
}

func (a Attachment) Kind() AttachmentKind {
	ext := strings.ToLower(filepath.Ext(a.Name))
	ct := strings.ToLower(a.ContentType)
	switch {
	case ext == ".pdf" || ct == "application/pdf":
		return AttachmentPDF
	case ext == ".xlsx" || ext == ".xls" || ext == ".csv" ||
		strings.Contains(ct, "spreadsheet") || strings.Contains(ct, "ms-excel") || ct == "text/csv":
		return AttachmentSpreadsheet
	case ext == ".png" || ext == ".jpg" || ext == ".jpeg" || ext == ".heic" || ext == ".tiff" || strings.HasPrefix(ct, "image/"):
		return AttachmentImage
	default:
		return AttachmentOther
	}
}

// Email is the normalized input of classification.
type Email struct {
	ID          string
	ThreadID    string
	Subject     string
	Sender      string
	ReceivedAt  *time.Time
	Body        string
	Attachments []Attachment
}

// ItemID is the queue identity of the email: the thread when known.
func (e Email) ItemID() string {
	if id := strings.TrimSpace(e.ThreadID); id != "" {
		return id
	}
	return strings.TrimSpace(e.ID)
}
