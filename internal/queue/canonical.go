package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"apqueue/internal"
	"apqueue/internal/util"
)

var ErrInvalidConfidence = errors.New("confidence must be within [0,1] or a percentage within [0,100]")

var (
	idKeys       = []string{"id", "email_id", "emailId", "thread_id", "threadId", "message_id", "messageId"}
	threadKeys   = []string{"thread_id", "threadId"}
	senderKeys   = []string{"sender", "from", "sender_email"}
	receivedKeys = []string{"receivedAt", "received_at", "date"}
)

// Canonicalize turns a loosely shaped item payload (UI request, backend
// record, JSON file) into a CandidateItem. Every fallback key is resolved here
// so downstream code only sees typed fields.
func Canonicalize(raw map[string]any) (internal.CandidateItem, error) {
	var item internal.CandidateItem

	item.ID = firstString(raw, idKeys...)
	if item.ID == "" {
		return internal.CandidateItem{}, ErrMissingID
	}
	item.ThreadID = firstString(raw, threadKeys...)
	item.Subject = firstString(raw, "subject")
	item.Sender = firstString(raw, senderKeys...)
	if at, ok := firstTime(raw, receivedKeys...); ok {
		item.ReceivedAt = &at
	}

	detected, _ := raw["detected"].(map[string]any)
	fields := internal.DetectedFields{
		Vendor: util.FirstNonEmpty(
			firstString(detected, "vendor"),
			firstString(raw, "vendor", "vendor_name", "vendorName"),
			util.SenderName(item.Sender),
			util.VendorFromDomain(util.SenderDomain(item.Sender)),
		),
		Currency:      strings.ToUpper(util.FirstNonEmpty(firstString(detected, "currency"), firstString(raw, "currency"))),
		InvoiceNumber: util.FirstNonEmpty(firstString(detected, "invoiceNumber", "invoice_number"), firstString(raw, "invoiceNumber", "invoice_number")),
		DueDate:       util.FirstNonEmpty(firstString(detected, "dueDate", "due_date"), firstString(raw, "dueDate", "due_date")),
		GLCode:        util.FirstNonEmpty(firstString(detected, "glCode", "gl_code"), firstString(raw, "glCode", "gl_code")),
	}

	amountValue, ok := lookup(detected, "amount")
	if !ok {
		amountValue, ok = lookup(raw, "amount")
	}
	if ok {
		amount, currency, found := toAmount(amountValue)
		if found {
			fields.Amount = &amount
			if fields.Currency == "" {
				fields.Currency = currency
			}
		}
	}
	item.Detected = fields

	if value, ok := lookup(raw, "confidence"); ok {
		c, err := toConfidence(value)
		if err != nil {
			return internal.CandidateItem{}, fmt.Errorf("item %s: %w", item.ID, err)
		}
		item.Confidence = c
	}

	item.Tier = internal.Tier(firstString(raw, "tier"))
	item.Source = internal.ItemSource(firstString(raw, "source"))
	if item.Source == "" {
		item.Source = internal.SourceManual
	}
	// Manually queued items always enter the workflow at pending; only
	// records coming from a scan or the backend carry their own status.
	item.Status = internal.Status(firstString(raw, "status"))
	if item.Source == internal.SourceManual || !item.Status.Valid() {
		item.Status = internal.StatusPending
	}
	item.RemoteID = firstString(raw, "remote_id", "remoteId")

	return item, nil
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			s = strconv.Itoa(t)
		case int64:
			s = strconv.FormatInt(t, 10)
		case fmt.Stringer:
			s = t.String()
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func firstTime(m map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case time.Time:
			if !v.IsZero() {
				return v.UTC(), true
			}
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC(), true
			}
			if t, err := mail.ParseDate(v); err == nil {
				return t.UTC(), true
			}
			if t, err := time.Parse("2006-01-02", v); err == nil {
				return t.UTC(), true
			}
		case float64:
			if v > 0 {
				return time.UnixMilli(int64(v)).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func toAmount(v any) (float64, string, bool) {
	switch t := v.(type) {
	case float64:
		return t, "", !math.IsNaN(t) && !math.IsInf(t, 0)
	case int:
		return float64(t), "", true
	case int64:
		return float64(t), "", true
	case json.Number:
		f, err := t.Float64()
		return f, "", err == nil
	case string:
		if parsed := util.ParseAmount(t); parsed.Found() {
			return *parsed.Amount, parsed.Currency, true
		}
		f, ok := util.ParseLooseAmount(t)
		return f, "", ok
	}
	return 0, "", false
}

func toConfidence(v any) (float64, error) {
	var c float64
	switch t := v.(type) {
	case float64:
		c = t
	case int:
		c = float64(t)
	case int64:
		c = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, ErrInvalidConfidence
		}
		c = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		if err != nil {
			return 0, ErrInvalidConfidence
		}
		c = f
	default:
		return 0, ErrInvalidConfidence
	}

	if math.IsNaN(c) || c < 0 || c > 100 {
		return 0, ErrInvalidConfidence
	}
	if c > 1 {
		c /= 100
	}
	return internal.ClampConfidence(c), nil
}
