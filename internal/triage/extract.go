package triage

import (
	"regexp"
	"strings"
	"time"

	"apqueue/internal"
	"apqueue/internal/util"
)

var (
	invoiceNumberPattern = regexp.MustCompile(`(?i)\b(?:invoice|inv|bill|statement)\s*(?:no\.?|number|num|nr|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9\-/]*\d[A-Z0-9\-/]*)`)
	totalLinePattern     = regexp.MustCompile(`(?i)\b(total|amount due|balance due|amount payable|grand total|please pay)\b`)
	dueDatePattern       = regexp.MustCompile(`(?i)\b(?:due(?:\s+date)?|payable by|pay by)\b\s*(?:on|by)?\s*[:\-]?\s*([A-Za-z0-9,/\-. ]{6,24})`)

	dateLayouts = []string{
		"2006-01-02",
		"01/02/2006",
		"1/2/2006",
		"01/02/06",
		"January 2, 2006",
		"January 2 2006",
		"Jan 2, 2006",
		"Jan 2 2006",
		"2 January 2006",
		"2 Jan 2006",
		"02 Jan 2006",
	}
)

// extractFields pulls vendor, amount, invoice number and due date from the
// email. The body wins over attachments; totals win over the first amount.
func extractFields(email Email, vendor internal.VendorConfig, known bool) internal.DetectedFields {
	fields := internal.DetectedFields{}

	if known {
		fields.Vendor = vendor.Name
		fields.GLCode = vendor.GLCode
	} else {
		fields.Vendor = util.FirstNonEmpty(cleanDisplayName(util.SenderName(email.Sender)), util.VendorFromDomain(util.SenderDomain(email.Sender)))
	}

	sources := []string{email.Body}
	for _, a := range email.Attachments {
		if strings.TrimSpace(a.Text) != "" {
			sources = append(sources, a.Text)
		}
	}

	for _, text := range sources {
		if amount := findAmount(text); amount.Found() {
			fields.Amount = amount.Amount
			fields.Currency = amount.Currency
			break
		}
	}

	fields.InvoiceNumber = findInvoiceNumber(email.Subject)
	for _, text := range sources {
		if fields.InvoiceNumber != "" {
			break
		}
		fields.InvoiceNumber = findInvoiceNumber(text)
	}

	for _, text := range sources {
		if due := findDueDate(text); due != "" {
			fields.DueDate = due
			break
		}
	}

	return fields
}

func findAmount(text string) util.ParsedAmount {
	for _, line := range strings.Split(text, "\n") {
		if totalLinePattern.MatchString(line) {
			if parsed := util.ParseAmount(line); parsed.Found() {
				return parsed
			}
		}
	}
	return util.ParseAmount(text)
}

func findInvoiceNumber(text string) string {
	m := invoiceNumberPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.Trim(m[1], "-/")
}

// findDueDate returns the due date as YYYY-MM-DD when it can be parsed, or
// the raw text otherwise.
func findDueDate(text string) string {
	m := dueDatePattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	candidate := strings.TrimSpace(m[1])
	for _, re := range datePatterns {
		if found := re.FindString(candidate); found != "" {
			if parsed, ok := parseDate(found); ok {
				return parsed.Format("2006-01-02")
			}
			return found
		}
	}
	return ""
}

func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(strings.ReplaceAll(value, ".", ""))
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// cleanDisplayName drops trailing department words: "Acme Billing" -> "Acme".
func cleanDisplayName(name string) string {
	fields := strings.Fields(strings.Trim(name, `"' `))
	for len(fields) > 1 {
		last := strings.ToLower(fields[len(fields)-1])
		if last != "billing" && last != "invoices" && last != "accounts" && last != "team" && last != "payments" {
			break
		}
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}
