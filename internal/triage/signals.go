package triage

import (
	"regexp"
	"strings"

	"apqueue/internal/util"
)

const (
	subjectStrongWeight = 30
	subjectWeakWeight   = 15
	subjectCap          = 30
	knownVendorWeight   = 25
	billingSenderWeight = 10
	pdfWeight           = 25
	spreadsheetWeight   = 15
	imageWeight         = 10
	attachmentCap       = 25
	amountWeight        = 20
	dateWeight          = 10
	maxScore            = 100
)

var (
	strongSubjectTerms = []string{"invoice", "bill", "payment due", "amount due", "statement", "past due"}
	weakSubjectTerms   = []string{"receipt", "payment", "order", "remittance", "purchase order", "po", "subscription", "renewal"}
	billingLocalParts  = []string{"billing", "invoice", "invoices", "accounts", "ap", "ar", "receivables", "payables", "finance"}

	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
		regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}\b`),
		regexp.MustCompile(`(?i)\b\d{1,2}\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{4}\b`),
	}
	dueTermPattern = regexp.MustCompile(`(?i)\b(due (date|on|by)|net\s?\d{1,3}|payment terms)\b`)
	wordPattern    = regexp.MustCompile(`[a-z]+`)
)

type Signal struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Detail string `json:"detail,omitempty"`
}

func subjectSignal(subject string) Signal {
	lower := strings.ToLower(subject)
	words := map[string]struct{}{}
	for _, w := range wordPattern.FindAllString(lower, -1) {
		words[w] = struct{}{}
	}

	score := 0
	var hits []string
	for _, term := range strongSubjectTerms {
		if containsTerm(lower, words, term) {
			score += subjectStrongWeight
			hits = append(hits, term)
		}
	}
	for _, term := range weakSubjectTerms {
		if containsTerm(lower, words, term) {
			score += subjectWeakWeight
			hits = append(hits, term)
		}
	}
	return Signal{Name: "subject_keyword", Weight: min(score, subjectCap), Detail: strings.Join(hits, ",")}
}

// containsTerm matches single words on word boundaries ("po" must not match
// "report") and phrases by substring.
func containsTerm(lower string, words map[string]struct{}, term string) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(lower, term)
	}
	if _, ok := words[term]; ok {
		return true
	}
	_, plural := words[term+"s"]
	return plural
}

func senderSignal(sender string, vendors *VendorDirectory) (Signal, string) {
	if vendors != nil {
		if v, ok := vendors.Lookup(sender); ok {
			return Signal{Name: "known_vendor", Weight: knownVendorWeight, Detail: v.Name}, v.Name
		}
	}
	local := util.SenderLocalPart(sender)
	for _, part := range billingLocalParts {
		if local == part || strings.HasPrefix(local, part+"-") || strings.HasPrefix(local, part+".") || strings.HasPrefix(local, part+"+") {
			return Signal{Name: "billing_sender", Weight: billingSenderWeight, Detail: local}, ""
		}
	}
	return Signal{Name: "sender", Weight: 0}, ""
}

func attachmentSignal(attachments []Attachment) Signal {
	best := 0
	detail := ""
	for _, a := range attachments {
		w := 0
		switch a.Kind() {
		case AttachmentPDF:
			w = pdfWeight
		case AttachmentSpreadsheet:
			w = spreadsheetWeight
		case AttachmentImage:
			w = imageWeight
		}
		if w > best {
			best, detail = w, a.Name
		}
	}
	return Signal{Name: "attachment", Weight: min(best, attachmentCap), Detail: detail}
}

func amountSignal(body string) Signal {
	parsed := util.ParseAmount(body)
	if !parsed.Found() {
		return Signal{Name: "amount", Weight: 0}
	}
	return Signal{Name: "amount", Weight: amountWeight, Detail: parsed.Raw}
}

func dateSignal(body string) Signal {
	for _, re := range datePatterns {
		if m := re.FindString(body); m != "" {
			return Signal{Name: "date", Weight: dateWeight, Detail: m}
		}
	}
	if m := dueTermPattern.FindString(body); m != "" {
		return Signal{Name: "date", Weight: dateWeight, Detail: m}
	}
	return Signal{Name: "date", Weight: 0}
}
