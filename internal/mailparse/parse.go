package mailparse

import (
	"bytes"
	"fmt"
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"apqueue/internal"
	"apqueue/internal/triage"
	"apqueue/internal/util"
)

const maxAttachmentText = 64 * 1024

// Parse reads a raw RFC 822 message into a triage email. Fields known from
// the mailbox index (thread id, provider message id) take precedence over
// headers.
func Parse(raw []byte, row internal.MessageRow) (triage.Email, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return triage.Email{}, fmt.Errorf("read envelope: %w", err)
	}

	messageID := strings.TrimSpace(env.GetHeader("Message-ID"))
	email := triage.Email{
		ID:       util.FirstNonEmpty(row.MessageID, messageID),
		ThreadID: util.FirstNonEmpty(row.ThreadID, threadRoot(env), messageID, row.MessageID),
		Subject:  util.FirstNonEmpty(env.GetHeader("Subject"), row.Subject),
		Sender:   util.FirstNonEmpty(env.GetHeader("From"), row.Sender),
	}
	if at, ok := receivedAt(env.GetHeader("Date"), row.ReceivedAt); ok {
		email.ReceivedAt = &at
	}

	body := strings.TrimSpace(env.Text)
	if env.HTML != "" {
		text, rows := htmlToText(env.HTML)
		if body == "" {
			body = text
		} else if len(rows) > 0 {
			body += "\n" + strings.Join(rows, "\n")
		}
	}
	email.Body = body

	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, part := range parts {
		name := strings.TrimSpace(part.FileName)
		if name == "" {
			name = "attachment"
		}
		att := triage.Attachment{Name: name, ContentType: part.ContentType}
		if att.Kind() == triage.AttachmentImage && part.FileName == "" {
			continue
		}
		att.Text = attachmentText(att, part.Content)
		email.Attachments = append(email.Attachments, att)
	}

	return email, nil
}

func threadRoot(env *enmime.Envelope) string {
	if refs := strings.Fields(env.GetHeader("References")); len(refs) > 0 {
		return refs[0]
	}
	return strings.TrimSpace(env.GetHeader("In-Reply-To"))
}

func receivedAt(header, fallback string) (time.Time, bool) {
	if t, err := mail.ParseDate(strings.TrimSpace(header)); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(fallback)); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// htmlToText flattens an HTML body to lines and returns table rows as
// "cell | cell" lines separately.
func htmlToText(html string) (string, []string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", nil
	}
	doc.Find("script,style,head").Remove()

	rows := []string{}
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := []string{}
		row.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
			if text := util.NormalizeSpaces(cell.Text()); text != "" {
				cells = append(cells, text)
			}
		})
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, " | "))
		}
	})

	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("td,th").AppendHtml(" ")
	doc.Find("p,div,li,tr,table,h1,h2,h3,h4,h5,h6").AppendHtml("\n")

	lines := splitLines(doc.Text())
	for i := range lines {
		lines[i] = util.NormalizeSpaces(lines[i])
	}
	return strings.Join(lines, "\n"), rows
}

func attachmentText(att triage.Attachment, content []byte) string {
	var text string
	var err error
	switch att.Kind() {
	case triage.AttachmentPDF:
		text, err = pdfText(content)
	case triage.AttachmentSpreadsheet:
		if strings.EqualFold(filepath.Ext(att.Name), ".csv") || strings.Contains(strings.ToLower(att.ContentType), "csv") {
			text = string(content)
		} else {
			text, err = xlsxText(content)
		}
	default:
		if strings.HasPrefix(strings.ToLower(att.ContentType), "text/plain") {
			text = string(content)
		}
	}
	if err != nil {
		return ""
	}
	if len(text) > maxAttachmentText {
		text = text[:maxAttachmentText]
	}
	return text
}

func pdfText(content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		pageText, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		for _, line := range splitLines(pageText) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func xlsxText(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, c := range row {
				if c = util.NormalizeSpaces(c); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) > 0 {
				b.WriteString(strings.Join(cells, " | "))
				b.WriteByte('\n')
			}
		}
	}
	return b.String(), nil
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
