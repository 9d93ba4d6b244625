package util

import (
	"net/mail"
	"strings"
)

// SenderAddress returns the bare lowercase address of a From header value.
func SenderAddress(sender string) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(sender); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(sender, "<"); i >= 0 {
		sender = strings.TrimSuffix(sender[i+1:], ">")
	}
	return strings.ToLower(strings.TrimSpace(sender))
}

func SenderName(sender string) string {
	if addr, err := mail.ParseAddress(strings.TrimSpace(sender)); err == nil {
		return strings.TrimSpace(addr.Name)
	}
	if i := strings.Index(sender, "<"); i > 0 {
		return strings.Trim(strings.TrimSpace(sender[:i]), `"`)
	}
	return ""
}

func SenderDomain(sender string) string {
	addr := SenderAddress(sender)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return addr[at+1:]
}

func SenderLocalPart(sender string) string {
	addr := SenderAddress(sender)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return addr[:at]
}

// VendorFromDomain turns "mail.stripe.com" into "Stripe".
func VendorFromDomain(domain string) string {
	labels := strings.Split(strings.ToLower(strings.TrimSpace(domain)), ".")
	if len(labels) < 2 {
		return ""
	}
	name := labels[len(labels)-2]
	if len(labels) >= 3 && len(name) <= 3 && (name == "co" || name == "com") {
		name = labels[len(labels)-3]
	}
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// DomainMatches reports whether domain equals want or is a subdomain of it.
func DomainMatches(domain, want string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	want = strings.ToLower(strings.TrimSpace(want))
	if domain == "" || want == "" {
		return false
	}
	return domain == want || strings.HasSuffix(domain, "."+want)
}
