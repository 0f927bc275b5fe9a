package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	keyPattern   = regexp.MustCompile(`(?i)\b(key|access_key|token|password)(["'=: ]+)[^\s"',}]+`)
)

// RedactForLog masks credentials and common PII in text bound for logs.
// Error strings can carry message bodies and access keys.
func RedactForLog(input string) (redacted string, changed bool) {
	out := input

	next := keyPattern.ReplaceAllString(out, "${1}${2}[REDACTED]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first, or the phone pattern claims them.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// MaskEmail keeps the first character and the domain of an address.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "[REDACTED_EMAIL]"
	}
	return email[:1] + "***" + email[at:]
}
