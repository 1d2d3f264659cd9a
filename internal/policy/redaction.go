package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]+`)
	keyPattern    = regexp.MustCompile(`\b(?:sk|ek|rk)-[A-Za-z0-9_\-]{8,}|\bek_[A-Za-z0-9]{8,}`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactSecret masks bearer headers and API or ephemeral keys.
func RedactSecret(input string) string {
	out := bearerPattern.ReplaceAllString(input, "Bearer [REDACTED]")
	return keyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
}

// MaskToken keeps only a short prefix of a credential for correlation in logs.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}

// ForLog applies every redaction used for free text headed to the logs.
func ForLog(input string) string {
	out, _ := RedactPII(RedactSecret(input))
	return out
}
