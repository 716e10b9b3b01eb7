package util

import (
	"fmt"
	"regexp"
	"strings"
)

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// DefaultCountryCode is prepended to ten-digit national numbers.
const DefaultCountryCode = "1"

// NormalizePhoneNumber canonicalizes a phone number to E.164 ("+15551234567").
// Channel prefixes such as "sms:" or "whatsapp:" are stripped. Ten-digit numbers
// are assumed to be NANP and get DefaultCountryCode.
func NormalizePhoneNumber(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	digits := nonDigitRegex.ReplaceAllString(s, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", raw)
	}
	if len(digits) == 10 && !strings.HasPrefix(strings.TrimSpace(s), "+") {
		digits = DefaultCountryCode + digits
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	if len(digits) > 15 {
		return "", fmt.Errorf("invalid phone number: %q is too long (maximum 15 digits)", digits)
	}
	return "+" + digits, nil
}

// MaskPhoneNumber hides all but the last four digits, for logs.
func MaskPhoneNumber(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
