package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// countryCode is prefixed onto local numbers during normalization.
const countryCode = "972"

var (
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrNoEligibleSession: a bulk send needs at least one Ready session
	// carrying the bulk-sender role.
	ErrNoEligibleSession = errors.New("no eligible session")
)

// NormalizePhone canonicalizes a raw phone string into international digits:
//
//	"050-123-4567" -> "972501234567"
//	"972501234567" -> "972501234567"
//	"501234567"    -> "972501234567"   (bare 9-digit local number)
//
// Fewer than 9 digits is invalid. The function is idempotent: feeding the
// result back returns it unchanged.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	phone := b.String()
	if phone == "" {
		return "", fmt.Errorf("%w: %q has no digits", ErrInvalidPhone, raw)
	}

	switch {
	case strings.HasPrefix(phone, "0"):
		phone = countryCode + phone[1:]
	case strings.HasPrefix(phone, countryCode):
		// already international
	case len(phone) == 9:
		phone = countryCode + phone
	case len(phone) < 9:
		return "", fmt.Errorf("%w: %q is too short", ErrInvalidPhone, raw)
	}
	return phone, nil
}

// PhoneOf finds the recipient's phone field: the first key whose normalized
// name contains "phone".
func PhoneOf(row Recipient) (string, bool) {
	for k, v := range row {
		if strings.Contains(normalizeKey(k), "phone") {
			return v, true
		}
	}
	return "", false
}
