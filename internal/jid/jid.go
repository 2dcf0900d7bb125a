// Package jid normalises free-form phone number input into the
// canonical chat addresses the chat-network expects.
package jid

import (
	"strings"

	"github.com/tenantwa/gateway/internal/apierr"
)

// Normalize maps a free-form phone number, or an already-addressed
// group/user id, to a canonical JID of the form "{digits}@c.us" (user)
// or leaves group/channel-style ids ("...@g.us", anything with "@")
// unchanged.
func Normalize(input string) (string, error) {
	if input == "" {
		return "", apierr.New(apierr.InvalidPayload, "Empty JID")
	}

	if strings.Contains(input, "@") {
		return input, nil
	}

	digits := stripNonDigits(input)

	switch {
	case strings.HasPrefix(digits, "62"):
		// already in international form
	case strings.HasPrefix(digits, "0"):
		digits = "62" + digits[1:]
	case strings.HasPrefix(digits, "8"):
		digits = "62" + digits
	default:
		return "", apierr.New(apierr.InvalidPayload, "Unsupported phone number format")
	}

	return digits + "@c.us", nil
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
