/**
 * @description
 * This package normalizes subscriber phone numbers into the MSISDN format the
 * mobile-money gateway requires: digits only, country code prefixed, no plus
 * sign. Normalization is pure and deterministic so callers can rely on the
 * same input always producing the same canonical number.
 */
package msisdn

import (
	"errors"
	"strings"
)

// DefaultCountryCode is the trunk country code applied when the caller does
// not supply one.
const DefaultCountryCode = "255"

var (
	// ErrRequired is returned when the input contains no phone number at all.
	ErrRequired = errors.New("phone number is required")
	// ErrLength is returned when the normalized digit string falls outside
	// the 11-15 digit range the gateway accepts.
	ErrLength = errors.New("invalid phone number length")
)

// Normalize converts a free-form phone string into canonical MSISDN form.
// All non-digit characters are stripped; a leading local trunk prefix ("0")
// is replaced by the country code; a number already carrying the country
// code is kept as-is; anything else gets the country code prepended.
func Normalize(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if strings.TrimSpace(raw) == "" {
		return "", ErrRequired
	}

	var b strings.Builder
	for _, ch := range raw {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return "", ErrRequired
	}

	var out string
	switch {
	case strings.HasPrefix(cleaned, countryCode):
		out = cleaned
	case strings.HasPrefix(cleaned, "0"):
		out = countryCode + cleaned[1:]
	default:
		out = countryCode + cleaned
	}

	if len(out) < 11 || len(out) > 15 {
		return "", ErrLength
	}
	return out, nil
}
