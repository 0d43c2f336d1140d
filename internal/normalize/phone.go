// Package normalize provides the canonical forms shared by the matching
// engine and every search path that compares raw acquisition fields. The
// functions are total: malformed input yields an empty result, never an
// error.
package normalize

import "strings"

// nationalPhoneLen is the length of a Peruvian mobile number without the
// country code.
const nationalPhoneLen = 9

const countryCode = "51"

// Phone reduces a raw phone string to two canonical forms: loose is the
// right-most nationalPhoneLen digits (country and trunk prefixes dropped)
// used for roster lookups, and full is the complete digit string with the
// country code prefixed, used for exact comparison. Both are empty when the
// input has fewer digits than a national number.
func Phone(raw string) (loose, full string) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) < nationalPhoneLen {
		return "", ""
	}

	loose = digits[len(digits)-nationalPhoneLen:]

	switch {
	case len(digits) == nationalPhoneLen:
		full = countryCode + digits
	case strings.HasPrefix(digits, countryCode) && len(digits) == len(countryCode)+nationalPhoneLen:
		full = digits
	default:
		// Unknown prefix (international trunk, legacy area code). Keep the
		// canonical form anchored on the national part.
		full = countryCode + loose
	}
	return loose, full
}
