package normalize

import (
	"strings"
	"unicode"
)

// Document standardizes a government license or document number for exact
// comparison: uppercase with punctuation and whitespace stripped.
func Document(raw string) string {
	return stripToAlnum(raw)
}

// Plate standardizes a vehicle plate the same way as Document.
func Plate(raw string) string {
	return stripToAlnum(raw)
}

func stripToAlnum(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
