package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// stripMarks removes combining marks after NFD decomposition, turning
// "Peña" into "Pena".
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Name standardizes a personal name for matching by:
//  1. Removing diacritics
//  2. Converting to uppercase
//  3. Dropping punctuation
//  4. Collapsing whitespace
func Name(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return ""
	}

	if stripped, _, err := transform.String(stripMarks, name); err == nil {
		name = stripped
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	name = multiSpaceRe.ReplaceAllString(b.String(), " ")

	return strings.TrimSpace(name)
}

// NameTokens splits a normalized name into tokens longer than two runes,
// the unit used for partial name matching.
func NameTokens(normalized string) []string {
	fields := strings.Fields(normalized)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
