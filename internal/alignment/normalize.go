package alignment

import (
	"strings"
	"unicode"

	"reading-assessment/internal/models"
)

// Normalize lowercases a token and strips everything that is not a letter or
// a digit, so "Fox," and "fox" compare equal.
func Normalize(word string) string {
	var b strings.Builder
	b.Grow(len(word))
	for _, r := range word {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Tokenize splits reference text on whitespace and normalizes every token.
// Tokens that normalize to nothing (a lone dash, an ellipsis) are dropped
// and do not consume an index.
func Tokenize(text string) []models.ExpectedWord {
	fields := strings.Fields(text)
	out := make([]models.ExpectedWord, 0, len(fields))
	for _, f := range fields {
		n := Normalize(f)
		if n == "" {
			continue
		}
		out = append(out, models.ExpectedWord{Text: n, Index: len(out)})
	}
	return out
}

// SpokenFromText builds untimed spoken words from a plain transcript.
func SpokenFromText(text string) []models.SpokenWord {
	fields := strings.Fields(text)
	out := make([]models.SpokenWord, 0, len(fields))
	for _, f := range fields {
		if n := Normalize(f); n != "" {
			out = append(out, models.SpokenWord{Text: n})
		}
	}
	return out
}
