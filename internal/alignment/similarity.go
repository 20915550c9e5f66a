package alignment

import "github.com/antzucaro/matchr"

// similarity scores a substitution with Jaro-Winkler on the normalized forms.
func similarity(expected, spoken string) float64 {
	return matchr.JaroWinkler(expected, spoken, false)
}

// soundsAlike reports whether the two words share a Double Metaphone code.
// Words without consonants produce empty codes and never match.
func soundsAlike(expected, spoken string) bool {
	ep, es := matchr.DoubleMetaphone(expected)
	sp, ss := matchr.DoubleMetaphone(spoken)
	for _, a := range []string{ep, es} {
		if a == "" {
			continue
		}
		if a == sp || a == ss {
			return true
		}
	}
	return false
}
