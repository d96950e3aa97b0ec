package suggest

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the comparison key for an NPC name: NFC-normalised,
// Unicode case-folded, trimmed, with every run of Unicode white space
// (including no-break space) collapsed to a single ASCII space. Accented and
// non-Latin letters are kept as they are.
func NormalizeName(s string) string {
	if s == "" {
		return ""
	}
	// cases.Caser is stateful and must not be shared between goroutines.
	folded := cases.Fold().String(norm.NFC.String(s))
	return strings.Join(strings.Fields(norm.NFC.String(folded)), " ")
}
