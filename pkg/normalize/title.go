// Package normalize holds the canonical title normalization used for all
// title-based matching. The deduplicator, the identity resolver and the
// import phase all key on this function; any external producer writing into
// the ledger is expected to apply the same rules, otherwise the
// one-open-task-per-title guarantee breaks.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://\S+|\bwww\.\S+`)

// stripMarks decomposes compatibility forms (width variants, ligatures),
// drops combining marks (diacritics, variation selectors) and format
// characters (ZWSP, ZWNJ, ZWJ, BOM, soft hyphen), then recomposes.
var stripMarks = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	runes.Remove(runes.In(unicode.Cf)),
	norm.NFC,
)

// Title reduces a task title to its canonical matching form: case-folded,
// diacritic- and width-insensitive, URL-free, with every non-alphanumeric
// run collapsed to a single space.
func Title(title string) string {
	s := urlPattern.ReplaceAllString(title, " ")

	folded, _, err := transform.String(stripMarks, s)
	if err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		} else {
			pendingSpace = true
		}
	}
	return b.String()
}

// Equal reports whether two titles match under canonical normalization.
func Equal(a, b string) bool {
	return Title(a) == Title(b)
}
