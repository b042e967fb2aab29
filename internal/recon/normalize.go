package recon

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes maps long company-form phrases onto the abbreviation
// tokens bank statements tend to carry. Applied after deaccenting and
// punctuation stripping, longest phrase first.
var legalSuffixes = []struct{ long, short string }{
	{"SPOLKA Z OGRANICZONA ODPOWIEDZIALNOSCIA SPOLKA KOMANDYTOWA", "SP Z O O SP K"},
	{"SPOLKA Z OGRANICZONA ODPOWIEDZIALNOSCIA", "SP Z O O"},
	{"SPOLKA KOMANDYTOWA", "SP K"},
	{"SPOLKA AKCYJNA", "S A"},
	{"SPOLKA JAWNA", "SP J"},
	{"SPOLKA CYWILNA", "S C"},
	{"SP Z OO", "SP Z O O"},
	{"SPZOO", "SP Z O O"},
	{"SA", "S A"},
}

// deaccent strips combining marks after NFD decomposition. Ł does not
// decompose, so it is replaced up front.
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var barredL = strings.NewReplacer("Ł", "L", "ł", "l")

// NormalizeText uppercases, strips Polish diacritics and punctuation,
// collapses whitespace and shortens legal-entity suffixes. Both statement
// text and ledger buyer names go through it so similarity compares like
// with like.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}

	s = barredL.Replace(s)
	if out, _, err := transform.String(deaccent, s); err == nil {
		s = out
	}
	s = strings.ToUpper(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '/' || r == '-':
			// Number separators survive so invoice patterns keep shape.
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	s = strings.Join(strings.Fields(b.String()), " ")

	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(s, " "+suffix.long) {
			s = strings.TrimSuffix(s, suffix.long) + suffix.short
			break
		}
		if s == suffix.long {
			s = suffix.short
			break
		}
	}
	return s
}

// digitsOf keeps only the digits of a string, for digits-only pattern
// matching.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
