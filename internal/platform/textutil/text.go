package textutil

import (
	"fmt"
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/unicode/norm"
)

const (
	// MaxNotesLength caps free-text order notes after sanitisation.
	MaxNotesLength = 1000
	// MaxNameLength caps contact names.
	MaxNameLength = 120
)

var (
	notesPolicy  = bluemonday.StrictPolicy()
	moneyPrinter = message.NewPrinter(language.MustParse("es-AR"))
)

// SanitizeNotes strips markup from customer supplied notes, normalises to NFC and truncates
// to MaxNotesLength runes.
func SanitizeNotes(value string) string {
	cleaned := html.UnescapeString(notesPolicy.Sanitize(value))
	cleaned = strings.TrimSpace(norm.NFC.String(cleaned))
	return truncateRunes(cleaned, MaxNotesLength)
}

// NormalizeName trims, collapses inner whitespace, drops control characters and applies NFC
// so visually identical names compare equal.
func NormalizeName(value string) string {
	fields := strings.FieldsFunc(norm.NFC.String(value), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
	return truncateRunes(strings.Join(fields, " "), MaxNameLength)
}

// NormalizePhone keeps digits and a leading plus sign.
func NormalizePhone(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return strings.TrimSpace(string(runes[:limit]))
}

// FormatMoney renders an amount in minor units (centavos) as pesos with es-AR grouping,
// e.g. 123456789 -> "$1.234.567,89".
func FormatMoney(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s$%s,%02d", sign, moneyPrinter.Sprintf("%d", minor/100), minor%100)
}
