package normalize

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// CanonicalCaseNumber reduces a case number to a stable key. Accents are
// folded, separators dropped and letters uppercased. A purely numeric
// number loses its leading zeros; if 14 to 20 digits remain it is
// zero-padded to 20 and rendered with the CNJ mask
// NNNNNNN-DD.AAAA.J.TR.OOOO. In any other key every digit run loses its
// leading zeros. Returns "" when nothing usable remains.
func CanonicalCaseNumber(raw string) string {
	var b strings.Builder
	digitsOnly := true
	for _, r := range Fold(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(unicode.ToUpper(r))
			digitsOnly = false
		}
	}
	s := b.String()
	if s == "" {
		return ""
	}
	s = trimDigitRuns(s)
	if !digitsOnly || len(s) < 14 || len(s) > 20 {
		return s
	}
	s = strings.Repeat("0", 20-len(s)) + s
	return s[0:7] + "-" + s[7:9] + "." + s[9:13] + "." + s[13:14] + "." + s[14:16] + "." + s[16:20]
}

// trimDigitRuns drops leading zeros from every run of digits in s. A run
// made only of zeros keeps a single "0".
func trimDigitRuns(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] < '0' || s[i] > '9' {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		run := strings.TrimLeft(s[i:j], "0")
		if run == "" {
			run = "0"
		}
		b.WriteString(run)
		i = j
	}
	return b.String()
}

// cnjSegment returns the "J.TR" part of a canonical CNJ number, or "".
func cnjSegment(canonical string) string {
	if len(canonical) != 25 || canonical[7] != '-' {
		return ""
	}
	// NNNNNNN-DD.AAAA.J.TR.OOOO
	return canonical[16:20]
}

// ParseAmount parses a money string into minor units (centavos). Both
// Brazilian ("R$ 15.000,50") and plain ("15000.50") formats are accepted.
// ok is false for empty, unparseable or negative input.
func ParseAmount(s string) (minor int64, ok bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "R$"), "r$")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, false
	}

	switch {
	case strings.Contains(s, ","):
		// 15.000,50
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ".") > 1:
		// 1.500.000
		s = strings.ReplaceAll(s, ".", "")
	case strings.Count(s, ".") == 1 && len(s)-strings.Index(s, ".")-1 == 3:
		// 15.000 is a thousands separator, not 15 and a fraction
		s = strings.ReplaceAll(s, ".", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return 0, false
	}
	return d.Shift(2).Round(0).IntPart(), true
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	time.RFC3339,
	"20060102150405",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseDate parses a filing date in any of the formats the sources emit.
// The result is truncated to the calendar day in UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
