package scanning

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxChars bounds the text handed to the model
	DefaultMaxChars = 12000

	maxImportantLines = 220
	minImportantChars = 200
)

// DefaultKeywords are the terms that mark a line of OCR output as worth keeping
var DefaultKeywords = []string{
	"invoice",
	"factuur",
	"vat",
	"btw",
	"tax",
	"total",
	"subtotal",
	"amount due",
	"balance due",
	"due date",
	"invoice date",
	"iban",
	"kvk",
	"chamber",
	"reference",
}

// Triage condenses raw OCR output into a bounded, keyword-dense prompt fragment
type Triage struct {
	pattern *regexp.Regexp
}

// NewTriage creates a Triage matching any of keywords case-insensitively.
// An empty list falls back to DefaultKeywords.
func NewTriage(keywords []string) *Triage {
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(k))
	}
	if len(quoted) == 0 {
		for _, k := range DefaultKeywords {
			quoted = append(quoted, regexp.QuoteMeta(k))
		}
	}

	return &Triage{
		pattern: regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`),
	}
}

// Condense keeps the first lines mentioning an invoice keyword when they carry
// enough text, and otherwise falls back to the raw text truncated to maxChars.
// The result never exceeds maxChars runes.
func (t *Triage) Condense(raw string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	var important []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if t.pattern.MatchString(line) {
			important = append(important, line)
			if len(important) == maxImportantLines {
				break
			}
		}
	}

	joined := strings.TrimSpace(strings.Join(important, "\n"))
	if utf8.RuneCountInString(joined) > minImportantChars {
		return truncateRunes(joined, maxChars)
	}
	return truncateRunes(raw, maxChars)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
