package aggregator

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vietddude/guardian/internal/core/domain"
)

// Terms match whole words only, so "auth" does not hit "author" or "oauth".
var (
	criticalTerms = []string{
		"unauthorized", "unauthenticated", "not authorized", "forbidden", "permission",
		"auth", "authentication", "access denied",
	}
	highTerms = []string{
		"network", "timeout", "timeouts", "timed out", "deadline exceeded",
		"connection", "unreachable",
	}
	mediumTerms = []string{
		"typeerror", "type error", "referenceerror", "reference error", "syntaxerror", "syntax error",
		"nil pointer", "nil map", "index out of range", "interface conversion",
	}
)

// ClassifySeverity ranks a failure from its message and HTTP status.
// status is 0 when the failure carries none.
func ClassifySeverity(message string, status int) domain.Severity {
	s := strings.ToLower(message)

	if status == 401 || status == 403 || containsAny(s, criticalTerms) {
		return domain.SeverityCritical
	}
	if status >= 500 || containsAny(s, highTerms) {
		return domain.SeverityHigh
	}
	if containsAny(s, mediumTerms) {
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if containsWord(s, t) {
			return true
		}
	}
	return false
}

// containsWord reports whether term occurs in s with no letter or digit
// directly before or after it.
func containsWord(s, term string) bool {
	for offset := 0; offset < len(s); {
		i := strings.Index(s[offset:], term)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(term)

		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return true
		}
		offset = start + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
