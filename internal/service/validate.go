package service

import (
	"regexp"
	"strings"

	"github.com/bolagsdata/registryd/internal/apperr"
)

const (
	minQueryLen = 1
	maxQueryLen = 200
	maxLimit    = 100
)

var (
	orgnrPattern = regexp.MustCompile(`^\d{10}$`)

	// Control-injection signatures rejected before any text reaches the
	// bulk index. The index query is parameterized; this is defense at
	// the contract boundary, not the only line.
	sqlMetaPattern    = regexp.MustCompile(`(?:--|/\*|\*/|;|'|"|\x00)`)
	scriptPattern     = regexp.MustCompile(`(?i)(?:<\s*script|javascript\s*:|on\w+\s*=)`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// validateOrgNr requires exactly ten decimal digits.
func validateOrgNr(orgnr string) error {
	if !orgnrPattern.MatchString(orgnr) {
		return apperr.Newf(apperr.KindValidation, nil,
			"identifier must be exactly ten digits, got %q", orgnr)
	}
	return nil
}

// sanitizeQuery trims, collapses whitespace, bounds the length, and
// rejects injection signatures.
func sanitizeQuery(text string) (string, error) {
	cleaned := strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
	if len(cleaned) < minQueryLen || len(cleaned) > maxQueryLen {
		return "", apperr.Newf(apperr.KindValidation, nil,
			"query length must be between %d and %d characters", minQueryLen, maxQueryLen)
	}
	if sqlMetaPattern.MatchString(cleaned) || scriptPattern.MatchString(cleaned) {
		return "", apperr.New(apperr.KindValidation,
			"query contains disallowed characters", nil)
	}
	return cleaned, nil
}

// validateLimit bounds the search result size.
func validateLimit(limit int) error {
	if limit < 1 || limit > maxLimit {
		return apperr.Newf(apperr.KindValidation, nil,
			"limit must be between 1 and %d, got %d", maxLimit, limit)
	}
	return nil
}
