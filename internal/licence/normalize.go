// Package licence normalizes RBQ licence numbers and verifies them through the
// external scraper.
package licence

import (
	"strings"

	"github.com/qemplois/marketplace-server/internal/apperrors"
)

// ErrFormatInvalid is returned for anything that is not 8 or 10 digits once
// separators are stripped.
var ErrFormatInvalid = apperrors.New(apperrors.FormatInvalid, "licence must be 1234-5678 or 1234-5678-91")

// Normalize strips non-digits and formats the result as NNNN-NNNN or
// NNNN-NNNN-NN.
func Normalize(raw string) (string, error) {
	d := digits(raw)
	switch len(d) {
	case 8:
		return d[:4] + "-" + d[4:], nil
	case 10:
		return d[:4] + "-" + d[4:8] + "-" + d[8:], nil
	default:
		return "", ErrFormatInvalid
	}
}

// Prefix returns the first four digits of raw, or "" if there are fewer.
// Nothing longer is ever recorded.
func Prefix(raw string) string {
	d := digits(raw)
	if len(d) < 4 {
		return ""
	}
	return d[:4]
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
