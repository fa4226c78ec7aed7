package withdrawal

import (
	"strings"

	"github.com/predictlabs/exchange/internal/domain"
)

// maxFractionDigits is the precision of micro-units: amounts with more
// fractional digits cannot be represented exactly and are rejected rather
// than rounded.
const maxFractionDigits = 6

// ParseAmount converts a decimal string like "12.5" into integer micro-units
// using exact digit arithmetic. It rejects empty input, signs, more than six
// fractional digits, and anything that is not plain digits and at most one
// dot. No float ever touches the value.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "." {
		return 0, domain.ErrInvalidAmount
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return 0, domain.ErrInvalidAmount
		}
	}
	if len(frac) > maxFractionDigits {
		return 0, domain.ErrInvalidAmount
	}

	// Pad the fraction to exactly six digits so the concatenation is the
	// micro-unit value.
	frac += strings.Repeat("0", maxFractionDigits-len(frac))

	var n int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, domain.ErrInvalidAmount
		}
		d := int64(c - '0')
		if n > (1<<63-1-d)/10 {
			return 0, domain.ErrInvalidAmount
		}
		n = n*10 + d
	}
	if n == 0 {
		return 0, domain.ErrInvalidAmount
	}
	return n, nil
}
