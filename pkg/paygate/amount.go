package paygate

import (
	"fmt"
	"math/big"
)

// ParseAmount parses a non-negative base-unit integer amount string.
// Decimal points, signs, and non-digit characters are rejected: amounts
// on the wire are always whole base units.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid amount %q: not a base-unit integer", s)
		}
	}
	val, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return val, nil
}

// AmountAtLeast reports whether got covers want. Both are base-unit
// integer strings; malformed input counts as not covering.
func AmountAtLeast(got, want string) bool {
	g, err := ParseAmount(got)
	if err != nil {
		return false
	}
	w, err := ParseAmount(want)
	if err != nil {
		return false
	}
	return g.Cmp(w) >= 0
}
