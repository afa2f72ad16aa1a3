package adapter

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParsePrice parses a venue's decimal string exactly before converting to
// float64, rejecting empty and non-numeric values instead of silently
// producing zeros.
func ParsePrice(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty numeric field")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}
