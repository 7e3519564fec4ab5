package store

import (
	"github.com/shopspring/decimal"
)

// SQL stores read NUMERIC/TEXT money columns as strings and convert here.
// A malformed column decodes to zero.

func parseDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func parseDecPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := parseDec(*s)
	return &d
}

// decString renders an optional decimal as a nullable SQL argument.
func decString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
