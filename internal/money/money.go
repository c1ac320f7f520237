package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents is a monetary amount in integer minor units. All arithmetic on
// prices and totals happens in this type; floats never touch money.
type Cents int64

func (c Cents) Add(o Cents) Cents { return c + o }

// Mul scales a unit price by a quantity.
func (c Cents) Mul(qty int) Cents { return c * Cents(qty) }

// Decimal renders the amount as a two-fraction-digit string, the format
// payment gateways expect ("1999" cents -> "19.99").
func (c Cents) Decimal() string {
	return decimal.New(int64(c), -2).StringFixed(2)
}

// ParseDecimal converts a gateway-reported decimal amount back into cents.
// Amounts with sub-cent precision are rejected rather than rounded.
func ParseDecimal(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(2)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q has sub-cent precision", s)
	}
	return Cents(scaled.IntPart()), nil
}

// Diff returns the absolute difference between two amounts.
func Diff(a, b Cents) Cents {
	if a > b {
		return a - b
	}
	return b - a
}
