// Package money provides shared monetary parsing and fee arithmetic.
//
// All amounts are NGN with 2 decimal places, represented as
// shopspring decimals. Binary floating point is never used for money.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits carried by every amount.
const Places = 2

var (
	ErrInvalidAmount  = errors.New("money: invalid amount")
	ErrNegativeAmount = errors.New("money: amount must be positive")
)

// Parse converts a decimal string (e.g. "100.50") into an amount.
//
// Rules:
//   - Empty or malformed strings are rejected
//   - Zero and negative amounts are rejected
//   - More than 2 fractional digits are rejected (no silent truncation)
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrNegativeAmount
	}
	if d.Exponent() < -Places {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Fee computes the escrow fee for the given amount and rate, rounded
// half-up to 2 decimal places.
func Fee(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(Places)
}

// Format renders an amount with exactly 2 decimal places (e.g. "100.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
