package domain

import (
	"github.com/shopspring/decimal"
)

// Scale is the fixed number of decimal places kept for amounts, quantities
// and unit costs.
const Scale = 4

// Money normalizes an amount to the ledger scale using banker's rounding.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// MustDecimal parses s and panics on malformed input. Intended for constants
// and tests.
func MustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requirePositive(op, field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return Errorf(KindValidation, op, "%s must be positive, got %s", field, v.String())
	}
	return nil
}

func requireNonNegative(op, field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return Errorf(KindValidation, op, "%s must not be negative, got %s", field, v.String())
	}
	return nil
}
