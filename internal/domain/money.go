package domain

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Money pairs an exact decimal amount with an ISO-4217 currency code.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// String renders the amount with two decimals followed by the currency.
func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// ParseCurrency normalizes and validates an ISO-4217 code.
func ParseCurrency(op, code string) (string, error) {
	norm := strings.ToUpper(strings.TrimSpace(code))
	if norm == "" {
		return "", Validationf(op, "currency is required")
	}
	unit, err := currency.ParseISO(norm)
	if err != nil {
		return "", Validationf(op, "unsupported currency %q", code)
	}
	switch unit {
	case currency.XXX, currency.XTS:
		return "", Validationf(op, "unsupported currency %q", code)
	}
	return unit.String(), nil
}

// ParseAmount parses a decimal string. Non-finite or malformed input is a validation error.
func ParseAmount(op, raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, Validationf(op, "amount is required")
	}
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "nan", "inf", "infinity":
		return decimal.Zero, Validationf(op, "amount %q is not finite", raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, Validationf(op, "invalid amount %q", raw)
	}
	return d, nil
}

// AmountFromFloat converts a float coming from an external parser.
func AmountFromFloat(op string, f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, Validationf(op, "amount is not finite")
	}
	return decimal.NewFromFloat(f), nil
}
