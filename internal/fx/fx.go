// Package fx converts amounts between currencies.
package fx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/domain"
)

// Conversion is the result of one currency conversion. RateDate is when the
// rate was published; its distance from the requested date is the staleness.
type Conversion struct {
	Amount   decimal.Decimal
	Rate     decimal.Decimal
	RateDate time.Time
}

// StalenessDays is the whole number of days between the rate and asOf.
func (c Conversion) StalenessDays(asOf time.Time) int {
	if c.RateDate.IsZero() {
		return 0
	}
	d := domain.DateOnly(asOf).Sub(domain.DateOnly(c.RateDate))
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

// Converter is the exchange-rate provider.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string, asOf time.Time) (Conversion, error)
}

// StaticTable serves fixed rates keyed "FROM/TO". The inverse pair is derived
// when only one direction is configured. Every rate is treated as published
// AgeDays before the requested date.
type StaticTable struct {
	Rates   map[string]decimal.Decimal
	AgeDays int
}

// NewStaticTable copies rates into a table.
func NewStaticTable(rates map[string]decimal.Decimal, ageDays int) *StaticTable {
	t := &StaticTable{Rates: make(map[string]decimal.Decimal, len(rates)), AgeDays: ageDays}
	for k, v := range rates {
		t.Rates[strings.ToUpper(k)] = v
	}
	return t
}

// Convert implements Converter.
func (t *StaticTable) Convert(ctx context.Context, amount decimal.Decimal, from, to string, asOf time.Time) (Conversion, error) {
	if err := ctx.Err(); err != nil {
		return Conversion{}, domain.Dependency("Convert", "exchange-rate provider", err)
	}
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return Conversion{Amount: amount, Rate: decimal.NewFromInt(1), RateDate: domain.DateOnly(asOf)}, nil
	}

	rate, ok := t.Rates[from+"/"+to]
	if !ok {
		inv, found := t.Rates[to+"/"+from]
		if !found || inv.IsZero() {
			return Conversion{}, domain.Dependency("Convert", "exchange-rate provider",
				fmt.Errorf("no rate for %s/%s", from, to))
		}
		rate = decimal.NewFromInt(1).DivRound(inv, 12)
	}

	return Conversion{
		Amount:   amount.Mul(rate).Round(4),
		Rate:     rate,
		RateDate: domain.DateOnly(asOf).AddDate(0, 0, -t.AgeDays),
	}, nil
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, amount decimal.Decimal, from, to string, asOf time.Time) (Conversion, error)

// Convert implements Converter.
func (f ConverterFunc) Convert(ctx context.Context, amount decimal.Decimal, from, to string, asOf time.Time) (Conversion, error) {
	return f(ctx, amount, from, to, asOf)
}

var _ Converter = (*StaticTable)(nil)
