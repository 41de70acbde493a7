package fx

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/domain"
)

func TestStaticTableConvert(t *testing.T) {
	table := NewStaticTable(map[string]decimal.Decimal{
		"eur/usd": decimal.RequireFromString("1.10"),
	}, 3)
	asOf := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		amount    string
		from, to  string
		want      string
		wantStale int
		wantErr   bool
	}{
		{"direct", "100", "EUR", "USD", "110", 3, false},
		{"inverse", "110", "USD", "EUR", "100", 3, false},
		{"identity", "42.42", "USD", "usd", "42.42", 0, false},
		{"missing pair", "1", "GBP", "JPY", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.Convert(context.Background(), decimal.RequireFromString(tt.amount), tt.from, tt.to, asOf)
			if tt.wantErr {
				if !domain.IsDependency(err) {
					t.Fatalf("expected dependency error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			if !got.Amount.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Amount = %s, want %s", got.Amount, tt.want)
			}
			if s := got.StalenessDays(asOf); s != tt.wantStale {
				t.Errorf("StalenessDays = %d, want %d", s, tt.wantStale)
			}
		})
	}
}

func TestConvertCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStaticTable(nil, 0).Convert(ctx, decimal.NewFromInt(1), "EUR", "USD", time.Now())
	if !domain.IsDependency(err) {
		t.Errorf("expected dependency error, got %v", err)
	}
}
