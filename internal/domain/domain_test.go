package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestInboxTransitions(t *testing.T) {
	tests := []struct {
		from, to InboxStatus
		want     bool
	}{
		{InboxNew, InboxProcessing, true},
		{InboxPending, InboxProcessing, true},
		{InboxProcessing, InboxAnalyzing, true},
		{InboxAnalyzing, InboxSuggestedMatch, true},
		{InboxAnalyzing, InboxNoMatch, true},
		{InboxAnalyzing, InboxDone, true},
		{InboxSuggestedMatch, InboxDone, true},
		{InboxSuggestedMatch, InboxAnalyzing, true},
		{InboxNoMatch, InboxArchived, true},
		{InboxArchived, InboxDeleted, true},
		{InboxDone, InboxAnalyzing, false},
		{InboxDone, InboxArchived, false},
		{InboxDeleted, InboxArchived, false},
		{InboxNew, InboxAnalyzing, false},
		{InboxNew, InboxDone, false},
		{InboxProcessing, InboxSuggestedMatch, false},
		{InboxArchived, InboxNew, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInboxTerminalStatesHaveNoExits(t *testing.T) {
	for st := range inboxTransitions {
		for next := range inboxTransitions {
			if st.Terminal() && st.CanTransition(next) {
				t.Errorf("terminal %s can move to %s", st, next)
			}
		}
	}
	if !InboxDone.Terminal() || !InboxDeleted.Terminal() {
		t.Error("done and deleted must be terminal")
	}
}

func TestInvoiceTransitions(t *testing.T) {
	tests := []struct {
		from, to InvoiceStatus
		want     bool
	}{
		{InvoiceDraft, InvoiceScheduled, true},
		{InvoiceDraft, InvoiceSent, true},
		{InvoiceScheduled, InvoiceSent, true},
		{InvoiceSent, InvoiceScheduled, false},
		{InvoiceSent, InvoicePaid, true},
		{InvoiceSent, InvoiceOverdue, true},
		{InvoiceOverdue, InvoicePaid, true},
		{InvoicePaid, InvoiceCanceled, false},
		{InvoiceCanceled, InvoiceSent, false},
		{InvoiceDraft, InvoicePaid, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCurrency(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"USD", "USD", false},
		{" eur ", "EUR", false},
		{"gbp", "GBP", false},
		{"", "", true},
		{"ABC", "", true},
		{"XXX", "", true},
		{"US", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCurrency("test", tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCurrency(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseCurrency(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"100.00", "100", false},
		{"-42.5", "-42.5", false},
		{"0.1", "0.1", false},
		{"NaN", "", true},
		{"+Inf", "", true},
		{"-infinity", "", true},
		{"12,50", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount("test", tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				if !IsValidation(err) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestInvoiceTotals(t *testing.T) {
	products := []InvoiceProduct{
		{Name: "Consulting", Quantity: decimal.NewFromInt(3), Price: decimal.RequireFromString("150.00"), VAT: decimal.NewFromInt(25)},
		{Name: "Hosting", Quantity: decimal.NewFromInt(1), Price: decimal.RequireFromString("19.99"), VAT: decimal.Zero},
	}

	subtotal, vat, total := InvoiceTotals(products)

	if !subtotal.Equal(decimal.RequireFromString("469.99")) {
		t.Errorf("subtotal = %s, want 469.99", subtotal)
	}
	if !vat.Equal(decimal.RequireFromString("112.50")) {
		t.Errorf("vat = %s, want 112.50", vat)
	}
	if !total.Equal(decimal.RequireFromString("582.49")) {
		t.Errorf("total = %s, want 582.49", total)
	}
}

func TestFormatNumber(t *testing.T) {
	var nilTemplate *InvoiceTemplate
	if got := nilTemplate.FormatNumber(7); got != "INV-0007" {
		t.Errorf("default FormatNumber = %q", got)
	}
	tpl := &InvoiceTemplate{NumberPrefix: "ACME-", NumberPadding: 6}
	if got := tpl.FormatNumber(42); got != "ACME-000042" {
		t.Errorf("FormatNumber = %q", got)
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Conflictf("Op", "invoice %s already numbered", "inv-1"))

	if !IsConflict(err) {
		t.Error("expected conflict")
	}
	if IsValidation(err) || IsNotFound(err) || IsDependency(err) {
		t.Error("conflict must not match other kinds")
	}

	cause := errors.New("deadline exceeded")
	dep := Dependency("Score", "similarity provider", cause)
	if !IsDependency(dep) || !errors.Is(dep, cause) {
		t.Errorf("dependency error should match kind and cause: %v", dep)
	}
	if got := dep.Error(); got != "Score: similarity provider failed: deadline exceeded" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSequentialIDs(t *testing.T) {
	g := &SequentialIDs{Prefix: "tx"}
	if a, b := g.NewID(), g.NewID(); a != "tx-000001" || b != "tx-000002" {
		t.Errorf("got %q, %q", a, b)
	}
}

func TestRequireTeam(t *testing.T) {
	if err := RequireTeam("op", "  "); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := RequireTeam("op", "team-1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
