package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the closed lifecycle of an issued invoice.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceScheduled InvoiceStatus = "scheduled"
	InvoiceSent      InvoiceStatus = "sent"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCanceled  InvoiceStatus = "canceled"
)

// Scheduling is one-directional: sent never returns to scheduled.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:     {InvoiceScheduled, InvoiceSent, InvoiceCanceled},
	InvoiceScheduled: {InvoiceSent, InvoiceCanceled},
	InvoiceSent:      {InvoicePaid, InvoiceOverdue, InvoiceCanceled},
	InvoiceOverdue:   {InvoicePaid, InvoiceCanceled},
	InvoicePaid:      nil,
	InvoiceCanceled:  nil,
}

// ParseInvoiceStatus rejects anything outside the closed set.
func ParseInvoiceStatus(op, s string) (InvoiceStatus, error) {
	st := InvoiceStatus(s)
	if _, ok := invoiceTransitions[st]; !ok {
		return "", Validationf(op, "unknown invoice status %q", s)
	}
	return st, nil
}

// CanTransition reports whether s may move to next.
func (s InvoiceStatus) CanTransition(next InvoiceStatus) bool {
	return allowed(invoiceTransitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s InvoiceStatus) Terminal() bool {
	return len(invoiceTransitions[s]) == 0
}

// Customer is billed by invoices.
type Customer struct {
	ID        string    `json:"id"`
	TeamID    TeamID    `json:"team_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InvoiceTemplate holds per-team invoice defaults.
type InvoiceTemplate struct {
	TeamID           TeamID    `json:"team_id"`
	NumberPrefix     string    `json:"number_prefix"`
	NumberPadding    int       `json:"number_padding"`
	Currency         string    `json:"currency"`
	PaymentTermsDays int       `json:"payment_terms_days"`
	Note             string    `json:"note,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FormatNumber renders an allocated sequence value, e.g. INV-0042.
func (t *InvoiceTemplate) FormatNumber(seq int64) string {
	prefix, pad := "INV-", 4
	if t != nil {
		prefix = t.NumberPrefix
		if t.NumberPadding > 0 {
			pad = t.NumberPadding
		}
	}
	return fmt.Sprintf("%s%0*d", prefix, pad, seq)
}

// InvoiceProduct is one line item. VAT is a percentage.
type InvoiceProduct struct {
	Name     string          `json:"name"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	VAT      decimal.Decimal `json:"vat"`
}

// LineTotal is quantity times price.
func (p InvoiceProduct) LineTotal() decimal.Decimal {
	return p.Quantity.Mul(p.Price)
}

var hundred = decimal.NewFromInt(100)

// InvoiceTotals sums line items into subtotal, VAT and total, rounded to cents.
func InvoiceTotals(products []InvoiceProduct) (subtotal, vat, total decimal.Decimal) {
	for _, p := range products {
		line := p.LineTotal()
		subtotal = subtotal.Add(line)
		vat = vat.Add(line.Mul(p.VAT).Div(hundred))
	}
	subtotal = subtotal.Round(2)
	vat = vat.Round(2)
	return subtotal, vat, subtotal.Add(vat)
}

// Invoice is issued by a team. Number and InvoiceNumber are empty until the
// invoice leaves draft; Token is globally unique for public access.
type Invoice struct {
	ID            string           `json:"id"`
	TeamID        TeamID           `json:"team_id"`
	CustomerID    string           `json:"customer_id"`
	Status        InvoiceStatus    `json:"status"`
	Number        int64            `json:"number,omitempty"`
	InvoiceNumber string           `json:"invoice_number,omitempty"`
	Token         string           `json:"token"`
	Currency      string           `json:"currency"`
	Products      []InvoiceProduct `json:"products"`
	Subtotal      decimal.Decimal  `json:"subtotal"`
	VAT           decimal.Decimal  `json:"vat"`
	Amount        decimal.Decimal  `json:"amount"`
	Note          string           `json:"note,omitempty"`

	IssueDate    time.Time  `json:"issue_date"`
	DueDate      time.Time  `json:"due_date"`
	ScheduleDate *time.Time `json:"schedule_date,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Paid reports whether payment has been recorded.
func (i *Invoice) Paid() bool { return i.PaidAt != nil }

// Clone returns a deep copy.
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	c := *i
	c.Products = append([]InvoiceProduct(nil), i.Products...)
	c.ScheduleDate = cloneTime(i.ScheduleDate)
	c.SentAt = cloneTime(i.SentAt)
	c.PaidAt = cloneTime(i.PaidAt)
	c.CanceledAt = cloneTime(i.CanceledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
