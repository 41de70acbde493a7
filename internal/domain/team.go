package domain

import "time"

// Plan is the subscription tier of a team.
type Plan string

const (
	PlanTrial   Plan = "trial"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)

// Team is the tenant boundary. InvoiceSequence only ever grows.
type Team struct {
	ID              TeamID    `json:"id"`
	Name            string    `json:"name"`
	Plan            Plan      `json:"plan"`
	BaseCurrency    string    `json:"base_currency"`
	InvoiceSequence int64     `json:"invoice_sequence"`
	CreatedAt       time.Time `json:"created_at"`
}

// BankConnectionStatus is the health of a bank connection or account.
type BankConnectionStatus string

const (
	BankConnected    BankConnectionStatus = "connected"
	BankDisconnected BankConnectionStatus = "disconnected"
	BankUnknown      BankConnectionStatus = "unknown"
)

// ParseBankConnectionStatus rejects anything outside the closed set.
func ParseBankConnectionStatus(op, s string) (BankConnectionStatus, error) {
	switch st := BankConnectionStatus(s); st {
	case BankConnected, BankDisconnected, BankUnknown:
		return st, nil
	}
	return "", Validationf(op, "unknown bank connection status %q", s)
}

// BankAccount is an account synced through a bank connection.
type BankAccount struct {
	ID        string               `json:"id"`
	TeamID    TeamID               `json:"team_id"`
	Name      string               `json:"name"`
	Provider  string               `json:"provider"`
	Currency  string               `json:"currency"`
	Status    BankConnectionStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}
