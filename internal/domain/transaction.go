package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the closed set of ledger states for a bank transaction.
// Transactions are never deleted; TxArchived takes that role.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxPosted    TransactionStatus = "posted"
	TxCompleted TransactionStatus = "completed"
	TxExcluded  TransactionStatus = "excluded"
	TxArchived  TransactionStatus = "archived"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxPending:   {TxPosted, TxCompleted, TxExcluded, TxArchived},
	TxPosted:    {TxCompleted, TxExcluded, TxArchived},
	TxCompleted: {TxExcluded, TxArchived},
	TxExcluded:  {TxPosted, TxArchived},
	TxArchived:  nil,
}

// ParseTransactionStatus rejects anything outside the closed set.
func ParseTransactionStatus(op, s string) (TransactionStatus, error) {
	st := TransactionStatus(s)
	if _, ok := transactionTransitions[st]; !ok {
		return "", Validationf(op, "unknown transaction status %q", s)
	}
	return st, nil
}

// CanTransition reports whether s may move to next.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	return allowed(transactionTransitions[s], next)
}

// TransactionMethod is how money moved.
type TransactionMethod string

const (
	MethodPayment      TransactionMethod = "payment"
	MethodCardPurchase TransactionMethod = "card_purchase"
	MethodCardATM      TransactionMethod = "card_atm"
	MethodTransfer     TransactionMethod = "transfer"
	MethodACH          TransactionMethod = "ach"
	MethodWire         TransactionMethod = "wire"
	MethodDeposit      TransactionMethod = "deposit"
	MethodInterest     TransactionMethod = "interest"
	MethodFee          TransactionMethod = "fee"
	MethodOther        TransactionMethod = "other"
	MethodUnknown      TransactionMethod = "unknown"
)

// ParseTransactionMethod maps an empty method to MethodUnknown and rejects
// values outside the closed set.
func ParseTransactionMethod(op, s string) (TransactionMethod, error) {
	if s == "" {
		return MethodUnknown, nil
	}
	switch m := TransactionMethod(s); m {
	case MethodPayment, MethodCardPurchase, MethodCardATM, MethodTransfer, MethodACH,
		MethodWire, MethodDeposit, MethodInterest, MethodFee, MethodOther, MethodUnknown:
		return m, nil
	}
	return "", Validationf(op, "unknown transaction method %q", s)
}

// UserFields records which transaction fields a user has set by hand.
// Bank sync never overwrites a user-set field unless it provides it explicitly.
type UserFields struct {
	Category   bool `json:"category"`
	Note       bool `json:"note"`
	Tags       bool `json:"tags"`
	Assignment bool `json:"assignment"`
}

// Transaction is a bank transaction owned by one team.
// (TeamID, InternalID) is the bank-sync idempotency key.
type Transaction struct {
	ID            string            `json:"id"`
	TeamID        TeamID            `json:"team_id"`
	InternalID    string            `json:"internal_id"`
	BankAccountID string            `json:"bank_account_id,omitempty"`
	Date          time.Time         `json:"date"`
	Name          string            `json:"name"`
	Method        TransactionMethod `json:"method"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`

	BaseAmount   decimal.NullDecimal `json:"base_amount"`
	BaseCurrency string              `json:"base_currency,omitempty"`

	Status       TransactionStatus `json:"status"`
	CategorySlug string            `json:"category_slug,omitempty"`
	Note         string            `json:"note,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	AssignedID   string            `json:"assigned_id,omitempty"`
	UserSet      UserFields        `json:"user_set"`

	// Version increases on every stored update; writers compare it to detect
	// concurrent modification.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	return &c
}

// TransactionCategory is keyed by (TeamID, Slug).
type TransactionCategory struct {
	TeamID      TeamID          `json:"team_id"`
	Slug        string          `json:"slug"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	VAT         decimal.Decimal `json:"vat"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Attachment is a stored file belonging to an inbox item.
type Attachment struct {
	ID          string    `json:"id"`
	TeamID      TeamID    `json:"team_id"`
	InboxID     string    `json:"inbox_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	URI         string    `json:"uri"`
	CreatedAt   time.Time `json:"created_at"`
}

func allowed[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
