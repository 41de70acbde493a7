package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InboxStatus is the closed state machine of an inbox item.
type InboxStatus string

const (
	InboxNew            InboxStatus = "new"
	InboxPending        InboxStatus = "pending"
	InboxProcessing     InboxStatus = "processing"
	InboxAnalyzing      InboxStatus = "analyzing"
	InboxSuggestedMatch InboxStatus = "suggested_match"
	InboxNoMatch        InboxStatus = "no_match"
	InboxDone           InboxStatus = "done"
	InboxArchived       InboxStatus = "archived"
	InboxDeleted        InboxStatus = "deleted"
)

// inboxTransitions is exhaustive: a status missing from a value list can never
// be reached from the key. done and deleted are terminal.
var inboxTransitions = map[InboxStatus][]InboxStatus{
	InboxNew:            {InboxProcessing, InboxArchived, InboxDeleted},
	InboxPending:        {InboxProcessing, InboxArchived, InboxDeleted},
	InboxProcessing:     {InboxAnalyzing, InboxArchived, InboxDeleted},
	InboxAnalyzing:      {InboxSuggestedMatch, InboxNoMatch, InboxDone, InboxArchived, InboxDeleted},
	InboxSuggestedMatch: {InboxDone, InboxNoMatch, InboxAnalyzing, InboxArchived, InboxDeleted},
	InboxNoMatch:        {InboxDone, InboxAnalyzing, InboxArchived, InboxDeleted},
	InboxArchived:       {InboxDeleted},
	InboxDone:           nil,
	InboxDeleted:        nil,
}

// ParseInboxStatus rejects anything outside the closed set.
func ParseInboxStatus(op, s string) (InboxStatus, error) {
	st := InboxStatus(s)
	if _, ok := inboxTransitions[st]; !ok {
		return "", Validationf(op, "unknown inbox status %q", s)
	}
	return st, nil
}

// CanTransition reports whether s may move to next.
func (s InboxStatus) CanTransition(next InboxStatus) bool {
	return allowed(inboxTransitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s InboxStatus) Terminal() bool {
	return len(inboxTransitions[s]) == 0
}

// InboxType classifies the evidence.
type InboxType string

const (
	InboxTypeExpense InboxType = "expense"
	InboxTypeInvoice InboxType = "invoice"
)

// ParseInboxType maps an empty type to expense.
func ParseInboxType(op, s string) (InboxType, error) {
	switch t := InboxType(s); t {
	case "":
		return InboxTypeExpense, nil
	case InboxTypeExpense, InboxTypeInvoice:
		return t, nil
	}
	return "", Validationf(op, "unknown inbox type %q", s)
}

// InboxSource is the ingestion channel. Uploads enter the state machine at pending.
type InboxSource string

const (
	SourceEmail       InboxSource = "email"
	SourceUpload      InboxSource = "upload"
	SourceIntegration InboxSource = "integration"
)

// ParseInboxSource maps an empty source to email.
func ParseInboxSource(op, s string) (InboxSource, error) {
	switch src := InboxSource(s); src {
	case "":
		return SourceEmail, nil
	case SourceEmail, SourceUpload, SourceIntegration:
		return src, nil
	}
	return "", Validationf(op, "unknown inbox source %q", s)
}

// EntryStatus is the status a freshly ingested item starts in.
func (s InboxSource) EntryStatus() InboxStatus {
	if s == SourceUpload {
		return InboxPending
	}
	return InboxNew
}

// Inbox is a piece of incoming financial evidence. TransactionID is set only
// when Status is InboxDone.
type Inbox struct {
	ID          string      `json:"id"`
	TeamID      TeamID      `json:"team_id"`
	ReferenceID string      `json:"reference_id"`
	Status      InboxStatus `json:"status"`
	Type        InboxType   `json:"type"`
	Source      InboxSource `json:"source"`
	DisplayName string      `json:"display_name,omitempty"`

	Amount   decimal.NullDecimal `json:"amount"`
	Currency string              `json:"currency,omitempty"`
	Date     time.Time           `json:"date,omitempty"`

	TransactionID string    `json:"transaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a copy.
func (i *Inbox) Clone() *Inbox {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// Extracted reports whether the fields matching needs are present.
func (i *Inbox) Extracted() bool {
	return i.Amount.Valid && i.Currency != "" && !i.Date.IsZero()
}

// InboxExtraction is what the content-extraction collaborator returns.
type InboxExtraction struct {
	DisplayName string
	Type        InboxType
	Amount      decimal.NullDecimal
	Currency    string
	Date        time.Time
}

// SuggestionStatus tracks a match suggestion. Pending and confirmed are "active".
type SuggestionStatus string

const (
	SuggestionPending     SuggestionStatus = "pending"
	SuggestionConfirmed   SuggestionStatus = "confirmed"
	SuggestionDeclined    SuggestionStatus = "declined"
	SuggestionInvalidated SuggestionStatus = "invalidated"
)

// Active reports whether the suggestion still links its pair.
func (s SuggestionStatus) Active() bool {
	return s == SuggestionPending || s == SuggestionConfirmed
}

// MatchSuggestion is a scored link between an inbox item and a transaction.
type MatchSuggestion struct {
	ID            string           `json:"id"`
	TeamID        TeamID           `json:"team_id"`
	InboxID       string           `json:"inbox_id"`
	TransactionID string           `json:"transaction_id"`
	Score         float64          `json:"score"`
	Rank          int              `json:"rank"`
	DaysApart     int              `json:"days_apart"`
	CrossCurrency bool             `json:"cross_currency"`
	Status        SuggestionStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Clone returns a copy.
func (m *MatchSuggestion) Clone() *MatchSuggestion {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}
