// Package store defines the team-partitioned persistence contract.
//
// Every method except GetInvoiceByToken takes a domain.TeamID and rejects an
// empty one with a validation error. Implementations return copies; callers
// may mutate what they get back. Lookups named Find... return nil, nil on a
// miss; Get... return a not-found error.
package store

import (
	"context"
	"time"

	"github.com/dvloznov/teamledger/internal/domain"
)

// TeamRepository persists tenants and their invoice sequence.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	GetTeam(ctx context.Context, teamID domain.TeamID) (*domain.Team, error)
	ListTeamIDs(ctx context.Context) ([]domain.TeamID, error)
}

// BankAccountRepository persists bank accounts.
type BankAccountRepository interface {
	UpsertBankAccount(ctx context.Context, account *domain.BankAccount) error
	GetBankAccount(ctx context.Context, teamID domain.TeamID, id string) (*domain.BankAccount, error)
}

// TransactionFilter narrows ListTransactions. Zero values do not filter.
// Results are ordered by date descending, then id descending.
type TransactionFilter struct {
	From         time.Time
	To           time.Time
	Statuses     []domain.TransactionStatus
	CategorySlug string
	Limit        int
	Offset       int
}

// TransactionRepository persists bank transactions.
type TransactionRepository interface {
	// InsertTransaction stores a new row with Version 1. A duplicate
	// (team, internal_id) is a conflict.
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error

	// UpdateTransaction stores tx if the stored version equals tx.Version,
	// then bumps tx.Version. A mismatch is a conflict.
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error

	GetTransaction(ctx context.Context, teamID domain.TeamID, id string) (*domain.Transaction, error)
	FindTransactionByInternalID(ctx context.Context, teamID domain.TeamID, internalID string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, teamID domain.TeamID, filter TransactionFilter) ([]*domain.Transaction, error)
}

// CategoryRepository persists transaction categories keyed by (team, slug).
type CategoryRepository interface {
	UpsertCategory(ctx context.Context, category *domain.TransactionCategory) error
	GetCategory(ctx context.Context, teamID domain.TeamID, slug string) (*domain.TransactionCategory, error)
	ListCategories(ctx context.Context, teamID domain.TeamID) ([]*domain.TransactionCategory, error)
}

// InboxFilter narrows ListInbox. Results are ordered newest first.
type InboxFilter struct {
	Statuses      []domain.InboxStatus
	TransactionID string
	Limit         int
	Offset        int
}

// InboxRepository persists inbox items.
type InboxRepository interface {
	// InsertInbox stores a new item together with its attachments, all or
	// nothing. A duplicate (team, reference_id) is a conflict.
	InsertInbox(ctx context.Context, item *domain.Inbox, attachments []*domain.Attachment) error
	GetInbox(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error)
	FindInboxByReferenceID(ctx context.Context, teamID domain.TeamID, referenceID string) (*domain.Inbox, error)

	// UpdateInbox stores item if the stored status equals expected.
	UpdateInbox(ctx context.Context, item *domain.Inbox, expected domain.InboxStatus) error
	ListInbox(ctx context.Context, teamID domain.TeamID, filter InboxFilter) ([]*domain.Inbox, error)
}

// SuggestionRepository persists match suggestions together with the inbox
// status changes they belong to.
type SuggestionRepository interface {
	// CommitAnalysis atomically checks the stored item is still analyzing,
	// drops its pending and invalidated suggestions, inserts suggestions and
	// saves item. Declined suggestions are kept. If item is done, its
	// transaction must not already be linked to another done item.
	CommitAnalysis(ctx context.Context, item *domain.Inbox, suggestions []*domain.MatchSuggestion) error

	// ResolveInbox atomically checks the stored status equals expected, marks
	// the pending suggestion for confirmedTxID confirmed (if any), invalidates
	// every other pending suggestion of the item and saves item. An empty
	// confirmedTxID invalidates all pending suggestions.
	ResolveInbox(ctx context.Context, item *domain.Inbox, expected domain.InboxStatus, confirmedTxID string) error

	// DeclineSuggestion moves a pending suggestion to declined.
	DeclineSuggestion(ctx context.Context, teamID domain.TeamID, id string) (*domain.MatchSuggestion, error)

	// ListSuggestions returns every suggestion of an inbox item by rank.
	ListSuggestions(ctx context.Context, teamID domain.TeamID, inboxID string) ([]*domain.MatchSuggestion, error)
}

// InvoiceFilter narrows ListInvoices. Results are ordered by creation, oldest first.
type InvoiceFilter struct {
	Statuses []domain.InvoiceStatus
	// DueBefore keeps invoices with a due date strictly before it.
	DueBefore time.Time
	// ScheduledBefore keeps invoices whose schedule date is not after it.
	ScheduledBefore time.Time
	Limit           int
}

// InvoiceRepository persists invoices, customers and templates.
type InvoiceRepository interface {
	// InsertInvoice stores a new invoice. Duplicate tokens or invoice numbers conflict.
	InsertInvoice(ctx context.Context, inv *domain.Invoice) error
	GetInvoice(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error)

	// GetInvoiceByToken is the only lookup not scoped to a team.
	GetInvoiceByToken(ctx context.Context, token string) (*domain.Invoice, error)

	// UpdateInvoice stores inv if the stored status equals expected.
	UpdateInvoice(ctx context.Context, inv *domain.Invoice, expected domain.InvoiceStatus) error

	// IssueInvoice is UpdateInvoice for an invoice leaving draft: in one
	// atomic step it checks the stored status equals expected and no number
	// is assigned yet, increments the team's invoice sequence, sets
	// inv.Number and inv.InvoiceNumber (rendered by format) and stores inv.
	// A lost status race therefore never consumes a number.
	IssueInvoice(ctx context.Context, inv *domain.Invoice, expected domain.InvoiceStatus, format func(seq int64) string) error
	ListInvoices(ctx context.Context, teamID domain.TeamID, filter InvoiceFilter) ([]*domain.Invoice, error)

	InsertCustomer(ctx context.Context, customer *domain.Customer) error
	GetCustomer(ctx context.Context, teamID domain.TeamID, id string) (*domain.Customer, error)

	// FindInvoiceTemplate returns nil, nil when the team has none.
	FindInvoiceTemplate(ctx context.Context, teamID domain.TeamID) (*domain.InvoiceTemplate, error)
	UpsertInvoiceTemplate(ctx context.Context, tpl *domain.InvoiceTemplate) error
}

// ActivityFilter narrows ListActivities. Results are ordered newest first.
type ActivityFilter struct {
	Types    []domain.ActivityType
	Statuses []domain.ActivityStatus
	Since    time.Time
	Limit    int
}

// ActivityRepository persists activities. Content is immutable; only the
// status changes.
type ActivityRepository interface {
	InsertActivity(ctx context.Context, a *domain.Activity) error
	GetActivity(ctx context.Context, teamID domain.TeamID, id string) (*domain.Activity, error)
	ListActivities(ctx context.Context, teamID domain.TeamID, filter ActivityFilter) ([]*domain.Activity, error)

	// UpdateActivityStatus moves an activity from one status to another.
	UpdateActivityStatus(ctx context.Context, teamID domain.TeamID, id string, from, to domain.ActivityStatus) error
}

// AttachmentRepository reads attachment metadata. Rows are written by
// InsertInbox; blobs live elsewhere.
type AttachmentRepository interface {
	ListAttachments(ctx context.Context, teamID domain.TeamID, inboxID string) ([]*domain.Attachment, error)
}

// Store is the full persistence surface.
type Store interface {
	TeamRepository
	BankAccountRepository
	TransactionRepository
	CategoryRepository
	InboxRepository
	SuggestionRepository
	InvoiceRepository
	ActivityRepository
	AttachmentRepository

	Close() error
}
