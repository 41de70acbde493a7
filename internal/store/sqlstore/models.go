package sqlstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/domain"
)

// Row types mirror the domain entities. Every table is keyed by team first.

type teamRow struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Plan            string
	BaseCurrency    string
	InvoiceSequence int64
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
}

func (teamRow) TableName() string { return "teams" }

type bankAccountRow struct {
	TeamID    string `gorm:"primaryKey"`
	ID        string `gorm:"primaryKey"`
	Name      string
	Provider  string
	Currency  string
	Status    string
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (bankAccountRow) TableName() string { return "bank_accounts" }

type transactionRow struct {
	TeamID        string `gorm:"primaryKey;uniqueIndex:idx_transactions_internal,priority:1"`
	ID            string `gorm:"primaryKey"`
	InternalID    string `gorm:"uniqueIndex:idx_transactions_internal,priority:2"`
	BankAccountID string
	Date          time.Time `gorm:"index"`
	Name          string
	Method        string
	Amount        decimal.Decimal `gorm:"type:text"`
	Currency      string
	BaseAmount    decimal.NullDecimal `gorm:"type:text"`
	BaseCurrency  string
	Status        string `gorm:"index"`
	CategorySlug  string
	Note          string
	Tags          []string `gorm:"serializer:json"`
	AssignedID    string
	UserCategory  bool
	UserNote      bool
	UserTags      bool
	UserAssigned  bool
	Version       int64
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (transactionRow) TableName() string { return "transactions" }

type categoryRow struct {
	TeamID      string `gorm:"primaryKey"`
	Slug        string `gorm:"primaryKey"`
	Name        string
	Description string
	VAT         decimal.Decimal `gorm:"type:text"`
	CreatedAt   time.Time       `gorm:"autoCreateTime:false"`
}

func (categoryRow) TableName() string { return "transaction_categories" }

type inboxRow struct {
	TeamID        string `gorm:"primaryKey;uniqueIndex:idx_inbox_reference,priority:1"`
	ID            string `gorm:"primaryKey"`
	ReferenceID   string `gorm:"uniqueIndex:idx_inbox_reference,priority:2"`
	Status        string `gorm:"index"`
	Type          string
	Source        string
	DisplayName   string
	Amount        decimal.NullDecimal `gorm:"type:text"`
	Currency      string
	Date          time.Time
	TransactionID string    `gorm:"index"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (inboxRow) TableName() string { return "inbox" }

type suggestionRow struct {
	TeamID        string `gorm:"primaryKey"`
	ID            string `gorm:"primaryKey"`
	InboxID       string `gorm:"index"`
	TransactionID string
	Score         float64
	Rank          int
	DaysApart     int
	CrossCurrency bool
	Status        string
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (suggestionRow) TableName() string { return "match_suggestions" }

type invoiceRow struct {
	TeamID        string  `gorm:"primaryKey;uniqueIndex:idx_invoices_number,priority:1"`
	ID            string  `gorm:"primaryKey"`
	InvoiceNumber *string `gorm:"uniqueIndex:idx_invoices_number,priority:2"`
	Token         string  `gorm:"uniqueIndex"`
	CustomerID    string
	Status        string `gorm:"index"`
	Number        int64
	Currency      string
	Products      []domain.InvoiceProduct `gorm:"serializer:json"`
	Subtotal      decimal.Decimal         `gorm:"type:text"`
	VAT           decimal.Decimal         `gorm:"type:text"`
	Amount        decimal.Decimal         `gorm:"type:text"`
	Note          string
	IssueDate     time.Time
	DueDate       time.Time
	ScheduleDate  *time.Time
	SentAt        *time.Time
	PaidAt        *time.Time
	CanceledAt    *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (invoiceRow) TableName() string { return "invoices" }

type customerRow struct {
	TeamID    string `gorm:"primaryKey"`
	ID        string `gorm:"primaryKey"`
	Name      string
	Email     string
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (customerRow) TableName() string { return "customers" }

type templateRow struct {
	TeamID           string `gorm:"primaryKey"`
	NumberPrefix     string
	NumberPadding    int
	Currency         string
	PaymentTermsDays int
	Note             string
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false"`
}

func (templateRow) TableName() string { return "invoice_templates" }

type activityRow struct {
	TeamID    string `gorm:"primaryKey"`
	ID        string `gorm:"primaryKey"`
	Type      string `gorm:"index"`
	Source    string
	Status    string
	Metadata  map[string]any `gorm:"serializer:json"`
	CreatedAt time.Time      `gorm:"index;autoCreateTime:false"`
}

func (activityRow) TableName() string { return "activities" }

type attachmentRow struct {
	TeamID      string `gorm:"primaryKey"`
	ID          string `gorm:"primaryKey"`
	InboxID     string `gorm:"index"`
	Name        string
	ContentType string
	Size        int64
	URI         string
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
}

func (attachmentRow) TableName() string { return "attachments" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&teamRow{}, &bankAccountRow{}, &transactionRow{}, &categoryRow{},
		&inboxRow{}, &suggestionRow{}, &invoiceRow{}, &customerRow{},
		&templateRow{}, &activityRow{}, &attachmentRow{},
	}
}

// ---- conversions ----

func fromTeam(t *domain.Team) *teamRow {
	return &teamRow{
		ID: string(t.ID), Name: t.Name, Plan: string(t.Plan), BaseCurrency: t.BaseCurrency,
		InvoiceSequence: t.InvoiceSequence, CreatedAt: t.CreatedAt,
	}
}

func (r *teamRow) toDomain() *domain.Team {
	return &domain.Team{
		ID: domain.TeamID(r.ID), Name: r.Name, Plan: domain.Plan(r.Plan), BaseCurrency: r.BaseCurrency,
		InvoiceSequence: r.InvoiceSequence, CreatedAt: r.CreatedAt,
	}
}

func fromBankAccount(a *domain.BankAccount) *bankAccountRow {
	return &bankAccountRow{
		TeamID: string(a.TeamID), ID: a.ID, Name: a.Name, Provider: a.Provider,
		Currency: a.Currency, Status: string(a.Status), CreatedAt: a.CreatedAt,
	}
}

func (r *bankAccountRow) toDomain() *domain.BankAccount {
	return &domain.BankAccount{
		TeamID: domain.TeamID(r.TeamID), ID: r.ID, Name: r.Name, Provider: r.Provider,
		Currency: r.Currency, Status: domain.BankConnectionStatus(r.Status), CreatedAt: r.CreatedAt,
	}
}

func fromTransaction(t *domain.Transaction) *transactionRow {
	return &transactionRow{
		TeamID:        string(t.TeamID),
		ID:            t.ID,
		InternalID:    t.InternalID,
		BankAccountID: t.BankAccountID,
		Date:          t.Date,
		Name:          t.Name,
		Method:        string(t.Method),
		Amount:        t.Amount,
		Currency:      t.Currency,
		BaseAmount:    t.BaseAmount,
		BaseCurrency:  t.BaseCurrency,
		Status:        string(t.Status),
		CategorySlug:  t.CategorySlug,
		Note:          t.Note,
		Tags:          append([]string(nil), t.Tags...),
		AssignedID:    t.AssignedID,
		UserCategory:  t.UserSet.Category,
		UserNote:      t.UserSet.Note,
		UserTags:      t.UserSet.Tags,
		UserAssigned:  t.UserSet.Assignment,
		Version:       t.Version,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func (r *transactionRow) toDomain() *domain.Transaction {
	return &domain.Transaction{
		TeamID:        domain.TeamID(r.TeamID),
		ID:            r.ID,
		InternalID:    r.InternalID,
		BankAccountID: r.BankAccountID,
		Date:          r.Date.UTC(),
		Name:          r.Name,
		Method:        domain.TransactionMethod(r.Method),
		Amount:        r.Amount,
		Currency:      r.Currency,
		BaseAmount:    r.BaseAmount,
		BaseCurrency:  r.BaseCurrency,
		Status:        domain.TransactionStatus(r.Status),
		CategorySlug:  r.CategorySlug,
		Note:          r.Note,
		Tags:          r.Tags,
		AssignedID:    r.AssignedID,
		UserSet: domain.UserFields{
			Category:   r.UserCategory,
			Note:       r.UserNote,
			Tags:       r.UserTags,
			Assignment: r.UserAssigned,
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func fromCategory(c *domain.TransactionCategory) *categoryRow {
	return &categoryRow{
		TeamID: string(c.TeamID), Slug: c.Slug, Name: c.Name, Description: c.Description,
		VAT: c.VAT, CreatedAt: c.CreatedAt,
	}
}

func (r *categoryRow) toDomain() *domain.TransactionCategory {
	return &domain.TransactionCategory{
		TeamID: domain.TeamID(r.TeamID), Slug: r.Slug, Name: r.Name, Description: r.Description,
		VAT: r.VAT, CreatedAt: r.CreatedAt.UTC(),
	}
}

func fromInbox(i *domain.Inbox) *inboxRow {
	return &inboxRow{
		TeamID:        string(i.TeamID),
		ID:            i.ID,
		ReferenceID:   i.ReferenceID,
		Status:        string(i.Status),
		Type:          string(i.Type),
		Source:        string(i.Source),
		DisplayName:   i.DisplayName,
		Amount:        i.Amount,
		Currency:      i.Currency,
		Date:          i.Date,
		TransactionID: i.TransactionID,
		CreatedAt:     i.CreatedAt,
		UpdatedAt:     i.UpdatedAt,
	}
}

func (r *inboxRow) toDomain() *domain.Inbox {
	item := &domain.Inbox{
		TeamID:        domain.TeamID(r.TeamID),
		ID:            r.ID,
		ReferenceID:   r.ReferenceID,
		Status:        domain.InboxStatus(r.Status),
		Type:          domain.InboxType(r.Type),
		Source:        domain.InboxSource(r.Source),
		DisplayName:   r.DisplayName,
		Amount:        r.Amount,
		Currency:      r.Currency,
		TransactionID: r.TransactionID,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if !r.Date.IsZero() {
		item.Date = r.Date.UTC()
	}
	return item
}

func fromSuggestion(s *domain.MatchSuggestion) *suggestionRow {
	return &suggestionRow{
		TeamID: string(s.TeamID), ID: s.ID, InboxID: s.InboxID, TransactionID: s.TransactionID,
		Score: s.Score, Rank: s.Rank, DaysApart: s.DaysApart, CrossCurrency: s.CrossCurrency,
		Status: string(s.Status), CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

func (r *suggestionRow) toDomain() *domain.MatchSuggestion {
	return &domain.MatchSuggestion{
		TeamID: domain.TeamID(r.TeamID), ID: r.ID, InboxID: r.InboxID, TransactionID: r.TransactionID,
		Score: r.Score, Rank: r.Rank, DaysApart: r.DaysApart, CrossCurrency: r.CrossCurrency,
		Status: domain.SuggestionStatus(r.Status), CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func fromInvoice(i *domain.Invoice) *invoiceRow {
	row := &invoiceRow{
		TeamID:       string(i.TeamID),
		ID:           i.ID,
		Token:        i.Token,
		CustomerID:   i.CustomerID,
		Status:       string(i.Status),
		Number:       i.Number,
		Currency:     i.Currency,
		Products:     append([]domain.InvoiceProduct(nil), i.Products...),
		Subtotal:     i.Subtotal,
		VAT:          i.VAT,
		Amount:       i.Amount,
		Note:         i.Note,
		IssueDate:    i.IssueDate,
		DueDate:      i.DueDate,
		ScheduleDate: i.ScheduleDate,
		SentAt:       i.SentAt,
		PaidAt:       i.PaidAt,
		CanceledAt:   i.CanceledAt,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
	if i.InvoiceNumber != "" {
		n := i.InvoiceNumber
		row.InvoiceNumber = &n
	}
	return row
}

func (r *invoiceRow) toDomain() *domain.Invoice {
	inv := &domain.Invoice{
		TeamID:       domain.TeamID(r.TeamID),
		ID:           r.ID,
		Token:        r.Token,
		CustomerID:   r.CustomerID,
		Status:       domain.InvoiceStatus(r.Status),
		Number:       r.Number,
		Currency:     r.Currency,
		Products:     r.Products,
		Subtotal:     r.Subtotal,
		VAT:          r.VAT,
		Amount:       r.Amount,
		Note:         r.Note,
		IssueDate:    r.IssueDate.UTC(),
		DueDate:      r.DueDate.UTC(),
		ScheduleDate: utcPtr(r.ScheduleDate),
		SentAt:       utcPtr(r.SentAt),
		PaidAt:       utcPtr(r.PaidAt),
		CanceledAt:   utcPtr(r.CanceledAt),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.InvoiceNumber != nil {
		inv.InvoiceNumber = *r.InvoiceNumber
	}
	return inv
}

func fromActivity(a *domain.Activity) *activityRow {
	return &activityRow{
		TeamID: string(a.TeamID), ID: a.ID, Type: string(a.Type), Source: string(a.Source),
		Status: string(a.Status), Metadata: a.Clone().Metadata, CreatedAt: a.CreatedAt,
	}
}

func (r *activityRow) toDomain() *domain.Activity {
	return &domain.Activity{
		TeamID: domain.TeamID(r.TeamID), ID: r.ID, Type: domain.ActivityType(r.Type),
		Source: domain.ActivitySource(r.Source), Status: domain.ActivityStatus(r.Status),
		Metadata: r.Metadata, CreatedAt: r.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
