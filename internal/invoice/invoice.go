// Package invoice issues invoices and drives their lifecycle: numbering,
// scheduling, sending, payment, overdue detection and cancellation.
package invoice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/keylock"
	"github.com/dvloznov/teamledger/internal/store"
)

// DefaultPaymentTermsDays applies when a team has no template.
const DefaultPaymentTermsDays = 30

// Store is the persistence the invoice manager needs.
type Store interface {
	store.TeamRepository
	store.InvoiceRepository
}

// ActivityRecorder appends activities.
type ActivityRecorder interface {
	Record(ctx context.Context, teamID domain.TeamID, typ domain.ActivityType, source domain.ActivitySource, metadata map[string]any) (string, error)
}

// Service is the invoice lifecycle manager.
type Service struct {
	store      Store
	activities ActivityRecorder
	ids        domain.IDGenerator
	tokens     domain.IDGenerator
	clock      domain.Clock
	locks      *keylock.Locker
	log        zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIDs sets the identifier generator.
func WithIDs(ids domain.IDGenerator) Option { return func(s *Service) { s.ids = ids } }

// WithTokens sets the public token generator.
func WithTokens(tokens domain.IDGenerator) Option { return func(s *Service) { s.tokens = tokens } }

// WithClock sets the clock.
func WithClock(c domain.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithLocker shares a key locker with other services.
func WithLocker(l *keylock.Locker) Option { return func(s *Service) { s.locks = l } }

// New creates an invoice Service.
func New(st Store, activities ActivityRecorder, opts ...Option) *Service {
	s := &Service{
		store:      st,
		activities: activities,
		ids:        domain.UUIDGenerator{},
		tokens:     domain.UUIDGenerator{},
		clock:      domain.SystemClock,
		locks:      keylock.New(),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCustomer registers a customer.
func (s *Service) CreateCustomer(ctx context.Context, teamID domain.TeamID, name, email string) (*domain.Customer, error) {
	const op = "CreateCustomer"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Validationf(op, "customer name is required")
	}
	email = strings.TrimSpace(email)
	if email != "" && !strings.Contains(email, "@") {
		return nil, domain.Validationf(op, "invalid email %q", email)
	}
	c := &domain.Customer{
		ID:        s.ids.NewID(),
		TeamID:    teamID,
		Name:      name,
		Email:     email,
		CreatedAt: s.clock(),
	}
	if err := s.store.InsertCustomer(ctx, c); err != nil {
		return nil, fmt.Errorf("CreateCustomer: %w", err)
	}
	return c, nil
}

// SetTemplate stores a team's invoice defaults.
func (s *Service) SetTemplate(ctx context.Context, tpl *domain.InvoiceTemplate) error {
	const op = "SetTemplate"
	if err := domain.RequireTeam(op, tpl.TeamID); err != nil {
		return err
	}
	if tpl.NumberPadding < 0 || tpl.NumberPadding > 12 {
		return domain.Validationf(op, "number padding %d must be between 0 and 12", tpl.NumberPadding)
	}
	if tpl.PaymentTermsDays < 0 {
		return domain.Validationf(op, "payment terms must not be negative")
	}
	if tpl.Currency != "" {
		ccy, err := domain.ParseCurrency(op, tpl.Currency)
		if err != nil {
			return err
		}
		tpl.Currency = ccy
	}
	tpl.UpdatedAt = s.clock()
	return s.store.UpsertInvoiceTemplate(ctx, tpl)
}

// Draft is the editable content of an invoice.
type Draft struct {
	CustomerID string                  `json:"customer_id"`
	Currency   string                  `json:"currency,omitempty"`
	Products   []domain.InvoiceProduct `json:"products"`
	IssueDate  time.Time               `json:"issue_date,omitempty"`
	DueDate    time.Time               `json:"due_date,omitempty"`
	Note       string                  `json:"note,omitempty"`
}

// CreateDraft stores a new draft invoice and emits invoice_created.
func (s *Service) CreateDraft(ctx context.Context, teamID domain.TeamID, d Draft) (*domain.Invoice, error) {
	const op = "CreateDraft"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	now := s.clock()
	inv := &domain.Invoice{
		ID:        s.ids.NewID(),
		TeamID:    teamID,
		Status:    domain.InvoiceDraft,
		Token:     s.tokens.NewID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.applyDraft(ctx, op, inv, d); err != nil {
		return nil, err
	}
	if err := s.store.InsertInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("CreateDraft: %w", err)
	}
	s.record(ctx, inv, domain.ActivityInvoiceCreated, domain.ActivitySourceUser)
	return inv, nil
}

// UpdateDraft replaces a draft's content. Content is frozen once the
// invoice leaves draft.
func (s *Service) UpdateDraft(ctx context.Context, teamID domain.TeamID, id string, d Draft) (*domain.Invoice, error) {
	const op = "UpdateDraft"
	inv, _, err := s.transition(ctx, op, teamID, id, func(inv *domain.Invoice) (domain.ActivityType, bool, error) {
		if inv.Status != domain.InvoiceDraft {
			return "", false, domain.Conflictf(op, "invoice %s is %s; only drafts can be edited", inv.ID, inv.Status)
		}
		if err := s.applyDraft(ctx, op, inv, d); err != nil {
			return "", false, err
		}
		return "", true, nil
	})
	return inv, err
}

func (s *Service) applyDraft(ctx context.Context, op string, inv *domain.Invoice, d Draft) error {
	if strings.TrimSpace(d.CustomerID) == "" {
		return domain.Validationf(op, "customer_id is required")
	}
	if _, err := s.store.GetCustomer(ctx, inv.TeamID, d.CustomerID); err != nil {
		return err
	}
	if len(d.Products) == 0 {
		return domain.Validationf(op, "at least one product is required")
	}
	for i, p := range d.Products {
		switch {
		case strings.TrimSpace(p.Name) == "":
			return domain.Validationf(op, "product %d: name is required", i)
		case !p.Quantity.IsPositive():
			return domain.Validationf(op, "product %d: quantity must be positive", i)
		case p.Price.IsNegative():
			return domain.Validationf(op, "product %d: price must not be negative", i)
		case p.VAT.IsNegative() || p.VAT.GreaterThan(decimal.NewFromInt(100)):
			return domain.Validationf(op, "product %d: vat must be between 0 and 100", i)
		}
	}

	tpl, err := s.store.FindInvoiceTemplate(ctx, inv.TeamID)
	if err != nil {
		return fmt.Errorf("%s: loading template: %w", op, err)
	}
	currency := d.Currency
	if currency == "" && tpl != nil {
		currency = tpl.Currency
	}
	if currency == "" {
		team, err := s.store.GetTeam(ctx, inv.TeamID)
		if err != nil {
			return err
		}
		currency = team.BaseCurrency
	}
	if inv.Currency, err = domain.ParseCurrency(op, currency); err != nil {
		return err
	}

	inv.IssueDate = domain.DateOnly(d.IssueDate)
	if d.IssueDate.IsZero() {
		inv.IssueDate = domain.DateOnly(s.clock())
	}
	inv.DueDate = domain.DateOnly(d.DueDate)
	if d.DueDate.IsZero() {
		terms := DefaultPaymentTermsDays
		if tpl != nil {
			terms = tpl.PaymentTermsDays
		}
		inv.DueDate = inv.IssueDate.AddDate(0, 0, terms)
	}
	if inv.DueDate.Before(inv.IssueDate) {
		return domain.Validationf(op, "due date %s is before issue date %s",
			inv.DueDate.Format(time.DateOnly), inv.IssueDate.Format(time.DateOnly))
	}

	inv.CustomerID = d.CustomerID
	inv.Products = append([]domain.InvoiceProduct(nil), d.Products...)
	inv.Subtotal, inv.VAT, inv.Amount = domain.InvoiceTotals(inv.Products)
	inv.Note = strings.TrimSpace(d.Note)
	if inv.Note == "" && tpl != nil {
		inv.Note = tpl.Note
	}
	return nil
}

// GetInvoice returns one invoice.
func (s *Service) GetInvoice(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error) {
	return s.store.GetInvoice(ctx, teamID, id)
}

// GetByToken resolves a public invoice link. Drafts are not public.
func (s *Service) GetByToken(ctx context.Context, token string) (*domain.Invoice, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domain.Validationf("GetByToken", "token is required")
	}
	inv, err := s.store.GetInvoiceByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Status == domain.InvoiceDraft {
		return nil, domain.NotFoundf("GetByToken", "invoice not found")
	}
	return inv, nil
}

// ListInvoices returns a team's invoices, oldest first.
func (s *Service) ListInvoices(ctx context.Context, teamID domain.TeamID, filter store.InvoiceFilter) ([]*domain.Invoice, error) {
	return s.store.ListInvoices(ctx, teamID, filter)
}

func (s *Service) record(ctx context.Context, inv *domain.Invoice, typ domain.ActivityType, source domain.ActivitySource) {
	if s.activities == nil {
		return
	}
	meta := map[string]any{
		"invoice_id":  inv.ID,
		"customer_id": inv.CustomerID,
		"status":      string(inv.Status),
		"amount":      inv.Amount.StringFixed(2),
		"currency":    inv.Currency,
	}
	if inv.InvoiceNumber != "" {
		meta["invoice_number"] = inv.InvoiceNumber
	}
	if _, err := s.activities.Record(ctx, inv.TeamID, typ, source, meta); err != nil {
		s.log.Error().Err(err).
			Str("team_id", string(inv.TeamID)).
			Str("invoice_id", inv.ID).
			Str("type", string(typ)).
			Msg("Failed to record activity")
	}
}
