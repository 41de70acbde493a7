// Package ledger owns bank transactions: idempotent ingestion from bank sync,
// base-currency conversion, categories and user edits.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/fx"
	"github.com/dvloznov/teamledger/internal/keylock"
	"github.com/dvloznov/teamledger/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	store.TeamRepository
	store.BankAccountRepository
	store.TransactionRepository
	store.CategoryRepository
}

// ActivityRecorder appends activities.
type ActivityRecorder interface {
	Record(ctx context.Context, teamID domain.TeamID, typ domain.ActivityType, source domain.ActivitySource, metadata map[string]any) (string, error)
}

// Service is the ledger entry point.
type Service struct {
	store      Store
	fx         fx.Converter
	activities ActivityRecorder
	ids        domain.IDGenerator
	clock      domain.Clock
	locks      *keylock.Locker
	log        zerolog.Logger

	batchConcurrency int
}

// Option configures a Service.
type Option func(*Service)

// WithIDs sets the identifier generator.
func WithIDs(ids domain.IDGenerator) Option { return func(s *Service) { s.ids = ids } }

// WithClock sets the clock.
func WithClock(c domain.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithLocker shares a key locker with other services.
func WithLocker(l *keylock.Locker) Option { return func(s *Service) { s.locks = l } }

// WithBatchConcurrency bounds how many records of a batch are ingested at once.
func WithBatchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchConcurrency = n
		}
	}
}

// New creates a ledger Service.
func New(st Store, converter fx.Converter, activities ActivityRecorder, opts ...Option) *Service {
	s := &Service{
		store:            st,
		fx:               converter,
		activities:       activities,
		ids:              domain.UUIDGenerator{},
		clock:            domain.SystemClock,
		locks:            keylock.New(),
		log:              zerolog.Nop(),
		batchConcurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTeam registers a tenant with its base currency.
func (s *Service) CreateTeam(ctx context.Context, team *domain.Team) error {
	const op = "CreateTeam"
	if err := domain.RequireTeam(op, team.ID); err != nil {
		return err
	}
	base, err := domain.ParseCurrency(op, team.BaseCurrency)
	if err != nil {
		return err
	}
	team.BaseCurrency = base
	switch team.Plan {
	case "":
		team.Plan = domain.PlanTrial
	case domain.PlanTrial, domain.PlanStarter, domain.PlanPro:
	default:
		return domain.Validationf(op, "unknown plan %q", team.Plan)
	}
	team.InvoiceSequence = 0
	team.CreatedAt = s.clock()
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return fmt.Errorf("CreateTeam: %w", err)
	}
	return nil
}

// UpsertBankAccount registers or updates a synced bank account.
func (s *Service) UpsertBankAccount(ctx context.Context, account *domain.BankAccount) error {
	const op = "UpsertBankAccount"
	if err := domain.RequireTeam(op, account.TeamID); err != nil {
		return err
	}
	if strings.TrimSpace(account.ID) == "" {
		return domain.Validationf(op, "bank account id is required")
	}
	ccy, err := domain.ParseCurrency(op, account.Currency)
	if err != nil {
		return err
	}
	account.Currency = ccy
	if account.Status == "" {
		account.Status = domain.BankUnknown
	}
	if _, err := domain.ParseBankConnectionStatus(op, string(account.Status)); err != nil {
		return err
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.clock()
	}
	return s.store.UpsertBankAccount(ctx, account)
}

// UpsertCategory creates or renames a category. VAT is a percentage in [0, 100].
func (s *Service) UpsertCategory(ctx context.Context, teamID domain.TeamID, slug, name string, vat decimal.Decimal) (*domain.TransactionCategory, error) {
	const op = "UpsertCategory"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	slug, err := normalizeSlug(op, slug)
	if err != nil {
		return nil, err
	}
	if vat.IsNegative() || vat.GreaterThan(decimal.NewFromInt(100)) {
		return nil, domain.Validationf(op, "vat %s must be between 0 and 100", vat)
	}
	if strings.TrimSpace(name) == "" {
		name = slug
	}
	c := &domain.TransactionCategory{
		TeamID:    teamID,
		Slug:      slug,
		Name:      strings.TrimSpace(name),
		VAT:       vat,
		CreatedAt: s.clock(),
	}
	if err := s.store.UpsertCategory(ctx, c); err != nil {
		return nil, fmt.Errorf("UpsertCategory: %w", err)
	}
	return c, nil
}

// ListCategories returns a team's categories.
func (s *Service) ListCategories(ctx context.Context, teamID domain.TeamID) ([]*domain.TransactionCategory, error) {
	return s.store.ListCategories(ctx, teamID)
}

// GetTransaction returns one transaction.
func (s *Service) GetTransaction(ctx context.Context, teamID domain.TeamID, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, teamID, id)
}

// ListTransactions returns a team's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, teamID domain.TeamID, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	return s.store.ListTransactions(ctx, teamID, filter)
}

func normalizeSlug(op, slug string) (string, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return "", domain.Validationf(op, "category slug is required")
	}
	for _, r := range slug {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return "", domain.Validationf(op, "category slug %q may only contain a-z, 0-9, '-' and '_'", slug)
		}
	}
	return slug, nil
}

func (s *Service) record(ctx context.Context, teamID domain.TeamID, typ domain.ActivityType, source domain.ActivitySource, metadata map[string]any) {
	if s.activities == nil {
		return
	}
	if _, err := s.activities.Record(ctx, teamID, typ, source, metadata); err != nil {
		s.log.Error().Err(err).
			Str("team_id", string(teamID)).
			Str("type", string(typ)).
			Msg("Failed to record activity")
	}
}
