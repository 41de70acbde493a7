// Package reconcile drives inbox items through their state machine and links
// them to bank transactions.
package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dvloznov/teamledger/internal/config"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/fx"
	"github.com/dvloznov/teamledger/internal/keylock"
	"github.com/dvloznov/teamledger/internal/store"
)

// Store is the persistence the engine needs.
type Store interface {
	store.TeamRepository
	store.TransactionRepository
	store.InboxRepository
	store.SuggestionRepository
	store.AttachmentRepository
}

// Scorer is the similarity provider. Scores are in [0, 1].
type Scorer interface {
	Score(ctx context.Context, item *domain.Inbox, tx *domain.Transaction) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, item *domain.Inbox, tx *domain.Transaction) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, item *domain.Inbox, tx *domain.Transaction) (float64, error) {
	return f(ctx, item, tx)
}

// Extractor pulls amount, currency and date out of an item's documents.
type Extractor interface {
	Extract(ctx context.Context, item *domain.Inbox, attachments []*domain.Attachment) (domain.InboxExtraction, error)
}

// BlobStore keeps attachment bytes and returns a URI for them.
type BlobStore interface {
	Put(ctx context.Context, teamID domain.TeamID, inboxID, name, contentType string, data []byte) (string, error)
}

// Publisher schedules background analysis of an inbox item.
type Publisher interface {
	PublishAnalyzeInbox(ctx context.Context, teamID domain.TeamID, inboxID string) error
}

// ActivityRecorder appends activities.
type ActivityRecorder interface {
	Record(ctx context.Context, teamID domain.TeamID, typ domain.ActivityType, source domain.ActivitySource, metadata map[string]any) (string, error)
}

// Engine is the inbox reconciliation engine.
type Engine struct {
	store      Store
	scorer     Scorer
	fx         fx.Converter
	activities ActivityRecorder
	policy     config.Matching
	rule       *Rule

	extractor Extractor
	blobs     BlobStore
	publisher Publisher

	ids    domain.IDGenerator
	clock  domain.Clock
	locks  *keylock.Locker
	flight singleflight.Group
	log    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtractor sets the content-extraction collaborator.
func WithExtractor(x Extractor) Option { return func(e *Engine) { e.extractor = x } }

// WithBlobStore sets where attachment bytes are kept.
func WithBlobStore(b BlobStore) Option { return func(e *Engine) { e.blobs = b } }

// WithPublisher sets the job publisher notified of new items.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithIDs sets the identifier generator.
func WithIDs(ids domain.IDGenerator) Option { return func(e *Engine) { e.ids = ids } }

// WithClock sets the clock.
func WithClock(c domain.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLocker shares a key locker with other services.
func WithLocker(l *keylock.Locker) Option { return func(e *Engine) { e.locks = l } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// New creates an Engine. The policy is validated and its rule compiled.
func New(st Store, scorer Scorer, converter fx.Converter, activities ActivityRecorder, policy config.Matching, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("reconcile.New: %w", err)
	}
	rule, err := CompileRule(policy.Rule)
	if err != nil {
		return nil, fmt.Errorf("reconcile.New: %w", err)
	}

	e := &Engine{
		store:      st,
		scorer:     scorer,
		fx:         converter,
		activities: activities,
		policy:     policy,
		rule:       rule,
		ids:        domain.UUIDGenerator{},
		clock:      domain.SystemClock,
		locks:      keylock.New(),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// GetInbox returns one inbox item.
func (e *Engine) GetInbox(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error) {
	return e.store.GetInbox(ctx, teamID, id)
}

// ListInbox returns a team's inbox, newest first.
func (e *Engine) ListInbox(ctx context.Context, teamID domain.TeamID, filter store.InboxFilter) ([]*domain.Inbox, error) {
	return e.store.ListInbox(ctx, teamID, filter)
}

// ListSuggestions returns an item's suggestions by rank.
func (e *Engine) ListSuggestions(ctx context.Context, teamID domain.TeamID, inboxID string) ([]*domain.MatchSuggestion, error) {
	if _, err := e.store.GetInbox(ctx, teamID, inboxID); err != nil {
		return nil, err
	}
	return e.store.ListSuggestions(ctx, teamID, inboxID)
}

func (e *Engine) record(ctx context.Context, teamID domain.TeamID, typ domain.ActivityType, source domain.ActivitySource, metadata map[string]any) {
	if e.activities == nil {
		return
	}
	if _, err := e.activities.Record(ctx, teamID, typ, source, metadata); err != nil {
		e.log.Error().Err(err).
			Str("team_id", string(teamID)).
			Str("type", string(typ)).
			Msg("Failed to record activity")
	}
}

func inboxMetadata(item *domain.Inbox) map[string]any {
	m := map[string]any{
		"inbox_id":     item.ID,
		"reference_id": item.ReferenceID,
	}
	if item.DisplayName != "" {
		m["display_name"] = item.DisplayName
	}
	if item.Amount.Valid {
		m["amount"] = item.Amount.Decimal.String()
		m["currency"] = item.Currency
	}
	if item.TransactionID != "" {
		m["transaction_id"] = item.TransactionID
	}
	return m
}
