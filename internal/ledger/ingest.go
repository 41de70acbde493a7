package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/keylock"
)

// ExternalTransaction is a record pushed by bank sync. Amount is a decimal
// string so no binary float ever touches it. The pointer and slice fields are
// user-owned: nil means "not provided" and keeps whatever is stored.
type ExternalTransaction struct {
	InternalID    string    `json:"internal_id"`
	Date          time.Time `json:"date"`
	Name          string    `json:"name"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Method        string    `json:"method"`
	Status        string    `json:"status,omitempty"`
	BankAccountID string    `json:"bank_account_id,omitempty"`

	CategorySlug *string  `json:"category_slug,omitempty"`
	Note         *string  `json:"note,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	AssignedID   *string  `json:"assigned_id,omitempty"`
}

// Outcome is what an ingestion did to the stored row.
type Outcome string

const (
	Created   Outcome = "created"
	Enriched  Outcome = "enriched"
	Unchanged Outcome = "unchanged"
)

// IngestResult reports one ingested record.
type IngestResult struct {
	InternalID  string              `json:"internal_id"`
	Outcome     Outcome             `json:"outcome,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Err         error               `json:"-"`
}

// IngestTransaction stores rec for teamID, or merges it into the row already
// stored under the same internal id. The first ingestion emits
// transactions_created; a merge that changes something emits
// transactions_enriched; an identical re-ingestion emits nothing.
func (s *Service) IngestTransaction(ctx context.Context, teamID domain.TeamID, rec ExternalTransaction) (IngestResult, error) {
	res, err := s.ingest(ctx, teamID, rec)
	if err != nil {
		return res, err
	}
	switch res.Outcome {
	case Created:
		s.record(ctx, teamID, domain.ActivityTransactionsCreated, domain.ActivitySourceSystem, map[string]any{
			"transaction_ids": []string{res.Transaction.ID},
			"count":           1,
		})
	case Enriched:
		s.record(ctx, teamID, domain.ActivityTransactionsEnriched, domain.ActivitySourceSystem, map[string]any{
			"transaction_ids": []string{res.Transaction.ID},
			"count":           1,
		})
	}
	return res, nil
}

// IngestTransactions ingests a batch. Failures are reported per record; the
// batch emits at most one created and one enriched activity.
func (s *Service) IngestTransactions(ctx context.Context, teamID domain.TeamID, recs []ExternalTransaction) ([]IngestResult, error) {
	if err := domain.RequireTeam("IngestTransactions", teamID); err != nil {
		return nil, err
	}

	results := make([]IngestResult, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchConcurrency)
	for i := range recs {
		i := i
		g.Go(func() error {
			res, err := s.ingest(gctx, teamID, recs[i])
			res.InternalID = recs[i].InternalID
			res.Err = err
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var created, enriched []string
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.log.Warn().Err(r.Err).
				Str("team_id", string(teamID)).
				Str("internal_id", r.InternalID).
				Msg("Transaction ingestion failed")
		case r.Outcome == Created:
			created = append(created, r.Transaction.ID)
		case r.Outcome == Enriched:
			enriched = append(enriched, r.Transaction.ID)
		}
	}
	if len(created) > 0 {
		s.record(ctx, teamID, domain.ActivityTransactionsCreated, domain.ActivitySourceSystem, map[string]any{
			"transaction_ids": created,
			"count":           len(created),
		})
	}
	if len(enriched) > 0 {
		s.record(ctx, teamID, domain.ActivityTransactionsEnriched, domain.ActivitySourceSystem, map[string]any{
			"transaction_ids": enriched,
			"count":           len(enriched),
		})
	}

	s.log.Info().
		Str("team_id", string(teamID)).
		Int("records", len(recs)).
		Int("created", len(created)).
		Int("enriched", len(enriched)).
		Msg("Ingested transaction batch")
	return results, nil
}

// normalized is a validated ExternalTransaction.
type normalized struct {
	ExternalTransaction
	amount   decimal.Decimal
	currency string
	method   domain.TransactionMethod
	status   domain.TransactionStatus
	tags     []string
}

func (s *Service) validate(op string, teamID domain.TeamID, rec ExternalTransaction) (normalized, error) {
	n := normalized{ExternalTransaction: rec}
	if err := domain.RequireTeam(op, teamID); err != nil {
		return n, err
	}
	n.InternalID = strings.TrimSpace(rec.InternalID)
	if n.InternalID == "" {
		return n, domain.Validationf(op, "internal_id is required")
	}
	if rec.Date.IsZero() {
		return n, domain.Validationf(op, "date is required")
	}
	n.Date = domain.DateOnly(rec.Date)

	var err error
	if n.amount, err = domain.ParseAmount(op, rec.Amount); err != nil {
		return n, err
	}
	if n.currency, err = domain.ParseCurrency(op, rec.Currency); err != nil {
		return n, err
	}
	if n.method, err = domain.ParseTransactionMethod(op, rec.Method); err != nil {
		return n, err
	}
	n.status = domain.TxPosted
	if rec.Status != "" {
		if n.status, err = domain.ParseTransactionStatus(op, rec.Status); err != nil {
			return n, err
		}
	}
	if rec.CategorySlug != nil && *rec.CategorySlug != "" {
		slug, err := normalizeSlug(op, *rec.CategorySlug)
		if err != nil {
			return n, err
		}
		n.CategorySlug = &slug
	}
	if rec.Tags != nil {
		n.tags = normalizeTags(rec.Tags)
	}
	return n, nil
}

// ingest validates rec, checks its references and creates or merges the row
// under a per-key lock. A conflicting concurrent write is retried once
// against the reloaded row.
func (s *Service) ingest(ctx context.Context, teamID domain.TeamID, rec ExternalTransaction) (IngestResult, error) {
	const op = "IngestTransaction"
	n, err := s.validate(op, teamID, rec)
	if err != nil {
		return IngestResult{InternalID: rec.InternalID}, err
	}
	res := IngestResult{InternalID: n.InternalID}

	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return res, err
	}
	if err := s.checkReferences(ctx, op, teamID, n); err != nil {
		return res, err
	}

	unlock := s.locks.Lock(keylock.Key("tx", string(teamID), n.InternalID))
	defer unlock()

	for attempt := 0; ; attempt++ {
		res, err = s.upsert(ctx, team, n)
		if err == nil || !domain.IsConflict(err) || attempt > 0 {
			return res, err
		}
		s.log.Debug().
			Str("team_id", string(teamID)).
			Str("internal_id", n.InternalID).
			Msg("Concurrent transaction write, reloading")
	}
}

func (s *Service) checkReferences(ctx context.Context, op string, teamID domain.TeamID, n normalized) error {
	if n.BankAccountID != "" {
		account, err := s.store.GetBankAccount(ctx, teamID, n.BankAccountID)
		if err != nil {
			return err
		}
		if account.Status == domain.BankDisconnected {
			return domain.Conflictf(op, "bank account %s is disconnected", account.ID)
		}
	}
	if n.CategorySlug != nil && *n.CategorySlug != "" {
		if _, err := s.store.GetCategory(ctx, teamID, *n.CategorySlug); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) upsert(ctx context.Context, team *domain.Team, n normalized) (IngestResult, error) {
	res := IngestResult{InternalID: n.InternalID}

	existing, err := s.store.FindTransactionByInternalID(ctx, team.ID, n.InternalID)
	if err != nil {
		return res, fmt.Errorf("IngestTransaction: loading existing: %w", err)
	}

	if existing == nil {
		tx := &domain.Transaction{
			ID:         s.ids.NewID(),
			TeamID:     team.ID,
			InternalID: n.InternalID,
			Status:     n.status,
			CreatedAt:  s.clock(),
		}
		applyBankFields(tx, n)
		applyUserFields(tx, n)
		if err := s.convert(ctx, team, tx); err != nil {
			return res, err
		}
		tx.UpdatedAt = tx.CreatedAt
		if err := s.store.InsertTransaction(ctx, tx); err != nil {
			return res, fmt.Errorf("IngestTransaction: inserting: %w", err)
		}
		res.Outcome, res.Transaction = Created, tx
		return res, nil
	}

	merged := existing.Clone()
	applyBankFields(merged, n)
	applyUserFields(merged, n)
	if merged.Status != n.status && merged.Status.CanTransition(n.status) {
		merged.Status = n.status
	}
	if needsConversion(existing, merged, team.BaseCurrency) {
		if err := s.convert(ctx, team, merged); err != nil {
			return res, err
		}
	}

	if sameContent(existing, merged) {
		res.Outcome, res.Transaction = Unchanged, existing
		return res, nil
	}
	merged.UpdatedAt = s.clock()
	if err := s.store.UpdateTransaction(ctx, merged); err != nil {
		return res, fmt.Errorf("IngestTransaction: updating: %w", err)
	}
	res.Outcome, res.Transaction = Enriched, merged
	return res, nil
}

// convert fills the base amount. A provider failure aborts the write.
func (s *Service) convert(ctx context.Context, team *domain.Team, tx *domain.Transaction) error {
	base := team.BaseCurrency
	if base == "" {
		base = tx.Currency
	}
	conv, err := s.fx.Convert(ctx, tx.Amount, tx.Currency, base, tx.Date)
	if err != nil {
		if domain.IsDependency(err) {
			return err
		}
		return domain.Dependency("IngestTransaction", "exchange-rate provider", err)
	}
	tx.BaseAmount = decimal.NewNullDecimal(conv.Amount)
	tx.BaseCurrency = base
	return nil
}

func applyBankFields(tx *domain.Transaction, n normalized) {
	tx.Date = n.Date
	tx.Name = strings.TrimSpace(n.Name)
	tx.Method = n.method
	tx.Amount = n.amount
	tx.Currency = n.currency
	if n.BankAccountID != "" {
		tx.BankAccountID = n.BankAccountID
	}
}

// applyUserFields overwrites only the user-owned fields the record provides.
func applyUserFields(tx *domain.Transaction, n normalized) {
	if n.CategorySlug != nil {
		tx.CategorySlug = *n.CategorySlug
	}
	if n.Note != nil {
		tx.Note = *n.Note
	}
	if n.ExternalTransaction.Tags != nil {
		tx.Tags = n.tags
	}
	if n.AssignedID != nil {
		tx.AssignedID = *n.AssignedID
	}
}

func needsConversion(before, after *domain.Transaction, base string) bool {
	return !before.BaseAmount.Valid ||
		before.BaseCurrency != base ||
		!before.Amount.Equal(after.Amount) ||
		before.Currency != after.Currency ||
		!before.Date.Equal(after.Date)
}

func sameContent(a, b *domain.Transaction) bool {
	return a.Date.Equal(b.Date) &&
		a.Name == b.Name &&
		a.Method == b.Method &&
		a.Amount.Equal(b.Amount) &&
		a.Currency == b.Currency &&
		a.BaseAmount.Valid == b.BaseAmount.Valid &&
		a.BaseAmount.Decimal.Equal(b.BaseAmount.Decimal) &&
		a.BaseCurrency == b.BaseCurrency &&
		a.BankAccountID == b.BankAccountID &&
		a.Status == b.Status &&
		a.CategorySlug == b.CategorySlug &&
		a.Note == b.Note &&
		sameTags(a.Tags, b.Tags) &&
		a.AssignedID == b.AssignedID &&
		a.UserSet == b.UserSet
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// normalizeTags lower-cases, trims and de-duplicates tags, keeping order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
