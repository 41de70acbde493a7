// Package sqlstore implements store.Store on gorm with the SQLite driver.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/store"
)

// Store is a gorm-backed store. SQLite allows one writer, so the pool is
// capped at a single connection and every read-check-write runs inside a
// transaction on it.
type Store struct {
	db *gorm.DB
}

// Open connects to the SQLite database at path (":memory:" for a throwaway
// database) and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("Open: connecting to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("Open: getting connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates every table.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	return sqlDB.Close()
}

// classify maps gorm errors onto domain kinds.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.NotFoundf(op, "record not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.Conflictf(op, "duplicate key")
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// team scopes a query to one tenant.
func (s *Store) team(ctx context.Context, teamID domain.TeamID) *gorm.DB {
	return s.db.WithContext(ctx).Where("team_id = ?", string(teamID))
}

// ---- teams ----

// CreateTeam implements store.TeamRepository.
func (s *Store) CreateTeam(ctx context.Context, team *domain.Team) error {
	if err := domain.RequireTeam("CreateTeam", team.ID); err != nil {
		return err
	}
	return classify("CreateTeam", s.db.WithContext(ctx).Create(fromTeam(team)).Error)
}

// GetTeam implements store.TeamRepository.
func (s *Store) GetTeam(ctx context.Context, teamID domain.TeamID) (*domain.Team, error) {
	if err := domain.RequireTeam("GetTeam", teamID); err != nil {
		return nil, err
	}
	var row teamRow
	if err := s.db.WithContext(ctx).Where("id = ?", string(teamID)).First(&row).Error; err != nil {
		return nil, classify("GetTeam", err)
	}
	return row.toDomain(), nil
}

// ListTeamIDs implements store.TeamRepository.
func (s *Store) ListTeamIDs(ctx context.Context) ([]domain.TeamID, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&teamRow{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, classify("ListTeamIDs", err)
	}
	result := make([]domain.TeamID, len(ids))
	for i, id := range ids {
		result[i] = domain.TeamID(id)
	}
	return result, nil
}

// nextInvoiceNumber increments the team sequence inside tx and returns the
// new value.
func nextInvoiceNumber(tx *gorm.DB, teamID domain.TeamID) (int64, error) {
	res := tx.Model(&teamRow{}).Where("id = ?", string(teamID)).
		UpdateColumn("invoice_sequence", gorm.Expr("invoice_sequence + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, domain.NotFoundf("IssueInvoice", "team %s not found", teamID)
	}
	var seq []int64
	if err := tx.Model(&teamRow{}).Where("id = ?", string(teamID)).Pluck("invoice_sequence", &seq).Error; err != nil {
		return 0, err
	}
	return seq[0], nil
}

// ---- bank accounts ----

// UpsertBankAccount implements store.BankAccountRepository.
func (s *Store) UpsertBankAccount(ctx context.Context, account *domain.BankAccount) error {
	if err := domain.RequireTeam("UpsertBankAccount", account.TeamID); err != nil {
		return err
	}
	return classify("UpsertBankAccount", s.db.WithContext(ctx).Save(fromBankAccount(account)).Error)
}

// GetBankAccount implements store.BankAccountRepository.
func (s *Store) GetBankAccount(ctx context.Context, teamID domain.TeamID, id string) (*domain.BankAccount, error) {
	if err := domain.RequireTeam("GetBankAccount", teamID); err != nil {
		return nil, err
	}
	var row bankAccountRow
	if err := s.team(ctx, teamID).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, classify("GetBankAccount", err)
	}
	return row.toDomain(), nil
}

// ---- transactions ----

// InsertTransaction implements store.TransactionRepository.
func (s *Store) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	if err := domain.RequireTeam("InsertTransaction", t.TeamID); err != nil {
		return err
	}
	row := fromTransaction(t)
	row.Version = 1
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return classify("InsertTransaction", err)
	}
	t.Version = 1
	return nil
}

// UpdateTransaction implements store.TransactionRepository.
func (s *Store) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	if err := domain.RequireTeam("UpdateTransaction", t.TeamID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored transactionRow
		if err := tx.Where("team_id = ? AND id = ?", string(t.TeamID), t.ID).First(&stored).Error; err != nil {
			return err
		}
		if stored.Version != t.Version {
			return domain.Conflictf("UpdateTransaction", "transaction %s changed concurrently (version %d, have %d)",
				t.ID, stored.Version, t.Version)
		}
		row := fromTransaction(t)
		row.InternalID = stored.InternalID
		row.Version = t.Version + 1
		return tx.Save(row).Error
	})
	if err != nil {
		return classify("UpdateTransaction", err)
	}
	t.Version++
	return nil
}

// GetTransaction implements store.TransactionRepository.
func (s *Store) GetTransaction(ctx context.Context, teamID domain.TeamID, id string) (*domain.Transaction, error) {
	if err := domain.RequireTeam("GetTransaction", teamID); err != nil {
		return nil, err
	}
	var row transactionRow
	if err := s.team(ctx, teamID).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, classify("GetTransaction", err)
	}
	return row.toDomain(), nil
}

// FindTransactionByInternalID implements store.TransactionRepository.
func (s *Store) FindTransactionByInternalID(ctx context.Context, teamID domain.TeamID, internalID string) (*domain.Transaction, error) {
	if err := domain.RequireTeam("FindTransactionByInternalID", teamID); err != nil {
		return nil, err
	}
	var rows []transactionRow
	if err := s.team(ctx, teamID).Where("internal_id = ?", internalID).Limit(1).Find(&rows).Error; err != nil {
		return nil, classify("FindTransactionByInternalID", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, teamID domain.TeamID, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	if err := domain.RequireTeam("ListTransactions", teamID); err != nil {
		return nil, err
	}
	q := s.team(ctx, teamID)
	if !filter.From.IsZero() {
		q = q.Where("date >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		q = q.Where("date <= ?", filter.To.UTC())
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.CategorySlug != "" {
		q = q.Where("category_slug = ?", filter.CategorySlug)
	}
	q = paginate(q.Order("date DESC").Order("id DESC"), filter.Offset, filter.Limit)

	var rows []transactionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify("ListTransactions", err)
	}
	result := make([]*domain.Transaction, len(rows))
	for i := range rows {
		result[i] = rows[i].toDomain()
	}
	return result, nil
}

// ---- categories ----

// UpsertCategory implements store.CategoryRepository.
func (s *Store) UpsertCategory(ctx context.Context, category *domain.TransactionCategory) error {
	if err := domain.RequireTeam("UpsertCategory", category.TeamID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := fromCategory(category)
		var existing []categoryRow
		if err := tx.Where("team_id = ? AND slug = ?", row.TeamID, row.Slug).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			row.CreatedAt = existing[0].CreatedAt
		}
		return tx.Save(row).Error
	})
	return classify("UpsertCategory", err)
}

// GetCategory implements store.CategoryRepository.
func (s *Store) GetCategory(ctx context.Context, teamID domain.TeamID, slug string) (*domain.TransactionCategory, error) {
	if err := domain.RequireTeam("GetCategory", teamID); err != nil {
		return nil, err
	}
	var row categoryRow
	if err := s.team(ctx, teamID).Where("slug = ?", slug).First(&row).Error; err != nil {
		return nil, classify("GetCategory", err)
	}
	return row.toDomain(), nil
}

// ListCategories implements store.CategoryRepository.
func (s *Store) ListCategories(ctx context.Context, teamID domain.TeamID) ([]*domain.TransactionCategory, error) {
	if err := domain.RequireTeam("ListCategories", teamID); err != nil {
		return nil, err
	}
	var rows []categoryRow
	if err := s.team(ctx, teamID).Order("slug").Find(&rows).Error; err != nil {
		return nil, classify("ListCategories", err)
	}
	result := make([]*domain.TransactionCategory, len(rows))
	for i := range rows {
		result[i] = rows[i].toDomain()
	}
	return result, nil
}

// ---- inbox ----

// InsertInbox implements store.InboxRepository.
func (s *Store) InsertInbox(ctx context.Context, item *domain.Inbox, attachments []*domain.Attachment) error {
	if err := domain.RequireTeam("InsertInbox", item.TeamID); err != nil {
		return err
	}
	for _, a := range attachments {
		if a.TeamID != item.TeamID || a.InboxID != item.ID {
			return domain.Validationf("InsertInbox", "attachment %s does not belong to inbox item %s", a.ID, item.ID)
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(fromInbox(item)).Error; err != nil {
			return err
		}
		for _, a := range attachments {
			if err := tx.Create(fromAttachment(a)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return classify("InsertInbox", err)
}

// GetInbox implements store.InboxRepository.
func (s *Store) GetInbox(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error) {
	if err := domain.RequireTeam("GetInbox", teamID); err != nil {
		return nil, err
	}
	var row inboxRow
	if err := s.team(ctx, teamID).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, classify("GetInbox", err)
	}
	return row.toDomain(), nil
}

// FindInboxByReferenceID implements store.InboxRepository.
func (s *Store) FindInboxByReferenceID(ctx context.Context, teamID domain.TeamID, referenceID string) (*domain.Inbox, error) {
	if err := domain.RequireTeam("FindInboxByReferenceID", teamID); err != nil {
		return nil, err
	}
	var rows []inboxRow
	if err := s.team(ctx, teamID).Where("reference_id = ?", referenceID).Limit(1).Find(&rows).Error; err != nil {
		return nil, classify("FindInboxByReferenceID", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

// UpdateInbox implements store.InboxRepository.
func (s *Store) UpdateInbox(ctx context.Context, item *domain.Inbox, expected domain.InboxStatus) error {
	if err := domain.RequireTeam("UpdateInbox", item.TeamID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := expectInbox(tx, "UpdateInbox", item, expected)
		if err != nil {
			return err
		}
		if err := checkLinkFree(tx, "UpdateInbox", item); err != nil {
			return err
		}
		return saveInbox(tx, item, stored)
	})
	return classify("UpdateInbox", err)
}

// ListInbox implements store.InboxRepository.
func (s *Store) ListInbox(ctx context.Context, teamID domain.TeamID, filter store.InboxFilter) ([]*domain.Inbox, error) {
	if err := domain.RequireTeam("ListInbox", teamID); err != nil {
		return nil, err
	}
	q := s.team(ctx, teamID)
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.TransactionID != "" {
		q = q.Where("transaction_id = ?", filter.TransactionID)
	}
	q = paginate(q.Order("created_at DESC").Order("id DESC"), filter.Offset, filter.Limit)

	var rows []inboxRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify("ListInbox", err)
	}
	result := make([]*domain.Inbox, len(rows))
	for i := range rows {
		result[i] = rows[i].toDomain()
	}
	return result, nil
}

func expectInbox(tx *gorm.DB, op string, item *domain.Inbox, expected domain.InboxStatus) (*inboxRow, error) {
	var stored inboxRow
	err := tx.Where("team_id = ? AND id = ?", string(item.TeamID), item.ID).First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFoundf(op, "inbox item %s not found", item.ID)
	}
	if err != nil {
		return nil, err
	}
	if domain.InboxStatus(stored.Status) != expected {
		return nil, domain.Conflictf(op, "inbox item %s is %s, expected %s", item.ID, stored.Status, expected)
	}
	return &stored, nil
}

func checkLinkFree(tx *gorm.DB, op string, item *domain.Inbox) error {
	if item.Status != domain.InboxDone {
		return nil
	}
	var other []inboxRow
	err := tx.Where("team_id = ? AND status = ? AND transaction_id = ? AND id <> ?",
		string(item.TeamID), string(domain.InboxDone), item.TransactionID, item.ID).Limit(1).Find(&other).Error
	if err != nil {
		return err
	}
	if len(other) > 0 {
		return domain.Conflictf(op, "transaction %s already matched to inbox item %s", item.TransactionID, other[0].ID)
	}
	return nil
}

func saveInbox(tx *gorm.DB, item *domain.Inbox, stored *inboxRow) error {
	row := fromInbox(item)
	row.ReferenceID = stored.ReferenceID
	return tx.Save(row).Error
}

// ---- suggestions ----

// CommitAnalysis implements store.SuggestionRepository.
func (s *Store) CommitAnalysis(ctx context.Context, item *domain.Inbox, suggestions []*domain.MatchSuggestion) error {
	if err := domain.RequireTeam("CommitAnalysis", item.TeamID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := expectInbox(tx, "CommitAnalysis", item, domain.InboxAnalyzing)
		if err != nil {
			return err
		}
		if err := checkLinkFree(tx, "CommitAnalysis", item); err != nil {
			return err
		}
		err = tx.Where("team_id = ? AND inbox_id = ? AND status IN ?", string(item.TeamID), item.ID,
			[]string{string(domain.SuggestionPending), string(domain.SuggestionInvalidated)}).
			Delete(&suggestionRow{}).Error
		if err != nil {
			return err
		}
		for _, sg := range suggestions {
			if sg.TeamID != item.TeamID || sg.InboxID != item.ID {
				return domain.Validationf("CommitAnalysis", "suggestion %s does not belong to inbox item %s", sg.ID, item.ID)
			}
			if err := tx.Create(fromSuggestion(sg)).Error; err != nil {
				return err
			}
		}
		return saveInbox(tx, item, stored)
	})
	return classify("CommitAnalysis", err)
}

// ResolveInbox implements store.SuggestionRepository.
func (s *Store) ResolveInbox(ctx context.Context, item *domain.Inbox, expected domain.InboxStatus, confirmedTxID string) error {
	if err := domain.RequireTeam("ResolveInbox", item.TeamID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := expectInbox(tx, "ResolveInbox", item, expected)
		if err != nil {
			return err
		}
		if err := checkLinkFree(tx, "ResolveInbox", item); err != nil {
			return err
		}
		pending := tx.Model(&suggestionRow{}).
			Where("team_id = ? AND inbox_id = ? AND status = ?", string(item.TeamID), item.ID, string(domain.SuggestionPending))
		if confirmedTxID != "" {
			err := tx.Model(&suggestionRow{}).
				Where("team_id = ? AND inbox_id = ? AND status = ? AND transaction_id = ?",
					string(item.TeamID), item.ID, string(domain.SuggestionPending), confirmedTxID).
				Updates(map[string]interface{}{"status": string(domain.SuggestionConfirmed), "updated_at": item.UpdatedAt}).Error
			if err != nil {
				return err
			}
		}
		err = pending.Updates(map[string]interface{}{"status": string(domain.SuggestionInvalidated), "updated_at": item.UpdatedAt}).Error
		if err != nil {
			return err
		}
		return saveInbox(tx, item, stored)
	})
	return classify("ResolveInbox", err)
}

// DeclineSuggestion implements store.SuggestionRepository.
func (s *Store) DeclineSuggestion(ctx context.Context, teamID domain.TeamID, id string) (*domain.MatchSuggestion, error) {
	if err := domain.RequireTeam("DeclineSuggestion", teamID); err != nil {
		return nil, err
	}
	var row suggestionRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("team_id = ? AND id = ?", string(teamID), id).First(&row).Error; err != nil {
			return err
		}
		if row.Status != string(domain.SuggestionPending) {
			return domain.Conflictf("DeclineSuggestion", "suggestion %s is %s", id, row.Status)
		}
		row.Status = string(domain.SuggestionDeclined)
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, classify("DeclineSuggestion", err)
	}
	return row.toDomain(), nil
}

// ListSuggestions implements store.SuggestionRepository.
func (s *Store) ListSuggestions(ctx context.Context, teamID domain.TeamID, inboxID string) ([]*domain.MatchSuggestion, error) {
	if err := domain.RequireTeam("ListSuggestions", teamID); err != nil {
		return nil, err
	}
	var rows []suggestionRow
	if err := s.team(ctx, teamID).Where("inbox_id = ?", inboxID).Order("rank").Order("id").Find(&rows).Error; err != nil {
		return nil, classify("ListSuggestions", err)
	}
	result := make([]*domain.MatchSuggestion, len(rows))
	for i := range rows {
		result[i] = rows[i].toDomain()
	}
	return result, nil
}

// ---- invoices ----

// InsertInvoice implements store.InvoiceRepository.
func (s *Store) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	if err := domain.RequireTeam("InsertInvoice", inv.TeamID); err != nil {
		return err
	}
	return classify("InsertInvoice", s.db.WithContext(ctx).Create(fromInvoice(inv)).Error)
}

// GetInvoice implements store.InvoiceRepository.
func (s *Store) GetInvoice(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error) {
	if err := domain.RequireTeam("GetInvoice", teamID); err != nil {
		return nil, err
	}
	var row invoiceRow
	if err := s.team(ctx, teamID).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, classify("GetInvoice", err)
	}
	return row.toDomain(), nil
}

// GetInvoiceByToken implements store.InvoiceRepository.
func (s *Store) GetInvoiceByToken(ctx context.Context, token string) (*domain.Invoice, error) {
	if token == "" {
		return nil, domain.NotFoundf("GetInvoiceByToken", "invoice not found")
	}
	var row invoiceRow
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		return nil, classify("GetInvoiceByToken", err)
	}
	return row.toDomain(), nil
}

// UpdateInvoice implements store.InvoiceRepository.
func (s *Store) UpdateInvoice(ctx context.Context, inv *domain.Invoice, expected domain.InvoiceStatus) error {
	if err := domain.RequireTeam("UpdateInvoice", inv.TeamID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored invoiceRow
		if err := tx.Where("team_id = ? AND id = ?", string(inv.TeamID), inv.ID).First(&stored).Error; err != nil {
			return err
		}
		if domain.InvoiceStatus(stored.Status) != expected {
			return domain.Conflictf("UpdateInvoice", "invoice %s is %s, expected %s", inv.ID, stored.Status, expected)
		}
		row := fromInvoice(inv)
		row.Token = stored.Token
		return tx.Save(row).Error
	})
	return classify("UpdateInvoice", err)
}

// IssueInvoice implements store.InvoiceRepository.
func (s *Store) IssueInvoice(ctx context.Context, inv *domain.Invoice, expected domain.InvoiceStatus, format func(seq int64) string) error {
	if err := domain.RequireTeam("IssueInvoice", inv.TeamID); err != nil {
		return err
	}
	var number int64
	var rendered string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored invoiceRow
		if err := tx.Where("team_id = ? AND id = ?", string(inv.TeamID), inv.ID).First(&stored).Error; err != nil {
			return err
		}
		if domain.InvoiceStatus(stored.Status) != expected {
			return domain.Conflictf("IssueInvoice", "invoice %s is %s, expected %s", inv.ID, stored.Status, expected)
		}
		if stored.Number != 0 {
			return domain.Conflictf("IssueInvoice", "invoice %s already has number %d", inv.ID, stored.Number)
		}
		seq, err := nextInvoiceNumber(tx, inv.TeamID)
		if err != nil {
			return err
		}
		number, rendered = seq, format(seq)

		row := fromInvoice(inv)
		row.Token = stored.Token
		row.Number = number
		row.InvoiceNumber = &rendered
		return tx.Save(row).Error
	})
	if err != nil {
		return classify("IssueInvoice", err)
	}
	inv.Number, inv.InvoiceNumber = number, rendered
	return nil
}

// ListInvoices implements store.InvoiceRepository.
func (s *Store) ListInvoices(ctx context.Context, teamID domain.TeamID, filter store.InvoiceFilter) ([]*domain.Invoice, error) {
	if err := domain.RequireTeam("ListInvoices", teamID); err != nil {
		return nil, err
	}
	q := s.team(ctx, teamID)
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if !filter.DueBefore.IsZero() {
		q = q.Where("due_date < ?", filter.DueBefore.UTC())
	}
	if !filter.ScheduledBefore.IsZero() {
		q = q.Where("schedule_date IS NOT NULL AND schedule_date <= ?", filter.ScheduledBefore.UTC())
	}
	q = paginate(q.Order("created_at").Order("id"), 0, filter.Limit)

	var rows []invoiceRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify("ListInvoices", err)
	}
	result := make([]*domain.Invoice, len(rows))
	for i := range rows {
		result[i] = rows[i].toDomain()
	}
	return result, nil
}

// InsertCustomer implements store.InvoiceRepository.
func (s *Store) InsertCustomer(ctx context.Context, c *domain.Customer) error {
	if err := domain.RequireTeam("InsertCustomer", c.TeamID); err != nil {
		return err
	}
	row := &customerRow{TeamID: string(c.TeamID), ID: c.ID, Name: c.Name, Email: c.Email, CreatedAt: c.CreatedAt}
	return classify("InsertCustomer", s.db.WithContext(ctx).Create(row).Error)
}

// GetCustomer implements store.InvoiceRepository.
func (s *Store) GetCustomer(ctx context.Context, teamID domain.TeamID, id string) (*domain.Customer, error) {
	if err := domain.RequireTeam("GetCustomer", teamID); err != nil {
		return nil, err
	}
	var row customerRow
	if err := s.team(ctx, teamID).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, classify("GetCustomer", err)
	}
	return &domain.Customer{
		TeamID: domain.TeamID(row.TeamID), ID: row.ID, Name: row.Name, Email: row.Email, CreatedAt: row.CreatedAt.UTC(),
	}, nil
}

// FindInvoiceTemplate implements store.InvoiceRepository.
func (s *Store) FindInvoiceTemplate(ctx context.Context, teamID domain.TeamID) (*domain.InvoiceTemplate, error) {
	if err := domain.RequireTeam("FindInvoiceTemplate", teamID); err != nil {
		return nil, err
	}
	var rows []templateRow
	if err := s.team(ctx, teamID).Limit(1).Find(&rows).Error; err != nil {
		return nil, classify("FindInvoiceTemplate", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &domain.InvoiceTemplate{
		TeamID: domain.TeamID(r.TeamID), NumberPrefix: r.NumberPrefix, NumberPadding: r.NumberPadding,
		Currency: r.Currency, PaymentTermsDays: r.PaymentTermsDays, Note: r.Note, UpdatedAt: r.UpdatedAt.UTC(),
	}, nil
}

// UpsertInvoiceTemplate implements store.InvoiceRepository.
func (s *Store) UpsertInvoiceTemplate(ctx context.Context, tpl *domain.InvoiceTemplate) error {
	if err := domain.RequireTeam("UpsertInvoiceTemplate", tpl.TeamID); err != nil {
		return err
	}
	row := &templateRow{
		TeamID: string(tpl.TeamID), NumberPrefix: tpl.NumberPrefix, NumberPadding: tpl.NumberPadding,
		Currency: tpl.Currency, PaymentTermsDays: tpl.PaymentTermsDays, Note: tpl.Note, UpdatedAt: tpl.UpdatedAt,
	}
	return classify("UpsertInvoiceTemplate", s.db.WithContext(ctx).Save(row).Error)
}

// ---- activities ----

// InsertActivity implements store.ActivityRepository.
func (s *Store) InsertActivity(ctx context.Context, a *domain.Activity) error {
	if err := domain.RequireTeam("InsertActivity", a.TeamID); err != nil {
		return err
	}
	return classify("InsertActivity", s.db.WithContext(ctx).Create(fromActivity(a)).Error)
}

// GetActivity implements store.ActivityRepository.
func (s *Store) GetActivity(ctx context.Context, teamID domain.TeamID, id string) (*domain.Activity, error) {
	if err := domain.RequireTeam("GetActivity", teamID); err != nil {
		return nil, err
	}
	var row activityRow
	if err := s.team(ctx, teamID).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, classify("GetActivity", err)
	}
	return row.toDomain(), nil
}

// ListActivities implements store.ActivityRepository.
func (s *Store) ListActivities(ctx context.Context, teamID domain.TeamID, filter store.ActivityFilter) ([]*domain.Activity, error) {
	if err := domain.RequireTeam("ListActivities", teamID); err != nil {
		return nil, err
	}
	q := s.team(ctx, teamID)
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}
	q = paginate(q.Order("created_at DESC").Order("id DESC"), 0, filter.Limit)

	var rows []activityRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify("ListActivities", err)
	}
	result := make([]*domain.Activity, len(rows))
	for i := range rows {
		result[i] = rows[i].toDomain()
	}
	return result, nil
}

// UpdateActivityStatus implements store.ActivityRepository.
func (s *Store) UpdateActivityStatus(ctx context.Context, teamID domain.TeamID, id string, from, to domain.ActivityStatus) error {
	if err := domain.RequireTeam("UpdateActivityStatus", teamID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row activityRow
		if err := tx.Where("team_id = ? AND id = ?", string(teamID), id).First(&row).Error; err != nil {
			return err
		}
		if domain.ActivityStatus(row.Status) != from {
			return domain.Conflictf("UpdateActivityStatus", "activity %s is %s, expected %s", id, row.Status, from)
		}
		return tx.Model(&activityRow{}).Where("team_id = ? AND id = ?", string(teamID), id).
			UpdateColumn("status", string(to)).Error
	})
	return classify("UpdateActivityStatus", err)
}

// ---- attachments ----

func fromAttachment(a *domain.Attachment) *attachmentRow {
	return &attachmentRow{
		TeamID: string(a.TeamID), ID: a.ID, InboxID: a.InboxID, Name: a.Name,
		ContentType: a.ContentType, Size: a.Size, URI: a.URI, CreatedAt: a.CreatedAt,
	}
}

// ListAttachments implements store.AttachmentRepository.
func (s *Store) ListAttachments(ctx context.Context, teamID domain.TeamID, inboxID string) ([]*domain.Attachment, error) {
	if err := domain.RequireTeam("ListAttachments", teamID); err != nil {
		return nil, err
	}
	var rows []attachmentRow
	if err := s.team(ctx, teamID).Where("inbox_id = ?", inboxID).Order("id").Find(&rows).Error; err != nil {
		return nil, classify("ListAttachments", err)
	}
	result := make([]*domain.Attachment, len(rows))
	for i, r := range rows {
		result[i] = &domain.Attachment{
			TeamID: domain.TeamID(r.TeamID), ID: r.ID, InboxID: r.InboxID, Name: r.Name,
			ContentType: r.ContentType, Size: r.Size, URI: r.URI, CreatedAt: r.CreatedAt.UTC(),
		}
	}
	return result, nil
}

func paginate(q *gorm.DB, offset, limit int) *gorm.DB {
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)
