// Package memory is an in-memory implementation of store.Store.
// It is safe for concurrent use. Each team's data sits behind its own lock,
// so teams never wait on each other. Data is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/store"
)

// partition holds everything owned by one team.
type partition struct {
	mu sync.RWMutex

	team         *domain.Team
	accounts     map[string]*domain.BankAccount
	transactions map[string]*domain.Transaction
	byInternalID map[string]string
	categories   map[string]*domain.TransactionCategory
	inbox        map[string]*domain.Inbox
	byReference  map[string]string
	suggestions  map[string]*domain.MatchSuggestion
	invoices     map[string]*domain.Invoice
	customers    map[string]*domain.Customer
	template     *domain.InvoiceTemplate
	activities   map[string]*domain.Activity
	attachments  map[string]*domain.Attachment
}

func newPartition() *partition {
	return &partition{
		accounts:     make(map[string]*domain.BankAccount),
		transactions: make(map[string]*domain.Transaction),
		byInternalID: make(map[string]string),
		categories:   make(map[string]*domain.TransactionCategory),
		inbox:        make(map[string]*domain.Inbox),
		byReference:  make(map[string]string),
		suggestions:  make(map[string]*domain.MatchSuggestion),
		invoices:     make(map[string]*domain.Invoice),
		customers:    make(map[string]*domain.Customer),
		activities:   make(map[string]*domain.Activity),
		attachments:  make(map[string]*domain.Attachment),
	}
}

type tokenRef struct {
	team domain.TeamID
	id   string
}

// Store implements store.Store in memory. mu guards only the team map;
// tokenMu guards the global public-token index.
type Store struct {
	mu    sync.Mutex
	teams map[domain.TeamID]*partition

	tokenMu sync.RWMutex
	tokens  map[string]tokenRef
}

// New creates an empty store.
func New() *Store {
	return &Store{
		teams:  make(map[domain.TeamID]*partition),
		tokens: make(map[string]tokenRef),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func (s *Store) lookup(teamID domain.TeamID) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teams[teamID]
}

// rlock read-locks the team's partition. p is nil when nothing was ever
// written for the team; unlock is always safe to call.
func (s *Store) rlock(teamID domain.TeamID) (p *partition, unlock func()) {
	p = s.lookup(teamID)
	if p == nil {
		return nil, func() {}
	}
	p.mu.RLock()
	return p, p.mu.RUnlock
}

// lock write-locks the team's existing partition, or returns nil.
func (s *Store) lock(teamID domain.TeamID) (p *partition, unlock func()) {
	p = s.lookup(teamID)
	if p == nil {
		return nil, func() {}
	}
	p.mu.Lock()
	return p, p.mu.Unlock
}

// create write-locks the team's partition, creating it first.
func (s *Store) create(teamID domain.TeamID) (p *partition, unlock func()) {
	s.mu.Lock()
	p, ok := s.teams[teamID]
	if !ok {
		p = newPartition()
		s.teams[teamID] = p
	}
	s.mu.Unlock()

	p.mu.Lock()
	return p, p.mu.Unlock
}

// ---- teams ----

// CreateTeam implements store.TeamRepository.
func (s *Store) CreateTeam(ctx context.Context, team *domain.Team) error {
	if err := domain.RequireTeam("CreateTeam", team.ID); err != nil {
		return err
	}
	p, unlock := s.create(team.ID)
	defer unlock()
	if p.team != nil {
		return domain.Conflictf("CreateTeam", "team %s already exists", team.ID)
	}
	c := *team
	p.team = &c
	return nil
}

// GetTeam implements store.TeamRepository.
func (s *Store) GetTeam(ctx context.Context, teamID domain.TeamID) (*domain.Team, error) {
	if err := domain.RequireTeam("GetTeam", teamID); err != nil {
		return nil, err
	}
	p, unlock := s.rlock(teamID)
	defer unlock()
	if p == nil || p.team == nil {
		return nil, domain.NotFoundf("GetTeam", "team %s not found", teamID)
	}
	c := *p.team
	return &c, nil
}

// ListTeamIDs implements store.TeamRepository.
func (s *Store) ListTeamIDs(ctx context.Context) ([]domain.TeamID, error) {
	s.mu.Lock()
	parts := make(map[domain.TeamID]*partition, len(s.teams))
	for id, p := range s.teams {
		parts[id] = p
	}
	s.mu.Unlock()

	ids := make([]domain.TeamID, 0, len(parts))
	for id, p := range parts {
		p.mu.RLock()
		if p.team != nil {
			ids = append(ids, id)
		}
		p.mu.RUnlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ---- bank accounts ----

// UpsertBankAccount implements store.BankAccountRepository.
func (s *Store) UpsertBankAccount(ctx context.Context, account *domain.BankAccount) error {
	if err := domain.RequireTeam("UpsertBankAccount", account.TeamID); err != nil {
		return err
	}
	p, unlock := s.create(account.TeamID)
	defer unlock()

	c := *account
	p.accounts[account.ID] = &c
	return nil
}

// GetBankAccount implements store.BankAccountRepository.
func (s *Store) GetBankAccount(ctx context.Context, teamID domain.TeamID, id string) (*domain.BankAccount, error) {
	if err := domain.RequireTeam("GetBankAccount", teamID); err != nil {
		return nil, err
	}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		if a, ok := p.accounts[id]; ok {
			c := *a
			return &c, nil
		}
	}
	return nil, domain.NotFoundf("GetBankAccount", "bank account %s not found", id)
}

// ---- transactions ----

// InsertTransaction implements store.TransactionRepository.
func (s *Store) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := domain.RequireTeam("InsertTransaction", tx.TeamID); err != nil {
		return err
	}
	p, unlock := s.create(tx.TeamID)
	defer unlock()
	if _, ok := p.byInternalID[tx.InternalID]; ok {
		return domain.Conflictf("InsertTransaction", "internal_id %s already ingested", tx.InternalID)
	}
	if _, ok := p.transactions[tx.ID]; ok {
		return domain.Conflictf("InsertTransaction", "transaction %s already exists", tx.ID)
	}
	tx.Version = 1
	p.transactions[tx.ID] = tx.Clone()
	p.byInternalID[tx.InternalID] = tx.ID
	return nil
}

// UpdateTransaction implements store.TransactionRepository.
func (s *Store) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := domain.RequireTeam("UpdateTransaction", tx.TeamID); err != nil {
		return err
	}
	p, unlock := s.lock(tx.TeamID)
	defer unlock()
	if p == nil || p.transactions[tx.ID] == nil {
		return domain.NotFoundf("UpdateTransaction", "transaction %s not found", tx.ID)
	}
	stored := p.transactions[tx.ID]
	if stored.Version != tx.Version {
		return domain.Conflictf("UpdateTransaction", "transaction %s changed concurrently (version %d, have %d)",
			tx.ID, stored.Version, tx.Version)
	}
	tx.Version++
	c := tx.Clone()
	c.InternalID = stored.InternalID
	p.transactions[tx.ID] = c
	return nil
}

// GetTransaction implements store.TransactionRepository.
func (s *Store) GetTransaction(ctx context.Context, teamID domain.TeamID, id string) (*domain.Transaction, error) {
	if err := domain.RequireTeam("GetTransaction", teamID); err != nil {
		return nil, err
	}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		if tx, ok := p.transactions[id]; ok {
			return tx.Clone(), nil
		}
	}
	return nil, domain.NotFoundf("GetTransaction", "transaction %s not found", id)
}

// FindTransactionByInternalID implements store.TransactionRepository.
func (s *Store) FindTransactionByInternalID(ctx context.Context, teamID domain.TeamID, internalID string) (*domain.Transaction, error) {
	if err := domain.RequireTeam("FindTransactionByInternalID", teamID); err != nil {
		return nil, err
	}
	p, unlock := s.rlock(teamID)
	defer unlock()
	if p == nil {
		return nil, nil
	}
	id, ok := p.byInternalID[internalID]
	if !ok {
		return nil, nil
	}
	return p.transactions[id].Clone(), nil
}

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, teamID domain.TeamID, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	if err := domain.RequireTeam("ListTransactions", teamID); err != nil {
		return nil, err
	}
	p, unlock := s.rlock(teamID)
	defer unlock()
	if p == nil {
		return []*domain.Transaction{}, nil
	}

	result := []*domain.Transaction{}
	for _, tx := range p.transactions {
		if !filter.From.IsZero() && tx.Date.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && tx.Date.After(filter.To) {
			continue
		}
		if len(filter.Statuses) > 0 && !contains(filter.Statuses, tx.Status) {
			continue
		}
		if filter.CategorySlug != "" && tx.CategorySlug != filter.CategorySlug {
			continue
		}
		result = append(result, tx.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.After(result[j].Date)
		}
		return result[i].ID > result[j].ID
	})
	return page(result, filter.Offset, filter.Limit), nil
}

// ---- categories ----

// UpsertCategory implements store.CategoryRepository.
func (s *Store) UpsertCategory(ctx context.Context, category *domain.TransactionCategory) error {
	if err := domain.RequireTeam("UpsertCategory", category.TeamID); err != nil {
		return err
	}
	p, unlock := s.create(category.TeamID)
	defer unlock()
	c := *category
	if existing, ok := p.categories[category.Slug]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	p.categories[category.Slug] = &c
	return nil
}

// GetCategory implements store.CategoryRepository.
func (s *Store) GetCategory(ctx context.Context, teamID domain.TeamID, slug string) (*domain.TransactionCategory, error) {
	if err := domain.RequireTeam("GetCategory", teamID); err != nil {
		return nil, err
	}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		if c, ok := p.categories[slug]; ok {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.NotFoundf("GetCategory", "category %q not found", slug)
}

// ListCategories implements store.CategoryRepository.
func (s *Store) ListCategories(ctx context.Context, teamID domain.TeamID) ([]*domain.TransactionCategory, error) {
	if err := domain.RequireTeam("ListCategories", teamID); err != nil {
		return nil, err
	}
	result := []*domain.TransactionCategory{}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		for _, c := range p.categories {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
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
	p, unlock := s.create(item.TeamID)
	defer unlock()

	if _, ok := p.byReference[item.ReferenceID]; ok {
		return domain.Conflictf("InsertInbox", "reference_id %s already ingested", item.ReferenceID)
	}
	if _, ok := p.inbox[item.ID]; ok {
		return domain.Conflictf("InsertInbox", "inbox item %s already exists", item.ID)
	}
	for _, a := range attachments {
		if _, ok := p.attachments[a.ID]; ok {
			return domain.Conflictf("InsertInbox", "attachment %s already exists", a.ID)
		}
	}
	p.inbox[item.ID] = item.Clone()
	p.byReference[item.ReferenceID] = item.ID
	for _, a := range attachments {
		c := *a
		p.attachments[a.ID] = &c
	}
	return nil
}

// GetInbox implements store.InboxRepository.
func (s *Store) GetInbox(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error) {
	if err := domain.RequireTeam("GetInbox", teamID); err != nil {
		return nil, err
	}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		if item, ok := p.inbox[id]; ok {
			return item.Clone(), nil
		}
	}
	return nil, domain.NotFoundf("GetInbox", "inbox item %s not found", id)
}

// FindInboxByReferenceID implements store.InboxRepository.
func (s *Store) FindInboxByReferenceID(ctx context.Context, teamID domain.TeamID, referenceID string) (*domain.Inbox, error) {
	if err := domain.RequireTeam("FindInboxByReferenceID", teamID); err != nil {
		return nil, err
	}
	p, unlock := s.rlock(teamID)
	defer unlock()
	if p == nil {
		return nil, nil
	}
	id, ok := p.byReference[referenceID]
	if !ok {
		return nil, nil
	}
	return p.inbox[id].Clone(), nil
}

// UpdateInbox implements store.InboxRepository.
func (s *Store) UpdateInbox(ctx context.Context, item *domain.Inbox, expected domain.InboxStatus) error {
	if err := domain.RequireTeam("UpdateInbox", item.TeamID); err != nil {
		return err
	}
	p, unlock := s.lock(item.TeamID)
	defer unlock()

	if err := p.expectInbox("UpdateInbox", item, expected); err != nil {
		return err
	}
	if item.Status == domain.InboxDone {
		if err := p.checkLinkFree("UpdateInbox", item); err != nil {
			return err
		}
	}
	p.saveInbox(item)
	return nil
}

// ListInbox implements store.InboxRepository.
func (s *Store) ListInbox(ctx context.Context, teamID domain.TeamID, filter store.InboxFilter) ([]*domain.Inbox, error) {
	if err := domain.RequireTeam("ListInbox", teamID); err != nil {
		return nil, err
	}
	result := []*domain.Inbox{}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		for _, item := range p.inbox {
			if len(filter.Statuses) > 0 && !contains(filter.Statuses, item.Status) {
				continue
			}
			if filter.TransactionID != "" && item.TransactionID != filter.TransactionID {
				continue
			}
			result = append(result, item.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return page(result, filter.Offset, filter.Limit), nil
}

// expectInbox checks the stored status of item. p may be nil.
func (p *partition) expectInbox(op string, item *domain.Inbox, expected domain.InboxStatus) error {
	if p == nil || p.inbox[item.ID] == nil {
		return domain.NotFoundf(op, "inbox item %s not found", item.ID)
	}
	if got := p.inbox[item.ID].Status; got != expected {
		return domain.Conflictf(op, "inbox item %s is %s, expected %s", item.ID, got, expected)
	}
	return nil
}

// checkLinkFree rejects linking a transaction already linked to another done item.
func (p *partition) checkLinkFree(op string, item *domain.Inbox) error {
	for _, other := range p.inbox {
		if other.ID != item.ID && other.Status == domain.InboxDone && other.TransactionID == item.TransactionID {
			return domain.Conflictf(op, "transaction %s already matched to inbox item %s", item.TransactionID, other.ID)
		}
	}
	return nil
}

func (p *partition) saveInbox(item *domain.Inbox) {
	c := item.Clone()
	c.ReferenceID = p.inbox[item.ID].ReferenceID
	p.inbox[item.ID] = c
}

// ---- suggestions ----

// CommitAnalysis implements store.SuggestionRepository.
func (s *Store) CommitAnalysis(ctx context.Context, item *domain.Inbox, suggestions []*domain.MatchSuggestion) error {
	if err := domain.RequireTeam("CommitAnalysis", item.TeamID); err != nil {
		return err
	}
	p, unlock := s.lock(item.TeamID)
	defer unlock()

	if err := p.expectInbox("CommitAnalysis", item, domain.InboxAnalyzing); err != nil {
		return err
	}
	if item.Status == domain.InboxDone {
		if err := p.checkLinkFree("CommitAnalysis", item); err != nil {
			return err
		}
	}

	for id, sg := range p.suggestions {
		if sg.InboxID == item.ID && (sg.Status == domain.SuggestionPending || sg.Status == domain.SuggestionInvalidated) {
			delete(p.suggestions, id)
		}
	}
	for _, sg := range suggestions {
		if sg.TeamID != item.TeamID || sg.InboxID != item.ID {
			return domain.Validationf("CommitAnalysis", "suggestion %s does not belong to inbox item %s", sg.ID, item.ID)
		}
		p.suggestions[sg.ID] = sg.Clone()
	}
	p.saveInbox(item)
	return nil
}

// ResolveInbox implements store.SuggestionRepository.
func (s *Store) ResolveInbox(ctx context.Context, item *domain.Inbox, expected domain.InboxStatus, confirmedTxID string) error {
	if err := domain.RequireTeam("ResolveInbox", item.TeamID); err != nil {
		return err
	}
	p, unlock := s.lock(item.TeamID)
	defer unlock()

	if err := p.expectInbox("ResolveInbox", item, expected); err != nil {
		return err
	}
	if item.Status == domain.InboxDone {
		if err := p.checkLinkFree("ResolveInbox", item); err != nil {
			return err
		}
	}

	for _, sg := range p.suggestions {
		if sg.InboxID != item.ID || sg.Status != domain.SuggestionPending {
			continue
		}
		if confirmedTxID != "" && sg.TransactionID == confirmedTxID {
			sg.Status = domain.SuggestionConfirmed
		} else {
			sg.Status = domain.SuggestionInvalidated
		}
		sg.UpdatedAt = item.UpdatedAt
	}
	p.saveInbox(item)
	return nil
}

// DeclineSuggestion implements store.SuggestionRepository.
func (s *Store) DeclineSuggestion(ctx context.Context, teamID domain.TeamID, id string) (*domain.MatchSuggestion, error) {
	if err := domain.RequireTeam("DeclineSuggestion", teamID); err != nil {
		return nil, err
	}
	p, unlock := s.lock(teamID)
	defer unlock()
	if p == nil || p.suggestions[id] == nil {
		return nil, domain.NotFoundf("DeclineSuggestion", "suggestion %s not found", id)
	}
	sg := p.suggestions[id]
	if sg.Status != domain.SuggestionPending {
		return nil, domain.Conflictf("DeclineSuggestion", "suggestion %s is %s", id, sg.Status)
	}
	sg.Status = domain.SuggestionDeclined
	return sg.Clone(), nil
}

// ListSuggestions implements store.SuggestionRepository.
func (s *Store) ListSuggestions(ctx context.Context, teamID domain.TeamID, inboxID string) ([]*domain.MatchSuggestion, error) {
	if err := domain.RequireTeam("ListSuggestions", teamID); err != nil {
		return nil, err
	}
	result := []*domain.MatchSuggestion{}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		for _, sg := range p.suggestions {
			if sg.InboxID == inboxID {
				result = append(result, sg.Clone())
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Rank != result[j].Rank {
			return result[i].Rank < result[j].Rank
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ---- invoices ----

// InsertInvoice implements store.InvoiceRepository.
func (s *Store) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	if err := domain.RequireTeam("InsertInvoice", inv.TeamID); err != nil {
		return err
	}
	p, unlock := s.create(inv.TeamID)
	defer unlock()

	if _, ok := p.invoices[inv.ID]; ok {
		return domain.Conflictf("InsertInvoice", "invoice %s already exists", inv.ID)
	}
	if err := p.checkNumberFree("InsertInvoice", inv); err != nil {
		return err
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if _, ok := s.tokens[inv.Token]; ok {
		return domain.Conflictf("InsertInvoice", "invoice token already in use")
	}
	p.invoices[inv.ID] = inv.Clone()
	s.tokens[inv.Token] = tokenRef{team: inv.TeamID, id: inv.ID}
	return nil
}

func (p *partition) checkNumberFree(op string, inv *domain.Invoice) error {
	if inv.InvoiceNumber == "" {
		return nil
	}
	for _, other := range p.invoices {
		if other.ID != inv.ID && other.InvoiceNumber == inv.InvoiceNumber {
			return domain.Conflictf(op, "invoice number %s already used", inv.InvoiceNumber)
		}
	}
	return nil
}

// GetInvoice implements store.InvoiceRepository.
func (s *Store) GetInvoice(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error) {
	if err := domain.RequireTeam("GetInvoice", teamID); err != nil {
		return nil, err
	}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		if inv, ok := p.invoices[id]; ok {
			return inv.Clone(), nil
		}
	}
	return nil, domain.NotFoundf("GetInvoice", "invoice %s not found", id)
}

// GetInvoiceByToken implements store.InvoiceRepository.
func (s *Store) GetInvoiceByToken(ctx context.Context, token string) (*domain.Invoice, error) {
	s.tokenMu.RLock()
	ref, ok := s.tokens[token]
	s.tokenMu.RUnlock()
	if !ok || token == "" {
		return nil, domain.NotFoundf("GetInvoiceByToken", "invoice not found")
	}

	p, unlock := s.rlock(ref.team)
	defer unlock()
	if p == nil || p.invoices[ref.id] == nil {
		return nil, domain.NotFoundf("GetInvoiceByToken", "invoice not found")
	}
	return p.invoices[ref.id].Clone(), nil
}

// UpdateInvoice implements store.InvoiceRepository.
func (s *Store) UpdateInvoice(ctx context.Context, inv *domain.Invoice, expected domain.InvoiceStatus) error {
	if err := domain.RequireTeam("UpdateInvoice", inv.TeamID); err != nil {
		return err
	}
	p, unlock := s.lock(inv.TeamID)
	defer unlock()
	if p == nil || p.invoices[inv.ID] == nil {
		return domain.NotFoundf("UpdateInvoice", "invoice %s not found", inv.ID)
	}
	stored := p.invoices[inv.ID]
	if stored.Status != expected {
		return domain.Conflictf("UpdateInvoice", "invoice %s is %s, expected %s", inv.ID, stored.Status, expected)
	}
	if err := p.checkNumberFree("UpdateInvoice", inv); err != nil {
		return err
	}
	c := inv.Clone()
	c.Token = stored.Token
	p.invoices[inv.ID] = c
	return nil
}

// IssueInvoice implements store.InvoiceRepository.
func (s *Store) IssueInvoice(ctx context.Context, inv *domain.Invoice, expected domain.InvoiceStatus, format func(seq int64) string) error {
	if err := domain.RequireTeam("IssueInvoice", inv.TeamID); err != nil {
		return err
	}
	p, unlock := s.lock(inv.TeamID)
	defer unlock()
	if p == nil || p.team == nil {
		return domain.NotFoundf("IssueInvoice", "team %s not found", inv.TeamID)
	}
	stored := p.invoices[inv.ID]
	if stored == nil {
		return domain.NotFoundf("IssueInvoice", "invoice %s not found", inv.ID)
	}
	if stored.Status != expected {
		return domain.Conflictf("IssueInvoice", "invoice %s is %s, expected %s", inv.ID, stored.Status, expected)
	}
	if stored.Number != 0 {
		return domain.Conflictf("IssueInvoice", "invoice %s already has number %d", inv.ID, stored.Number)
	}

	seq := p.team.InvoiceSequence + 1
	c := inv.Clone()
	c.Token = stored.Token
	c.Number, c.InvoiceNumber = seq, format(seq)
	if err := p.checkNumberFree("IssueInvoice", c); err != nil {
		return err
	}
	p.team.InvoiceSequence = seq
	p.invoices[inv.ID] = c
	inv.Number, inv.InvoiceNumber = c.Number, c.InvoiceNumber
	return nil
}

// ListInvoices implements store.InvoiceRepository.
func (s *Store) ListInvoices(ctx context.Context, teamID domain.TeamID, filter store.InvoiceFilter) ([]*domain.Invoice, error) {
	if err := domain.RequireTeam("ListInvoices", teamID); err != nil {
		return nil, err
	}
	result := []*domain.Invoice{}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		for _, inv := range p.invoices {
			if len(filter.Statuses) > 0 && !contains(filter.Statuses, inv.Status) {
				continue
			}
			if !filter.DueBefore.IsZero() && !inv.DueDate.Before(filter.DueBefore) {
				continue
			}
			if !filter.ScheduledBefore.IsZero() && (inv.ScheduleDate == nil || inv.ScheduleDate.After(filter.ScheduledBefore)) {
				continue
			}
			result = append(result, inv.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return page(result, 0, filter.Limit), nil
}

// InsertCustomer implements store.InvoiceRepository.
func (s *Store) InsertCustomer(ctx context.Context, customer *domain.Customer) error {
	if err := domain.RequireTeam("InsertCustomer", customer.TeamID); err != nil {
		return err
	}
	p, unlock := s.create(customer.TeamID)
	defer unlock()
	if _, ok := p.customers[customer.ID]; ok {
		return domain.Conflictf("InsertCustomer", "customer %s already exists", customer.ID)
	}
	c := *customer
	p.customers[customer.ID] = &c
	return nil
}

// GetCustomer implements store.InvoiceRepository.
func (s *Store) GetCustomer(ctx context.Context, teamID domain.TeamID, id string) (*domain.Customer, error) {
	if err := domain.RequireTeam("GetCustomer", teamID); err != nil {
		return nil, err
	}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		if c, ok := p.customers[id]; ok {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.NotFoundf("GetCustomer", "customer %s not found", id)
}

// FindInvoiceTemplate implements store.InvoiceRepository.
func (s *Store) FindInvoiceTemplate(ctx context.Context, teamID domain.TeamID) (*domain.InvoiceTemplate, error) {
	if err := domain.RequireTeam("FindInvoiceTemplate", teamID); err != nil {
		return nil, err
	}
	p, unlock := s.rlock(teamID)
	defer unlock()
	if p == nil || p.template == nil {
		return nil, nil
	}
	c := *p.template
	return &c, nil
}

// UpsertInvoiceTemplate implements store.InvoiceRepository.
func (s *Store) UpsertInvoiceTemplate(ctx context.Context, tpl *domain.InvoiceTemplate) error {
	if err := domain.RequireTeam("UpsertInvoiceTemplate", tpl.TeamID); err != nil {
		return err
	}
	p, unlock := s.create(tpl.TeamID)
	defer unlock()

	c := *tpl
	p.template = &c
	return nil
}

// ---- activities ----

// InsertActivity implements store.ActivityRepository.
func (s *Store) InsertActivity(ctx context.Context, a *domain.Activity) error {
	if err := domain.RequireTeam("InsertActivity", a.TeamID); err != nil {
		return err
	}
	p, unlock := s.create(a.TeamID)
	defer unlock()
	if _, ok := p.activities[a.ID]; ok {
		return domain.Conflictf("InsertActivity", "activity %s already exists", a.ID)
	}
	p.activities[a.ID] = a.Clone()
	return nil
}

// GetActivity implements store.ActivityRepository.
func (s *Store) GetActivity(ctx context.Context, teamID domain.TeamID, id string) (*domain.Activity, error) {
	if err := domain.RequireTeam("GetActivity", teamID); err != nil {
		return nil, err
	}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		if a, ok := p.activities[id]; ok {
			return a.Clone(), nil
		}
	}
	return nil, domain.NotFoundf("GetActivity", "activity %s not found", id)
}

// ListActivities implements store.ActivityRepository.
func (s *Store) ListActivities(ctx context.Context, teamID domain.TeamID, filter store.ActivityFilter) ([]*domain.Activity, error) {
	if err := domain.RequireTeam("ListActivities", teamID); err != nil {
		return nil, err
	}
	result := []*domain.Activity{}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		for _, a := range p.activities {
			if len(filter.Types) > 0 && !contains(filter.Types, a.Type) {
				continue
			}
			if len(filter.Statuses) > 0 && !contains(filter.Statuses, a.Status) {
				continue
			}
			if !filter.Since.IsZero() && a.CreatedAt.Before(filter.Since) {
				continue
			}
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return page(result, 0, filter.Limit), nil
}

// UpdateActivityStatus implements store.ActivityRepository.
func (s *Store) UpdateActivityStatus(ctx context.Context, teamID domain.TeamID, id string, from, to domain.ActivityStatus) error {
	if err := domain.RequireTeam("UpdateActivityStatus", teamID); err != nil {
		return err
	}
	p, unlock := s.lock(teamID)
	defer unlock()
	if p == nil || p.activities[id] == nil {
		return domain.NotFoundf("UpdateActivityStatus", "activity %s not found", id)
	}
	a := p.activities[id]
	if a.Status != from {
		return domain.Conflictf("UpdateActivityStatus", "activity %s is %s, expected %s", id, a.Status, from)
	}
	a.Status = to
	return nil
}

// ---- attachments ----

// ListAttachments implements store.AttachmentRepository.
func (s *Store) ListAttachments(ctx context.Context, teamID domain.TeamID, inboxID string) ([]*domain.Attachment, error) {
	if err := domain.RequireTeam("ListAttachments", teamID); err != nil {
		return nil, err
	}
	result := []*domain.Attachment{}
	if p, unlock := s.rlock(teamID); p != nil {
		defer unlock()
		for _, a := range p.attachments {
			if a.InboxID == inboxID {
				c := *a
				result = append(result, &c)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)
