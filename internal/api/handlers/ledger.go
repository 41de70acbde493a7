package handlers

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/api/middleware"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/ledger"
	"github.com/dvloznov/teamledger/internal/store"
)

// LedgerService is the part of ledger.Service the HTTP surface uses.
type LedgerService interface {
	IngestTransactions(ctx context.Context, teamID domain.TeamID, recs []ledger.ExternalTransaction) ([]ledger.IngestResult, error)
	GetTransaction(ctx context.Context, teamID domain.TeamID, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, teamID domain.TeamID, filter store.TransactionFilter) ([]*domain.Transaction, error)
	Categorize(ctx context.Context, teamID domain.TeamID, id, slug string) (*domain.Transaction, error)
	SetNote(ctx context.Context, teamID domain.TeamID, id, note string) (*domain.Transaction, error)
	SetTags(ctx context.Context, teamID domain.TeamID, id string, tags []string) (*domain.Transaction, error)
	Assign(ctx context.Context, teamID domain.TeamID, id, userID string) (*domain.Transaction, error)
	Archive(ctx context.Context, teamID domain.TeamID, id string) (*domain.Transaction, error)
	UpsertCategory(ctx context.Context, teamID domain.TeamID, slug, name string, vat decimal.Decimal) (*domain.TransactionCategory, error)
	ListCategories(ctx context.Context, teamID domain.TeamID) ([]*domain.TransactionCategory, error)
	UpsertBankAccount(ctx context.Context, account *domain.BankAccount) error
}

// LedgerHandler serves transactions, categories and bank accounts.
type LedgerHandler struct {
	svc LedgerService
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(svc LedgerService) *LedgerHandler {
	return &LedgerHandler{svc: svc}
}

type ingestResult struct {
	InternalID  string              `json:"internal_id"`
	Outcome     ledger.Outcome      `json:"outcome,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Error       string              `json:"error,omitempty"`
	Status      int                 `json:"status"`
}

// IngestTransactions handles POST /api/transactions. Records fail
// individually; the response carries one result per record.
func (h *LedgerHandler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transactions []ledger.ExternalTransaction `json:"transactions"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if len(req.Transactions) == 0 {
		fail(w, r, domain.Validationf("IngestTransactions", "transactions are required"))
		return
	}

	results, err := h.svc.IngestTransactions(r.Context(), team(r), req.Transactions)
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]ingestResult, len(results))
	failed := 0
	for i, res := range results {
		out[i] = ingestResult{
			InternalID:  res.InternalID,
			Outcome:     res.Outcome,
			Transaction: res.Transaction,
			Status:      http.StatusOK,
		}
		if res.Err != nil {
			failed++
			out[i].Status = middleware.StatusOf(res.Err)
			out[i].Error = res.Err.Error()
		}
	}
	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	middleware.WriteJSON(w, status, map[string]interface{}{
		"results": out,
		"count":   len(out),
		"failed":  failed,
	})
}

// ListTransactions handles GET /api/transactions.
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	filter := store.TransactionFilter{
		From:         q.date("from"),
		To:           q.date("to"),
		Statuses:     listOf[domain.TransactionStatus](q.list("status")),
		CategorySlug: q.str("category"),
		Limit:        q.int("limit"),
		Offset:       q.int("offset"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}
	txs, err := h.svc.ListTransactions(r.Context(), team(r), filter)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeList(w, "transactions", txs)
}

// GetTransaction handles GET /api/transactions/{id}.
func (h *LedgerHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.GetTransaction(r.Context(), team(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tx)
}

// EditTransaction handles PATCH /api/transactions/{id}. Each present field is
// applied in turn as a user edit.
func (h *LedgerHandler) EditTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CategorySlug *string   `json:"category_slug"`
		Note         *string   `json:"note"`
		Tags         *[]string `json:"tags"`
		AssignedID   *string   `json:"assigned_id"`
		Archived     bool      `json:"archived"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	ctx, teamID, id := r.Context(), team(r), r.PathValue("id")
	var edits []func() (*domain.Transaction, error)
	if req.CategorySlug != nil {
		edits = append(edits, func() (*domain.Transaction, error) { return h.svc.Categorize(ctx, teamID, id, *req.CategorySlug) })
	}
	if req.Note != nil {
		edits = append(edits, func() (*domain.Transaction, error) { return h.svc.SetNote(ctx, teamID, id, *req.Note) })
	}
	if req.Tags != nil {
		edits = append(edits, func() (*domain.Transaction, error) { return h.svc.SetTags(ctx, teamID, id, *req.Tags) })
	}
	if req.AssignedID != nil {
		edits = append(edits, func() (*domain.Transaction, error) { return h.svc.Assign(ctx, teamID, id, *req.AssignedID) })
	}
	if req.Archived {
		edits = append(edits, func() (*domain.Transaction, error) { return h.svc.Archive(ctx, teamID, id) })
	}
	if len(edits) == 0 {
		fail(w, r, domain.Validationf("EditTransaction", "no changes requested"))
		return
	}

	var tx *domain.Transaction
	for _, edit := range edits {
		var err error
		if tx, err = edit(); err != nil {
			fail(w, r, err)
			return
		}
	}
	middleware.WriteJSON(w, http.StatusOK, tx)
}

// ListCategories handles GET /api/categories.
func (h *LedgerHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.svc.ListCategories(r.Context(), team(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeList(w, "categories", categories)
}

// UpsertCategory handles PUT /api/categories/{slug}.
func (h *LedgerHandler) UpsertCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string          `json:"name"`
		VAT  decimal.Decimal `json:"vat"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.UpsertCategory(r.Context(), team(r), r.PathValue("slug"), req.Name, req.VAT)
	if err != nil {
		fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, c)
}

// UpsertBankAccount handles PUT /api/bank-accounts/{id}.
func (h *LedgerHandler) UpsertBankAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string                      `json:"name"`
		Provider string                      `json:"provider"`
		Currency string                      `json:"currency"`
		Status   domain.BankConnectionStatus `json:"status"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	account := &domain.BankAccount{
		ID:       r.PathValue("id"),
		TeamID:   team(r),
		Name:     req.Name,
		Provider: req.Provider,
		Currency: req.Currency,
		Status:   req.Status,
	}
	if err := h.svc.UpsertBankAccount(r.Context(), account); err != nil {
		fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, account)
}
