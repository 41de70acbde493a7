package handlers

import (
	"context"
	"net/http"

	"github.com/dvloznov/teamledger/internal/api/middleware"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/reconcile"
	"github.com/dvloznov/teamledger/internal/store"
)

// InboxService is the part of reconcile.Engine the HTTP surface uses.
type InboxService interface {
	IngestInboxItem(ctx context.Context, teamID domain.TeamID, referenceID string, payload reconcile.InboxPayload) (*domain.Inbox, bool, error)
	GetInbox(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error)
	ListInbox(ctx context.Context, teamID domain.TeamID, filter store.InboxFilter) ([]*domain.Inbox, error)
	ListSuggestions(ctx context.Context, teamID domain.TeamID, inboxID string) ([]*domain.MatchSuggestion, error)
	Confirm(ctx context.Context, teamID domain.TeamID, inboxID, transactionID string) (*domain.Inbox, error)
	Link(ctx context.Context, teamID domain.TeamID, inboxID, transactionID string) (*domain.Inbox, error)
	DeclineSuggestion(ctx context.Context, teamID domain.TeamID, inboxID, suggestionID string) (*domain.Inbox, error)
	Dismiss(ctx context.Context, teamID domain.TeamID, inboxID string) (*domain.Inbox, error)
	Delete(ctx context.Context, teamID domain.TeamID, inboxID string) (*domain.Inbox, error)
	Reanalyze(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error)
}

// InboxHandler serves inbox items and their match suggestions.
type InboxHandler struct {
	svc InboxService
}

// NewInboxHandler creates a new inbox handler.
func NewInboxHandler(svc InboxService) *InboxHandler {
	return &InboxHandler{svc: svc}
}

// Ingest handles POST /api/inbox. A repeated reference_id returns the stored
// item with 200 instead of 201.
func (h *InboxHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReferenceID string `json:"reference_id"`
		reconcile.InboxPayload
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	item, created, err := h.svc.IngestInboxItem(r.Context(), team(r), req.ReferenceID, req.InboxPayload)
	if err != nil {
		fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	middleware.WriteJSON(w, status, item)
}

// List handles GET /api/inbox.
func (h *InboxHandler) List(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	filter := store.InboxFilter{
		Statuses:      listOf[domain.InboxStatus](q.list("status")),
		TransactionID: q.str("transaction_id"),
		Limit:         q.int("limit"),
		Offset:        q.int("offset"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}
	items, err := h.svc.ListInbox(r.Context(), team(r), filter)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeList(w, "items", items)
}

// Get handles GET /api/inbox/{id}.
func (h *InboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.GetInbox(r.Context(), team(r), r.PathValue("id")))
}

// ListSuggestions handles GET /api/inbox/{id}/suggestions.
func (h *InboxHandler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.svc.ListSuggestions(r.Context(), team(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeList(w, "suggestions", suggestions)
}

// Confirm handles POST /api/inbox/{id}/confirm.
func (h *InboxHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	txID, ok := transactionRef(w, r)
	if !ok {
		return
	}
	h.respond(w, r)(h.svc.Confirm(r.Context(), team(r), r.PathValue("id"), txID))
}

// Link handles POST /api/inbox/{id}/link.
func (h *InboxHandler) Link(w http.ResponseWriter, r *http.Request) {
	txID, ok := transactionRef(w, r)
	if !ok {
		return
	}
	h.respond(w, r)(h.svc.Link(r.Context(), team(r), r.PathValue("id"), txID))
}

// Decline handles POST /api/inbox/{id}/suggestions/{suggestion}/decline.
func (h *InboxHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.DeclineSuggestion(r.Context(), team(r), r.PathValue("id"), r.PathValue("suggestion")))
}

// Dismiss handles POST /api/inbox/{id}/dismiss.
func (h *InboxHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.Dismiss(r.Context(), team(r), r.PathValue("id")))
}

// Delete handles DELETE /api/inbox/{id}.
func (h *InboxHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.Delete(r.Context(), team(r), r.PathValue("id")))
}

// Reanalyze handles POST /api/inbox/{id}/reanalyze.
func (h *InboxHandler) Reanalyze(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.Reanalyze(r.Context(), team(r), r.PathValue("id")))
}

func (h *InboxHandler) respond(w http.ResponseWriter, r *http.Request) func(*domain.Inbox, error) {
	return func(item *domain.Inbox, err error) {
		if err != nil {
			fail(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, item)
	}
}

func transactionRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return "", false
	}
	if err := requireField("transaction_id", req.TransactionID); err != nil {
		fail(w, r, err)
		return "", false
	}
	return req.TransactionID, true
}
