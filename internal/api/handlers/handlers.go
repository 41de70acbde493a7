// Package handlers exposes the ledger, inbox, invoice, activity and job
// operations over HTTP. Every route except the public invoice link and the
// health check is scoped by the X-Team-ID header.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/teamledger/internal/api/middleware"
	"github.com/dvloznov/teamledger/internal/domain"
)

// maxBodyBytes bounds request bodies; attachments arrive base64 encoded.
const maxBodyBytes = 32 << 20

// Services bundles what the router dispatches to. Nil members leave their
// routes unregistered.
type Services struct {
	Ledger     LedgerService
	Inbox      InboxService
	Invoices   InvoiceService
	Activities ActivityService
	Jobs       JobService
}

// Routes registers every route on a new mux.
func Routes(s Services, clock domain.Clock) *http.ServeMux {
	if clock == nil {
		clock = domain.SystemClock
	}
	mux := http.NewServeMux()
	scoped := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.Team(h))
	}

	if s.Ledger != nil {
		h := NewLedgerHandler(s.Ledger)
		scoped("POST /api/transactions", h.IngestTransactions)
		scoped("GET /api/transactions", h.ListTransactions)
		scoped("GET /api/transactions/{id}", h.GetTransaction)
		scoped("PATCH /api/transactions/{id}", h.EditTransaction)
		scoped("GET /api/categories", h.ListCategories)
		scoped("PUT /api/categories/{slug}", h.UpsertCategory)
		scoped("PUT /api/bank-accounts/{id}", h.UpsertBankAccount)
	}
	if s.Inbox != nil {
		h := NewInboxHandler(s.Inbox)
		scoped("POST /api/inbox", h.Ingest)
		scoped("GET /api/inbox", h.List)
		scoped("GET /api/inbox/{id}", h.Get)
		scoped("DELETE /api/inbox/{id}", h.Delete)
		scoped("GET /api/inbox/{id}/suggestions", h.ListSuggestions)
		scoped("POST /api/inbox/{id}/suggestions/{suggestion}/decline", h.Decline)
		scoped("POST /api/inbox/{id}/confirm", h.Confirm)
		scoped("POST /api/inbox/{id}/link", h.Link)
		scoped("POST /api/inbox/{id}/dismiss", h.Dismiss)
		scoped("POST /api/inbox/{id}/reanalyze", h.Reanalyze)
	}
	if s.Invoices != nil {
		h := NewInvoiceHandler(s.Invoices)
		scoped("POST /api/customers", h.CreateCustomer)
		scoped("PUT /api/invoice-template", h.SetTemplate)
		scoped("POST /api/invoices", h.Create)
		scoped("GET /api/invoices", h.List)
		scoped("GET /api/invoices/{id}", h.Get)
		scoped("PUT /api/invoices/{id}", h.Update)
		scoped("POST /api/invoices/{id}/schedule", h.Schedule)
		scoped("POST /api/invoices/{id}/send", h.Send)
		scoped("POST /api/invoices/{id}/paid", h.MarkPaid)
		scoped("POST /api/invoices/{id}/overdue", h.MarkOverdue)
		scoped("POST /api/invoices/{id}/cancel", h.Cancel)
		mux.HandleFunc("GET /public/invoices/{token}", h.GetByToken)
	}
	if s.Activities != nil {
		h := NewActivityHandler(s.Activities)
		scoped("GET /api/activities", h.List)
		scoped("POST /api/activities/{id}/read", h.MarkRead)
		scoped("POST /api/activities/{id}/archive", h.Archive)
	}
	if s.Jobs != nil {
		h := NewJobsHandler(s.Jobs)
		scoped("GET /api/jobs", h.ListJobs)
		scoped("GET /api/jobs/{id}", h.GetJob)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   clock().Format(time.RFC3339),
		})
	})
	return mux
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Validationf("decode", "request body is required")
		}
		return domain.Validationf("decode", "invalid request body: %v", err)
	}
	return nil
}

type query struct {
	values map[string][]string
	err    error
}

func newQuery(r *http.Request) *query {
	return &query{values: r.URL.Query()}
}

func (q *query) str(key string) string {
	if v := q.values[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// list splits comma separated and repeated values.
func (q *query) list(key string) []string {
	var out []string
	for _, v := range q.values[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (q *query) int(key string) int {
	s := q.str(key)
	if s == "" || q.err != nil {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		q.err = domain.Validationf("query", "%s must be a non-negative integer", key)
		return 0
	}
	return n
}

func (q *query) date(key string) time.Time {
	s := q.str(key)
	if s == "" || q.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		q.err = domain.Validationf("query", "%s must be YYYY-MM-DD", key)
		return time.Time{}
	}
	return t
}

func (q *query) timestamp(key string) time.Time {
	s := q.str(key)
	if s == "" || q.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		q.err = domain.Validationf("query", "%s must be an RFC 3339 timestamp", key)
		return time.Time{}
	}
	return t
}

func listOf[T ~string](values []string) []T {
	if len(values) == 0 {
		return nil
	}
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

func writeList[T any](w http.ResponseWriter, key string, items []T) {
	if items == nil {
		items = []T{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		key:     items,
		"count": len(items),
	})
}

func team(r *http.Request) domain.TeamID {
	return middleware.TeamFrom(r.Context())
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteDomainError(w, r, err)
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.Validationf("request", "%s is required", name)
	}
	return nil
}
