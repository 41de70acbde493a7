package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dvloznov/teamledger/internal/api/middleware"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/invoice"
	"github.com/dvloznov/teamledger/internal/store"
)

// InvoiceService is the part of invoice.Service the HTTP surface uses.
type InvoiceService interface {
	CreateCustomer(ctx context.Context, teamID domain.TeamID, name, email string) (*domain.Customer, error)
	SetTemplate(ctx context.Context, tpl *domain.InvoiceTemplate) error
	CreateDraft(ctx context.Context, teamID domain.TeamID, d invoice.Draft) (*domain.Invoice, error)
	UpdateDraft(ctx context.Context, teamID domain.TeamID, id string, d invoice.Draft) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error)
	GetByToken(ctx context.Context, token string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, teamID domain.TeamID, filter store.InvoiceFilter) ([]*domain.Invoice, error)
	Schedule(ctx context.Context, teamID domain.TeamID, id string, at time.Time) (*domain.Invoice, error)
	Send(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error)
	MarkPaid(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error)
	MarkOverdue(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error)
	Cancel(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error)
}

// InvoiceHandler serves customers, the invoice template and invoices.
type InvoiceHandler struct {
	svc InvoiceService
}

// NewInvoiceHandler creates a new invoice handler.
func NewInvoiceHandler(svc InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{svc: svc}
}

// draftRequest takes calendar dates as YYYY-MM-DD.
type draftRequest struct {
	CustomerID string                  `json:"customer_id"`
	Currency   string                  `json:"currency"`
	Products   []domain.InvoiceProduct `json:"products"`
	IssueDate  string                  `json:"issue_date"`
	DueDate    string                  `json:"due_date"`
	Note       string                  `json:"note"`
}

func (req draftRequest) draft() (invoice.Draft, error) {
	d := invoice.Draft{
		CustomerID: req.CustomerID,
		Currency:   req.Currency,
		Products:   req.Products,
		Note:       req.Note,
	}
	var err error
	if d.IssueDate, err = parseDate("issue_date", req.IssueDate); err != nil {
		return d, err
	}
	if d.DueDate, err = parseDate("due_date", req.DueDate); err != nil {
		return d, err
	}
	return d, nil
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, domain.Validationf("request", "%s must be YYYY-MM-DD", field)
	}
	return t, nil
}

// CreateCustomer handles POST /api/customers.
func (h *InvoiceHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.svc.CreateCustomer(r.Context(), team(r), req.Name, req.Email)
	if err != nil {
		fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, c)
}

// SetTemplate handles PUT /api/invoice-template.
func (h *InvoiceHandler) SetTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NumberPrefix     string `json:"number_prefix"`
		NumberPadding    int    `json:"number_padding"`
		Currency         string `json:"currency"`
		PaymentTermsDays int    `json:"payment_terms_days"`
		Note             string `json:"note"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	tpl := &domain.InvoiceTemplate{
		TeamID:           team(r),
		NumberPrefix:     req.NumberPrefix,
		NumberPadding:    req.NumberPadding,
		Currency:         req.Currency,
		PaymentTermsDays: req.PaymentTermsDays,
		Note:             req.Note,
	}
	if err := h.svc.SetTemplate(r.Context(), tpl); err != nil {
		fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tpl)
}

// Create handles POST /api/invoices.
func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	d, err := req.draft()
	if err != nil {
		fail(w, r, err)
		return
	}
	inv, err := h.svc.CreateDraft(r.Context(), team(r), d)
	if err != nil {
		fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, inv)
}

// Update handles PUT /api/invoices/{id}. Only drafts can change.
func (h *InvoiceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	d, err := req.draft()
	if err != nil {
		fail(w, r, err)
		return
	}
	h.respond(w, r)(h.svc.UpdateDraft(r.Context(), team(r), r.PathValue("id"), d))
}

// List handles GET /api/invoices.
func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	filter := store.InvoiceFilter{
		Statuses:  listOf[domain.InvoiceStatus](q.list("status")),
		DueBefore: q.date("due_before"),
		Limit:     q.int("limit"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}
	invoices, err := h.svc.ListInvoices(r.Context(), team(r), filter)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeList(w, "invoices", invoices)
}

// Get handles GET /api/invoices/{id}.
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.GetInvoice(r.Context(), team(r), r.PathValue("id")))
}

// GetByToken handles GET /public/invoices/{token}. It needs no team header.
func (h *InvoiceHandler) GetByToken(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.GetByToken(r.Context(), r.PathValue("token")))
}

// Schedule handles POST /api/invoices/{id}/schedule with {"at": RFC 3339}.
func (h *InvoiceHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		At time.Time `json:"at"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.At.IsZero() {
		fail(w, r, domain.Validationf("Schedule", "at is required"))
		return
	}
	h.respond(w, r)(h.svc.Schedule(r.Context(), team(r), r.PathValue("id"), req.At))
}

// Send handles POST /api/invoices/{id}/send.
func (h *InvoiceHandler) Send(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.Send(r.Context(), team(r), r.PathValue("id")))
}

// MarkPaid handles POST /api/invoices/{id}/paid.
func (h *InvoiceHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.MarkPaid(r.Context(), team(r), r.PathValue("id")))
}

// MarkOverdue handles POST /api/invoices/{id}/overdue.
func (h *InvoiceHandler) MarkOverdue(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.MarkOverdue(r.Context(), team(r), r.PathValue("id")))
}

// Cancel handles POST /api/invoices/{id}/cancel.
func (h *InvoiceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)(h.svc.Cancel(r.Context(), team(r), r.PathValue("id")))
}

func (h *InvoiceHandler) respond(w http.ResponseWriter, r *http.Request) func(*domain.Invoice, error) {
	return func(inv *domain.Invoice, err error) {
		if err != nil {
			fail(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, inv)
	}
}
