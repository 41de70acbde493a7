// Package storetest is a contract suite every store.Store implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/store"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

// Run executes the whole contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"TeamIsolation", testTeamIsolation},
		{"EmptyTeamRejected", testEmptyTeamRejected},
		{"TransactionIdempotencyKey", testTransactionIdempotencyKey},
		{"TransactionVersionCheck", testTransactionVersionCheck},
		{"TransactionListOrder", testTransactionListOrder},
		{"InboxStatusCheck", testInboxStatusCheck},
		{"CommitAnalysisReplacesPending", testCommitAnalysisReplacesPending},
		{"ResolveInboxInvalidatesOthers", testResolveInboxInvalidatesOthers},
		{"TransactionLinkedOnce", testTransactionLinkedOnce},
		{"InboxWithAttachments", testInboxWithAttachments},
		{"InvoiceTokenAndNumber", testInvoiceTokenAndNumber},
		{"IssueInvoice", testIssueInvoice},
		{"IssueInvoiceConcurrent", testIssueInvoiceConcurrent},
		{"InvoiceFilters", testInvoiceFilters},
		{"ActivityStatus", testActivityStatus},
		{"CategoriesAndTemplates", testCategoriesAndTemplates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func mustTeam(t *testing.T, s store.Store, id domain.TeamID) {
	t.Helper()
	err := s.CreateTeam(context.Background(), &domain.Team{
		ID: id, Name: string(id), Plan: domain.PlanPro, BaseCurrency: "USD", CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("CreateTeam(%s): %v", id, err)
	}
}

func newTx(team domain.TeamID, id, internalID string, date time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID: id, TeamID: team, InternalID: internalID, Date: date, Name: "Coffee",
		Method: domain.MethodCardPurchase, Amount: decimal.RequireFromString("-100.00"), Currency: "USD",
		Status: domain.TxPosted, CreatedAt: base, UpdatedAt: base,
	}
}

func newInbox(team domain.TeamID, id, ref string, status domain.InboxStatus) *domain.Inbox {
	return &domain.Inbox{
		ID: id, TeamID: team, ReferenceID: ref, Status: status, Type: domain.InboxTypeExpense,
		Source: domain.SourceEmail, Amount: decimal.NewNullDecimal(decimal.RequireFromString("100.00")),
		Currency: "USD", Date: base.AddDate(0, 0, 1), CreatedAt: base, UpdatedAt: base,
	}
}

func newSuggestion(team domain.TeamID, id, inboxID, txID string, rank int) *domain.MatchSuggestion {
	return &domain.MatchSuggestion{
		ID: id, TeamID: team, InboxID: inboxID, TransactionID: txID, Score: 0.7, Rank: rank,
		Status: domain.SuggestionPending, CreatedAt: base, UpdatedAt: base,
	}
}

func expectKind(t *testing.T, err error, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if !isKind(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func isKind(err, kind error) bool {
	switch kind {
	case domain.ErrValidation:
		return domain.IsValidation(err)
	case domain.ErrConflict:
		return domain.IsConflict(err)
	case domain.ErrNotFound:
		return domain.IsNotFound(err)
	}
	return false
}

func testTeamIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustTeam(t, s, "team-a")
	mustTeam(t, s, "team-b")

	if err := s.InsertTransaction(ctx, newTx("team-a", "tx-1", "bank-1", base)); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}
	if err := s.InsertInbox(ctx, newInbox("team-a", "inb-1", "ref-1", domain.InboxNew), nil); err != nil {
		t.Fatalf("InsertInbox: %v", err)
	}
	if err := s.InsertActivity(ctx, &domain.Activity{
		ID: "act-1", TeamID: "team-a", Type: domain.ActivityInboxNew, Source: domain.ActivitySourceSystem,
		Status: domain.ActivityUnread, CreatedAt: base,
	}); err != nil {
		t.Fatalf("InsertActivity: %v", err)
	}

	if _, err := s.GetTransaction(ctx, "team-b", "tx-1"); !domain.IsNotFound(err) {
		t.Errorf("GetTransaction across teams: got %v, want not found", err)
	}
	if got, err := s.FindTransactionByInternalID(ctx, "team-b", "bank-1"); err != nil || got != nil {
		t.Errorf("FindTransactionByInternalID across teams = %v, %v", got, err)
	}
	if got, _ := s.ListTransactions(ctx, "team-b", store.TransactionFilter{}); len(got) != 0 {
		t.Errorf("ListTransactions(team-b) returned %d rows", len(got))
	}
	if _, err := s.GetInbox(ctx, "team-b", "inb-1"); !domain.IsNotFound(err) {
		t.Errorf("GetInbox across teams: got %v", err)
	}
	if got, _ := s.ListInbox(ctx, "team-b", store.InboxFilter{}); len(got) != 0 {
		t.Errorf("ListInbox(team-b) returned %d rows", len(got))
	}
	if got, _ := s.ListActivities(ctx, "team-b", store.ActivityFilter{}); len(got) != 0 {
		t.Errorf("ListActivities(team-b) returned %d rows", len(got))
	}
	if err := s.UpdateActivityStatus(ctx, "team-b", "act-1", domain.ActivityUnread, domain.ActivityRead); !domain.IsNotFound(err) {
		t.Errorf("UpdateActivityStatus across teams: got %v", err)
	}

	// Writing through another team's id must not touch team-a's row.
	foreign := newTx("team-b", "tx-1", "bank-1", base)
	foreign.Version = 1
	if err := s.UpdateTransaction(ctx, foreign); !domain.IsNotFound(err) {
		t.Errorf("UpdateTransaction across teams: got %v", err)
	}
}

func testEmptyTeamRejected(t *testing.T, s store.Store) {
	ctx := context.Background()
	checks := map[string]error{
		"InsertTransaction": s.InsertTransaction(ctx, newTx("", "tx", "bank", base)),
		"InsertInbox":       s.InsertInbox(ctx, newInbox("", "inb", "ref", domain.InboxNew), nil),
	}
	_, checks["GetTransaction"] = s.GetTransaction(ctx, "", "tx")
	_, checks["ListTransactions"] = s.ListTransactions(ctx, " ", store.TransactionFilter{})
	_, checks["ListInbox"] = s.ListInbox(ctx, "", store.InboxFilter{})
	checks["IssueInvoice"] = s.IssueInvoice(ctx, newInvoice("", "inv", "tok"), domain.InvoiceDraft, formatNumber)
	_, checks["ListActivities"] = s.ListActivities(ctx, "", store.ActivityFilter{})
	_, checks["ListSuggestions"] = s.ListSuggestions(ctx, "", "inb")

	for name, err := range checks {
		if !domain.IsValidation(err) {
			t.Errorf("%s with empty team: got %v, want validation error", name, err)
		}
	}
}

func testTransactionIdempotencyKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.InsertTransaction(ctx, newTx("team-a", "tx-1", "bank-1", base)); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}
	expectKind(t, s.InsertTransaction(ctx, newTx("team-a", "tx-2", "bank-1", base)), domain.ErrConflict)

	if err := s.InsertTransaction(ctx, newTx("team-b", "tx-3", "bank-1", base)); err != nil {
		t.Errorf("same internal_id in another team should be accepted: %v", err)
	}

	got, err := s.FindTransactionByInternalID(ctx, "team-a", "bank-1")
	if err != nil || got == nil {
		t.Fatalf("FindTransactionByInternalID = %v, %v", got, err)
	}
	if got.ID != "tx-1" || !got.Amount.Equal(decimal.RequireFromString("-100")) || !got.Date.Equal(base) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func testTransactionVersionCheck(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := newTx("team-a", "tx-1", "bank-1", base)
	if err := s.InsertTransaction(ctx, tx); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}
	if tx.Version != 1 {
		t.Fatalf("Version after insert = %d, want 1", tx.Version)
	}

	stale := tx.Clone()
	tx.Note = "team lunch"
	tx.Tags = []string{"meals"}
	if err := s.UpdateTransaction(ctx, tx); err != nil {
		t.Fatalf("UpdateTransaction: %v", err)
	}
	if tx.Version != 2 {
		t.Errorf("Version after update = %d, want 2", tx.Version)
	}

	stale.Note = "overwritten"
	expectKind(t, s.UpdateTransaction(ctx, stale), domain.ErrConflict)

	got, _ := s.GetTransaction(ctx, "team-a", "tx-1")
	if got.Note != "team lunch" || len(got.Tags) != 1 || got.Version != 2 {
		t.Errorf("stored = %+v", got)
	}
}

func testTransactionListOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, d := range []int{0, 2, 2, 5} {
		tx := newTx("team-a", fmt.Sprintf("tx-%d", i), fmt.Sprintf("bank-%d", i), base.AddDate(0, 0, d))
		if i == 3 {
			tx.Status = domain.TxArchived
		}
		if err := s.InsertTransaction(ctx, tx); err != nil {
			t.Fatalf("InsertTransaction: %v", err)
		}
	}

	got, err := s.ListTransactions(ctx, "team-a", store.TransactionFilter{
		From:     base.AddDate(0, 0, 1),
		To:       base.AddDate(0, 0, 10),
		Statuses: []domain.TransactionStatus{domain.TxPosted},
	})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	var ids []string
	for _, tx := range got {
		ids = append(ids, tx.ID)
	}
	if fmt.Sprint(ids) != "[tx-2 tx-1]" {
		t.Errorf("ListTransactions ids = %v, want [tx-2 tx-1]", ids)
	}
}

func testInboxStatusCheck(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := newInbox("team-a", "inb-1", "ref-1", domain.InboxNew)
	if err := s.InsertInbox(ctx, item, nil); err != nil {
		t.Fatalf("InsertInbox: %v", err)
	}
	expectKind(t, s.InsertInbox(ctx, newInbox("team-a", "inb-2", "ref-1", domain.InboxNew), nil), domain.ErrConflict)

	item.Status = domain.InboxProcessing
	if err := s.UpdateInbox(ctx, item, domain.InboxNew); err != nil {
		t.Fatalf("UpdateInbox: %v", err)
	}
	item.Status = domain.InboxArchived
	expectKind(t, s.UpdateInbox(ctx, item, domain.InboxNew), domain.ErrConflict)

	got, err := s.FindInboxByReferenceID(ctx, "team-a", "ref-1")
	if err != nil || got == nil || got.Status != domain.InboxProcessing {
		t.Fatalf("FindInboxByReferenceID = %+v, %v", got, err)
	}
	if got, err := s.FindInboxByReferenceID(ctx, "team-a", "missing"); got != nil || err != nil {
		t.Errorf("missing reference = %v, %v, want nil, nil", got, err)
	}
}

func testCommitAnalysisReplacesPending(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := newInbox("team-a", "inb-1", "ref-1", domain.InboxAnalyzing)
	if err := s.InsertInbox(ctx, item, nil); err != nil {
		t.Fatalf("InsertInbox: %v", err)
	}

	item.Status = domain.InboxSuggestedMatch
	first := []*domain.MatchSuggestion{
		newSuggestion("team-a", "sg-1", "inb-1", "tx-1", 1),
		newSuggestion("team-a", "sg-2", "inb-1", "tx-2", 2),
	}
	if err := s.CommitAnalysis(ctx, item, first); err != nil {
		t.Fatalf("CommitAnalysis: %v", err)
	}
	if _, err := s.DeclineSuggestion(ctx, "team-a", "sg-2"); err != nil {
		t.Fatalf("DeclineSuggestion: %v", err)
	}
	if _, err := s.DeclineSuggestion(ctx, "team-a", "sg-2"); !domain.IsConflict(err) {
		t.Errorf("declining twice: got %v, want conflict", err)
	}

	// Not analyzing any more: the commit must be refused.
	expectKind(t, s.CommitAnalysis(ctx, item, nil), domain.ErrConflict)

	item.Status = domain.InboxAnalyzing
	if err := s.UpdateInbox(ctx, item, domain.InboxSuggestedMatch); err != nil {
		t.Fatalf("UpdateInbox: %v", err)
	}
	item.Status = domain.InboxSuggestedMatch
	if err := s.CommitAnalysis(ctx, item, []*domain.MatchSuggestion{
		newSuggestion("team-a", "sg-3", "inb-1", "tx-1", 1),
	}); err != nil {
		t.Fatalf("CommitAnalysis (re-analysis): %v", err)
	}

	got, err := s.ListSuggestions(ctx, "team-a", "inb-1")
	if err != nil {
		t.Fatalf("ListSuggestions: %v", err)
	}
	statuses := map[string]domain.SuggestionStatus{}
	for _, sg := range got {
		statuses[sg.ID] = sg.Status
	}
	want := map[string]domain.SuggestionStatus{"sg-2": domain.SuggestionDeclined, "sg-3": domain.SuggestionPending}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("suggestions = %v, want %v", statuses, want)
	}
}

func testResolveInboxInvalidatesOthers(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := newInbox("team-a", "inb-1", "ref-1", domain.InboxAnalyzing)
	if err := s.InsertInbox(ctx, item, nil); err != nil {
		t.Fatalf("InsertInbox: %v", err)
	}
	item.Status = domain.InboxSuggestedMatch
	if err := s.CommitAnalysis(ctx, item, []*domain.MatchSuggestion{
		newSuggestion("team-a", "sg-1", "inb-1", "tx-1", 1),
		newSuggestion("team-a", "sg-2", "inb-1", "tx-2", 2),
		newSuggestion("team-a", "sg-3", "inb-1", "tx-3", 3),
	}); err != nil {
		t.Fatalf("CommitAnalysis: %v", err)
	}

	item.Status = domain.InboxDone
	item.TransactionID = "tx-2"
	expectKind(t, s.ResolveInbox(ctx, item, domain.InboxNoMatch, "tx-2"), domain.ErrConflict)
	if err := s.ResolveInbox(ctx, item, domain.InboxSuggestedMatch, "tx-2"); err != nil {
		t.Fatalf("ResolveInbox: %v", err)
	}

	got, _ := s.ListSuggestions(ctx, "team-a", "inb-1")
	active := 0
	for _, sg := range got {
		want := domain.SuggestionInvalidated
		if sg.TransactionID == "tx-2" {
			want = domain.SuggestionConfirmed
		}
		if sg.Status != want {
			t.Errorf("suggestion %s = %s, want %s", sg.ID, sg.Status, want)
		}
		if sg.Status.Active() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active suggestions = %d, want 1", active)
	}

	stored, _ := s.GetInbox(ctx, "team-a", "inb-1")
	if stored.Status != domain.InboxDone || stored.TransactionID != "tx-2" {
		t.Errorf("stored inbox = %+v", stored)
	}
}

func testTransactionLinkedOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []string{"inb-1", "inb-2"} {
		if err := s.InsertInbox(ctx, newInbox("team-a", id, "ref-"+id, domain.InboxNoMatch), nil); err != nil {
			t.Fatalf("InsertInbox: %v", err)
		}
	}

	first := newInbox("team-a", "inb-1", "ref-inb-1", domain.InboxDone)
	first.TransactionID = "tx-1"
	if err := s.ResolveInbox(ctx, first, domain.InboxNoMatch, "tx-1"); err != nil {
		t.Fatalf("ResolveInbox: %v", err)
	}

	second := newInbox("team-a", "inb-2", "ref-inb-2", domain.InboxDone)
	second.TransactionID = "tx-1"
	expectKind(t, s.ResolveInbox(ctx, second, domain.InboxNoMatch, "tx-1"), domain.ErrConflict)

	linked, _ := s.ListInbox(ctx, "team-a", store.InboxFilter{TransactionID: "tx-1"})
	if len(linked) != 1 || linked[0].ID != "inb-1" {
		t.Errorf("linked items = %v", linked)
	}
}

func newInvoice(team domain.TeamID, id, token string) *domain.Invoice {
	return &domain.Invoice{
		ID: id, TeamID: team, CustomerID: "cus-1", Status: domain.InvoiceDraft, Token: token,
		Currency: "USD", Amount: decimal.RequireFromString("10.00"),
		IssueDate: base, DueDate: base.AddDate(0, 0, 14), CreatedAt: base, UpdatedAt: base,
	}
}

func testInvoiceTokenAndNumber(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.InsertInvoice(ctx, newInvoice("team-a", "inv-1", "tok-1")); err != nil {
		t.Fatalf("InsertInvoice: %v", err)
	}
	if err := s.InsertInvoice(ctx, newInvoice("team-a", "inv-2", "tok-2")); err != nil {
		t.Fatalf("InsertInvoice: %v", err)
	}
	expectKind(t, s.InsertInvoice(ctx, newInvoice("team-b", "inv-3", "tok-1")), domain.ErrConflict)

	got, err := s.GetInvoiceByToken(ctx, "tok-2")
	if err != nil || got.ID != "inv-2" || got.TeamID != "team-a" {
		t.Fatalf("GetInvoiceByToken = %+v, %v", got, err)
	}
	if _, err := s.GetInvoiceByToken(ctx, "nope"); !domain.IsNotFound(err) {
		t.Errorf("unknown token: got %v", err)
	}

	one, _ := s.GetInvoice(ctx, "team-a", "inv-1")
	one.Status, one.Number, one.InvoiceNumber = domain.InvoiceSent, 1, "INV-0001"
	if err := s.UpdateInvoice(ctx, one, domain.InvoiceDraft); err != nil {
		t.Fatalf("UpdateInvoice: %v", err)
	}
	two, _ := s.GetInvoice(ctx, "team-a", "inv-2")
	two.Status, two.Number, two.InvoiceNumber = domain.InvoiceSent, 1, "INV-0001"
	expectKind(t, s.UpdateInvoice(ctx, two, domain.InvoiceDraft), domain.ErrConflict)

	one.Status = domain.InvoicePaid
	expectKind(t, s.UpdateInvoice(ctx, one, domain.InvoiceDraft), domain.ErrConflict)
}

func newAttachment(team domain.TeamID, id, inboxID string) *domain.Attachment {
	return &domain.Attachment{
		ID: id, TeamID: team, InboxID: inboxID, Name: id + ".pdf", ContentType: "application/pdf",
		Size: 3, URI: "mem://" + id, CreatedAt: base,
	}
}

func testInboxWithAttachments(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := newInbox("team-a", "inb-1", "ref-1", domain.InboxNew)
	err := s.InsertInbox(ctx, item, []*domain.Attachment{
		newAttachment("team-a", "att-1", "inb-1"),
		newAttachment("team-a", "att-2", "inb-1"),
	})
	if err != nil {
		t.Fatalf("InsertInbox: %v", err)
	}
	got, err := s.ListAttachments(ctx, "team-a", "inb-1")
	if err != nil || len(got) != 2 || got[0].ID != "att-1" || got[1].URI != "mem://att-2" {
		t.Fatalf("ListAttachments = %+v, %v", got, err)
	}

	// A rejected item leaves none of its attachments behind.
	dup := newInbox("team-a", "inb-2", "ref-1", domain.InboxNew)
	expectKind(t, s.InsertInbox(ctx, dup, []*domain.Attachment{newAttachment("team-a", "att-3", "inb-2")}), domain.ErrConflict)
	if got, _ := s.ListAttachments(ctx, "team-a", "inb-2"); len(got) != 0 {
		t.Errorf("attachments of rejected item = %d, want 0", len(got))
	}

	foreign := newInbox("team-a", "inb-3", "ref-3", domain.InboxNew)
	expectKind(t, s.InsertInbox(ctx, foreign, []*domain.Attachment{newAttachment("team-b", "att-4", "inb-3")}), domain.ErrValidation)
	if got, _ := s.FindInboxByReferenceID(ctx, "team-a", "ref-3"); got != nil {
		t.Errorf("item with foreign attachment was stored: %+v", got)
	}
	if got, _ := s.ListAttachments(ctx, "team-b", "inb-1"); len(got) != 0 {
		t.Errorf("attachments visible from team-b: %d", len(got))
	}
}

func formatNumber(seq int64) string { return fmt.Sprintf("INV-%04d", seq) }

func testIssueInvoice(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustTeam(t, s, "team-a")
	if err := s.InsertInvoice(ctx, newInvoice("team-a", "inv-1", "tok-1")); err != nil {
		t.Fatalf("InsertInvoice: %v", err)
	}

	// A stale expected status loses without consuming a number.
	stale, _ := s.GetInvoice(ctx, "team-a", "inv-1")
	stale.Status = domain.InvoiceSent
	expectKind(t, s.IssueInvoice(ctx, stale, domain.InvoiceScheduled, formatNumber), domain.ErrConflict)
	if stale.Number != 0 || stale.InvoiceNumber != "" {
		t.Errorf("failed issue set number %d %q", stale.Number, stale.InvoiceNumber)
	}

	inv, _ := s.GetInvoice(ctx, "team-a", "inv-1")
	inv.Status = domain.InvoiceSent
	if err := s.IssueInvoice(ctx, inv, domain.InvoiceDraft, formatNumber); err != nil {
		t.Fatalf("IssueInvoice: %v", err)
	}
	if inv.Number != 1 || inv.InvoiceNumber != "INV-0001" {
		t.Errorf("issued number = %d %q, want 1 INV-0001", inv.Number, inv.InvoiceNumber)
	}
	got, _ := s.GetInvoice(ctx, "team-a", "inv-1")
	if got.Status != domain.InvoiceSent || got.Number != 1 || got.InvoiceNumber != "INV-0001" || got.Token != "tok-1" {
		t.Errorf("stored invoice = %+v", got)
	}

	// Issuing again never assigns a second number.
	got.Number, got.InvoiceNumber = 0, ""
	expectKind(t, s.IssueInvoice(ctx, got, domain.InvoiceSent, formatNumber), domain.ErrConflict)
	team, _ := s.GetTeam(ctx, "team-a")
	if team.InvoiceSequence != 1 {
		t.Errorf("sequence = %d, want 1", team.InvoiceSequence)
	}

	// Sequences are per team.
	mustTeam(t, s, "team-b")
	other := newInvoice("team-b", "inv-b", "tok-b")
	if err := s.InsertInvoice(ctx, other); err != nil {
		t.Fatalf("InsertInvoice: %v", err)
	}
	other.Status = domain.InvoiceSent
	if err := s.IssueInvoice(ctx, other, domain.InvoiceDraft, formatNumber); err != nil || other.Number != 1 {
		t.Errorf("team-b first number = %d, %v; want 1", other.Number, err)
	}
	missing := newInvoice("team-missing", "inv-x", "tok-x")
	if err := s.IssueInvoice(ctx, missing, domain.InvoiceDraft, formatNumber); !domain.IsNotFound(err) {
		t.Errorf("unknown invoice: got %v, want not found", err)
	}
}

func testIssueInvoiceConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustTeam(t, s, "team-a")
	const n = 12
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("inv-%d", i)
		if err := s.InsertInvoice(ctx, newInvoice("team-a", id, "tok-"+id)); err != nil {
			t.Fatalf("InsertInvoice: %v", err)
		}
	}

	// Every invoice is issued twice at once; exactly one attempt per invoice wins.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		nums []int64
	)
	for i := 0; i < 2*n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := s.GetInvoice(ctx, "team-a", fmt.Sprintf("inv-%d", i%n))
			if err != nil {
				t.Errorf("GetInvoice: %v", err)
				return
			}
			inv.Status = domain.InvoiceScheduled
			if err := s.IssueInvoice(ctx, inv, domain.InvoiceDraft, formatNumber); err != nil {
				if !domain.IsConflict(err) {
					t.Errorf("IssueInvoice: %v", err)
				}
				return
			}
			mu.Lock()
			nums = append(nums, inv.Number)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	if len(nums) != n {
		t.Fatalf("issued %d invoices, want %d: %v", len(nums), n, nums)
	}
	for i, v := range nums {
		if v != int64(i+1) {
			t.Fatalf("issued numbers = %v, want 1..%d", nums, n)
		}
	}
	team, _ := s.GetTeam(ctx, "team-a")
	if team.InvoiceSequence != n {
		t.Errorf("sequence = %d, want %d", team.InvoiceSequence, n)
	}
}

func testInvoiceFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	sched := base.AddDate(0, 0, 3)

	scheduled := newInvoice("team-a", "inv-1", "tok-1")
	scheduled.Status = domain.InvoiceScheduled
	scheduled.ScheduleDate = &sched
	sent := newInvoice("team-a", "inv-2", "tok-2")
	sent.Status = domain.InvoiceSent
	sent.CreatedAt = base.Add(time.Hour)
	for _, inv := range []*domain.Invoice{scheduled, sent} {
		if err := s.InsertInvoice(ctx, inv); err != nil {
			t.Fatalf("InsertInvoice: %v", err)
		}
	}

	due, _ := s.ListInvoices(ctx, "team-a", store.InvoiceFilter{
		Statuses:        []domain.InvoiceStatus{domain.InvoiceScheduled},
		ScheduledBefore: base.AddDate(0, 0, 3),
	})
	if len(due) != 1 || due[0].ID != "inv-1" || due[0].ScheduleDate == nil || !due[0].ScheduleDate.Equal(sched) {
		t.Errorf("scheduled filter = %v", due)
	}
	early, _ := s.ListInvoices(ctx, "team-a", store.InvoiceFilter{ScheduledBefore: base})
	if len(early) != 0 {
		t.Errorf("schedule date in the future should be excluded, got %d", len(early))
	}

	overdue, _ := s.ListInvoices(ctx, "team-a", store.InvoiceFilter{
		Statuses:  []domain.InvoiceStatus{domain.InvoiceSent},
		DueBefore: base.AddDate(0, 0, 15),
	})
	if len(overdue) != 1 || overdue[0].ID != "inv-2" {
		t.Errorf("due filter = %v", overdue)
	}
}

func testActivityStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := &domain.Activity{
		ID: "act-1", TeamID: "team-a", Type: domain.ActivityInvoicePaid, Source: domain.ActivitySourceUser,
		Status: domain.ActivityUnread, Metadata: map[string]any{"invoice_id": "inv-1"}, CreatedAt: base,
	}
	if err := s.InsertActivity(ctx, a); err != nil {
		t.Fatalf("InsertActivity: %v", err)
	}
	expectKind(t, s.InsertActivity(ctx, a), domain.ErrConflict)

	if err := s.UpdateActivityStatus(ctx, "team-a", "act-1", domain.ActivityUnread, domain.ActivityRead); err != nil {
		t.Fatalf("UpdateActivityStatus: %v", err)
	}
	expectKind(t, s.UpdateActivityStatus(ctx, "team-a", "act-1", domain.ActivityUnread, domain.ActivityArchived), domain.ErrConflict)

	got, err := s.GetActivity(ctx, "team-a", "act-1")
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if got.Status != domain.ActivityRead || got.Metadata["invoice_id"] != "inv-1" || got.Type != domain.ActivityInvoicePaid {
		t.Errorf("stored activity = %+v", got)
	}

	unread, _ := s.ListActivities(ctx, "team-a", store.ActivityFilter{Statuses: []domain.ActivityStatus{domain.ActivityUnread}})
	if len(unread) != 0 {
		t.Errorf("unread = %d, want 0", len(unread))
	}
}

func testCategoriesAndTemplates(t *testing.T, s store.Store) {
	ctx := context.Background()
	cat := &domain.TransactionCategory{TeamID: "team-a", Slug: "travel", Name: "Travel", VAT: decimal.NewFromInt(25), CreatedAt: base}
	if err := s.UpsertCategory(ctx, cat); err != nil {
		t.Fatalf("UpsertCategory: %v", err)
	}
	cat.Name = "Trips"
	cat.CreatedAt = base.AddDate(1, 0, 0)
	if err := s.UpsertCategory(ctx, cat); err != nil {
		t.Fatalf("UpsertCategory: %v", err)
	}

	got, err := s.GetCategory(ctx, "team-a", "travel")
	if err != nil || got.Name != "Trips" || !got.CreatedAt.Equal(base) || !got.VAT.Equal(decimal.NewFromInt(25)) {
		t.Errorf("GetCategory = %+v, %v", got, err)
	}
	if _, err := s.GetCategory(ctx, "team-b", "travel"); !domain.IsNotFound(err) {
		t.Errorf("GetCategory across teams: %v", err)
	}

	if tpl, err := s.FindInvoiceTemplate(ctx, "team-a"); tpl != nil || err != nil {
		t.Errorf("FindInvoiceTemplate before upsert = %v, %v", tpl, err)
	}
	if err := s.UpsertInvoiceTemplate(ctx, &domain.InvoiceTemplate{TeamID: "team-a", NumberPrefix: "A-", NumberPadding: 3}); err != nil {
		t.Fatalf("UpsertInvoiceTemplate: %v", err)
	}
	tpl, err := s.FindInvoiceTemplate(ctx, "team-a")
	if err != nil || tpl == nil || tpl.FormatNumber(7) != "A-007" {
		t.Errorf("FindInvoiceTemplate = %+v, %v", tpl, err)
	}
}
