package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/activity"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/fx"
	"github.com/dvloznov/teamledger/internal/store"
	"github.com/dvloznov/teamledger/internal/store/memory"
)

var jan10 = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *memory.Store
	capture *activity.CaptureHook
}

func newFixture(t *testing.T, converter fx.Converter) *fixture {
	t.Helper()
	st := memory.New()
	capture := &activity.CaptureHook{}
	rec := activity.NewRecorder(st,
		activity.WithIDs(&domain.SequentialIDs{Prefix: "act"}),
		activity.WithHooks(capture),
	)
	if converter == nil {
		converter = fx.NewStaticTable(map[string]decimal.Decimal{"EUR/USD": decimal.RequireFromString("1.10")}, 0)
	}
	svc := New(st, converter, rec, WithIDs(&domain.SequentialIDs{Prefix: "tx"}), WithClock(domain.FixedClock(jan10)))

	ctx := context.Background()
	for _, id := range []domain.TeamID{"team-a", "team-b"} {
		if err := svc.CreateTeam(ctx, &domain.Team{ID: id, Name: string(id), BaseCurrency: "usd"}); err != nil {
			t.Fatalf("CreateTeam: %v", err)
		}
	}
	return &fixture{svc: svc, store: st, capture: capture}
}

func record(internalID, amount, ccy string) ExternalTransaction {
	return ExternalTransaction{
		InternalID: internalID,
		Date:       jan10,
		Name:       "Coffee Roasters",
		Amount:     amount,
		Currency:   ccy,
		Method:     "card_purchase",
	}
}

func strPtr(s string) *string { return &s }

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "100.00", "USD"))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Outcome != Created {
		t.Errorf("first outcome = %s", first.Outcome)
	}

	second, err := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "100.00", "USD"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Outcome != Unchanged {
		t.Errorf("second outcome = %s", second.Outcome)
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Errorf("ids differ: %s vs %s", first.Transaction.ID, second.Transaction.ID)
	}

	all, _ := f.svc.ListTransactions(ctx, "team-a", store.TransactionFilter{})
	if len(all) != 1 {
		t.Errorf("stored rows = %d, want 1", len(all))
	}
	if got := f.capture.Count(domain.ActivityTransactionsCreated); got != 1 {
		t.Errorf("created activities = %d, want 1", got)
	}
	if got := len(f.capture.Activities()); got != 1 {
		t.Errorf("total activities = %d, want 1", got)
	}
}

func TestIngestMergePreservesUserFields(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.svc.UpsertCategory(ctx, "team-a", "travel", "Travel", decimal.NewFromInt(25)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.UpsertCategory(ctx, "team-a", "meals", "Meals", decimal.NewFromInt(12)); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "42.50", "USD"))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Transaction.ID
	if _, err := f.svc.Categorize(ctx, "team-a", id, "travel"); err != nil {
		t.Fatalf("Categorize: %v", err)
	}
	if _, err := f.svc.SetNote(ctx, "team-a", id, "client visit"); err != nil {
		t.Fatalf("SetNote: %v", err)
	}

	rec := record("bank-1", "42.50", "USD")
	rec.Name = "COFFEE ROASTERS LTD"
	res, err = f.svc.IngestTransaction(ctx, "team-a", rec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Enriched {
		t.Errorf("outcome = %s, want enriched", res.Outcome)
	}
	tx, _ := f.svc.GetTransaction(ctx, "team-a", id)
	if tx.Name != "COFFEE ROASTERS LTD" || tx.CategorySlug != "travel" || tx.Note != "client visit" {
		t.Errorf("after merge: %+v", tx)
	}

	rec.CategorySlug = strPtr("meals")
	if _, err := f.svc.IngestTransaction(ctx, "team-a", rec); err != nil {
		t.Fatal(err)
	}
	tx, _ = f.svc.GetTransaction(ctx, "team-a", id)
	if tx.CategorySlug != "meals" {
		t.Errorf("explicit category not applied: %q", tx.CategorySlug)
	}
	if f.capture.Count(domain.ActivityTransactionsEnriched) != 2 {
		t.Errorf("enriched activities = %d", f.capture.Count(domain.ActivityTransactionsEnriched))
	}
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		team  domain.TeamID
		mod   func(*ExternalTransaction)
		check func(error) bool
	}{
		{"empty team", "", func(*ExternalTransaction) {}, domain.IsValidation},
		{"missing internal id", "team-a", func(r *ExternalTransaction) { r.InternalID = " " }, domain.IsValidation},
		{"missing date", "team-a", func(r *ExternalTransaction) { r.Date = time.Time{} }, domain.IsValidation},
		{"unsupported currency", "team-a", func(r *ExternalTransaction) { r.Currency = "ZZZ" }, domain.IsValidation},
		{"non-finite amount", "team-a", func(r *ExternalTransaction) { r.Amount = "NaN" }, domain.IsValidation},
		{"malformed amount", "team-a", func(r *ExternalTransaction) { r.Amount = "12,00" }, domain.IsValidation},
		{"unknown method", "team-a", func(r *ExternalTransaction) { r.Method = "barter" }, domain.IsValidation},
		{"unknown category", "team-a", func(r *ExternalTransaction) { r.CategorySlug = strPtr("nope") }, domain.IsNotFound},
		{"unknown bank account", "team-a", func(r *ExternalTransaction) { r.BankAccountID = "acc-x" }, domain.IsNotFound},
		{"unknown team", "team-z", func(*ExternalTransaction) {}, domain.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record("bank-v", "10.00", "USD")
			tt.mod(&rec)
			if _, err := f.svc.IngestTransaction(ctx, tt.team, rec); !tt.check(err) {
				t.Errorf("got %v", err)
			}
		})
	}

	all, _ := f.svc.ListTransactions(ctx, "team-a", store.TransactionFilter{})
	if len(all) != 0 {
		t.Errorf("rejected records were stored: %d", len(all))
	}
}

func TestIngestDisconnectedAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.svc.UpsertBankAccount(ctx, &domain.BankAccount{ID: "acc-1", TeamID: "team-a", Currency: "USD", Status: domain.BankDisconnected}); err != nil {
		t.Fatal(err)
	}
	rec := record("bank-1", "10.00", "USD")
	rec.BankAccountID = "acc-1"
	if _, err := f.svc.IngestTransaction(ctx, "team-a", rec); !domain.IsConflict(err) {
		t.Errorf("got %v, want conflict", err)
	}
	if _, err := f.svc.IngestTransaction(ctx, "team-b", rec); !domain.IsNotFound(err) {
		t.Errorf("other team's account: got %v, want not found", err)
	}
}

func TestIngestConvertsToBaseCurrency(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.IngestTransaction(context.Background(), "team-a", record("bank-eur", "100.00", "eur"))
	if err != nil {
		t.Fatal(err)
	}
	tx := res.Transaction
	if tx.Currency != "EUR" || tx.BaseCurrency != "USD" || !tx.BaseAmount.Decimal.Equal(decimal.RequireFromString("110")) {
		t.Errorf("base conversion: %s %s -> %s %s", tx.Amount, tx.Currency, tx.BaseAmount.Decimal, tx.BaseCurrency)
	}
}

func TestIngestRateProviderFailureWritesNothing(t *testing.T) {
	down := fx.ConverterFunc(func(context.Context, decimal.Decimal, string, string, time.Time) (fx.Conversion, error) {
		return fx.Conversion{}, errors.New("timeout")
	})
	f := newFixture(t, down)
	ctx := context.Background()

	_, err := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "10.00", "EUR"))
	if !domain.IsDependency(err) {
		t.Fatalf("got %v, want dependency error", err)
	}
	if tx, _ := f.store.FindTransactionByInternalID(ctx, "team-a", "bank-1"); tx != nil {
		t.Error("transaction stored despite conversion failure")
	}
	if n := len(f.capture.Activities()); n != 0 {
		t.Errorf("activities = %d", n)
	}
}

func TestConcurrentIngestSameKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "100.00", "USD")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("ingest: %v", err)
	}

	all, _ := f.svc.ListTransactions(ctx, "team-a", store.TransactionFilter{})
	if len(all) != 1 {
		t.Errorf("rows = %d, want 1", len(all))
	}
	if got := f.capture.Count(domain.ActivityTransactionsCreated); got != 1 {
		t.Errorf("created activities = %d, want 1", got)
	}
}

func TestSameInternalIDInTwoTeams(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "1.00", "USD"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.IngestTransaction(ctx, "team-b", record("bank-1", "1.00", "USD"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != Created || b.Outcome != Created || a.Transaction.ID == b.Transaction.ID {
		t.Errorf("a=%+v b=%+v", a, b)
	}
	if _, err := f.svc.GetTransaction(ctx, "team-b", a.Transaction.ID); !domain.IsNotFound(err) {
		t.Errorf("cross-team read: got %v", err)
	}
}

func TestIngestBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.svc.IngestTransaction(ctx, "team-a", record("bank-0", "5.00", "USD")); err != nil {
		t.Fatal(err)
	}

	changed := record("bank-0", "5.00", "USD")
	changed.Name = "Renamed"
	results, err := f.svc.IngestTransactions(ctx, "team-a", []ExternalTransaction{
		record("bank-1", "1.00", "USD"),
		record("bank-2", "oops", "USD"),
		changed,
		record("bank-3", "3.00", "EUR"),
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []Outcome{Created, "", Enriched, Created}
	for i, r := range results {
		if r.Outcome != want[i] {
			t.Errorf("results[%d].Outcome = %q, want %q", i, r.Outcome, want[i])
		}
	}
	if !domain.IsValidation(results[1].Err) {
		t.Errorf("results[1].Err = %v", results[1].Err)
	}

	var createdBatch *domain.Activity
	for _, a := range f.capture.Activities() {
		if a.Type == domain.ActivityTransactionsCreated && a.Metadata["count"] == 2 {
			createdBatch = a
		}
	}
	if createdBatch == nil {
		t.Error("missing batch transactions_created activity")
	}
	if f.capture.Count(domain.ActivityTransactionsEnriched) != 1 {
		t.Errorf("enriched activities = %d", f.capture.Count(domain.ActivityTransactionsEnriched))
	}
}

func TestArchiveIsSticky(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, _ := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "9.99", "USD"))

	if _, err := f.svc.Archive(ctx, "team-a", res.Transaction.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := f.svc.Archive(ctx, "team-a", res.Transaction.ID); err != nil {
		t.Errorf("second Archive: %v", err)
	}

	// A later bank sync reporting it as posted must not revive it.
	res, err := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "9.99", "USD"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Unchanged || res.Transaction.Status != domain.TxArchived {
		t.Errorf("after re-ingest: outcome=%s status=%s", res.Outcome, res.Transaction.Status)
	}
}

func TestTagsAndAssignment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, _ := f.svc.IngestTransaction(ctx, "team-a", record("bank-1", "9.99", "USD"))
	id := res.Transaction.ID

	tx, err := f.svc.SetTags(ctx, "team-a", id, []string{" Travel", "travel", "", "Q1"})
	if err != nil {
		t.Fatal(err)
	}
	if !sameTags(tx.Tags, []string{"travel", "q1"}) || !tx.UserSet.Tags {
		t.Errorf("tags = %v", tx.Tags)
	}
	tx, err = f.svc.Assign(ctx, "team-a", id, "user-7")
	if err != nil {
		t.Fatal(err)
	}
	if tx.AssignedID != "user-7" || tx.Version != 3 {
		t.Errorf("assign: %+v", tx)
	}
	if _, err := f.svc.Categorize(ctx, "team-a", id, "missing"); !domain.IsNotFound(err) {
		t.Errorf("unknown category: got %v", err)
	}
}

func TestUpsertCategoryValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		slug string
		vat  string
	}{
		{"empty slug", "", "0"},
		{"bad slug", "Office Supplies!", "0"},
		{"negative vat", "office", "-1"},
		{"vat over 100", "office", "101"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.UpsertCategory(ctx, "team-a", tt.slug, "", decimal.RequireFromString(tt.vat)); !domain.IsValidation(err) {
				t.Errorf("got %v", err)
			}
		})
	}

	c, err := f.svc.UpsertCategory(ctx, "team-a", "Office", "", decimal.NewFromInt(20))
	if err != nil {
		t.Fatal(err)
	}
	if c.Slug != "office" || c.Name != "office" {
		t.Errorf("category = %+v", c)
	}
	list, _ := f.svc.ListCategories(ctx, "team-b")
	if len(list) != 0 {
		t.Errorf("team-b sees %d categories", len(list))
	}
}
