package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/ai"
	"github.com/dvloznov/teamledger/internal/domain"
)

func TestFailedReanalyzeRestoresItem(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	txID := f.addTx(t, jan10, "-30.00", "USD", "-30.00")
	f.scores.set(txID, 0.7)
	item := f.ingest(t, "mail-1", "30", "USD", jan10)
	if got := f.process(t, item.ID); got.Status != domain.InboxSuggestedMatch {
		t.Fatalf("status = %s", got.Status)
	}

	f.flaky.failListTransactions.Store(true)
	if _, err := f.engine.Reanalyze(ctx, team, item.ID); err == nil {
		t.Fatal("Reanalyze succeeded with a failing store")
	}
	stored, _ := f.store.GetInbox(ctx, team, item.ID)
	if stored.Status != domain.InboxSuggestedMatch {
		t.Fatalf("status after failed reanalysis = %s, want suggested_match", stored.Status)
	}
	suggestions, _ := f.store.ListSuggestions(ctx, team, item.ID)
	if len(suggestions) != 1 || suggestions[0].Status != domain.SuggestionPending {
		t.Errorf("suggestions after failed reanalysis = %+v", suggestions)
	}

	f.flaky.failListTransactions.Store(false)
	got, err := f.engine.Reanalyze(ctx, team, item.ID)
	if err != nil || got.Status != domain.InboxSuggestedMatch {
		t.Fatalf("retry: status=%v err=%v", got, err)
	}
	if _, err := f.engine.Confirm(ctx, team, item.ID, txID); err != nil {
		t.Errorf("Confirm after retry: %v", err)
	}
}

func TestCanceledCallerDoesNotFailSharedRun(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-100.00", "USD", "-100.00")
	f.scores.set(txID, 0.7)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.scores.before = func(context.Context, *domain.Transaction) {
		once.Do(func() { close(entered) })
		<-release
	}
	item := f.ingest(t, "mail-1", "100.00", "USD", jan10)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.engine.Process(first, team, item.ID)
		firstErr <- err
	}()
	<-entered

	secondDone := make(chan *domain.Inbox, 1)
	secondErr := make(chan error, 1)
	go func() {
		got, err := f.engine.Process(context.Background(), team, item.ID)
		secondErr <- err
		secondDone <- got
	}()

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("canceled caller: got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller kept waiting")
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("second caller failed: %v", err)
	}
	if got := <-secondDone; got.Status != domain.InboxSuggestedMatch {
		t.Errorf("status = %s, want suggested_match", got.Status)
	}
	if n := f.scores.callsFor(txID); n != 1 {
		t.Errorf("scorer called %d times, want 1", n)
	}
}

func TestCanceledReanalyzeStillCommits(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-30.00", "USD", "-30.00")
	f.scores.set(txID, 0.7)
	item := f.ingest(t, "mail-1", "30", "USD", jan10)
	f.process(t, item.ID)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.scores.before = func(context.Context, *domain.Transaction) {
		once.Do(func() { close(entered) })
		<-release
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Reanalyze(ctx, team, item.ID)
		done <- err
	}()
	<-entered
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Reanalyze: got %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := f.store.GetInbox(context.Background(), team, item.ID)
		if stored.Status == domain.InboxSuggestedMatch {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item stuck in %s", stored.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCrossCurrencyScoredInBaseCurrency(t *testing.T) {
	f := defaultFixture(t)
	cross := f.addTx(t, jan10, "-86.00", "GBP", "-108.00")
	same := f.addTx(t, jan10, "-100.00", "EUR", "-108.00")

	var mu sync.Mutex
	seen := map[string]*domain.Inbox{}
	f.engine.scorer = ScorerFunc(func(_ context.Context, item *domain.Inbox, tx *domain.Transaction) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[tx.ID] = item
		return 0.6, nil
	})

	item := f.ingest(t, "mail-1", "100.00", "EUR", jan10)
	f.process(t, item.ID)

	mu.Lock()
	defer mu.Unlock()
	if got := seen[cross]; got == nil || got.Currency != "USD" || !got.Amount.Decimal.Equal(decimal.RequireFromString("108")) {
		t.Errorf("cross-currency candidate scored against %+v, want 108 USD", got)
	}
	if got := seen[same]; got == nil || got.Currency != "EUR" || !got.Amount.Decimal.Equal(decimal.RequireFromString("100")) {
		t.Errorf("same-currency candidate scored against %+v, want 100 EUR", got)
	}
	stored, _ := f.store.GetInbox(context.Background(), team, item.ID)
	if stored.Currency != "EUR" {
		t.Errorf("stored item currency changed to %s", stored.Currency)
	}
}

func TestCrossCurrencyAutoMatchWithHeuristic(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-86.00", "GBP", "-108.00")
	f.engine.scorer = ai.HeuristicScorer{WindowDays: 7}

	item, _, err := f.engine.IngestInboxItem(context.Background(), team, "mail-1", InboxPayload{
		Amount: "100.00", Currency: "EUR", Date: jan10, DisplayName: "Acme Supplies",
	})
	if err != nil {
		t.Fatalf("IngestInboxItem: %v", err)
	}
	got := f.process(t, item.ID)
	if got.Status != domain.InboxDone || got.TransactionID != txID {
		t.Fatalf("status=%s transaction=%q, want done on %s", got.Status, got.TransactionID, txID)
	}
	if f.capture.Count(domain.ActivityInboxCrossCurrencyMatched) != 1 {
		t.Error("missing inbox_cross_currency_matched")
	}
}

func TestIngestRetryAfterFailedInsert(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	payload := InboxPayload{
		Source:      "upload",
		Attachments: []Upload{{Name: "receipt.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}},
	}

	f.flaky.failInsertInbox.Store(1)
	if _, _, err := f.engine.IngestInboxItem(ctx, team, "upload-1", payload); err == nil {
		t.Fatal("ingest succeeded with a failing store")
	}
	if item, _ := f.store.FindInboxByReferenceID(ctx, team, "upload-1"); item != nil {
		t.Fatalf("failed ingest left item %s behind", item.ID)
	}
	if f.capture.Count(domain.ActivityInboxNew) != 0 {
		t.Error("inbox_new emitted for a failed ingest")
	}

	item, created, err := f.engine.IngestInboxItem(ctx, team, "upload-1", payload)
	if err != nil || !created {
		t.Fatalf("retry: created=%v err=%v", created, err)
	}
	attachments, _ := f.store.ListAttachments(ctx, team, item.ID)
	if len(attachments) != 1 {
		t.Errorf("attachments after retry = %d, want 1", len(attachments))
	}
	if f.capture.Count(domain.ActivityInboxNew) != 1 || len(f.publisher.published) != 1 {
		t.Errorf("inbox_new=%d published=%v", f.capture.Count(domain.ActivityInboxNew), f.publisher.published)
	}
}
