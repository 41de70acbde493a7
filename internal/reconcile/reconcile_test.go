package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/activity"
	"github.com/dvloznov/teamledger/internal/config"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/fx"
	"github.com/dvloznov/teamledger/internal/store"
	"github.com/dvloznov/teamledger/internal/store/memory"
)

const team = domain.TeamID("team-a")

var jan10 = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

// scores maps transaction id to the score the fake provider returns.
type scores struct {
	mu     sync.Mutex
	byTx   map[string]float64
	errs   map[string]error
	calls  map[string]int
	before func(ctx context.Context, tx *domain.Transaction)
}

func newScores() *scores {
	return &scores{byTx: map[string]float64{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (s *scores) set(txID string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTx[txID] = v
}

func (s *scores) Score(ctx context.Context, _ *domain.Inbox, tx *domain.Transaction) (float64, error) {
	s.mu.Lock()
	s.calls[tx.ID]++
	before := s.before
	s.mu.Unlock()
	if before != nil {
		before(ctx, tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[tx.ID]; err != nil {
		return 0, err
	}
	return s.byTx[tx.ID], nil
}

func (s *scores) callsFor(txID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[txID]
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *fakePublisher) PublishAnalyzeInbox(_ context.Context, _ domain.TeamID, inboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, inboxID)
	return nil
}

type fakeBlobs struct {
	err error
	put map[string][]byte
}

func (b *fakeBlobs) Put(_ context.Context, teamID domain.TeamID, inboxID, name, _ string, data []byte) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	if b.put == nil {
		b.put = map[string][]byte{}
	}
	uri := "mem://" + string(teamID) + "/" + inboxID + "/" + name
	b.put[uri] = data
	return uri, nil
}

// flakyStore fails selected calls on demand.
type flakyStore struct {
	*memory.Store
	failListTransactions atomic.Bool
	failInsertInbox      atomic.Int32
}

func (s *flakyStore) ListTransactions(ctx context.Context, teamID domain.TeamID, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	if s.failListTransactions.Load() {
		return nil, errors.New("connection reset")
	}
	return s.Store.ListTransactions(ctx, teamID, filter)
}

func (s *flakyStore) InsertInbox(ctx context.Context, item *domain.Inbox, attachments []*domain.Attachment) error {
	if s.failInsertInbox.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.Store.InsertInbox(ctx, item, attachments)
}

type fixture struct {
	engine    *Engine
	store     *memory.Store
	flaky     *flakyStore
	scores    *scores
	capture   *activity.CaptureHook
	publisher *fakePublisher
	blobs     *fakeBlobs
	txIDs     *domain.SequentialIDs
}

func newFixture(t *testing.T, policy config.Matching, rateAge int, opts ...Option) *fixture {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	for _, id := range []domain.TeamID{team, "team-b"} {
		if err := st.CreateTeam(ctx, &domain.Team{ID: id, BaseCurrency: "USD", Plan: domain.PlanPro}); err != nil {
			t.Fatal(err)
		}
	}

	f := &fixture{
		store:     st,
		flaky:     &flakyStore{Store: st},
		scores:    newScores(),
		capture:   &activity.CaptureHook{},
		publisher: &fakePublisher{},
		blobs:     &fakeBlobs{},
		txIDs:     &domain.SequentialIDs{Prefix: "tx"},
	}
	rec := activity.NewRecorder(st, activity.WithHooks(f.capture), activity.WithIDs(&domain.SequentialIDs{Prefix: "act"}))
	rates := fx.NewStaticTable(map[string]decimal.Decimal{"EUR/USD": decimal.RequireFromString("1.08")}, rateAge)

	opts = append([]Option{
		WithIDs(&domain.SequentialIDs{Prefix: "in"}),
		WithClock(domain.FixedClock(jan10.Add(48 * time.Hour))),
		WithPublisher(f.publisher),
		WithBlobStore(f.blobs),
	}, opts...)
	engine, err := New(f.flaky, f.scores, rates, rec, policy, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.engine = engine
	return f
}

func defaultFixture(t *testing.T, opts ...Option) *fixture {
	return newFixture(t, config.DefaultMatching(), 0, opts...)
}

// addTx stores a transaction; base is the USD base amount.
func (f *fixture) addTx(t *testing.T, date time.Time, amount, ccy, base string) string {
	t.Helper()
	id := f.txIDs.NewID()
	tx := &domain.Transaction{
		ID:           id,
		TeamID:       team,
		InternalID:   "bank-" + id,
		Date:         date,
		Name:         "Acme Supplies",
		Method:       domain.MethodCardPurchase,
		Amount:       decimal.RequireFromString(amount),
		Currency:     ccy,
		BaseAmount:   decimal.NewNullDecimal(decimal.RequireFromString(base)),
		BaseCurrency: "USD",
		Status:       domain.TxPosted,
		CreatedAt:    date,
	}
	if err := f.store.InsertTransaction(context.Background(), tx); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}
	return tx.ID
}

func (f *fixture) ingest(t *testing.T, ref string, amount, ccy string, date time.Time) *domain.Inbox {
	t.Helper()
	item, created, err := f.engine.IngestInboxItem(context.Background(), team, ref, InboxPayload{
		Amount: amount, Currency: ccy, Date: date, DisplayName: "Receipt " + ref,
	})
	if err != nil {
		t.Fatalf("IngestInboxItem: %v", err)
	}
	if !created {
		t.Fatalf("IngestInboxItem(%s) did not create", ref)
	}
	return item
}

func (f *fixture) process(t *testing.T, id string) *domain.Inbox {
	t.Helper()
	item, err := f.engine.Process(context.Background(), team, id)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return item
}

func TestAutoConfirmAboveThreshold(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-100.00", "USD", "-100.00")
	f.scores.set(txID, 0.95)

	item := f.ingest(t, "mail-1", "100.00", "USD", jan10.AddDate(0, 0, 1))
	got := f.process(t, item.ID)

	if got.Status != domain.InboxDone || got.TransactionID != txID {
		t.Fatalf("status=%s transaction=%q", got.Status, got.TransactionID)
	}
	if n := f.capture.Count(domain.ActivityInboxAutoMatched); n != 1 {
		t.Errorf("inbox_auto_matched activities = %d, want 1", n)
	}
	if n := f.capture.Count(domain.ActivityInboxNeedsReview); n != 0 {
		t.Errorf("inbox_needs_review activities = %d", n)
	}

	suggestions, _ := f.engine.ListSuggestions(context.Background(), team, item.ID)
	if len(suggestions) != 1 || suggestions[0].Status != domain.SuggestionConfirmed {
		t.Errorf("suggestions = %+v", suggestions)
	}

	// done is terminal: nothing can send it back to analysis.
	if _, err := f.engine.Reanalyze(context.Background(), team, item.ID); !domain.IsConflict(err) {
		t.Errorf("Reanalyze done item: got %v", err)
	}
	if _, err := f.engine.Dismiss(context.Background(), team, item.ID); !domain.IsConflict(err) {
		t.Errorf("Dismiss done item: got %v", err)
	}
	again := f.process(t, item.ID)
	if again.Status != domain.InboxDone {
		t.Errorf("Process on done item changed status to %s", again.Status)
	}
}

func TestReviewThenConfirm(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-100.00", "USD", "-100.00")
	f.scores.set(txID, 0.7)

	item := f.ingest(t, "mail-1", "100.00", "USD", jan10.AddDate(0, 0, 1))
	got := f.process(t, item.ID)
	if got.Status != domain.InboxSuggestedMatch || got.TransactionID != "" {
		t.Fatalf("status=%s transaction=%q", got.Status, got.TransactionID)
	}

	ctx := context.Background()
	suggestions, _ := f.engine.ListSuggestions(ctx, team, item.ID)
	if len(suggestions) != 1 || suggestions[0].Score != 0.7 || suggestions[0].Status != domain.SuggestionPending {
		t.Fatalf("suggestions = %+v", suggestions)
	}
	if f.capture.Count(domain.ActivityInboxNeedsReview) != 1 {
		t.Error("missing inbox_needs_review")
	}

	done, err := f.engine.Confirm(ctx, team, item.ID, txID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if done.Status != domain.InboxDone || done.TransactionID != txID {
		t.Errorf("after confirm: %+v", done)
	}
	if f.capture.Count(domain.ActivityInboxMatchConfirmed) != 1 {
		t.Error("missing inbox_match_confirmed")
	}
}

func TestConfirmInvalidatesOtherSuggestions(t *testing.T) {
	f := defaultFixture(t)
	a := f.addTx(t, jan10, "-50.00", "USD", "-50.00")
	b := f.addTx(t, jan10.AddDate(0, 0, 2), "-50.00", "USD", "-50.00")
	c := f.addTx(t, jan10.AddDate(0, 0, -3), "-50.00", "USD", "-50.00")
	f.scores.set(a, 0.8)
	f.scores.set(b, 0.6)
	f.scores.set(c, 0.4)

	item := f.ingest(t, "mail-1", "50", "USD", jan10)
	f.process(t, item.ID)

	ctx := context.Background()
	if _, err := f.engine.Confirm(ctx, team, item.ID, c); !domain.IsNotFound(err) {
		t.Errorf("confirming an unsuggested transaction: got %v", err)
	}
	if _, err := f.engine.Confirm(ctx, team, item.ID, b); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	suggestions, _ := f.engine.ListSuggestions(ctx, team, item.ID)
	want := map[string]domain.SuggestionStatus{a: domain.SuggestionInvalidated, b: domain.SuggestionConfirmed}
	if len(suggestions) != len(want) {
		t.Fatalf("suggestions = %d, want %d", len(suggestions), len(want))
	}
	for _, s := range suggestions {
		if s.Status != want[s.TransactionID] {
			t.Errorf("suggestion for %s is %s, want %s", s.TransactionID, s.Status, want[s.TransactionID])
		}
	}
	if _, err := f.engine.Confirm(ctx, team, item.ID, a); !domain.IsConflict(err) {
		t.Errorf("second confirm: got %v", err)
	}
}

func TestNoMatchBelowReviewThreshold(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-100.00", "USD", "-100.00")
	f.scores.set(txID, 0.5) // thresholds are strict

	item := f.ingest(t, "mail-1", "100.00", "USD", jan10)
	if got := f.process(t, item.ID); got.Status != domain.InboxNoMatch {
		t.Errorf("status = %s, want no_match", got.Status)
	}
}

func TestCandidateWindowAndTolerance(t *testing.T) {
	f := defaultFixture(t)
	inWindow := f.addTx(t, jan10.AddDate(0, 0, 7), "-101.50", "USD", "-101.50")
	tooLate := f.addTx(t, jan10.AddDate(0, 0, 8), "-100.00", "USD", "-100.00")
	tooFar := f.addTx(t, jan10, "-103.00", "USD", "-103.00")
	for _, id := range []string{inWindow, tooLate, tooFar} {
		f.scores.set(id, 0.99)
	}

	item := f.ingest(t, "mail-1", "100.00", "USD", jan10)
	got := f.process(t, item.ID)

	if got.TransactionID != inWindow {
		t.Errorf("matched %q, want %q", got.TransactionID, inWindow)
	}
	if f.scores.callsFor(tooLate) != 0 || f.scores.callsFor(tooFar) != 0 {
		t.Error("out-of-window or out-of-tolerance candidates were scored")
	}
}

func TestCrossCurrencyWidensWithStaleness(t *testing.T) {
	tests := []struct {
		name    string
		rateAge int
		want    domain.InboxStatus
	}{
		// 100 EUR = 108 USD; 111.5 USD is 3.2% away.
		{"fresh rate keeps 2% tolerance", 0, domain.InboxNoMatch},
		{"four day old rate widens to 4%", 4, domain.InboxDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.DefaultMatching(), tt.rateAge)
			txID := f.addTx(t, jan10, "-111.50", "USD", "-111.50")
			f.scores.set(txID, 0.95)

			item := f.ingest(t, "mail-1", "100.00", "EUR", jan10)
			got := f.process(t, item.ID)
			if got.Status != tt.want {
				t.Fatalf("status = %s, want %s", got.Status, tt.want)
			}
			if tt.want == domain.InboxDone && f.capture.Count(domain.ActivityInboxCrossCurrencyMatched) != 1 {
				t.Error("missing inbox_cross_currency_matched")
			}
		})
	}
}

func TestUnscoredCandidatesAreExcluded(t *testing.T) {
	policy := config.DefaultMatching()
	policy.ScoreTimeout = 20 * time.Millisecond
	f := newFixture(t, policy, 0)

	failing := f.addTx(t, jan10, "-10.00", "USD", "-10.00")
	slow := f.addTx(t, jan10, "-10.00", "USD", "-10.00")
	f.scores.set(failing, 0.99)
	f.scores.set(slow, 0.99)
	f.scores.errs[failing] = errors.New("provider unavailable")

	release := make(chan struct{})
	defer close(release)
	f.scores.before = func(_ context.Context, tx *domain.Transaction) {
		if tx.ID == slow {
			<-release // ignores its context on purpose
		}
	}

	item := f.ingest(t, "mail-1", "10.00", "USD", jan10)
	got := f.process(t, item.ID)
	if got.Status != domain.InboxNoMatch {
		t.Errorf("status = %s, want no_match", got.Status)
	}
}

func TestRankingTieBreaks(t *testing.T) {
	f := defaultFixture(t)
	far := f.addTx(t, jan10.AddDate(0, 0, 3), "-20.00", "USD", "-20.00")
	nearOld := f.addTx(t, jan10.AddDate(0, 0, 1), "-20.00", "USD", "-20.00")
	nearNew := f.addTx(t, jan10.AddDate(0, 0, -1), "-20.00", "USD", "-20.00")
	best := f.addTx(t, jan10.AddDate(0, 0, 5), "-20.00", "USD", "-20.00")
	f.scores.set(far, 0.7)
	f.scores.set(nearOld, 0.7)
	f.scores.set(nearNew, 0.7)
	f.scores.set(best, 0.8)

	item := f.ingest(t, "mail-1", "20.00", "USD", jan10)
	f.process(t, item.ID)

	suggestions, _ := f.engine.ListSuggestions(context.Background(), team, item.ID)
	want := []string{best, nearNew, nearOld, far}
	if len(suggestions) != len(want) {
		t.Fatalf("suggestions = %d", len(suggestions))
	}
	for i, s := range suggestions {
		if s.TransactionID != want[i] || s.Rank != i+1 {
			t.Errorf("rank %d: got %s (rank %d), want %s", i+1, s.TransactionID, s.Rank, want[i])
		}
	}
}

func TestMaxSuggestions(t *testing.T) {
	policy := config.DefaultMatching()
	policy.MaxSuggestions = 2
	f := newFixture(t, policy, 0)
	for i := 0; i < 4; i++ {
		f.scores.set(f.addTx(t, jan10.AddDate(0, 0, i), "-5.00", "USD", "-5.00"), 0.6)
	}
	item := f.ingest(t, "mail-1", "5", "USD", jan10)
	f.process(t, item.ID)
	suggestions, _ := f.engine.ListSuggestions(context.Background(), team, item.ID)
	if len(suggestions) != 2 {
		t.Errorf("suggestions = %d, want 2", len(suggestions))
	}
}

func TestReanalyzeReplacesSuggestions(t *testing.T) {
	f := defaultFixture(t)
	a := f.addTx(t, jan10, "-30.00", "USD", "-30.00")
	b := f.addTx(t, jan10.AddDate(0, 0, 1), "-30.00", "USD", "-30.00")
	f.scores.set(a, 0.7)
	f.scores.set(b, 0.6)

	ctx := context.Background()
	item := f.ingest(t, "mail-1", "30", "USD", jan10)
	f.process(t, item.ID)

	suggestions, _ := f.engine.ListSuggestions(ctx, team, item.ID)
	var declineID string
	for _, s := range suggestions {
		if s.TransactionID == a {
			declineID = s.ID
		}
	}
	if _, err := f.engine.DeclineSuggestion(ctx, team, item.ID, declineID); err != nil {
		t.Fatalf("DeclineSuggestion: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := f.engine.Reanalyze(ctx, team, item.ID)
		if err != nil {
			t.Fatalf("Reanalyze: %v", err)
		}
		if got.Status != domain.InboxSuggestedMatch {
			t.Fatalf("status = %s", got.Status)
		}
	}

	suggestions, _ = f.engine.ListSuggestions(ctx, team, item.ID)
	pending, declined := 0, 0
	for _, s := range suggestions {
		switch s.Status {
		case domain.SuggestionPending:
			pending++
			if s.TransactionID != b {
				t.Errorf("declined pair suggested again: %s", s.TransactionID)
			}
		case domain.SuggestionDeclined:
			declined++
		}
	}
	if pending != 1 || declined != 1 || len(suggestions) != 2 {
		t.Errorf("pending=%d declined=%d total=%d", pending, declined, len(suggestions))
	}
}

func TestDecliningLastSuggestionMovesToNoMatch(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-30.00", "USD", "-30.00")
	f.scores.set(txID, 0.7)
	item := f.ingest(t, "mail-1", "30", "USD", jan10)
	f.process(t, item.ID)

	ctx := context.Background()
	suggestions, _ := f.engine.ListSuggestions(ctx, team, item.ID)
	got, err := f.engine.DeclineSuggestion(ctx, team, item.ID, suggestions[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.InboxNoMatch {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := f.engine.DeclineSuggestion(ctx, team, item.ID, "missing"); !domain.IsNotFound(err) {
		t.Errorf("unknown suggestion: got %v", err)
	}

	// A manual link still works from no_match.
	linked, err := f.engine.Link(ctx, team, item.ID, txID)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if linked.Status != domain.InboxDone || linked.TransactionID != txID {
		t.Errorf("after link: %+v", linked)
	}
}

func TestDeleteDuringAnalysisAbortsSilently(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-100.00", "USD", "-100.00")
	f.scores.set(txID, 0.95)

	var item *domain.Inbox
	f.scores.before = func(context.Context, *domain.Transaction) {
		if _, err := f.engine.Delete(context.Background(), team, item.ID); err != nil {
			t.Errorf("Delete: %v", err)
		}
	}
	item = f.ingest(t, "mail-1", "100.00", "USD", jan10)

	got, err := f.engine.Process(context.Background(), team, item.ID)
	if err != nil {
		t.Fatalf("Process should abort silently, got %v", err)
	}
	if got.Status != domain.InboxDeleted || got.TransactionID != "" {
		t.Errorf("item = %+v", got)
	}
	if f.capture.Count(domain.ActivityInboxAutoMatched) != 0 {
		t.Error("activity emitted for dropped analysis")
	}
	suggestions, _ := f.store.ListSuggestions(context.Background(), team, item.ID)
	if len(suggestions) != 0 {
		t.Errorf("suggestions committed for deleted item: %d", len(suggestions))
	}
}

func TestTransactionLinkedOnlyOnce(t *testing.T) {
	f := defaultFixture(t)
	txID := f.addTx(t, jan10, "-100.00", "USD", "-100.00")
	f.scores.set(txID, 0.95)

	first := f.ingest(t, "mail-1", "100.00", "USD", jan10)
	second := f.ingest(t, "mail-2", "100.00", "USD", jan10)
	if got := f.process(t, first.ID); got.Status != domain.InboxDone {
		t.Fatalf("first: %s", got.Status)
	}
	if got := f.process(t, second.ID); got.Status != domain.InboxNoMatch {
		t.Errorf("second: %s, want no_match", got.Status)
	}
	if _, err := f.engine.Link(context.Background(), team, second.ID, txID); !domain.IsConflict(err) {
		t.Errorf("manual link to a taken transaction: got %v", err)
	}
}

func TestProcessIsSingleFlight(t *testing.T) {
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

	var wg sync.WaitGroup
	var failures atomic.Int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := f.engine.Process(context.Background(), team, item.ID); err != nil {
			failures.Add(1)
		}
	}()
	<-entered
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Process(context.Background(), team, item.ID); err != nil {
				failures.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d Process calls failed", failures.Load())
	}
	if n := f.scores.callsFor(txID); n != 1 {
		t.Errorf("scorer called %d times, want 1", n)
	}
	suggestions, _ := f.store.ListSuggestions(context.Background(), team, item.ID)
	if len(suggestions) != 1 {
		t.Errorf("suggestions = %d, want 1", len(suggestions))
	}
}

func TestMatchRule(t *testing.T) {
	policy := config.DefaultMatching()
	policy.Rule = `days_apart <= 1 && tx_method != "card_atm"`
	f := newFixture(t, policy, 0)
	near := f.addTx(t, jan10.AddDate(0, 0, 1), "-10.00", "USD", "-10.00")
	far := f.addTx(t, jan10.AddDate(0, 0, 3), "-10.00", "USD", "-10.00")
	f.scores.set(near, 0.6)
	f.scores.set(far, 0.99)

	item := f.ingest(t, "mail-1", "10", "USD", jan10)
	got := f.process(t, item.ID)
	if got.Status != domain.InboxSuggestedMatch || f.scores.callsFor(far) != 0 {
		t.Errorf("status=%s far scored %d times", got.Status, f.scores.callsFor(far))
	}

	policy.Rule = "days_apart <="
	if _, err := New(f.store, f.scores, nil, nil, policy); !domain.IsValidation(err) {
		t.Errorf("invalid rule: got %v", err)
	}
}

func TestIngestInboxItemIsIdempotent(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	payload := InboxPayload{
		Source:      "upload",
		Amount:      "12.30",
		Currency:    "eur",
		Attachments: []Upload{{Name: "receipt.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}},
	}

	first, created, err := f.engine.IngestInboxItem(ctx, team, "upload-1", payload)
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}
	if first.Status != domain.InboxPending || first.Currency != "EUR" {
		t.Errorf("first = %+v", first)
	}
	second, created, err := f.engine.IngestInboxItem(ctx, team, "upload-1", payload)
	if err != nil || created || second.ID != first.ID {
		t.Errorf("second ingest: id=%s created=%v err=%v", second.ID, created, err)
	}

	if f.capture.Count(domain.ActivityInboxNew) != 1 {
		t.Errorf("inbox_new = %d", f.capture.Count(domain.ActivityInboxNew))
	}
	if len(f.publisher.published) != 1 {
		t.Errorf("published = %v", f.publisher.published)
	}
	attachments, _ := f.store.ListAttachments(ctx, team, first.ID)
	if len(attachments) != 1 || f.blobs.put[attachments[0].URI] == nil {
		t.Errorf("attachments = %+v", attachments)
	}

	// The same reference in another team is a different item.
	other, created, err := f.engine.IngestInboxItem(ctx, "team-b", "upload-1", payload)
	if err != nil || !created || other.ID == first.ID {
		t.Errorf("other team: created=%v err=%v", created, err)
	}
}

func TestIngestInboxItemValidation(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		team    domain.TeamID
		ref     string
		payload InboxPayload
	}{
		{"empty team", "", "r", InboxPayload{}},
		{"empty reference", team, " ", InboxPayload{}},
		{"bad currency", team, "r", InboxPayload{Currency: "EURO"}},
		{"bad amount", team, "r", InboxPayload{Amount: "inf"}},
		{"bad source", team, "r", InboxPayload{Source: "fax"}},
		{"unnamed attachment", team, "r", InboxPayload{Attachments: []Upload{{Data: []byte("x")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.engine.IngestInboxItem(ctx, tt.team, tt.ref, tt.payload); !domain.IsValidation(err) {
				t.Errorf("got %v", err)
			}
		})
	}

	f.blobs.err = errors.New("bucket gone")
	_, _, err := f.engine.IngestInboxItem(ctx, team, "r-blob", InboxPayload{Attachments: []Upload{{Name: "a.pdf"}}})
	if !domain.IsDependency(err) {
		t.Errorf("blob failure: got %v", err)
	}
	if item, _ := f.store.FindInboxByReferenceID(ctx, team, "r-blob"); item != nil {
		t.Error("item stored despite blob failure")
	}
}

type extractorFunc func(ctx context.Context, item *domain.Inbox, attachments []*domain.Attachment) (domain.InboxExtraction, error)

func (fn extractorFunc) Extract(ctx context.Context, item *domain.Inbox, attachments []*domain.Attachment) (domain.InboxExtraction, error) {
	return fn(ctx, item, attachments)
}

func TestProcessExtractsMissingFields(t *testing.T) {
	calls := 0
	extractor := extractorFunc(func(_ context.Context, item *domain.Inbox, attachments []*domain.Attachment) (domain.InboxExtraction, error) {
		calls++
		if calls == 1 {
			return domain.InboxExtraction{}, errors.New("model overloaded")
		}
		return domain.InboxExtraction{
			DisplayName: "Acme invoice",
			Type:        domain.InboxTypeInvoice,
			Amount:      decimal.NewNullDecimal(decimal.RequireFromString("75.00")),
			Currency:    "usd",
			Date:        jan10,
		}, nil
	})
	f := defaultFixture(t, WithExtractor(extractor))
	txID := f.addTx(t, jan10, "-75.00", "USD", "-75.00")
	f.scores.set(txID, 0.92)

	ctx := context.Background()
	item, _, err := f.engine.IngestInboxItem(ctx, team, "mail-9", InboxPayload{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Process(ctx, team, item.ID); !domain.IsDependency(err) {
		t.Fatalf("first Process: got %v, want dependency error", err)
	}
	stuck, _ := f.engine.GetInbox(ctx, team, item.ID)
	if stuck.Status != domain.InboxProcessing {
		t.Fatalf("after failed extraction: %s", stuck.Status)
	}

	got := f.process(t, item.ID)
	if got.Status != domain.InboxDone || got.Type != domain.InboxTypeInvoice || got.Currency != "USD" {
		t.Errorf("after retry: %+v", got)
	}
}
