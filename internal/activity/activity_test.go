package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/store"
	"github.com/dvloznov/teamledger/internal/store/memory"
)

var now = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func newRecorder(hooks ...Hook) (*Recorder, *memory.Store) {
	st := memory.New()
	return NewRecorder(st,
		WithIDs(&domain.SequentialIDs{Prefix: "act"}),
		WithClock(domain.FixedClock(now)),
		WithHooks(hooks...),
	), st
}

func TestRecord(t *testing.T) {
	capture := &CaptureHook{}
	r, st := newRecorder(capture)
	ctx := context.Background()

	meta := map[string]any{"invoice_id": "inv-1"}
	id, err := r.Record(ctx, "team-a", domain.ActivityInvoiceSent, domain.ActivitySourceUser, meta)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id != "act-000001" {
		t.Errorf("id = %q", id)
	}

	// Mutating the caller's map must not reach the stored activity.
	meta["invoice_id"] = "changed"

	got, err := st.GetActivity(ctx, "team-a", id)
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if got.Status != domain.ActivityUnread || got.Metadata["invoice_id"] != "inv-1" || !got.CreatedAt.Equal(now) {
		t.Errorf("stored = %+v", got)
	}
	if capture.Count(domain.ActivityInvoiceSent) != 1 {
		t.Errorf("hook saw %d activities", len(capture.Activities()))
	}
}

func TestRecordValidation(t *testing.T) {
	r, _ := newRecorder()
	ctx := context.Background()

	tests := []struct {
		name   string
		team   domain.TeamID
		typ    domain.ActivityType
		source domain.ActivitySource
	}{
		{"empty team", "", domain.ActivityInboxNew, domain.ActivitySourceSystem},
		{"unknown type", "team-a", "inbox_exploded", domain.ActivitySourceSystem},
		{"unknown source", "team-a", domain.ActivityInboxNew, "robot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Record(ctx, tt.team, tt.typ, tt.source, nil); !domain.IsValidation(err) {
				t.Errorf("got %v, want validation error", err)
			}
		})
	}
}

func TestRecordHookFailureIsNotFatal(t *testing.T) {
	failing := HookFunc(func(context.Context, *domain.Activity) error { return errors.New("transport down") })
	capture := &CaptureHook{}
	r, _ := newRecorder(failing, capture)

	if _, err := r.Record(context.Background(), "team-a", domain.ActivityInboxNew, domain.ActivitySourceSystem, nil); err != nil {
		t.Fatalf("Record should not fail on hook errors: %v", err)
	}
	if len(capture.Activities()) != 1 {
		t.Error("later hooks must still be notified")
	}
}

func TestReadStateTransitions(t *testing.T) {
	r, _ := newRecorder()
	ctx := context.Background()
	id, _ := r.Record(ctx, "team-a", domain.ActivityInboxNew, domain.ActivitySourceSystem, nil)

	if err := r.MarkRead(ctx, "team-a", id); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := r.MarkRead(ctx, "team-a", id); err != nil {
		t.Errorf("MarkRead twice should be a no-op: %v", err)
	}
	if err := r.Archive(ctx, "team-a", id); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := r.MarkRead(ctx, "team-a", id); !domain.IsConflict(err) {
		t.Errorf("archived -> read: got %v, want conflict", err)
	}
	if err := r.MarkRead(ctx, "team-b", id); !domain.IsNotFound(err) {
		t.Errorf("other team: got %v, want not found", err)
	}

	unread, _ := r.List(ctx, "team-a", store.ActivityFilter{Statuses: []domain.ActivityStatus{domain.ActivityUnread}})
	if len(unread) != 0 {
		t.Errorf("unread = %d", len(unread))
	}
}

type flakyTransport struct {
	name      string
	mu        sync.Mutex
	gate      chan struct{}
	failFirst int
	calls     int
	delivered map[string]int
}

func (f *flakyTransport) Name() string {
	if f.name == "" {
		return "flaky"
	}
	return f.name
}

func (f *flakyTransport) Deliver(_ context.Context, a *domain.Activity) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return errors.New("temporary failure")
	}
	if f.delivered == nil {
		f.delivered = map[string]int{}
	}
	f.delivered[a.ID]++
	return nil
}

func TestDispatcherRetriesUntilDelivered(t *testing.T) {
	flaky := &flakyTransport{failFirst: 2}
	steady := &flakyTransport{}
	d := NewDispatcher(DispatcherConfig{Workers: 1, MaxAttempts: 5, Backoff: time.Millisecond}, zerolog.Nop(), flaky, steady)
	ctx := context.Background()
	d.Start(ctx)

	r, _ := newRecorder(d)
	id, err := r.Record(ctx, "team-a", domain.ActivityInboxAutoMatched, domain.ActivitySourceSystem, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if flaky.delivered[id] != 1 || flaky.calls != 3 {
		t.Errorf("flaky transport: calls=%d delivered=%v", flaky.calls, flaky.delivered)
	}
	if steady.delivered[id] != 1 {
		t.Errorf("steady transport delivered=%v", steady.delivered)
	}
	if err := d.Notify(ctx, &domain.Activity{ID: "late"}); err == nil {
		t.Error("Notify after Stop should fail")
	}
}

func TestDispatcherGivesUp(t *testing.T) {
	dead := &flakyTransport{failFirst: 100}
	d := NewDispatcher(DispatcherConfig{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond}, zerolog.Nop(), dead)
	d.Start(context.Background())

	if err := d.Notify(context.Background(), &domain.Activity{ID: "a1", TeamID: "team-a"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	_ = d.Stop(context.Background())

	if dead.calls != 3 {
		t.Errorf("calls = %d, want 3", dead.calls)
	}
}

func (f *flakyTransport) deliveredCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[id]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRecordDoesNotBlockOnFullQueue(t *testing.T) {
	stuck := &flakyTransport{gate: make(chan struct{})}
	d := NewDispatcher(DispatcherConfig{QueueSize: 2, Workers: 1, MaxAttempts: 1, Backoff: time.Millisecond}, zerolog.Nop(), stuck)
	ctx := context.Background()
	d.Start(ctx)
	r, st := newRecorder(d)

	var ids []string
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 10; i++ {
			id, err := r.Record(ctx, "team-a", domain.ActivityInboxNew, domain.ActivitySourceSystem, nil)
			if err != nil {
				done <- err
				return
			}
			ids = append(ids, id)
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked behind a stuck transport")
	}
	if n := d.Backlog(); n < 7 {
		t.Errorf("backlog = %d, want at least 7", n)
	}

	close(stuck.gate)
	waitFor(t, "backlog to drain", func() bool {
		if _, err := d.Redeliver(ctx, st); err != nil {
			t.Fatalf("Redeliver: %v", err)
		}
		return d.Backlog() == 0
	})
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, id := range ids {
		if stuck.deliveredCount(id) != 1 {
			t.Errorf("activity %s delivered %d times, want 1", id, stuck.deliveredCount(id))
		}
	}
}

func TestGivenUpActivityIsRedelivered(t *testing.T) {
	dead := &flakyTransport{name: "dead", failFirst: 2}
	steady := &flakyTransport{name: "steady"}
	d := NewDispatcher(DispatcherConfig{Workers: 1, MaxAttempts: 2, Backoff: time.Millisecond}, zerolog.Nop(), dead, steady)
	ctx := context.Background()
	d.Start(ctx)
	r, st := newRecorder(d)

	id, err := r.Record(ctx, "team-a", domain.ActivityInvoicePaid, domain.ActivitySourceSystem, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	waitFor(t, "delivery to give up", func() bool { return d.Backlog() == 1 })

	n, err := d.Redeliver(ctx, st)
	if err != nil || n != 1 {
		t.Fatalf("Redeliver = %d, %v", n, err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if dead.deliveredCount(id) != 1 {
		t.Errorf("dead transport delivered %d times, want 1", dead.deliveredCount(id))
	}
	// Only the transport that gave up sees the activity again.
	if steady.deliveredCount(id) != 1 {
		t.Errorf("steady transport delivered %d times, want 1", steady.deliveredCount(id))
	}
	if d.Backlog() != 0 {
		t.Errorf("backlog = %d after redelivery", d.Backlog())
	}
}
