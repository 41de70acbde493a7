package activity

import (
	"context"
	"errors"
	"sync"

	"github.com/dvloznov/teamledger/internal/domain"
)

// Hook receives every recorded activity.
type Hook interface {
	Notify(ctx context.Context, a *domain.Activity) error
}

// HookFunc allows plain functions to satisfy Hook.
type HookFunc func(ctx context.Context, a *domain.Activity) error

// Notify dispatches to the underlying function.
func (fn HookFunc) Notify(ctx context.Context, a *domain.Activity) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, a)
}

// Hooks fans out to zero or more hooks.
type Hooks []Hook

// Notify forwards a copy of a to every hook and joins their errors.
func (h Hooks) Notify(ctx context.Context, a *domain.Activity) error {
	if len(h) == 0 || a == nil {
		return nil
	}
	var errs []error
	for _, hook := range h {
		if hook == nil {
			continue
		}
		if err := hook.Notify(ctx, a.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CaptureHook records activities for assertions in tests.
type CaptureHook struct {
	Err error

	mu         sync.Mutex
	activities []*domain.Activity
}

// Notify records the activity and returns the configured error.
func (h *CaptureHook) Notify(_ context.Context, a *domain.Activity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activities = append(h.activities, a.Clone())
	return h.Err
}

// Activities returns what has been captured so far.
func (h *CaptureHook) Activities() []*domain.Activity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*domain.Activity(nil), h.activities...)
}

// Count returns how many captured activities have type t.
func (h *CaptureHook) Count(t domain.ActivityType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, a := range h.activities {
		if a.Type == t {
			n++
		}
	}
	return n
}
