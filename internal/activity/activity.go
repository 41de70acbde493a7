// Package activity records domain events and fans them out to notification
// transports.
package activity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/store"
)

// Recorder appends activities and notifies hooks.
type Recorder struct {
	repo  store.ActivityRepository
	ids   domain.IDGenerator
	clock domain.Clock
	hooks Hooks
	log   zerolog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithIDs sets the identifier generator.
func WithIDs(ids domain.IDGenerator) Option { return func(r *Recorder) { r.ids = ids } }

// WithClock sets the clock.
func WithClock(c domain.Clock) Option { return func(r *Recorder) { r.clock = c } }

// WithHooks appends hooks notified after each insert.
func WithHooks(h ...Hook) Option { return func(r *Recorder) { r.hooks = append(r.hooks, h...) } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Recorder) { r.log = l } }

// NewRecorder creates a Recorder over repo.
func NewRecorder(repo store.ActivityRepository, opts ...Option) *Recorder {
	r := &Recorder{
		repo:  repo,
		ids:   domain.UUIDGenerator{},
		clock: domain.SystemClock,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends an unread activity and returns its id. Hook failures are
// logged; delivery is fire-and-forget from the caller's point of view.
func (r *Recorder) Record(ctx context.Context, teamID domain.TeamID, typ domain.ActivityType, source domain.ActivitySource, metadata map[string]any) (string, error) {
	const op = "Record"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return "", err
	}
	if _, err := domain.ParseActivityType(op, string(typ)); err != nil {
		return "", err
	}
	if _, err := domain.ParseActivitySource(op, string(source)); err != nil {
		return "", err
	}

	a := &domain.Activity{
		ID:        r.ids.NewID(),
		TeamID:    teamID,
		Type:      typ,
		Source:    source,
		Status:    domain.ActivityUnread,
		Metadata:  metadata,
		CreatedAt: r.clock(),
	}
	a = a.Clone()
	if err := r.repo.InsertActivity(ctx, a); err != nil {
		return "", fmt.Errorf("Record: inserting activity: %w", err)
	}

	if err := r.hooks.Notify(ctx, a); err != nil {
		r.log.Warn().Err(err).
			Str("team_id", string(teamID)).
			Str("activity_id", a.ID).
			Str("type", string(typ)).
			Msg("Activity hook failed")
	}
	return a.ID, nil
}

// MarkRead moves an activity to read. Marking a read activity again is a no-op.
func (r *Recorder) MarkRead(ctx context.Context, teamID domain.TeamID, id string) error {
	return r.transition(ctx, "MarkRead", teamID, id, domain.ActivityRead)
}

// Archive moves an activity to archived. Archiving twice is a no-op.
func (r *Recorder) Archive(ctx context.Context, teamID domain.TeamID, id string) error {
	return r.transition(ctx, "Archive", teamID, id, domain.ActivityArchived)
}

func (r *Recorder) transition(ctx context.Context, op string, teamID domain.TeamID, id string, to domain.ActivityStatus) error {
	if err := domain.RequireTeam(op, teamID); err != nil {
		return err
	}
	a, err := r.repo.GetActivity(ctx, teamID, id)
	if err != nil {
		return err
	}
	if a.Status == to {
		return nil
	}
	if !a.Status.CanTransition(to) {
		return domain.Conflictf(op, "activity %s cannot move from %s to %s", id, a.Status, to)
	}
	return r.repo.UpdateActivityStatus(ctx, teamID, id, a.Status, to)
}

// List returns a team's activities, newest first.
func (r *Recorder) List(ctx context.Context, teamID domain.TeamID, filter store.ActivityFilter) ([]*domain.Activity, error) {
	if err := domain.RequireTeam("List", teamID); err != nil {
		return nil, err
	}
	return r.repo.ListActivities(ctx, teamID, filter)
}
