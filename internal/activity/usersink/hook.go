// Package usersink forwards activities to a go-users ActivitySink.
package usersink

import (
	"context"
	"strings"

	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
)

// ObjectType is the object type written on every record.
const ObjectType = "team_activity"

// Hook adapts activities to a go-users ActivitySink.
type Hook struct {
	Sink    usertypes.ActivitySink
	Channel string
}

// Notify maps the activity into an ActivityRecord and forwards it.
func (h Hook) Notify(ctx context.Context, a *domain.Activity) error {
	if h.Sink == nil || a == nil {
		return nil
	}

	data := make(map[string]any, len(a.Metadata)+3)
	for k, v := range a.Metadata {
		data[k] = v
	}
	data["team_id"] = string(a.TeamID)
	data["source"] = string(a.Source)
	data["status"] = string(a.Status)

	record := usertypes.ActivityRecord{
		TenantID:   parseUUID(string(a.TeamID)),
		Verb:       string(a.Type),
		ObjectType: ObjectType,
		ObjectID:   a.ID,
		Channel:    h.Channel,
		Data:       data,
		OccurredAt: a.CreatedAt,
	}
	if actor, ok := a.Metadata["actor_id"].(string); ok {
		record.ActorID = parseUUID(actor)
		record.UserID = record.ActorID
	}
	return h.Sink.Log(ctx, record)
}

// parseUUID maps non-UUID team ids to uuid.Nil; the raw id stays in Data.
func parseUUID(input string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(input))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// LogSink is an ActivitySink that writes each record as an audit log line.
type LogSink struct {
	Logger zerolog.Logger
}

// Log implements usertypes.ActivitySink.
func (s LogSink) Log(_ context.Context, record usertypes.ActivityRecord) error {
	event := s.Logger.Info().
		Str("verb", record.Verb).
		Str("object_type", record.ObjectType).
		Str("object_id", record.ObjectID).
		Time("occurred_at", record.OccurredAt)
	if record.TenantID != uuid.Nil {
		event = event.Str("tenant_id", record.TenantID.String())
	}
	if record.ActorID != uuid.Nil {
		event = event.Str("actor_id", record.ActorID.String())
	}
	if record.Channel != "" {
		event = event.Str("channel", record.Channel)
	}
	event.Interface("data", record.Data).Msg("Activity audit")
	return nil
}

var _ usertypes.ActivitySink = LogSink{}
