package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/teamledger/internal/domain"
)

// ActivityRow is one activity as stored in the analytics table.
type ActivityRow struct {
	ActivityID string              `bigquery:"activity_id"`
	TeamID     string              `bigquery:"team_id"`
	Type       string              `bigquery:"type"`
	Source     string              `bigquery:"source"`
	Metadata   bigquery.NullJSON   `bigquery:"metadata"`
	CreatedTS  time.Time           `bigquery:"created_ts"`
	Actor      bigquery.NullString `bigquery:"actor_id"`
}

// NewActivityRow flattens an activity. Read state is not exported.
func NewActivityRow(a *domain.Activity) (*ActivityRow, error) {
	row := &ActivityRow{
		ActivityID: a.ID,
		TeamID:     string(a.TeamID),
		Type:       string(a.Type),
		Source:     string(a.Source),
		CreatedTS:  a.CreatedAt.UTC(),
	}
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return nil, fmt.Errorf("NewActivityRow: encoding metadata: %w", err)
		}
		row.Metadata = bigquery.NullJSON{JSONVal: string(raw), Valid: true}
	}
	if actor, ok := a.Metadata["actor_id"].(string); ok && actor != "" {
		row.Actor = bigquery.NullString{StringVal: actor, Valid: true}
	}
	return row, nil
}

// ActivitySink streams activities into BigQuery. It satisfies the activity
// hook interface. The activity id is the insert id, so redelivery of the
// same activity is deduplicated by BigQuery's best-effort streaming dedup.
type ActivitySink struct {
	client *Client
}

// NewActivitySink creates a sink writing to the activities table.
func NewActivitySink(c *Client) *ActivitySink {
	return &ActivitySink{client: c}
}

// Name identifies the sink in logs.
func (s *ActivitySink) Name() string { return "bigquery" }

// Notify streams one activity.
func (s *ActivitySink) Notify(ctx context.Context, a *domain.Activity) error {
	return s.Deliver(ctx, a)
}

// Deliver streams one activity.
func (s *ActivitySink) Deliver(ctx context.Context, a *domain.Activity) error {
	row, err := NewActivityRow(a)
	if err != nil {
		return err
	}
	saver := &bigquery.StructSaver{Struct: row, InsertID: a.ID}
	if err := s.client.table(activitiesTable).Inserter().Put(ctx, saver); err != nil {
		return fmt.Errorf("Deliver: inserting activity %s: %w", a.ID, err)
	}
	return nil
}

// QueryActivities returns a team's activities created at or after since,
// newest first.
func (c *Client) QueryActivities(ctx context.Context, teamID domain.TeamID, since time.Time, limit int) ([]*ActivityRow, error) {
	if err := domain.RequireTeam("QueryActivities", teamID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := c.bq.Query(`
		SELECT activity_id, team_id, type, source, metadata, created_ts, actor_id
		FROM ` + c.qualified(activitiesTable) + `
		WHERE team_id = @team_id
		  AND created_ts >= @since
		QUALIFY ROW_NUMBER() OVER (PARTITION BY activity_id ORDER BY created_ts) = 1
		ORDER BY created_ts DESC
		LIMIT @limit
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "team_id", Value: string(teamID)},
		{Name: "since", Value: since.UTC()},
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryActivities: query read: %w", err)
	}
	var rows []*ActivityRow
	for {
		var r ActivityRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryActivities: iter next: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}
