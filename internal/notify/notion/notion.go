// Package notion mirrors activities into a Notion database, one page per
// activity.
package notion

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/notify"
)

// Property names in the target database.
const (
	PropSummary    = "Summary"
	PropActivityID = "Activity ID"
	PropTeam       = "Team"
	PropType       = "Type"
	PropSource     = "Source"
	PropCreated    = "Created"
	PropDetails    = "Details"
)

// Service is the part of the Notion API the transport uses.
type Service interface {
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
	QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

// Client implements Service with the Notion SDK.
type Client struct {
	client *notionapi.Client
}

// NewClient creates a Client with the integration token.
func NewClient(token string) *Client {
	return &Client{client: notionapi.NewClient(notionapi.Token(token))}
}

// CreatePage creates a page in a database.
func (c *Client) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	page, err := c.client.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	})
	if err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}
	return page, nil
}

// QueryDatabase queries a database.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	resp, err := c.client.Database.Query(ctx, notionapi.DatabaseID(databaseID), req)
	if err != nil {
		return nil, fmt.Errorf("QueryDatabase: %w", err)
	}
	return resp, nil
}

// Transport delivers activities as Notion pages. Before creating a page it
// looks the activity id up, so redelivery does not create duplicates.
type Transport struct {
	svc        Service
	databaseID string
	log        zerolog.Logger
}

// NewTransport creates a Transport writing to databaseID.
func NewTransport(svc Service, databaseID string, log zerolog.Logger) *Transport {
	return &Transport{svc: svc, databaseID: databaseID, log: log}
}

// Name identifies the transport in logs.
func (t *Transport) Name() string { return "notion" }

// Deliver creates the page for a unless one already exists.
func (t *Transport) Deliver(ctx context.Context, a *domain.Activity) error {
	exists, err := t.exists(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("Deliver: %w", err)
	}
	if exists {
		t.log.Debug().Str("activity_id", a.ID).Msg("Activity already in Notion")
		return nil
	}
	page, err := t.svc.CreatePage(ctx, t.databaseID, ActivityProperties(a))
	if err != nil {
		return fmt.Errorf("Deliver: %w", err)
	}
	t.log.Info().
		Str("activity_id", a.ID).
		Str("team_id", string(a.TeamID)).
		Str("page_id", string(page.ID)).
		Msg("Activity written to Notion")
	return nil
}

func (t *Transport) exists(ctx context.Context, activityID string) (bool, error) {
	resp, err := t.svc.QueryDatabase(ctx, t.databaseID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: PropActivityID,
			RichText: &notionapi.TextFilterCondition{Equals: activityID},
		},
		PageSize: 1,
	})
	if err != nil {
		return false, err
	}
	for _, page := range resp.Results {
		if ActivityIDOf(page) == activityID {
			return true, nil
		}
	}
	return false, nil
}

// ActivityProperties maps an activity onto the database's properties.
func ActivityProperties(a *domain.Activity) notionapi.Properties {
	created := notionapi.Date(a.CreatedAt)
	props := notionapi.Properties{
		PropSummary: notionapi.TitleProperty{
			Title: []notionapi.RichText{text(notify.Summary(a))},
		},
		PropActivityID: notionapi.RichTextProperty{
			RichText: []notionapi.RichText{text(a.ID)},
		},
		PropTeam: notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(a.TeamID)},
		},
		PropType: notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(a.Type)},
		},
		PropSource: notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(a.Source)},
		},
		PropCreated: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &created},
		},
	}
	if details := notify.Details(a); details != "" {
		props[PropDetails] = notionapi.RichTextProperty{
			RichText: []notionapi.RichText{text(truncate(details, 2000))},
		}
	}
	return props
}

// ActivityIDOf reads the activity id back from a queried page.
func ActivityIDOf(page notionapi.Page) string {
	if prop, ok := page.Properties[PropActivityID]; ok {
		if rt, ok := prop.(*notionapi.RichTextProperty); ok && len(rt.RichText) > 0 {
			if rt.RichText[0].PlainText != "" {
				return rt.RichText[0].PlainText
			}
			if rt.RichText[0].Text != nil {
				return rt.RichText[0].Text.Content
			}
		}
	}
	return ""
}

func text(s string) notionapi.RichText {
	return notionapi.RichText{
		Type: notionapi.ObjectTypeText,
		Text: &notionapi.Text{Content: s},
	}
}

// truncate keeps s within Notion's rich text limit.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
