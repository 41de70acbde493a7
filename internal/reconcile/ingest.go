package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/keylock"
)

// Upload is one attachment delivered with an inbox item.
type Upload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// InboxPayload is what the ingestion collaborator hands over. Amount,
// Currency and Date are optional; missing ones are extracted later.
type InboxPayload struct {
	Source      string    `json:"source,omitempty"`
	Type        string    `json:"type,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Date        time.Time `json:"date,omitempty"`
	Attachments []Upload  `json:"attachments,omitempty"`
}

// IngestInboxItem stores a new inbox item or returns the one already stored
// under referenceID. created reports whether this call stored it. A new item
// emits inbox_new and is queued for analysis.
func (e *Engine) IngestInboxItem(ctx context.Context, teamID domain.TeamID, referenceID string, payload InboxPayload) (item *domain.Inbox, created bool, err error) {
	const op = "IngestInboxItem"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, false, err
	}
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, false, domain.Validationf(op, "reference_id is required")
	}

	unlock := e.locks.Lock(keylock.Key("inbox", string(teamID), referenceID))
	defer unlock()

	existing, err := e.store.FindInboxByReferenceID(ctx, teamID, referenceID)
	if err != nil {
		return nil, false, fmt.Errorf("IngestInboxItem: loading existing: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	item, err = e.newItem(op, teamID, referenceID, payload)
	if err != nil {
		return nil, false, err
	}

	attachments, err := e.storeUploads(ctx, item, payload.Attachments)
	if err != nil {
		return nil, false, err
	}

	if err := e.store.InsertInbox(ctx, item, attachments); err != nil {
		if domain.IsConflict(err) {
			// Another process stored the same reference first.
			existing, findErr := e.store.FindInboxByReferenceID(ctx, teamID, referenceID)
			if findErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("IngestInboxItem: inserting: %w", err)
	}
	e.log.Info().
		Str("team_id", string(teamID)).
		Str("inbox_id", item.ID).
		Str("reference_id", referenceID).
		Str("status", string(item.Status)).
		Int("attachments", len(attachments)).
		Msg("Inbox item ingested")
	e.record(ctx, teamID, domain.ActivityInboxNew, domain.ActivitySourceSystem, inboxMetadata(item))

	if e.publisher != nil {
		if err := e.publisher.PublishAnalyzeInbox(ctx, teamID, item.ID); err != nil {
			// The item stays in its entry status and can be processed later.
			e.log.Warn().Err(err).
				Str("team_id", string(teamID)).
				Str("inbox_id", item.ID).
				Msg("Failed to queue inbox analysis")
		}
	}
	return item, true, nil
}

func (e *Engine) newItem(op string, teamID domain.TeamID, referenceID string, p InboxPayload) (*domain.Inbox, error) {
	source, err := domain.ParseInboxSource(op, p.Source)
	if err != nil {
		return nil, err
	}
	typ, err := domain.ParseInboxType(op, p.Type)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	item := &domain.Inbox{
		ID:          e.ids.NewID(),
		TeamID:      teamID,
		ReferenceID: referenceID,
		Status:      source.EntryStatus(),
		Type:        typ,
		Source:      source,
		DisplayName: strings.TrimSpace(p.DisplayName),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if strings.TrimSpace(p.Amount) != "" {
		amount, err := domain.ParseAmount(op, p.Amount)
		if err != nil {
			return nil, err
		}
		item.Amount = decimal.NewNullDecimal(amount)
	}
	if strings.TrimSpace(p.Currency) != "" {
		if item.Currency, err = domain.ParseCurrency(op, p.Currency); err != nil {
			return nil, err
		}
	}
	if !p.Date.IsZero() {
		item.Date = domain.DateOnly(p.Date)
	}
	for _, u := range p.Attachments {
		if strings.TrimSpace(u.Name) == "" {
			return nil, domain.Validationf(op, "attachment name is required")
		}
	}
	return item, nil
}

// storeUploads writes blobs before anything is inserted, so a blob store
// failure leaves no item behind.
func (e *Engine) storeUploads(ctx context.Context, item *domain.Inbox, uploads []Upload) ([]*domain.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if e.blobs == nil {
		return nil, domain.Validationf("IngestInboxItem", "attachments are not supported without a blob store")
	}
	out := make([]*domain.Attachment, 0, len(uploads))
	for _, u := range uploads {
		uri, err := e.blobs.Put(ctx, item.TeamID, item.ID, u.Name, u.ContentType, u.Data)
		if err != nil {
			return nil, domain.Dependency("IngestInboxItem", "attachment store", err)
		}
		out = append(out, &domain.Attachment{
			ID:          e.ids.NewID(),
			TeamID:      item.TeamID,
			InboxID:     item.ID,
			Name:        u.Name,
			ContentType: u.ContentType,
			Size:        int64(len(u.Data)),
			URI:         uri,
			CreatedAt:   item.CreatedAt,
		})
	}
	return out, nil
}
