package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/genai"

	"github.com/dvloznov/teamledger/internal/domain"
)

// BlobReader loads attachment bytes by URI.
type BlobReader interface {
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Extractor reads receipts and invoices with Gemini.
type Extractor struct {
	gen   Generator
	blobs BlobReader
	log   zerolog.Logger
}

// NewExtractor creates an Extractor. blobs may be nil, in which case only
// the item's own fields are sent to the model.
func NewExtractor(gen Generator, blobs BlobReader, log zerolog.Logger) *Extractor {
	return &Extractor{gen: gen, blobs: blobs, log: log}
}

type extraction struct {
	DisplayName *string      `json:"display_name"`
	Type        *string      `json:"type"`
	Amount      *json.Number `json:"amount"`
	Currency    *string      `json:"currency"`
	Date        *string      `json:"date"`
}

const extractPrompt = "You read receipts and invoices for a bookkeeping system.\n\n" +
	"Task:\n" +
	"- Read the attached document(s).\n" +
	"- Output one JSON object with these fields:\n" +
	"- \"display_name\": string or null (merchant or issuer name)\n" +
	"- \"type\": \"expense\" or \"invoice\" or null\n" +
	"- \"amount\": number or null (the total actually paid, positive)\n" +
	"- \"currency\": string or null (ISO-4217 code, e.g. \"EUR\")\n" +
	"- \"date\": string or null, ISO format \"YYYY-MM-DD\"\n\n" +
	"Rules:\n" +
	"- Use null for anything you cannot read with confidence.\n" +
	"- Prefer the grand total including tax over subtotals.\n\n"

// Extract implements the reconciliation engine's extractor.
func (e *Extractor) Extract(ctx context.Context, item *domain.Inbox, attachments []*domain.Attachment) (domain.InboxExtraction, error) {
	var out domain.InboxExtraction

	parts := []*genai.Part{{Text: extractPrompt + describeItem(item) + "\n" + jsonRules}}
	for _, a := range attachments {
		if e.blobs == nil {
			break
		}
		data, err := e.blobs.Get(ctx, a.URI)
		if err != nil {
			return out, fmt.Errorf("Extract: loading attachment %s: %w", a.ID, err)
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: a.ContentType, Data: data}})
	}

	raw, err := e.gen.Generate(ctx, parts)
	if err != nil {
		return out, fmt.Errorf("Extract: %w", err)
	}
	var parsed extraction
	dec := json.NewDecoder(strings.NewReader(cleanModelJSON(raw)))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return out, fmt.Errorf("Extract: unmarshal JSON: %w", err)
	}
	return e.toExtraction(item, parsed), nil
}

// toExtraction keeps only the fields that parse; a bad field is logged and
// left for the user to fill in.
func (e *Extractor) toExtraction(item *domain.Inbox, p extraction) domain.InboxExtraction {
	var out domain.InboxExtraction
	warn := func(field string, err error) {
		e.log.Warn().Err(err).
			Str("team_id", string(item.TeamID)).
			Str("inbox_id", item.ID).
			Str("field", field).
			Msg("Discarding extracted field")
	}

	if p.DisplayName != nil {
		out.DisplayName = strings.TrimSpace(*p.DisplayName)
	}
	if p.Type != nil {
		if t, err := domain.ParseInboxType("Extract", strings.ToLower(*p.Type)); err == nil {
			out.Type = t
		} else {
			warn("type", err)
		}
	}
	if p.Amount != nil {
		if d, err := decimal.NewFromString(p.Amount.String()); err == nil {
			out.Amount = decimal.NewNullDecimal(d.Abs())
		} else {
			warn("amount", err)
		}
	}
	if p.Currency != nil {
		if c, err := domain.ParseCurrency("Extract", *p.Currency); err == nil {
			out.Currency = c
		} else {
			warn("currency", err)
		}
	}
	if p.Date != nil {
		if d, err := time.Parse(time.DateOnly, strings.TrimSpace(*p.Date)); err == nil {
			out.Date = d
		} else {
			warn("date", err)
		}
	}
	return out
}

func describeItem(item *domain.Inbox) string {
	var b strings.Builder
	b.WriteString("Known fields (may be empty):\n")
	fmt.Fprintf(&b, "- display_name: %q\n", item.DisplayName)
	fmt.Fprintf(&b, "- type: %q\n", item.Type)
	if item.Amount.Valid {
		fmt.Fprintf(&b, "- amount: %s\n", item.Amount.Decimal.String())
	}
	if item.Currency != "" {
		fmt.Fprintf(&b, "- currency: %s\n", item.Currency)
	}
	if !item.Date.IsZero() {
		fmt.Fprintf(&b, "- date: %s\n", item.Date.Format(time.DateOnly))
	}
	return b.String()
}
