package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/genai"

	"github.com/dvloznov/teamledger/internal/domain"
)

func TestCleanModelJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `{"score": 0.9}`, `{"score": 0.9}`},
		{"json fence", "```json\n{\"score\": 0.9}\n```", `{"score": 0.9}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around", "Sure! Here it is: {\"a\": 1} Hope that helps.", `{"a": 1}`},
		{"nested", "```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanModelJSON(tt.raw); got != tt.want {
				t.Errorf("cleanModelJSON(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

type blobsFunc func(ctx context.Context, uri string) ([]byte, error)

func (f blobsFunc) Get(ctx context.Context, uri string) ([]byte, error) { return f(ctx, uri) }

func TestExtract(t *testing.T) {
	var gotParts []*genai.Part
	gen := GeneratorFunc(func(_ context.Context, parts []*genai.Part) (string, error) {
		gotParts = parts
		return "```json\n{\"display_name\": \" Blue Bottle \", \"type\": \"EXPENSE\", \"amount\": -12.50, \"currency\": \"eur\", \"date\": \"2024-01-09\"}\n```", nil
	})
	blobs := blobsFunc(func(_ context.Context, uri string) ([]byte, error) {
		if uri != "gs://b/team-a/in-1/r.pdf" {
			t.Errorf("uri = %q", uri)
		}
		return []byte("%PDF"), nil
	})
	ex := NewExtractor(gen, blobs, zerolog.Nop())

	item := &domain.Inbox{ID: "in-1", TeamID: "team-a"}
	out, err := ex.Extract(context.Background(), item, []*domain.Attachment{{ID: "att-1", URI: "gs://b/team-a/in-1/r.pdf", ContentType: "application/pdf"}})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out.DisplayName != "Blue Bottle" || out.Type != domain.InboxTypeExpense || out.Currency != "EUR" {
		t.Errorf("out = %+v", out)
	}
	if !out.Amount.Valid || !out.Amount.Decimal.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("amount = %v", out.Amount)
	}
	if !out.Date.Equal(time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v", out.Date)
	}
	if len(gotParts) != 2 || gotParts[1].InlineData == nil || gotParts[1].InlineData.MIMEType != "application/pdf" {
		t.Errorf("parts = %+v", gotParts)
	}
}

func TestExtractDiscardsBadFields(t *testing.T) {
	gen := GeneratorFunc(func(context.Context, []*genai.Part) (string, error) {
		return `{"display_name": null, "amount": 40, "currency": "dollars", "date": "09/01/2024"}`, nil
	})
	out, err := NewExtractor(gen, nil, zerolog.Nop()).Extract(context.Background(), &domain.Inbox{ID: "in-1"}, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out.Currency != "" || !out.Date.IsZero() {
		t.Errorf("bad fields kept: %+v", out)
	}
	if !out.Amount.Valid || !out.Amount.Decimal.Equal(decimal.NewFromInt(40)) {
		t.Errorf("amount = %v", out.Amount)
	}
}

func TestExtractErrors(t *testing.T) {
	boom := errors.New("quota exceeded")
	tests := []struct {
		name  string
		gen   Generator
		blobs BlobReader
	}{
		{"model failure", GeneratorFunc(func(context.Context, []*genai.Part) (string, error) { return "", boom }), nil},
		{"not json", GeneratorFunc(func(context.Context, []*genai.Part) (string, error) { return "I cannot read this", nil }), nil},
		{"blob failure", GeneratorFunc(func(context.Context, []*genai.Part) (string, error) { return "{}", nil }),
			blobsFunc(func(context.Context, string) ([]byte, error) { return nil, boom })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := NewExtractor(tt.gen, tt.blobs, zerolog.Nop())
			_, err := ex.Extract(context.Background(), &domain.Inbox{ID: "in-1"}, []*domain.Attachment{{ID: "a", URI: "gs://b/o"}})
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestScorer(t *testing.T) {
	var prompt string
	gen := GeneratorFunc(func(_ context.Context, parts []*genai.Part) (string, error) {
		prompt = parts[0].Text
		return `{"score": 0.87}`, nil
	})
	item := &domain.Inbox{DisplayName: "Blue Bottle", Amount: decimal.NewNullDecimal(decimal.NewFromInt(12)), Currency: "USD"}
	tx := &domain.Transaction{Name: "BLUE BOTTLE COFFEE", Amount: decimal.NewFromInt(-12), Currency: "USD"}

	score, err := NewScorer(gen).Score(context.Background(), item, tx)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 0.87 {
		t.Errorf("score = %v", score)
	}
	if !strings.Contains(prompt, "BLUE BOTTLE COFFEE") || !strings.Contains(prompt, "Blue Bottle") {
		t.Errorf("prompt is missing names:\n%s", prompt)
	}

	missing := GeneratorFunc(func(context.Context, []*genai.Part) (string, error) { return `{}`, nil })
	if _, err := NewScorer(missing).Score(context.Background(), item, tx); err == nil {
		t.Error("expected an error for a reply without a score")
	}
}

func TestHeuristicScorer(t *testing.T) {
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	item := &domain.Inbox{
		DisplayName: "Starbucks",
		Amount:      decimal.NewNullDecimal(decimal.RequireFromString("4.50")),
		Currency:    "USD",
		Date:        day,
	}
	exact := &domain.Transaction{Name: "STARBUCKS #1234", Amount: decimal.RequireFromString("-4.50"), Currency: "USD", Date: day}
	far := &domain.Transaction{Name: "Shell Oil", Amount: decimal.RequireFromString("-60.00"), Currency: "USD", Date: day.AddDate(0, 0, 6)}

	h := HeuristicScorer{WindowDays: 7}
	good, _ := h.Score(context.Background(), item, exact)
	bad, _ := h.Score(context.Background(), item, far)
	if good < 0.95 {
		t.Errorf("exact match scored %v", good)
	}
	if bad > 0.1 {
		t.Errorf("unrelated transaction scored %v", bad)
	}
	if good > 1 || bad < 0 {
		t.Errorf("scores out of range: %v %v", good, bad)
	}
}

func TestHeuristicScorerComparesLikeUnits(t *testing.T) {
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	tx := &domain.Transaction{
		Name: "Hotel Lisboa", Amount: decimal.RequireFromString("-86.00"), Currency: "GBP",
		BaseAmount: decimal.NewNullDecimal(decimal.RequireFromString("-108.00")), BaseCurrency: "USD", Date: day,
	}
	item := func(amount, ccy string) *domain.Inbox {
		return &domain.Inbox{
			DisplayName: "Hotel Lisboa", Amount: decimal.NewNullDecimal(decimal.RequireFromString(amount)),
			Currency: ccy, Date: day,
		}
	}
	h := HeuristicScorer{WindowDays: 7}
	tests := []struct {
		name     string
		item     *domain.Inbox
		min, max float64
	}{
		{"booked currency", item("86.00", "GBP"), 0.95, 1},
		{"base currency", item("108.00", "USD"), 0.95, 1},
		{"unrelated currency", item("100.00", "EUR"), 0, 0.51},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Score(context.Background(), tt.item, tx)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if got < tt.min || got > tt.max {
				t.Errorf("score = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}
