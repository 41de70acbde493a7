package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"google.golang.org/genai"

	"github.com/dvloznov/teamledger/internal/domain"
)

// Scorer asks Gemini how likely an inbox item and a transaction describe the
// same payment.
type Scorer struct {
	gen Generator
}

// NewScorer creates a Gemini-backed Scorer.
func NewScorer(gen Generator) *Scorer {
	return &Scorer{gen: gen}
}

const scorePrompt = "You match receipts to bank transactions.\n\n" +
	"Given one receipt and one bank transaction, estimate the probability that\n" +
	"they describe the same payment. Consider merchant names (bank descriptors\n" +
	"are often abbreviated), amounts, currencies and dates.\n\n" +
	"Output one JSON object: {\"score\": number between 0 and 1}.\n\n"

// Score implements the reconciliation engine's scorer. The score is returned
// as reported; the engine rejects values outside [0, 1].
func (s *Scorer) Score(ctx context.Context, item *domain.Inbox, tx *domain.Transaction) (float64, error) {
	prompt := scorePrompt + "Receipt:\n" + describeItem(item) + "\nTransaction:\n" + describeTransaction(tx) + "\n" + jsonRules
	raw, err := s.gen.Generate(ctx, []*genai.Part{{Text: prompt}})
	if err != nil {
		return 0, fmt.Errorf("Score: %w", err)
	}
	var parsed struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &parsed); err != nil {
		return 0, fmt.Errorf("Score: unmarshal JSON: %w", err)
	}
	if parsed.Score == nil {
		return 0, fmt.Errorf("Score: response has no score")
	}
	return *parsed.Score, nil
}

func describeTransaction(tx *domain.Transaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- name: %q\n", tx.Name)
	fmt.Fprintf(&b, "- amount: %s %s\n", tx.Amount.String(), tx.Currency)
	if tx.BaseAmount.Valid {
		fmt.Fprintf(&b, "- base amount: %s %s\n", tx.BaseAmount.Decimal.String(), tx.BaseCurrency)
	}
	fmt.Fprintf(&b, "- date: %s\n", tx.Date.Format(time.DateOnly))
	fmt.Fprintf(&b, "- method: %s\n", tx.Method)
	return b.String()
}

// HeuristicScorer scores without a model: name token overlap weighted with
// amount closeness and date proximity. It is the fallback when no Gemini
// credentials are configured.
type HeuristicScorer struct {
	// WindowDays is the date distance at which the date signal reaches zero.
	WindowDays int
}

// Score implements the reconciliation engine's scorer.
func (h HeuristicScorer) Score(_ context.Context, item *domain.Inbox, tx *domain.Transaction) (float64, error) {
	window := h.WindowDays
	if window <= 0 {
		window = 7
	}

	name := tokenOverlap(item.DisplayName, tx.Name)

	amount := 0.0
	if got, ok := comparableAmount(item, tx); ok {
		target, _ := item.Amount.Decimal.Abs().Float64()
		if target > 0 {
			amount = math.Max(0, 1-math.Abs(target-got)/target*10)
		}
	}

	date := 0.0
	if !item.Date.IsZero() {
		days := math.Abs(tx.Date.Sub(item.Date).Hours() / 24)
		date = math.Max(0, 1-days/float64(window+1))
	}

	score := 0.5*amount + 0.3*name + 0.2*date
	return math.Min(1, math.Max(0, score)), nil
}

// comparableAmount returns the transaction amount in the item's currency:
// the booked amount, or the base amount when the item is expressed in the
// transaction's base currency. Amounts in unrelated currencies never compare.
func comparableAmount(item *domain.Inbox, tx *domain.Transaction) (float64, bool) {
	if !item.Amount.Valid {
		return 0, false
	}
	switch {
	case item.Currency == tx.Currency:
		got, _ := tx.Amount.Abs().Float64()
		return got, true
	case tx.BaseAmount.Valid && item.Currency == tx.BaseCurrency:
		got, _ := tx.BaseAmount.Decimal.Abs().Float64()
		return got, true
	}
	return 0, false
}

// tokenOverlap is the share of a's tokens found in b. Tokens match on prefix,
// so truncated bank descriptors like "STARBUCKS COFF" still count.
func tokenOverlap(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	hits := 0
	for _, x := range ta {
		for _, y := range tb {
			if strings.HasPrefix(x, y) || strings.HasPrefix(y, x) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(ta))
}

func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
