package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/teamledger/internal/domain"
)

// exportBatchSize bounds one streaming insert request.
const exportBatchSize = 500

// TransactionRow is one exported transaction version.
type TransactionRow struct {
	TransactionID string              `bigquery:"transaction_id"`
	TeamID        string              `bigquery:"team_id"`
	InternalID    string              `bigquery:"internal_id"`
	BankAccountID bigquery.NullString `bigquery:"bank_account_id"`

	TransactionDate civil.Date `bigquery:"transaction_date"`
	Name            string     `bigquery:"name"`
	Method          string     `bigquery:"method"`

	Amount       *big.Rat            `bigquery:"amount"`
	Currency     string              `bigquery:"currency"`
	BaseAmount   *big.Rat            `bigquery:"base_amount"`
	BaseCurrency bigquery.NullString `bigquery:"base_currency"`

	Status       string              `bigquery:"status"`
	CategorySlug bigquery.NullString `bigquery:"category_slug"`
	Tags         []string            `bigquery:"tags"`
	Version      int64               `bigquery:"version"`

	CreatedTS time.Time              `bigquery:"created_ts"`
	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts"`
}

// NewTransactionRow converts a stored transaction into its export row.
func NewTransactionRow(tx *domain.Transaction, exportedAt time.Time) *TransactionRow {
	row := &TransactionRow{
		TransactionID:   tx.ID,
		TeamID:          string(tx.TeamID),
		InternalID:      tx.InternalID,
		BankAccountID:   nullString(tx.BankAccountID),
		TransactionDate: civil.DateOf(tx.Date),
		Name:            tx.Name,
		Method:          string(tx.Method),
		Amount:          tx.Amount.Rat(),
		Currency:        tx.Currency,
		BaseCurrency:    nullString(tx.BaseCurrency),
		Status:          string(tx.Status),
		CategorySlug:    nullString(tx.CategorySlug),
		Tags:            append([]string(nil), tx.Tags...),
		Version:         tx.Version,
		CreatedTS:       exportedAt.UTC(),
		UpdatedTS:       bigquery.NullTimestamp{Timestamp: tx.UpdatedAt.UTC(), Valid: !tx.UpdatedAt.IsZero()},
	}
	if tx.BaseAmount.Valid {
		row.BaseAmount = tx.BaseAmount.Decimal.Rat()
	}
	return row
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// exportInsertID keys a row on transaction id and version, so exporting the
// same version twice is deduplicated while a later version is appended.
func exportInsertID(tx *domain.Transaction) string {
	return tx.ID + ":" + strconv.FormatInt(tx.Version, 10)
}

// ExportTransactions streams transaction snapshots in batches and returns
// how many rows were sent.
func (c *Client) ExportTransactions(ctx context.Context, txs []*domain.Transaction, exportedAt time.Time) (int, error) {
	inserter := c.table(transactionsTable).Inserter()
	sent := 0
	for start := 0; start < len(txs); start += exportBatchSize {
		end := min(start+exportBatchSize, len(txs))
		savers := make([]*bigquery.StructSaver, 0, end-start)
		for _, tx := range txs[start:end] {
			savers = append(savers, &bigquery.StructSaver{
				Struct:   NewTransactionRow(tx, exportedAt),
				InsertID: exportInsertID(tx),
			})
		}
		if err := inserter.Put(ctx, savers); err != nil {
			return sent, fmt.Errorf("ExportTransactions: inserting rows %d-%d: %w", start, end, err)
		}
		sent += len(savers)
	}
	return sent, nil
}

// CategoryTotal is one line of a ledger summary.
type CategoryTotal struct {
	CategorySlug string          `json:"category_slug"`
	Currency     string          `json:"currency"`
	Total        decimal.Decimal `json:"total"`
	Count        int64           `json:"count"`
}

type categoryTotalRow struct {
	CategorySlug bigquery.NullString `bigquery:"category_slug"`
	Currency     string              `bigquery:"currency"`
	Total        *big.Rat            `bigquery:"total"`
	Count        int64               `bigquery:"tx_count"`
}

// SummarizeLedger totals the latest exported version of each non-archived
// transaction per category in the team's base currency, for dates within
// [from, to].
func (c *Client) SummarizeLedger(ctx context.Context, teamID domain.TeamID, from, to civil.Date) ([]CategoryTotal, error) {
	if err := domain.RequireTeam("SummarizeLedger", teamID); err != nil {
		return nil, err
	}
	q := c.bq.Query(`
		WITH latest AS (
			SELECT *
			FROM ` + c.qualified(transactionsTable) + `
			WHERE team_id = @team_id
			  AND transaction_date BETWEEN @from AND @to
			QUALIFY ROW_NUMBER() OVER (PARTITION BY transaction_id ORDER BY version DESC) = 1
		)
		SELECT category_slug, base_currency AS currency, SUM(base_amount) AS total, COUNT(*) AS tx_count
		FROM latest
		WHERE status != 'archived' AND base_amount IS NOT NULL
		GROUP BY category_slug, base_currency
		ORDER BY total
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "team_id", Value: string(teamID)},
		{Name: "from", Value: from},
		{Name: "to", Value: to},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("SummarizeLedger: query read: %w", err)
	}
	var out []CategoryTotal
	for {
		var r categoryTotalRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("SummarizeLedger: iter next: %w", err)
		}
		total := decimal.Zero
		if r.Total != nil {
			total = decimal.NewFromBigRat(r.Total, 2)
		}
		out = append(out, CategoryTotal{
			CategorySlug: r.CategorySlug.StringVal,
			Currency:     r.Currency,
			Total:        total,
			Count:        r.Count,
		})
	}
	return out, nil
}
