// Package bigquery streams activities and ledger snapshots to BigQuery for
// analytics. It is a write-behind sink; the operational store stays the
// source of truth.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

const (
	activitiesTable   = "activities"
	transactionsTable = "transactions"
)

// Client holds a shared BigQuery client bound to one dataset.
type Client struct {
	bq      *bigquery.Client
	project string
	dataset string
}

// New creates a Client for project and dataset.
func New(ctx context.Context, project, dataset string) (*Client, error) {
	if project == "" || dataset == "" {
		return nil, fmt.Errorf("New: project and dataset are required")
	}
	bq, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("New: creating client: %w", err)
	}
	return &Client{bq: bq, project: project, dataset: dataset}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c.bq != nil {
		return c.bq.Close()
	}
	return nil
}

func (c *Client) table(name string) *bigquery.Table {
	return c.bq.DatasetInProject(c.project, c.dataset).Table(name)
}

func (c *Client) qualified(name string) string {
	return "`" + c.project + "." + c.dataset + "." + name + "`"
}

// EnsureTables creates the dataset and the analytics tables when missing.
func (c *Client) EnsureTables(ctx context.Context) error {
	ds := c.bq.DatasetInProject(c.project, c.dataset)
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{Name: c.dataset}); err != nil && !alreadyExists(err) {
		return fmt.Errorf("EnsureTables: creating dataset: %w", err)
	}
	for name, row := range map[string]any{
		activitiesTable:   ActivityRow{},
		transactionsTable: TransactionRow{},
	} {
		schema, err := bigquery.InferSchema(row)
		if err != nil {
			return fmt.Errorf("EnsureTables: inferring %s schema: %w", name, err)
		}
		meta := &bigquery.TableMetadata{
			Schema: schema,
			TimePartitioning: &bigquery.TimePartitioning{
				Type:  bigquery.DayPartitioningType,
				Field: "created_ts",
			},
			Clustering: &bigquery.Clustering{Fields: []string{"team_id"}},
		}
		if err := c.table(name).Create(ctx, meta); err != nil && !alreadyExists(err) {
			return fmt.Errorf("EnsureTables: creating %s: %w", name, err)
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}
