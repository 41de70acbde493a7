package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/teamledger/internal/app"
	"github.com/dvloznov/teamledger/internal/config"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/ledger"
	"github.com/dvloznov/teamledger/internal/logger"
	"github.com/dvloznov/teamledger/internal/reconcile"
	"github.com/dvloznov/teamledger/internal/store"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app.App, args []string) error
}

var commands = []command{
	{"team", "Register a team", runTeam},
	{"ingest", "Ingest bank transactions from a JSON file", runIngest},
	{"inbox", "Add an inbox item, optionally with an attachment", runInbox},
	{"reanalyze", "Re-run matching for an inbox item", runReanalyze},
	{"inspect", "Show an inbox item and its suggestions", runInspect},
	{"sweep", "Send due scheduled invoices and flag overdue ones", runSweep},
	{"export", "Export transactions to BigQuery and print a category summary", runExport},
	{"activities", "List a team's activities from BigQuery", runActivities},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	a.StartNotifications(ctx)
	runErr := cmd.run(ctx, a, os.Args[2:])
	if err := a.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Error releasing services")
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Str("command", name).Msg("Command failed")
	}
}

func printUsage() {
	fmt.Println("Team ledger CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	for _, c := range commands {
		fmt.Printf("  %-11s %s\n", c.name, c.usage)
	}
	fmt.Println("  help        Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func runTeam(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("team", flag.ExitOnError)
	id := fs.String("id", "", "Team ID")
	name := fs.String("name", "", "Display name")
	base := fs.String("currency", "USD", "Base currency")
	plan := fs.String("plan", "", "Plan: trial, starter or pro")
	fs.Parse(args)

	team := &domain.Team{ID: domain.TeamID(*id), Name: *name, BaseCurrency: *base, Plan: domain.Plan(*plan)}
	if err := a.Ledger.CreateTeam(ctx, team); err != nil {
		return err
	}
	fmt.Printf("Created team %s (%s, %s)\n", team.ID, team.BaseCurrency, team.Plan)
	return nil
}

// runIngest reads either a JSON array of transactions or an object with a
// "transactions" array, the shape the bank sync posts to the API.
func runIngest(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	teamID := fs.String("team", "", "Team ID")
	file := fs.String("file", "", "Path to a JSON file of transactions")
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	recs, err := decodeTransactions(raw)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", *file, err)
	}

	results, err := a.Ledger.IngestTransactions(ctx, domain.TeamID(*teamID), recs)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INTERNAL ID\tOUTCOME\tERROR")
	failed := 0
	for _, r := range results {
		msg := ""
		if r.Err != nil {
			failed++
			msg = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.InternalID, r.Outcome, msg)
	}
	w.Flush()
	fmt.Printf("\n%d records, %d failed\n", len(results), failed)
	return nil
}

func decodeTransactions(raw []byte) ([]ledger.ExternalTransaction, error) {
	var recs []ledger.ExternalTransaction
	if err := json.Unmarshal(raw, &recs); err == nil {
		return recs, nil
	}
	var wrapped struct {
		Transactions []ledger.ExternalTransaction `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Transactions, nil
}

func runInbox(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("inbox", flag.ExitOnError)
	teamID := fs.String("team", "", "Team ID")
	ref := fs.String("ref", "", "Reference ID, unique per team")
	name := fs.String("name", "", "Display name, e.g. the vendor")
	amount := fs.String("amount", "", "Amount, e.g. 45.00")
	currency := fs.String("currency", "", "ISO currency code")
	date := fs.String("date", "", "Document date, YYYY-MM-DD")
	file := fs.String("file", "", "Attachment to upload (GCS_BUCKET, else BLOB_DIR)")
	analyze := fs.Bool("analyze", false, "Run matching now instead of leaving it to a worker")
	fs.Parse(args)

	payload := reconcile.InboxPayload{
		Source:      "upload",
		DisplayName: *name,
		Amount:      *amount,
		Currency:    *currency,
	}
	if *date != "" {
		d, err := time.Parse(time.DateOnly, *date)
		if err != nil {
			return fmt.Errorf("-date must be YYYY-MM-DD: %w", err)
		}
		payload.Date = d
	}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		payload.Attachments = []reconcile.Upload{{
			Name:        filepath.Base(*file),
			ContentType: http.DetectContentType(data),
			Data:        data,
		}}
	}

	item, created, err := a.Engine.IngestInboxItem(ctx, domain.TeamID(*teamID), *ref, payload)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("Reference %s already stored as %s\n", *ref, item.ID)
	}
	if *analyze {
		if item, err = a.Engine.Process(ctx, item.TeamID, item.ID); err != nil {
			return err
		}
	}
	return printInbox(ctx, a, item)
}

func runReanalyze(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("reanalyze", flag.ExitOnError)
	teamID := fs.String("team", "", "Team ID")
	id := fs.String("id", "", "Inbox item ID")
	fs.Parse(args)

	item, err := a.Engine.Reanalyze(ctx, domain.TeamID(*teamID), *id)
	if err != nil {
		return err
	}
	return printInbox(ctx, a, item)
}

func runInspect(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	teamID := fs.String("team", "", "Team ID")
	id := fs.String("id", "", "Inbox item ID")
	fs.Parse(args)

	item, err := a.Engine.GetInbox(ctx, domain.TeamID(*teamID), *id)
	if err != nil {
		return err
	}
	return printInbox(ctx, a, item)
}

func printInbox(ctx context.Context, a *app.App, item *domain.Inbox) error {
	fmt.Println("\n=== Inbox Item ===")
	fmt.Printf("ID:          %s\n", item.ID)
	fmt.Printf("Reference:   %s\n", item.ReferenceID)
	fmt.Printf("Status:      %s\n", item.Status)
	fmt.Printf("Name:        %s\n", item.DisplayName)
	if item.Amount.Valid {
		fmt.Printf("Amount:      %s %s\n", item.Amount.Decimal.StringFixed(2), item.Currency)
	}
	if !item.Date.IsZero() {
		fmt.Printf("Date:        %s\n", item.Date.Format(time.DateOnly))
	}
	if item.TransactionID != "" {
		fmt.Printf("Transaction: %s\n", item.TransactionID)
	}

	suggestions, err := a.Engine.ListSuggestions(ctx, item.TeamID, item.ID)
	if err != nil {
		return err
	}
	fmt.Printf("\n=== Suggestions (%d) ===\n", len(suggestions))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tTRANSACTION\tSCORE\tDAYS\tSTATUS")
	for _, s := range suggestions {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%d\t%s\n", s.Rank, s.TransactionID, s.Score, s.DaysApart, s.Status)
	}
	return w.Flush()
}

func runSweep(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	fs.Parse(args)

	res, err := a.Invoices.Sweep(ctx)
	fmt.Printf("Sent %d, marked overdue %d, failed %d\n", res.Sent, res.Overdue, res.Failed)
	return err
}

func runExport(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	teamID := fs.String("team", "", "Team ID")
	from := fs.String("from", "", "First date, YYYY-MM-DD (default: 30 days ago)")
	to := fs.String("to", "", "Last date, YYYY-MM-DD (default: today)")
	fs.Parse(args)
	if a.BigQuery == nil {
		return fmt.Errorf("BIGQUERY_PROJECT is not set")
	}

	today := civil.DateOf(time.Now().UTC())
	start, end := today.AddDays(-30), today
	var err error
	if *from != "" {
		if start, err = civil.ParseDate(*from); err != nil {
			return fmt.Errorf("-from: %w", err)
		}
	}
	if *to != "" {
		if end, err = civil.ParseDate(*to); err != nil {
			return fmt.Errorf("-to: %w", err)
		}
	}

	team := domain.TeamID(*teamID)
	txs, err := a.Ledger.ListTransactions(ctx, team, store.TransactionFilter{
		From: start.In(time.UTC),
		To:   end.In(time.UTC),
	})
	if err != nil {
		return err
	}
	n, err := a.BigQuery.ExportTransactions(ctx, txs, time.Now().UTC())
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("team_id", string(team)).
		Int("exported", n).
		Str("from", start.String()).
		Str("to", end.String()).
		Msg("Exported transactions")

	totals, err := a.BigQuery.SummarizeLedger(ctx, team, start, end)
	if err != nil {
		return err
	}
	fmt.Printf("\n=== %s to %s ===\n", start, end)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "CATEGORY\tTOTAL\tCURRENCY\tCOUNT\t")
	for _, t := range totals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t\n", t.CategorySlug, t.Total.StringFixed(2), t.Currency, t.Count)
	}
	return w.Flush()
}

func runActivities(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("activities", flag.ExitOnError)
	teamID := fs.String("team", "", "Team ID")
	since := fs.Duration("since", 24*time.Hour, "How far back to look")
	limit := fs.Int("limit", 50, "Maximum rows")
	fs.Parse(args)
	if a.BigQuery == nil {
		return fmt.Errorf("BIGQUERY_PROJECT is not set")
	}

	rows, err := a.BigQuery.QueryActivities(ctx, domain.TeamID(*teamID), time.Now().Add(-*since), *limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tTYPE\tSOURCE\tID")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.CreatedTS.Format(time.RFC3339), r.Type, r.Source, r.ActivityID)
	}
	return w.Flush()
}
