// Package app wires configuration into running services. The binaries under
// cmd/ differ only in which of the returned pieces they drive.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/activity"
	"github.com/dvloznov/teamledger/internal/activity/usersink"
	"github.com/dvloznov/teamledger/internal/ai"
	"github.com/dvloznov/teamledger/internal/api/handlers"
	"github.com/dvloznov/teamledger/internal/api/middleware"
	"github.com/dvloznov/teamledger/internal/config"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/fx"
	infraBQ "github.com/dvloznov/teamledger/internal/infra/bigquery"
	"github.com/dvloznov/teamledger/internal/infra/gcs"
	"github.com/dvloznov/teamledger/internal/infra/localblob"
	"github.com/dvloznov/teamledger/internal/invoice"
	"github.com/dvloznov/teamledger/internal/jobs/inmemory"
	"github.com/dvloznov/teamledger/internal/keylock"
	"github.com/dvloznov/teamledger/internal/ledger"
	"github.com/dvloznov/teamledger/internal/logger"
	"github.com/dvloznov/teamledger/internal/notify/discord"
	"github.com/dvloznov/teamledger/internal/notify/notion"
	"github.com/dvloznov/teamledger/internal/reconcile"
	"github.com/dvloznov/teamledger/internal/store"
	"github.com/dvloznov/teamledger/internal/store/memory"
	"github.com/dvloznov/teamledger/internal/store/sqlstore"
)

// redeliveryInterval is how often undelivered activities are retried.
const redeliveryInterval = 30 * time.Second

// App holds every service built from one Config.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Store      store.Store
	Activities *activity.Recorder
	Ledger     *ledger.Service
	Engine     *reconcile.Engine
	Invoices   *invoice.Service
	Queue      *inmemory.Queue
	Jobs       *inmemory.Store

	// BigQuery is nil unless BIGQUERY_PROJECT is set.
	BigQuery *infraBQ.Client

	clock      domain.Clock
	dispatcher *activity.Dispatcher
	closers    []func() error
}

// Option adjusts wiring, mostly for tests.
type Option func(*options)

type options struct {
	store  store.Store
	clock  domain.Clock
	scorer reconcile.Scorer
}

// WithStore uses st instead of the configured driver.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithClock sets the clock of every service.
func WithClock(c domain.Clock) Option { return func(o *options) { o.clock = c } }

// WithScorer overrides the configured similarity scorer.
func WithScorer(s reconcile.Scorer) Option { return func(o *options) { o.scorer = s } }

// New builds the services described by cfg. Cloud collaborators are only
// created when configured; call Close to release them.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	o := options{clock: domain.SystemClock}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, Log: log, clock: o.clock}
	if err := a.build(ctx, o); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg, log := a.Config, a.Log

	st := o.store
	if st == nil {
		var err error
		if st, err = openStore(cfg); err != nil {
			return err
		}
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	if cfg.BigQueryProject != "" {
		bq, err := infraBQ.New(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
		if err != nil {
			return fmt.Errorf("app.New: %w", err)
		}
		a.BigQuery = bq
		a.closers = append(a.closers, bq.Close)
	}

	transports, err := a.transports(log)
	if err != nil {
		return err
	}
	var hooks []activity.Hook
	if len(transports) > 0 {
		a.dispatcher = activity.NewDispatcher(activity.DispatcherConfig{}, logger.Component(log, "dispatcher"), transports...)
		hooks = append(hooks, a.dispatcher)
	}
	if cfg.AuditLog {
		hooks = append(hooks, usersink.Hook{
			Sink:    usersink.LogSink{Logger: logger.Component(log, "audit")},
			Channel: "teamledger",
		})
	}
	a.Activities = activity.NewRecorder(st,
		activity.WithClock(o.clock),
		activity.WithHooks(hooks...),
		activity.WithLogger(logger.Component(log, "activity")),
	)

	rates := fx.NewStaticTable(cfg.FXRates, cfg.FXRateAge)
	locks := keylock.New()

	a.Ledger = ledger.New(st, rates, a.Activities,
		ledger.WithClock(o.clock),
		ledger.WithLocker(locks),
		ledger.WithLogger(logger.Component(log, "ledger")),
	)
	a.Invoices = invoice.New(st, a.Activities,
		invoice.WithClock(o.clock),
		invoice.WithLocker(locks),
		invoice.WithLogger(logger.Component(log, "invoice")),
	)

	a.Jobs = inmemory.NewStore()
	a.Queue = inmemory.NewQueue(inmemory.Config{
		BufferSize: cfg.Worker.QueueSize,
		Workers:    cfg.Worker.Workers,
		MaxRetries: cfg.Worker.MaxRetries,
		Clock:      o.clock,
	}, a.Jobs, logger.Component(log, "jobs"))

	engineOpts := []reconcile.Option{
		reconcile.WithClock(o.clock),
		reconcile.WithLocker(locks),
		reconcile.WithPublisher(a.Queue),
		reconcile.WithLogger(logger.Component(log, "reconcile")),
	}
	var blobs interface {
		reconcile.BlobStore
		ai.BlobReader
	}
	if cfg.GCSBucket != "" {
		gcsBlobs, err := gcs.New(ctx, cfg.GCSBucket, "inbox")
		if err != nil {
			return fmt.Errorf("app.New: %w", err)
		}
		a.closers = append(a.closers, gcsBlobs.Close)
		blobs = gcsBlobs
	} else if blobs, err = localblob.New(cfg.BlobDir); err != nil {
		return fmt.Errorf("app.New: %w", err)
	}
	engineOpts = append(engineOpts, reconcile.WithBlobStore(blobs))

	scorer := o.scorer
	if cfg.GeminiEnabled {
		gen, err := ai.NewGemini(ctx, cfg.GeminiModel, cfg.GeminiTimeout)
		if err != nil {
			return fmt.Errorf("app.New: %w", err)
		}
		engineOpts = append(engineOpts, reconcile.WithExtractor(ai.NewExtractor(gen, blobs, logger.Component(log, "extractor"))))
		if scorer == nil {
			scorer = ai.NewScorer(gen)
		}
	}
	if scorer == nil {
		scorer = ai.HeuristicScorer{WindowDays: cfg.Matching.WindowDays}
	}

	a.Engine, err = reconcile.New(st, scorer, rates, a.Activities, cfg.Matching, engineOpts...)
	if err != nil {
		return fmt.Errorf("app.New: %w", err)
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		st, err := sqlstore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		return st, nil
	case "memory", "":
		return memory.New(), nil
	}
	return nil, domain.Validationf("app.New", "unknown store driver %q", cfg.StoreDriver)
}

// transports builds one activity transport per configured channel.
func (a *App) transports(log zerolog.Logger) ([]activity.Transport, error) {
	cfg := a.Config
	var out []activity.Transport
	if a.BigQuery != nil {
		out = append(out, infraBQ.NewActivitySink(a.BigQuery))
	}
	if cfg.NotionToken != "" {
		out = append(out, notion.NewTransport(notion.NewClient(cfg.NotionToken), cfg.NotionDatabaseID, logger.Component(log, "notion")))
	}
	if cfg.DiscordToken != "" {
		session, err := discord.NewSession(cfg.DiscordToken)
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		out = append(out, discord.NewTransport(session, cfg.DiscordChannelID, 0, logger.Component(log, "discord")))
	}
	return out, nil
}

// Handler is the HTTP API with its middleware chain.
func (a *App) Handler() http.Handler {
	mux := handlers.Routes(handlers.Services{
		Ledger:     a.Ledger,
		Inbox:      a.Engine,
		Invoices:   a.Invoices,
		Activities: a.Activities,
		Jobs:       a.Jobs,
	}, a.clock)
	return middleware.RequestID(
		middleware.Logger(a.Log)(
			middleware.Recovery(a.Log)(
				middleware.CORS(mux),
			),
		),
	)
}

// Start runs the activity dispatcher and the analysis workers. They outlive
// ctx's cancellation so that Close can drain them; Close stops them.
func (a *App) Start(ctx context.Context) error {
	a.StartNotifications(ctx)
	if err := a.Queue.Start(context.WithoutCancel(ctx), inmemory.Handler(a.Engine.Process)); err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	return nil
}

// StartNotifications runs only the activity dispatcher, for short-lived
// processes that record activities but do not analyze inbox items.
// Activities the dispatcher could not queue or deliver are retried from the
// store until Close.
func (a *App) StartNotifications(ctx context.Context) {
	if a.dispatcher != nil {
		ctx = context.WithoutCancel(ctx)
		a.dispatcher.Start(ctx)
		go a.dispatcher.RunRedelivery(ctx, a.Store, redeliveryInterval)
	}
}

// Requeue publishes an analysis job for every item still waiting in new or
// pending, and for items left in processing or analyzing for longer than
// the analysis timeout. Jobs live only in memory, so a worker calls this
// after a restart and periodically to pick up items ingested by another
// process or abandoned by a crashed one.
func (a *App) Requeue(ctx context.Context) (int, error) {
	stale := a.clock().Add(-a.Config.Matching.AnalysisTimeout)
	teams, err := a.Store.ListTeamIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("Requeue: listing teams: %w", err)
	}
	queued := 0
	var errs []error
	for _, teamID := range teams {
		items, err := a.Store.ListInbox(ctx, teamID, store.InboxFilter{
			Statuses: []domain.InboxStatus{domain.InboxNew, domain.InboxPending, domain.InboxProcessing, domain.InboxAnalyzing},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("team %s: %w", teamID, err))
			continue
		}
		for _, item := range items {
			inFlight := item.Status == domain.InboxProcessing || item.Status == domain.InboxAnalyzing
			if inFlight && item.UpdatedAt.After(stale) {
				continue
			}
			if err := a.Queue.PublishAnalyzeInbox(ctx, teamID, item.ID); err != nil {
				errs = append(errs, fmt.Errorf("team %s item %s: %w", teamID, item.ID, err))
				continue
			}
			queued++
		}
	}
	if len(errs) > 0 {
		return queued, fmt.Errorf("Requeue: %w", errors.Join(errs...))
	}
	return queued, nil
}

// RunSweeper sweeps invoices every interval until ctx ends. It sweeps once
// immediately.
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) {
	log := logger.Component(a.Log, "sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.Invoices.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("Invoice sweep finished with errors")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the workers, flushes pending notifications and releases every
// client. It waits at most until ctx ends.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping job queue: %w", err))
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping dispatcher: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
