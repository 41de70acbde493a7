package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the process configuration shared by all binaries.
type Config struct {
	LogLevel string
	Port     string

	StoreDriver string // memory | sqlite
	SQLitePath  string

	BigQueryProject string
	BigQueryDataset string
	GCSBucket       string
	// BlobDir holds attachments when GCSBucket is empty. It defaults to
	// teamledger-blobs with the sqlite driver; empty keeps them in memory.
	BlobDir string

	// GeminiEnabled switches extraction and scoring to Gemini. Without it
	// items are matched on their own fields with a heuristic scorer.
	GeminiEnabled bool
	GeminiModel   string
	GeminiTimeout time.Duration

	NotionToken      string
	NotionDatabaseID string

	DiscordToken     string
	DiscordChannelID string

	// AuditLog writes every activity as a go-users audit record to the log.
	AuditLog bool

	Matching Matching
	Worker   Worker

	InvoiceSweepInterval time.Duration

	// FXRates maps "FROM/TO" to a rate, e.g. "EUR/USD" -> 1.08.
	FXRates map[string]decimal.Decimal
	// FXRateAge is how many days old the static rates are assumed to be.
	FXRateAge int
}

// Matching holds the reconciliation policy.
type Matching struct {
	AutoThreshold    float64
	ReviewThreshold  float64
	WindowDays       int
	Tolerance        float64
	StalenessPerDay  float64
	MaxTolerance     float64
	ScoreTimeout     time.Duration
	ScoreConcurrency int
	MaxSuggestions   int
	// AnalysisTimeout bounds one shared analysis run. Items left in
	// processing or analyzing for longer are picked up again by Requeue.
	AnalysisTimeout time.Duration
	// Rule is an optional expr predicate a candidate must satisfy.
	Rule string
}

// Worker configures the background job queue.
type Worker struct {
	QueueSize  int
	Workers    int
	MaxRetries int
}

// DefaultMatching is the policy used when nothing is configured.
func DefaultMatching() Matching {
	return Matching{
		AutoThreshold:    0.9,
		ReviewThreshold:  0.5,
		WindowDays:       7,
		Tolerance:        0.02,
		StalenessPerDay:  0.005,
		MaxTolerance:     0.10,
		ScoreTimeout:     5 * time.Second,
		ScoreConcurrency: 4,
		MaxSuggestions:   5,
		AnalysisTimeout:  2 * time.Minute,
	}
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("Load: reading .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, applying defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := &env{get: getenv}
	m := DefaultMatching()

	cfg := &Config{
		LogLevel:         e.str("LOG_LEVEL", "info"),
		Port:             e.str("PORT", "8080"),
		StoreDriver:      e.str("STORE_DRIVER", "memory"),
		SQLitePath:       e.str("SQLITE_PATH", "teamledger.db"),
		BigQueryProject:  e.str("BIGQUERY_PROJECT", ""),
		BigQueryDataset:  e.str("BIGQUERY_DATASET", "teamledger"),
		GCSBucket:        e.str("GCS_BUCKET", ""),
		BlobDir:          e.str("BLOB_DIR", defaultBlobDir(e.str("STORE_DRIVER", "memory"))),
		GeminiEnabled:    e.bool("GEMINI_ENABLED", false),
		GeminiModel:      e.str("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiTimeout:    e.duration("GEMINI_TIMEOUT", 30*time.Second),
		NotionToken:      e.str("NOTION_TOKEN", ""),
		NotionDatabaseID: e.str("NOTION_DATABASE_ID", ""),
		DiscordToken:     e.str("DISCORD_BOT_TOKEN", ""),
		DiscordChannelID: e.str("DISCORD_CHANNEL_ID", ""),
		AuditLog:         e.bool("ACTIVITY_AUDIT_LOG", false),
		Matching: Matching{
			AutoThreshold:    e.float("MATCH_AUTO_THRESHOLD", m.AutoThreshold),
			ReviewThreshold:  e.float("MATCH_REVIEW_THRESHOLD", m.ReviewThreshold),
			WindowDays:       e.int("MATCH_WINDOW_DAYS", m.WindowDays),
			Tolerance:        e.float("MATCH_TOLERANCE", m.Tolerance),
			StalenessPerDay:  e.float("MATCH_STALENESS_PER_DAY", m.StalenessPerDay),
			MaxTolerance:     e.float("MATCH_MAX_TOLERANCE", m.MaxTolerance),
			ScoreTimeout:     e.duration("MATCH_SCORE_TIMEOUT", m.ScoreTimeout),
			ScoreConcurrency: e.int("MATCH_SCORE_CONCURRENCY", m.ScoreConcurrency),
			AnalysisTimeout:  e.duration("MATCH_ANALYSIS_TIMEOUT", m.AnalysisTimeout),
			MaxSuggestions:   e.int("MATCH_MAX_SUGGESTIONS", m.MaxSuggestions),
			Rule:             e.str("MATCH_RULE", ""),
		},
		Worker: Worker{
			QueueSize:  e.int("WORKER_QUEUE_SIZE", 100),
			Workers:    e.int("WORKER_COUNT", 5),
			MaxRetries: e.int("WORKER_MAX_RETRIES", 3),
		},
		InvoiceSweepInterval: e.duration("INVOICE_SWEEP_INTERVAL", time.Minute),
		FXRateAge:            e.int("FX_RATE_AGE_DAYS", 0),
	}

	if raw := e.str("FX_RATES", ""); raw != "" {
		rates, err := ParseRates(raw)
		if err != nil {
			e.errs = append(e.errs, err)
		}
		cfg.FXRates = rates
	}

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("FromEnv: %w", errors.Join(e.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultBlobDir keeps attachments next to a durable store and in memory
// beside the in-memory one.
func defaultBlobDir(driver string) string {
	if driver == "sqlite" {
		return "teamledger-blobs"
	}
	return ""
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be memory or sqlite, got %q", c.StoreDriver))
	}
	if err := c.Matching.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Worker.Workers < 1 || c.Worker.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("worker count and queue size must be positive"))
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("WORKER_MAX_RETRIES must not be negative"))
	}
	if c.InvoiceSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("INVOICE_SWEEP_INTERVAL must be positive"))
	}
	if (c.DiscordToken == "") != (c.DiscordChannelID == "") {
		errs = append(errs, fmt.Errorf("DISCORD_BOT_TOKEN and DISCORD_CHANNEL_ID must be set together"))
	}
	if (c.NotionToken == "") != (c.NotionDatabaseID == "") {
		errs = append(errs, fmt.Errorf("NOTION_TOKEN and NOTION_DATABASE_ID must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("Validate: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks the matching policy is coherent.
func (m Matching) Validate() error {
	var errs []error
	if m.ReviewThreshold < 0 || m.ReviewThreshold >= m.AutoThreshold || m.AutoThreshold > 1 {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 <= review < auto <= 1, got review=%v auto=%v",
			m.ReviewThreshold, m.AutoThreshold))
	}
	if m.WindowDays < 0 {
		errs = append(errs, fmt.Errorf("match window must not be negative"))
	}
	if m.Tolerance < 0 || m.MaxTolerance < m.Tolerance {
		errs = append(errs, fmt.Errorf("tolerance must satisfy 0 <= tolerance <= max tolerance"))
	}
	if m.StalenessPerDay < 0 {
		errs = append(errs, fmt.Errorf("staleness widening must not be negative"))
	}
	if m.ScoreTimeout <= 0 || m.ScoreConcurrency < 1 || m.MaxSuggestions < 1 {
		errs = append(errs, fmt.Errorf("score timeout, concurrency and max suggestions must be positive"))
	}
	if m.AnalysisTimeout < m.ScoreTimeout {
		errs = append(errs, fmt.Errorf("analysis timeout must be at least the score timeout"))
	}
	return errors.Join(errs...)
}

// ParseRates parses "EUR/USD=1.08,GBP/USD=1.27".
func ParseRates(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || !strings.Contains(key, "/") {
			return nil, fmt.Errorf("FX_RATES: malformed entry %q", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("FX_RATES: invalid rate in %q", pair)
		}
		rates[strings.ToUpper(strings.TrimSpace(key))] = rate
	}
	return rates, nil
}

type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
